package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger builds the process logger from LoggingConfig. Format
// "console" renders human-readable lines for local development;
// anything else emits JSON. The result is also installed as the
// package-global zerolog logger.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := io.Writer(os.Stdout)
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	}

	logger := zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", "mrs").
		Logger()
	log.Logger = logger
	return logger
}
