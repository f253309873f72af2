// Package config loads server configuration from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mrs-federation/server/internal/domain/geo"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Registry   RegistryConfig
	Auth       AuthConfig
	Federation FederationConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host string
	Port int
	// URL is the canonical public base URL; it becomes origin_server on
	// every record this server authors.
	URL string
	// Domain names local identities. MRS_SERVER_DOMAIN overrides the
	// hostname derived from URL.
	Domain     string
	AdminEmail string
	Hint       string
	// AuthoritativeRegions are advertised in the well-known document.
	AuthoritativeRegions []geo.Geometry
}

type DatabaseConfig struct {
	Path string
}

type RegistryConfig struct {
	// MaxRadiusM caps registered sphere radii and search ranges.
	MaxRadiusM float64
	MaxResults int
	// MaxPerUser caps local registrations per owner, 0 means unlimited.
	MaxPerUser int
}

type AuthConfig struct {
	TokenExpiry time.Duration
	KeyCacheTTL time.Duration
}

type FederationConfig struct {
	// BootstrapPeers are base URLs configured as peers at startup.
	BootstrapPeers []string
	SyncInterval   time.Duration
	// RefreshInterval paces well-known metadata refreshes.
	RefreshInterval time.Duration
	// TombstoneRetention is clamped to a 30-day minimum at purge time.
	TombstoneRetention time.Duration
	GCInterval         time.Duration
}

type RateLimitConfig struct {
	// Requests per minute per client IP; 0 disables the tier.
	SearchPerMinute int
	WritePerMinute  int
	SyncPerMinute   int
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host:       getEnv("MRS_HOST", "0.0.0.0"),
			Port:       getEnvInt("MRS_PORT", 8080),
			URL:        getEnv("MRS_SERVER_URL", ""),
			Domain:     getEnv("MRS_SERVER_DOMAIN", ""),
			AdminEmail: getEnv("MRS_ADMIN_EMAIL", ""),
			Hint:       getEnv("MRS_HINT", ""),
		},
		Database: DatabaseConfig{
			Path: getEnv("MRS_DATABASE_PATH", "mrs.db"),
		},
		Registry: RegistryConfig{
			MaxRadiusM: getEnvFloat("MRS_MAX_RADIUS", 1_000_000),
			MaxResults: getEnvInt("MRS_MAX_RESULTS", 100),
			MaxPerUser: getEnvInt("MRS_MAX_REGISTRATIONS_PER_USER", 0),
		},
		Auth: AuthConfig{
			TokenExpiry: time.Duration(getEnvInt("MRS_TOKEN_EXPIRY_HOURS", 24)) * time.Hour,
			KeyCacheTTL: time.Duration(getEnvInt("MRS_KEY_CACHE_TTL_SECONDS", 3600)) * time.Second,
		},
		Federation: FederationConfig{
			BootstrapPeers:     parsePeerList(getEnv("MRS_BOOTSTRAP_PEERS", "")),
			SyncInterval:       time.Duration(getEnvInt("MRS_SYNC_INTERVAL_SECONDS", 60)) * time.Second,
			RefreshInterval:    time.Duration(getEnvInt("MRS_PEER_REFRESH_MINUTES", 15)) * time.Minute,
			TombstoneRetention: time.Duration(getEnvInt("MRS_TOMBSTONE_RETENTION_DAYS", 30)) * 24 * time.Hour,
			GCInterval:         time.Duration(getEnvInt("MRS_GC_INTERVAL_MINUTES", 60)) * time.Minute,
		},
		RateLimit: RateLimitConfig{
			SearchPerMinute: getEnvInt("MRS_RATE_LIMIT_SEARCH", 300),
			WritePerMinute:  getEnvInt("MRS_RATE_LIMIT_WRITE", 60),
			SyncPerMinute:   getEnvInt("MRS_RATE_LIMIT_SYNC", 600),
		},
		Logging: LoggingConfig{
			Level:  getEnv("MRS_LOG_LEVEL", "info"),
			Format: getEnv("MRS_LOG_FORMAT", "json"),
		},
	}

	if cfg.Server.URL == "" {
		return Config{}, fmt.Errorf("MRS_SERVER_URL is required")
	}
	u, err := url.Parse(cfg.Server.URL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return Config{}, fmt.Errorf("MRS_SERVER_URL must be an absolute http(s) URL, got %q", cfg.Server.URL)
	}
	cfg.Server.URL = strings.TrimSuffix(cfg.Server.URL, "/")
	if cfg.Server.Domain == "" {
		cfg.Server.Domain = u.Hostname()
	}
	cfg.Server.Domain = strings.ToLower(cfg.Server.Domain)

	if regions := os.Getenv("MRS_AUTHORITATIVE_REGIONS"); regions != "" {
		if err := json.Unmarshal([]byte(regions), &cfg.Server.AuthoritativeRegions); err != nil {
			return Config{}, fmt.Errorf("MRS_AUTHORITATIVE_REGIONS must be a JSON array of geometries: %v", err)
		}
	}

	if cfg.Registry.MaxRadiusM <= 0 {
		return Config{}, fmt.Errorf("MRS_MAX_RADIUS must be positive")
	}
	return cfg, nil
}

// parsePeerList accepts a JSON array of URLs; a plain comma-separated
// list is tolerated as a lenient fallback.
func parsePeerList(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if strings.HasPrefix(value, "[") {
		var peers []string
		if err := json.Unmarshal([]byte(value), &peers); err == nil {
			return peers
		}
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
