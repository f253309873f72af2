package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mrs-federation/server/internal/api"
	"github.com/mrs-federation/server/internal/auth"
	"github.com/mrs-federation/server/internal/auth/keys"
	"github.com/mrs-federation/server/internal/config"
	"github.com/mrs-federation/server/internal/domain/federation"
	"github.com/mrs-federation/server/internal/domain/registry"
	"github.com/mrs-federation/server/internal/storage/sqlite"
)

var (
	serverHost string
	serverPort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MRS HTTP server",
	Long: `Start the MRS HTTP server and begin accepting requests.

The server will:
- Load configuration from MRS_* environment variables
- Open the SQLite database and apply pending migrations
- Generate the _server signing key on first run
- Register bootstrap peers and start the sync, refresh, and GC loops
- Handle graceful shutdown on SIGINT/SIGTERM`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serverHost, "host", "", "server host address (default: 0.0.0.0)")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "server port (default: 8080)")
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if serverHost != "" {
		cfg.Server.Host = serverHost
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}

	logger := config.NewLogger(cfg.Logging)
	logger.Info().Str("server_url", cfg.Server.URL).Msg("starting MRS server")

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := sqlite.MigrateUp(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	repo, err := sqlite.NewRepository(db)
	if err != nil {
		return fmt.Errorf("repository init: %w", err)
	}

	keysvc := keys.NewService(repo, cfg.Server.Domain)
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	serverKey, err := keysvc.EnsureServerKey(bootCtx)
	if err != nil {
		bootCancel()
		return fmt.Errorf("server key bootstrap: %w", err)
	}
	logger.Info().Str("key_id", serverKey.KeyID).Msg("server signing key ready")

	cache := keys.NewCache(nil, cfg.Auth.KeyCacheTTL)
	authSvc := auth.NewService(repo, cache, keysvc, cfg.Server.Domain, cfg.Auth.TokenExpiry)

	client := federation.NewClient(&serverKeySource{keys: keysvc, serverURL: cfg.Server.URL})
	fedSvc := federation.NewService(repo.FederationStore(), client, cfg.Server.URL, cfg.Server.Domain)
	regSvc := registry.NewService(repo.RegistryStore(), fedSvc, registry.Config{
		ServerURL:  cfg.Server.URL,
		MaxRadius:  cfg.Registry.MaxRadiusM,
		MaxResults: cfg.Registry.MaxResults,
		MaxPerUser: cfg.Registry.MaxPerUser,
	})

	for _, peerURL := range cfg.Federation.BootstrapPeers {
		if _, err := fedSvc.AddPeer(bootCtx, peerURL, federation.SourceConfigured); err != nil {
			logger.Warn().Err(err).Str("peer", peerURL).Msg("bootstrap peer rejected")
		}
	}
	bootCancel()

	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()
	go syncLoop(loopCtx, fedSvc, cfg.Federation.SyncInterval, logger)
	go refreshLoop(loopCtx, fedSvc, cfg.Federation.RefreshInterval, logger)
	go gcLoop(loopCtx, repo, fedSvc, cfg.Federation, logger)

	router := api.NewRouter(cfg, api.Services{
		Auth:       authSvc,
		Keys:       keysvc,
		Registry:   regSvc,
		Federation: fedSvc,
		Version:    Version,
	}, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	return gracefulShutdown(server, logger)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}

// serverKeySource resolves the current _server key per sync pull, so a
// rotated key takes effect without a restart.
type serverKeySource struct {
	keys      *keys.Service
	serverURL string
}

func (s *serverKeySource) ServerKey(ctx context.Context) (federation.ServerKey, error) {
	key, err := s.keys.EnsureServerKey(ctx)
	if err != nil {
		return federation.ServerKey{}, err
	}
	identity := s.keys.ServerIdentity()
	return federation.ServerKey{
		Identity:      identity,
		KeyURL:        s.serverURL + "/.well-known/mrs/keys/" + identity + "#" + key.KeyID,
		PrivateKeyPEM: key.PrivateKey,
	}, nil
}

func syncLoop(ctx context.Context, fedSvc *federation.Service, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fedSvc.SyncAll(logger.WithContext(ctx))
		}
	}
}

func refreshLoop(ctx context.Context, fedSvc *federation.Service, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fedSvc.RefreshAll(logger.WithContext(ctx))
		}
	}
}

// gcLoop purges expired tombstones, trimmed change-log rows, and
// expired bearer tokens on one shared ticker.
func gcLoop(ctx context.Context, repo *sqlite.Repository, fedSvc *federation.Service, cfg config.FederationConfig, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fedSvc.PurgeExpired(ctx, cfg.TombstoneRetention); err != nil {
				logger.Error().Err(err).Msg("tombstone gc failed")
			}
			if purged, err := repo.Tokens().PurgeExpired(ctx, time.Now().UTC()); err != nil {
				logger.Error().Err(err).Msg("token gc failed")
			} else if purged > 0 {
				logger.Info().Int64("purged", purged).Msg("expired tokens purged")
			}
		}
	}
}

func gracefulShutdown(server *http.Server, logger zerolog.Logger) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}
