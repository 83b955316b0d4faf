/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the authorization quota ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve          Start the HTTP API
  migrate up     Apply PostgreSQL migrations
  migrate down   Roll back PostgreSQL migrations

STARTUP SEQUENCE (serve):
  1. Load and validate configuration (env + optional .env)
  2. Open the store selected by STORE_DRIVER
  3. Build audit sinks (log, metrics, optional Redis stream)
  4. Wire executor -> ledger -> detector -> guardrail
  5. Configure HTTP router
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close store and Redis connections
  4. Exit

EXAMPLES:
  # SQLite file database
  STORE_DRIVER=sqlite SQLITE_PATH=./data/ledger.db ./server serve

  # PostgreSQL with migrations applied at startup
  STORE_DRIVER=postgres DATABASE_URL=postgres://... ./server serve --migrate

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dadesina/omnirapeutic-sub000/api"
	"github.com/dadesina/omnirapeutic-sub000/audit"
	"github.com/dadesina/omnirapeutic-sub000/config"
	"github.com/dadesina/omnirapeutic-sub000/executor"
	"github.com/dadesina/omnirapeutic-sub000/generic"
	"github.com/dadesina/omnirapeutic-sub000/generic/store"
	"github.com/dadesina/omnirapeutic-sub000/guardrail"
	"github.com/dadesina/omnirapeutic-sub000/logging"
	"github.com/dadesina/omnirapeutic-sub000/metrics"
	"github.com/dadesina/omnirapeutic-sub000/quota"
	"github.com/dadesina/omnirapeutic-sub000/scheduling"
	"github.com/dadesina/omnirapeutic-sub000/store/postgres"
	"github.com/dadesina/omnirapeutic-sub000/store/sqlite"
	"github.com/dadesina/omnirapeutic-sub000/units"
)

// auditStreamMaxLen bounds the Redis audit stream (approximate trim).
const auditStreamMaxLen = 100_000

func main() {
	rootCmd := &cobra.Command{
		Use:   "ledger-server",
		Short: "Authorization quota ledger and scheduling guardrail API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ledger API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply PostgreSQL migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL migrations (SQLite migrates itself on open)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPostgresConfig()
			if err != nil {
				return err
			}
			if err := postgres.MigrateUp(cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Println("migrations complete")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPostgresConfig()
			if err != nil {
				return err
			}
			if err := postgres.MigrateDown(cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Println("migrations rolled back")
			return nil
		},
	})

	return cmd
}

func loadPostgresConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

// =============================================================================
// SERVE
// =============================================================================

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.Env)

	ctx := context.Background()
	if migrate && cfg.StoreDriver == config.DriverPostgres {
		if err := postgres.MigrateUp(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info().Msg("migrations applied")
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer be.close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ledgerMetrics := metrics.NewLedgerMetrics(reg)

	sinks, closeSinks, err := auditSinks(cfg, logger, ledgerMetrics)
	if err != nil {
		return fmt.Errorf("configure audit sinks: %w", err)
	}
	defer closeSinks()

	handler, err := buildHandler(cfg, be, sinks, ledgerMetrics, logger)
	if err != nil {
		return fmt.Errorf("wire ledger: %w", err)
	}

	router := api.NewRouter(handler, api.RouterConfig{
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
		Gatherer:    reg,
		Ping:        be.ping,
		Scenarios:   cfg.IsDev(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		logger.Error().Err(err).Msg("server failed")
		return fmt.Errorf("serve: %w", err)
	case <-quit:
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// =============================================================================
// WIRING
// =============================================================================

// backend is the store selected by STORE_DRIVER.
type backend struct {
	store generic.Store
	admin api.Store
	ping  func(ctx context.Context) error
	close func()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &backend{store: s, admin: s, ping: s.Ping, close: func() { s.Close() }}, nil

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		s := postgres.New(pool)
		return &backend{store: s, admin: s, ping: s.Ping, close: s.Close}, nil

	case config.DriverMemory:
		m := store.NewMemory()
		return &backend{store: m, admin: m, close: func() {}}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// auditSinks fans audit events out to the log, Prometheus and, when
// REDIS_URL is set, a Redis stream.
func auditSinks(cfg *config.Config, logger zerolog.Logger, m *metrics.LedgerMetrics) (audit.Multi, func(), error) {
	sinks := audit.Multi{audit.NewLogSink(logger), audit.NewMetricsSink(m)}
	if cfg.RedisURL == "" {
		return sinks, func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	sinks = append(sinks, audit.NewRedisStreamSink(client, cfg.AuditStream, auditStreamMaxLen))
	return sinks, func() { _ = client.Close() }, nil
}

func buildHandler(cfg *config.Config, be *backend, sinks audit.Sink, m *metrics.LedgerMetrics, logger zerolog.Logger) (*api.Handler, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	overrun, err := guardrail.ParseOverrunPolicy(cfg.OverrunPolicy)
	if err != nil {
		return nil, err
	}
	rule, err := units.ParseRule(cfg.UnitRoundingRule)
	if err != nil {
		return nil, err
	}
	calc, err := units.NewCalculator(cfg.UnitMinutes, rule)
	if err != nil {
		return nil, err
	}

	publisher := audit.NewPublisher(sinks, logger)
	exec := executor.New(be.store, cfg.RetryPolicy(), executor.WithLogger(logger), executor.WithMetrics(m))
	ledger := quota.New(exec, quota.WithLocation(loc), quota.WithAudit(publisher))
	detector := scheduling.NewDetector(exec)
	g := guardrail.New(exec, ledger, detector, guardrail.WithOverrunPolicy(overrun), guardrail.WithAudit(publisher))

	return api.NewHandler(be.admin, g, ledger, detector, calc, logger), nil
}
