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
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/coldvault/coldvault/server/internal/agentregistry"
	"github.com/coldvault/coldvault/server/internal/api"
	"github.com/coldvault/coldvault/server/internal/db"
	"github.com/coldvault/coldvault/server/internal/intake"
	"github.com/coldvault/coldvault/server/internal/metrics"
	"github.com/coldvault/coldvault/server/internal/orchestrator"
	"github.com/coldvault/coldvault/server/internal/repository"
	"github.com/coldvault/coldvault/server/internal/scheduler"
	"github.com/coldvault/coldvault/server/internal/snapshotstore"
	"github.com/coldvault/coldvault/server/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr     string
	dbDriver     string
	dbDSN        string
	sharedSecret string
	logLevel     string
	dataDir      string
	maxGlobal    int64
	maxPerAgent  int64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "coldvault-server",
		Short: "coldvault server — central backup orchestration server",
		Long: `coldvault server is the central component of the coldvault backup system.
It schedules recurring backup jobs, orchestrates runs across a fleet of
remote agents over a reverse control-plane WebSocket, and serves the
snapshot file store and REST API used by the dashboard.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("COLDVAULT_HTTP_ADDR", ":8080"), "HTTP API, WebSocket, and file-transfer listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("COLDVAULT_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("COLDVAULT_DB_DSN", "./coldvault.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.sharedSecret, "shared-secret", envOrDefault("COLDVAULT_SHARED_SECRET", ""), "Shared bearer token for both the REST API and agent connections (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("COLDVAULT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("COLDVAULT_DATA_DIR", "./data"), "Directory for snapshot version storage")
	root.PersistentFlags().Int64Var(&cfg.maxGlobal, "max-global-backups", 8, "Maximum number of backups running concurrently across all agents")
	root.PersistentFlags().Int64Var(&cfg.maxPerAgent, "max-per-agent-backups", 2, "Maximum number of backups running concurrently on the same agent")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coldvault-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.sharedSecret == "" {
		return fmt.Errorf("shared secret is required — set --shared-secret or COLDVAULT_SHARED_SECRET")
	}

	logger.Info("starting coldvault server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 2. Repositories ---
	agentRepo := repository.NewAgentRepository(gormDB)
	jobRepo := repository.NewJobRepository(gormDB)
	snapshotRepo := repository.NewSnapshotRepository(gormDB)
	notificationRepo := repository.NewNotificationRepository(gormDB)
	settingsRepo := repository.NewSettingsRepository(gormDB)

	// --- 3. Snapshot store ---
	store, err := snapshotstore.New(cfg.dataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize snapshot store: %w", err)
	}

	// --- 4. Metrics, registry, hub ---
	m := metrics.New(prometheus.DefaultRegisterer)
	registry := agentregistry.New(logger)
	hub := websocket.NewHub()
	go hub.Run(ctx)

	// --- 5. Orchestrator ---
	orch := orchestrator.New(orchestrator.Config{
		MaxGlobal:   cfg.maxGlobal,
		MaxPerAgent: cfg.maxPerAgent,
	}, jobRepo, snapshotRepo, agentRepo, registry, store, m, logger)

	// --- 6. Scheduler ---
	sched, err := scheduler.New(jobRepo, orch, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 7. File-transfer ingress ---
	intakeHandler := intake.New(store, snapshotRepo, orch, m, logger)

	// --- 8. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Scheduler:     sched,
		Orchestrator:  orch,
		Registry:      registry,
		Hub:           hub,
		Intake:        intakeHandler,
		Metrics:       m,
		Logger:        logger,
		Agents:        agentRepo,
		Jobs:          jobRepo,
		Snapshots:     snapshotRepo,
		Notifications: notificationRepo,
		Settings:      settingsRepo,
		SharedSecret:  cfg.sharedSecret,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down coldvault server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("coldvault server stopped")
	return nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
