// Package main is the entry point for the coldvault-agent binary.
// It wires the executor and connection manager together and starts the
// connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build executor (HTTP client for the file-transfer endpoints)
//  4. Build connection manager (control-plane WebSocket client)
//  5. Start the executor worker and connection loop
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/agent/internal/connection"
	"github.com/coldvault/coldvault/agent/internal/executor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverAddr   string
	sharedSecret string
	stateDir     string
	logLevel     string
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
		Use:   "coldvault-agent",
		Short: "coldvault agent — backup agent for the coldvault system",
		Long: `coldvault agent runs on each machine to be backed up. It connects to
the coldvault server over a persistent reverse control-plane WebSocket,
receives backup jobs, walks its configured source roots, and uploads new
and changed files directly to the server's snapshot store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverAddr, "server-addr", envOrDefault("COLDVAULT_SERVER", "http://localhost:8080"), "coldvault server base address")
	root.PersistentFlags().StringVar(&cfg.sharedSecret, "shared-secret", envOrDefault("COLDVAULT_SHARED_SECRET", ""), "Shared secret for server authentication (must match the server's --shared-secret)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("COLDVAULT_STATE_DIR", defaultStateDir()), "Directory for agent state (agent-state.json)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("COLDVAULT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coldvault-agent %s (commit: %s, built: %s)\n", version, commit, date)
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
		logger.Warn("shared-secret not configured — connection to the server is unauthenticated (set COLDVAULT_SHARED_SECRET in production)")
	}

	logger.Info("starting coldvault agent",
		zap.String("version", version),
		zap.String("server", cfg.serverAddr),
		zap.String("state_dir", cfg.stateDir),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Executor ---
	// No request timeout on the HTTP client: uploads stream arbitrarily
	// large file bodies, so the deadline that matters is ctx cancellation,
	// not a fixed wall-clock budget.
	httpClient := &http.Client{}
	exec := executor.New(httpClient, cfg.serverAddr, cfg.sharedSecret, logger)

	// --- Connection manager ---
	mgr := connection.New(connection.Config{
		ServerAddr:   cfg.serverAddr,
		SharedSecret: cfg.sharedSecret,
		StateDir:     cfg.stateDir,
		Version:      version,
	}, exec, logger)

	// --- Start ---
	// The executor worker and connection manager run concurrently. Both
	// respect ctx cancellation for graceful shutdown.
	go exec.Run(ctx, mgr, mgr)

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM).
	mgr.Run(ctx)

	logger.Info("coldvault agent stopped")
	return nil
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.coldvault-agent"
	}
	return ".coldvault-agent"
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
