// Package cmd provides the CLI commands for Sentinel Gate.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	gatewayhttp "github.com/Sentinel-Gate/Sentinelgate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/Sentinelgate/internal/config"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/crypto"
	"github.com/Sentinel-Gate/Sentinelgate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway server",
	Long: `Start the Sentinel Gate MCP gateway.

The gateway serves the MCP Streamable HTTP surface on /mcp, the management
API on /manage, and the OAuth login/callback flow on /auth/*, all behind
JWT-bearer authentication and RBAC.

Configuration is read entirely from the environment (PORT, HOST, LOG_LEVEL,
JWT_SECRET, ENCRYPTION_KEY_FILE, DB_PATH, TOKEN_TTL_MINUTES, RATE_LIMIT_RPM,
ALLOWED_ORIGINS, AUDIT_RETENTION_DAYS); there is no config file for this
command.

Examples:
  # Start with environment-provided settings
  sentinel-gate start

  # Start on a specific port
  PORT=9090 sentinel-gate start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadGatewayConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("sentinel-gate stopped")
	return nil
}

// run wires the gateway's composition root and HTTP transport together and
// blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.GatewayConfig, logger *slog.Logger) error {
	encryptionKey, err := crypto.LoadOrCreateKeyFile(cfg.EncryptionKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load encryption key: %w", err)
	}

	core, err := service.NewGatewayCore(service.GatewayCoreConfig{
		DBPath:             cfg.DBPath,
		EncryptionKey:      encryptionKey,
		JWTSecret:          []byte(cfg.JWTSecret),
		TokenTTL:           time.Duration(cfg.TokenTTLMinutes) * time.Minute,
		SessionIdleTimeout: service.DefaultSessionIdleTimeout,
		RateLimitRPM:       cfg.RateLimitRPM,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build gateway core: %w", err)
	}
	defer func() {
		if err := core.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	transport := gatewayhttp.NewGatewayTransport(core,
		gatewayhttp.WithGatewayAddr(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		gatewayhttp.WithGatewayAllowedOrigins(cfg.AllowedOrigins),
		gatewayhttp.WithGatewayLogger(logger),
	)

	go core.Run(ctx, cfg.AuditRetentionDays)

	logger.Info("sentinel-gate gateway starting", "host", cfg.Host, "port", cfg.Port, "version", Version)

	return transport.Start(ctx)
}

// parseLogLevel maps a configured log level string to an slog.Level,
// defaulting to info for anything unrecognized.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// pidFilePath returns the standard location for the SentinelGate PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".sentinelgate", "server.pid")
	}
	return filepath.Join(os.TempDir(), "sentinelgate-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
