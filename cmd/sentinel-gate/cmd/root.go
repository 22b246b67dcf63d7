// Package cmd provides the CLI commands for Sentinel Gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sentinel-gate",
	Short: "Sentinel Gate - authenticating MCP gateway",
	Long: `Sentinel Gate is an authenticating, multiplexing gateway for the
Model Context Protocol (MCP). It terminates OAuth logins, aggregates tools
from multiple upstream MCP servers behind a single /mcp endpoint, and
enforces per-role, per-tool access control on every call.

Quick start:
  1. Set the required environment variables (JWT_SECRET, ENCRYPTION_KEY_FILE).
  2. Run: sentinel-gate start

Configuration:
  Configuration is read entirely from the environment: PORT, HOST,
  LOG_LEVEL, JWT_SECRET, ENCRYPTION_KEY_FILE, DB_PATH, TOKEN_TTL_MINUTES,
  RATE_LIMIT_RPM, ALLOWED_ORIGINS, AUDIT_RETENTION_DAYS.

Commands:
  start       Start the gateway server
  stop        Stop the running server
  reset       Reset to clean state (remove SQLite store)
  hash-password  Generate an Argon2id hash for a user password
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

