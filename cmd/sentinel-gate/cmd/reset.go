package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Sentinelgate/internal/config"
)

var (
	resetIncludeKey bool
	resetForce      bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset SentinelGate to a clean state",
	Long: `Reset SentinelGate by removing its SQLite store.

This clears every registered upstream, user, role, OAuth provider, ACL,
and audit record. On next start, SentinelGate boots with an empty store.

Optional flags:
  --include-key   Also remove the at-rest encryption key file (irreversibly
                  orphans any data left in other copies of the store)
  --force         Skip confirmation prompt

Examples:
  # Reset the store only (interactive confirmation)
  sentinel-gate reset

  # Reset the store and encryption key without prompting
  sentinel-gate reset --include-key --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetIncludeKey, "include-key", false, "Also remove the encryption key file")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadGatewayConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	type target struct {
		path string
		desc string
	}
	var targets []target

	targets = append(targets, target{cfg.DBPath, "SQLite store"})
	targets = append(targets, target{cfg.DBPath + "-wal", "SQLite WAL segment"})
	targets = append(targets, target{cfg.DBPath + "-shm", "SQLite shared-memory segment"})

	if resetIncludeKey {
		targets = append(targets, target{cfg.EncryptionKeyFile, "encryption key file"})
	}

	// Check what actually exists.
	var existing []target
	for _, t := range targets {
		if _, err := os.Stat(t.path); err == nil {
			existing = append(existing, t)
		}
	}

	if len(existing) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to reset — no state files found.")
		return nil
	}

	// Show what will be removed.
	fmt.Fprintln(os.Stderr, "The following will be removed:")
	for _, t := range existing {
		fmt.Fprintf(os.Stderr, "  - %s (%s)\n", t.path, t.desc)
	}

	// Confirm unless --force.
	if !resetForce {
		fmt.Fprint(os.Stderr, "\nProceed? [y/N] ")
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	// Remove targets.
	var errors int
	for _, t := range existing {
		if err := os.RemoveAll(t.path); err != nil {
			fmt.Fprintf(os.Stderr, "  ERROR removing %s: %v\n", t.path, err)
			errors++
		} else {
			fmt.Fprintf(os.Stderr, "  Removed %s\n", t.path)
		}
	}

	if errors > 0 {
		return fmt.Errorf("%d file(s) could not be removed", errors)
	}

	fmt.Fprintln(os.Stderr, "\nReset complete. SentinelGate will start fresh on next launch.")
	return nil
}
