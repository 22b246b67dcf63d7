package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/crypto"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Generate an Argon2id hash for a user password",
	Long: `Generate an Argon2id hash of a password for use as the bootstrap
admin credential's PasswordHash when seeding or repairing it directly in
the store.

The output is a PHC-format string ($argon2id$v=19$...) suitable for
storing verbatim.

Example:
  sentinel-gate hash-password "my-secret-password"
  # Output: $argon2id$v=19$m=48128,t=1,p=1$...

Security note: the password will appear in shell history.
Consider clearing history after use or using an environment variable:
  sentinel-gate hash-password "$MY_PASSWORD"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := crypto.HashPassword(args[0])
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
