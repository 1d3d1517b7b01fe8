package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentpass/agentpass/internal/domain/auth"
)

var hashArgon2id bool

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Generate a hash for the agent token",
	Long: `Generate a hash of the agent token for use in config.

By default the output is "sha256:<hex>", usable directly in the
agent.token field. With --argon2id the output is an Argon2id PHC string.

Example:
  agentpass hash-token "my-secret-token"
  # Output: sha256:7d5e8c...

Security note: the token will appear in shell history.
Consider using an environment variable:
  agentpass hash-token "$AGENT_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashArgon2id {
			hash, err := auth.HashTokenArgon2id(args[0])
			if err != nil {
				return fmt.Errorf("failed to hash token: %w", err)
			}
			fmt.Fprintln(os.Stdout, hash)
			return nil
		}
		fmt.Printf("sha256:%s\n", auth.HashToken(args[0]))
		return nil
	},
}

func init() {
	hashTokenCmd.Flags().BoolVar(&hashArgon2id, "argon2id", false, "output an Argon2id PHC string instead of sha256")
	rootCmd.AddCommand(hashTokenCmd)
}
