package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mossy-p/bubble-mesh/internal/middleware"
)

var tokenTTL = middleware.TokenTTL

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", middleware.TokenTTL, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an operator token for the control API",
	Long: `Sign an operator JWT with the configured secret and print it.

Examples:
  curl -H "Authorization: Bearer $(bubble token)" -X DELETE localhost:8080/api/peers`,
	RunE: runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	token, _, err := middleware.IssueToken(cfg.JWTSecret, cfg.Node.DeviceID, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
