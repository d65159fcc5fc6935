package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mossy-p/bubble-mesh/internal/redis"
	"github.com/mossy-p/bubble-mesh/internal/relay"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired completed signals from the relay once",
	Long: `Run one relay sweep against the configured Redis and exit.

Completed signal records past their expiry are deleted. Pending and failed
records are left alone.`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Logging, os.Stderr)
	ctx := cmd.Context()

	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()

	store := relay.NewStore(redis.NewBackend(client, logger), cfg.Node.SignalTimeout, logger)
	defer store.Stop()

	removed, err := store.SweepExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired signals\n", removed)
	return nil
}
