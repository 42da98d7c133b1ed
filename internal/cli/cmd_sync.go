package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newSyncCmd creates the sync command
func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Force a board sync now",
		Long: `Ask the running orchestrator to run a planner cycle immediately
instead of waiting for the next polling interval.

Requires the operator API (boardflow start --listen ...).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(cfg)

			if err := client.Sync(cmd.Context()); err != nil {
				return fmt.Errorf("orchestrator unreachable at %s: %w", client.baseURL, err)
			}
			if !quiet {
				fmt.Println("Sync cycle completed.")
			}
			return nil
		},
	}
}
