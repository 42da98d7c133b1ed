package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/boardflow/internal/logging"
	"github.com/randalmurphal/boardflow/internal/supervisor"
)

// newStartCmd creates the start command
func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the orchestrator",
		Long: `Start the orchestrator in the foreground.

The planner polls the board, dispatches items to workers, and drives
each one through review to merge. Stop with Ctrl+C; in-flight agent
runs get a grace period to finish.

Examples:
  boardflow start
  boardflow start --listen 127.0.0.1:7113   # with the operator API
  boardflow start --once                    # single sync cycle, then exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				cfg.Server.Listen = listen
			}
			if verbose {
				cfg.Log.Level = "debug"
			} else if quiet {
				cfg.Log.Level = "warn"
			}
			if jsonOut {
				cfg.Log.Format = "json"
			}

			logger := logging.New(logging.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Output: os.Stderr,
			})

			sup := supervisor.New(cfg, logger)

			once, _ := cmd.Flags().GetBool("once")
			if once {
				ctx := cmd.Context()
				if err := sup.Initialize(ctx); err != nil {
					return err
				}
				if err := sup.Start(ctx); err != nil {
					return err
				}
				sup.ForceSync(ctx)
				sup.Stop(context.Background())
				return nil
			}

			return sup.Run(cmd.Context())
		},
	}

	cmd.Flags().String("listen", "", "operator API listen address (overrides config)")
	cmd.Flags().Bool("once", false, "run one sync cycle and exit")

	return cmd
}
