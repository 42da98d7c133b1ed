package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/randalmurphal/boardflow/internal/tui"
	"github.com/randalmurphal/boardflow/internal/worker"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show orchestrator status",
		Long: `Show the running orchestrator's state: planner activity, worker
pool counts, and per-worker detail.

Requires a running orchestrator with the operator API enabled
(boardflow start --listen ...).

Examples:
  boardflow status           # One-shot overview
  boardflow status --watch   # Live terminal view
  boardflow status --json    # Machine-readable output`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(cfg)

			watch, _ := cmd.Flags().GetBool("watch")
			if watch {
				if !term.IsTerminal(int(os.Stdout.Fd())) {
					return fmt.Errorf("--watch needs a terminal; pipe-friendly output via --json")
				}
				interval, _ := cmd.Flags().GetDuration("interval")
				return tui.Run(client, interval)
			}

			return showStatus(cmd.Context(), client)
		},
	}

	cmd.Flags().BoolP("watch", "w", false, "live-updating terminal view")
	cmd.Flags().Duration("interval", 2*time.Second, "refresh interval for --watch")

	return cmd
}

func showStatus(ctx context.Context, client *apiClient) error {
	snap, err := client.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator unreachable at %s: %w", client.baseURL, err)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	state := "stopped"
	if snap.Running {
		state = "running"
	}
	fmt.Printf("boardflow %s\n", state)
	if !snap.Planner.LastSyncTime.IsZero() {
		fmt.Printf("Last sync: %s\n", snap.Planner.LastSyncTime.Format(time.RFC3339))
	}
	fmt.Printf("Active tasks: %d\n\n", snap.Planner.ActiveTasks)

	pool := snap.Pool
	fmt.Printf("Workers: %d total, %d idle, %d waiting, %d working, %d stopped, %d error\n\n",
		pool.Total, pool.Idle, pool.Waiting, pool.Working, pool.Stopped, pool.Error)

	if len(pool.Workers) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WORKER\tSTATE\tTASK\tREPOSITORY\tPROGRESS")
		for _, rec := range pool.Workers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				rec.ID, rec.Status, orDash(rec.TaskID), orDash(rec.RepositoryID), workerDetail(rec))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(snap.Planner.Errors) > 0 {
		fmt.Println("\nRecent errors:")
		for _, e := range snap.Planner.Errors {
			fmt.Printf("  %s [%s] %s\n", e.Time.Format("15:04:05"), e.Phase, e.Message)
		}
	}
	return nil
}

func workerDetail(rec worker.Record) string {
	if rec.Status == worker.StatusError && rec.LastError != "" {
		return rec.LastError
	}
	return orDash(rec.Progress)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
