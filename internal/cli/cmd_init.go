package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/boardflow/internal/config"
)

// newInitCmd creates the init command
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize boardflow in the current project",
		Long: `Write a starter configuration to .boardflow/config.yaml.

Edit the file afterwards to point at your project board:
  board.provider   github-projects or jira
  board.board_id   "owner/number" for GitHub Projects, project key for Jira

Tokens are never stored in the config. Set them in the environment
(GITHUB_TOKEN, GITLAB_TOKEN, JIRA_TOKEN) or name a custom variable via
board.token_env.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			workDir, err := os.Getwd()
			if err != nil {
				return err
			}

			path := filepath.Join(workDir, config.FlowDir, config.ConfigFileName)
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.Default()
			if boardID, _ := cmd.Flags().GetString("board"); boardID != "" {
				cfg.Board.BoardID = boardID
			}
			if provider, _ := cmd.Flags().GetString("provider"); provider != "" {
				cfg.Board.Provider = provider
			}

			if err := config.Save(cfg, workDir); err != nil {
				return err
			}

			if !quiet {
				fmt.Println("Initialized", path)
				if cfg.Board.BoardID == "" {
					fmt.Println("\nNext: set board.board_id in the config, then run `boardflow start`.")
				}
			}
			return nil
		},
	}

	cmd.Flags().String("board", "", "board identifier (owner/number or Jira project key)")
	cmd.Flags().String("provider", "", "board provider (github-projects, jira)")
	cmd.Flags().Bool("force", false, "overwrite an existing config")

	return cmd
}
