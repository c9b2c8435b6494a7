package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/orcq/orcq/pkg/monitor"
)

func newMonitorCommand() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Refresh PR and CI state for worktree-bearing tasks",
		Long: `Scan tasks that have a git worktree, record their current branch, and
look up the matching pull request and its check runs through the gh CLI.
Aggregated CI state (passed, failed, pending, unknown) is persisted on
each task.`,
		Example: `  # Refresh every worktree-bearing task
  orcq monitor

  # Refresh one task
  orcq monitor --task-id plan1.build`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			m := monitor.New(st, monitor.GitHubCLI{}, log.Logger)
			updated, err := m.RunOnce(ctx, taskID)
			if err != nil {
				return err
			}

			fmt.Printf("✓ Updated PR/CI state for %d task(s)\n", updated)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "limit the scan to one task")

	return cmd
}
