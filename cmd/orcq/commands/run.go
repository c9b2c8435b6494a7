package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/orcq/orcq/pkg/runner"
)

func newRunCommand() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one task attempt by routing it to an agent",
		Long: `Load a task, resolve its routing to an agent binary, and execute it
in the task's worktree. This is the default runner command invoked by the
worker loop; the process exit code is the attempt outcome.

Exit codes:
  0    attempt succeeded
  64   unsupported routing
  65   coding route without a usable working directory
  66   task not found
  75   agent reported success but was denied writes by its sandbox
  127  agent binary not found in PATH
  else the agent's own exit code`,
		Example: `  # Run a single attempt
  orcq run --db ./orchestrator.db --task-id plan1.build`,
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

			rc := runner.Dispatch(ctx, st, taskID, os.Stdout, os.Stderr)
			st.Close()
			os.Exit(rc)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "task to execute (required)")
	_ = cmd.MarkFlagRequired("task-id")

	return cmd
}
