package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orcq/orcq/pkg/store"
)

func newListCommand() *cobra.Command {
	var (
		status string
		kind   string
		planID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Example: `  # All tasks
  orcq list

  # Failed subtasks of one plan
  orcq list --kind subtask --status failed --plan plan1`,
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

			tasks, err := st.ListTasks(ctx, store.TaskFilter{
				Kind:   store.Kind(kind),
				Status: store.Status(status),
				PlanID: planID,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATUS\tATTEMPT\tROUTING\tFAILURE")
			for _, t := range tasks {
				routing := ""
				if t.Routing != nil {
					routing = *t.Routing
				}
				failureKind := ""
				if t.FailureKind != nil {
					failureKind = *t.FailureKind
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					t.ID, t.Kind, t.Status, t.Attempt, t.MaxAttempts, routing, failureKind)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (plan or subtask)")
	cmd.Flags().StringVar(&planID, "plan", "", "filter by plan id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to return")

	return cmd
}
