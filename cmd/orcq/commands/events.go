package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	var (
		taskID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the event log for a task",
		Example: `  # Last 50 events of a subtask
  orcq events --task-id plan1.build`,
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

			events, err := st.ListEvents(ctx, taskID, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tLEVEL\tMESSAGE")
			for _, ev := range events {
				ts := time.Unix(ev.TS, 0).UTC().Format(time.RFC3339)
				fmt.Fprintf(w, "%s\t%s\t%s\n", ts, ev.Level, ev.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "task whose events to show (required)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to return")
	_ = cmd.MarkFlagRequired("task-id")

	return cmd
}
