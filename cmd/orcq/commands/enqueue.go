package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/orcq/orcq/pkg/plan"
	"github.com/orcq/orcq/pkg/queue"
)

func newEnqueueCommand() *cobra.Command {
	var (
		planPath       string
		idempotencyKey string
		maxAttempts    int
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Validate a plan file and enqueue it",
		Long: `Parse and validate a plan JSON file, then insert the plan and its
subtasks atomically. With --idempotency, re-running the same enqueue is a
no-op that reports the existing plan id.`,
		Example: `  # Enqueue a plan
  orcq enqueue --plan ./plans/release.json

  # Enqueue idempotently
  orcq enqueue --plan ./plans/release.json --idempotency release-2026-08`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if maxAttempts > 0 {
				cfg.MaxAttempts = maxAttempts
			}

			data, err := os.ReadFile(planPath)
			if err != nil {
				return fmt.Errorf("failed to read plan file: %w", err)
			}
			p, err := plan.Parse(data)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			planID, err := queue.Enqueue(ctx, st, p, queue.EnqueueOptions{
				IdempotencyKey: idempotencyKey,
				MaxAttempts:    cfg.MaxAttempts,
				MaxPromptChars: cfg.MaxPromptChars,
			})
			if err != nil {
				return err
			}

			log.Info().Str("plan_id", planID).Int("subtasks", len(p.Subtasks)).Msg("Plan enqueued")
			fmt.Printf("✓ Enqueued plan %s (%d subtasks)\n", planID, len(p.Subtasks))
			return nil
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "plan JSON file to enqueue (required)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency", "", "idempotency key; repeats return the existing plan")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "per-subtask attempt budget (overrides config)")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}
