package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/orcq/orcq/pkg/metrics"
	"github.com/orcq/orcq/pkg/queue"
	"github.com/orcq/orcq/pkg/runner"
	"github.com/orcq/orcq/pkg/worker"
)

func newWorkerCommand() *cobra.Command {
	var (
		pollSeconds float64
		runnerCmd   string
		logDir      string
		watchDir    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker loop",
		Long: `Poll the queue for runnable subtasks and execute them one at a time
through the configured runner command. The loop reconciles dependency
blocking and plan rollups around every claim and stops cleanly on
SIGINT/SIGTERM.

With --watch, a plan directory is scanned and watched; new *.json files
are enqueued automatically with a file-derived idempotency key.`,
		Example: `  # Run a worker with the default runner
  orcq worker --db ./orchestrator.db

  # Watch a plan drop directory and expose metrics
  orcq worker --watch ./plans --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if pollSeconds > 0 {
				cfg.PollSeconds = pollSeconds
			}
			if runnerCmd != "" {
				cfg.RunnerCmd = runnerCmd
			}
			if logDir != "" {
				cfg.LogDir = logDir
			}
			if watchDir != "" {
				cfg.WatchDir = watchDir
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}

			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			collector := metrics.NewCollector()
			if cfg.MetricsAddr != "" {
				go func() {
					if err := collector.Serve(cfg.MetricsAddr); err != nil {
						log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server stopped")
					}
				}()
				log.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
			}

			if cfg.WatchDir != "" {
				w := queue.NewWatcher(st, cfg.WatchDir, queue.EnqueueOptions{
					MaxAttempts:    cfg.MaxAttempts,
					MaxPromptChars: cfg.MaxPromptChars,
				}, log.Logger)
				w.OnEnqueued = func(string) { collector.PlansEnqueued.Inc() }
				go func() {
					if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error().Err(err).Str("dir", cfg.WatchDir).Msg("Plan watcher stopped")
					}
				}()
			}

			loop := worker.New(st, &runner.ShellRunner{
				Template: cfg.RunnerCmd,
				LogDir:   cfg.LogDir,
				DBPath:   cfg.StorePath,
			}, worker.Config{
				Poll: time.Duration(cfg.PollSeconds * float64(time.Second)),
			}, log.Logger, collector)

			return loop.Run(ctx)
		},
	}

	cmd.Flags().Float64Var(&pollSeconds, "poll", 0, "idle poll interval in seconds (overrides config)")
	cmd.Flags().StringVar(&runnerCmd, "runner", "", "runner command template (overrides config)")
	cmd.Flags().StringVar(&logDir, "logs", "", "runner log directory (overrides config)")
	cmd.Flags().StringVar(&watchDir, "watch", "", "plan directory to watch for auto-enqueue")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on")

	return cmd
}
