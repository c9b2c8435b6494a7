package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orcq/orcq/pkg/config"
	"github.com/orcq/orcq/pkg/store"
)

var (
	// Global flags
	configPath string
	dbPath     string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orcq",
		Short: "orcq - durable task orchestrator for coding agents",
		Long: `orcq coordinates long-running agent work as plans of dependent subtasks
backed by a single SQLite database.

Features:
  - Plans as DAGs of subtasks with dependency gating
  - Crash-safe queue with idempotent enqueue
  - Failure classification and bounded retries
  - Per-task git worktree isolation
  - Pull request and CI status tracking`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newEnqueueCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newMonitorCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newEventsCommand())

	return rootCmd
}

// loadConfig resolves the effective configuration for a command run.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if dbPath != "" {
		cfg.StorePath = dbPath
	}
	return cfg, nil
}

// openStore opens the store and applies pending migrations.
func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return st, nil
}
