package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the task database",
		Long: `Create the SQLite task database and apply all pending schema
migrations. Running init against an existing database is safe; already
applied migrations are skipped.`,
		Example: `  # Initialize with the default database path
  orcq init

  # Initialize a specific database
  orcq init --db ./orchestrator.db`,
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

			version, err := st.SchemaVersion(ctx)
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}

			log.Info().Str("db", cfg.StorePath).Int("schema_version", version).Msg("Database ready")
			fmt.Printf("✓ Initialized database: %s (schema version %d)\n", cfg.StorePath, version)
			return nil
		},
	}

	return cmd
}
