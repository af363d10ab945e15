package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/analytics-core/pkg/config"
	"github.com/openfroyo/analytics-core/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and prepare the data directory",
		Long: `Write a default configuration with an embedded key-value pool, an embedded
relational pool and the transaction journal, create the data directory and
migrate the journal schema.

A graph pool is not added; append one under pools: once a weaviate instance
is available.`,
		Example: `  # Initialize in the current directory
  corectl init

  # Initialize with a custom config path and data directory
  corectl init --config /etc/analytics/core.yaml --data-dir /var/lib/analytics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				dataDir = filepath.Join(filepath.Dir(configPath), "data")
			}
			log.Info().
				Str("config", configPath).
				Str("data_dir", dataDir).
				Msg("Initializing")

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config %s already exists (use --force to overwrite)", configPath)
			}

			if err := os.MkdirAll(dataDir, 0o750); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}
			fmt.Printf("✓ Created directory: %s\n", dataDir)

			cfg := config.Default(dataDir)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg, configPath); err != nil {
				return err
			}
			fmt.Printf("✓ Created config file: %s\n", configPath)

			if err := migrateJournal(cmd.Context(), cfg.Journal.Path); err != nil {
				return err
			}
			fmt.Printf("✓ Migrated journal: %s\n", cfg.Journal.Path)

			fmt.Printf("\nNext steps:\n")
			fmt.Printf("  corectl health --config %s\n", configPath)
			fmt.Printf("  corectl serve --config %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: data/ next to the config)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")

	return cmd
}

func migrateJournal(ctx context.Context, path string) error {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return fmt.Errorf("failed to create journal: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
