package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/analytics-core/pkg/config"
	"github.com/openfroyo/analytics-core/pkg/core"
	"github.com/openfroyo/analytics-core/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "corectl",
		Short: "Resource coordination core for analytics services",
		Long: `corectl builds the coordination core from a config file and operates it.

The core owns:
  - Bounded connection pools over graph, key-value and relational backends
  - Best-effort transactions across every pool, with partial commits surfaced
  - IO and CPU worker pools for dispatched tasks
  - A TTL result cache with a local fallback
  - Performance baselines and validation against requirements`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newTxnCommand())
	rootCmd.AddCommand(newBaselineCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}

// loadConfig reads the config named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}

// openCore loads the config and builds telemetry and the core. The returned
// func closes both.
func openCore(ctx context.Context) (*config.Config, *core.Core, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.ToTelemetry())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	c, err := core.New(ctx, cfg, tel)
	if err != nil {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return nil, nil, nil, err
	}

	closeFn := func() {
		shutdownCtx := context.WithoutCancel(ctx)
		if err := c.Close(shutdownCtx); err != nil {
			c.Logger().WithError(err).Warn("core close reported errors")
		}
		_ = tel.Shutdown(shutdownCtx)
	}
	return cfg, c, closeFn, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
