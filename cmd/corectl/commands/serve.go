package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/analytics-core/pkg/config"
	"github.com/openfroyo/analytics-core/pkg/core"
	"github.com/openfroyo/analytics-core/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		healthInterval time.Duration
		shutdownGrace  time.Duration
		noWatch        bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the core until interrupted",
		Long: `Build the core, expose Prometheus metrics and keep it running until SIGINT
or SIGTERM. Health is checked periodically and logged. Edits to the config
file update the monitor requirements in place; other settings need a restart.`,
		Example: `  corectl serve --config core.yaml --health-interval 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, c, closeFn, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			tel := c.Telemetry()
			ctx = tel.WithContext(ctx)

			server := tel.StartMetricsServer()
			if server != nil {
				log.Info().
					Str("address", cfg.Telemetry.Metrics.ListenAddress).
					Str("path", cfg.Telemetry.Metrics.Path).
					Msg("Serving metrics")
			}

			if !noWatch {
				w, err := config.Watch(ctx, configPath, func(next *config.Config) error {
					c.SetRequirements(next.Monitor.Requirements)
					return nil
				}, tel.Logger)
				if err != nil {
					log.Warn().Err(err).Msg("Config hot reload disabled")
				} else {
					defer w.Stop()
				}
			}

			ticker := time.NewTicker(healthInterval)
			defer ticker.Stop()

			log.Info().Msg("Core running, press Ctrl+C to stop")
			for {
				select {
				case <-ctx.Done():
					log.Info().Msg("Shutting down")
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
					defer cancel()
					if err := telemetry.ShutdownServer(shutdownCtx, server); err != nil {
						log.Warn().Err(err).Msg("Metrics server shutdown failed")
					}
					return nil

				case <-ticker.C:
					checkHealth(ctx, c)
				}
			}
		},
	}

	cmd.Flags().DurationVar(&healthInterval, "health-interval", time.Minute, "interval between health checks")
	cmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 10*time.Second, "time allowed for the metrics server to drain")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config on change")

	return cmd
}

func checkHealth(ctx context.Context, c *core.Core) {
	op := telemetry.StartOperation(ctx, "core.health")
	h := c.Health(op.Ctx)
	var err error
	if !h.Healthy() {
		err = errors.New("core degraded")
		op.Logger.WithField("problems", h.Problems).Warn("Health check failed")
	} else {
		op.Logger.WithField("took", h.Took.String()).Debug("Health check passed")
	}
	op.End(err)
}
