package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/telemetry"
)

func newDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the maintenance passes on their configured intervals",
		Long: `Run driftwatch as a long-lived maintenance daemon: the TTL sweeper
and the retention purger fire on the engine.sweep_interval and
engine.purge_interval schedules until interrupted. Scans stay
operator-initiated; run them via the scan command or an external
scheduler.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			ctx = app.tel.WithContext(ctx)
			logger := telemetry.FromContext(ctx).Zerolog()

			sweepTicker := time.NewTicker(app.cfg.Engine.SweepInterval)
			defer sweepTicker.Stop()
			purgeTicker := time.NewTicker(app.cfg.Engine.PurgeInterval)
			defer purgeTicker.Stop()

			logger.Info().
				Dur("sweep_interval", app.cfg.Engine.SweepInterval).
				Dur("purge_interval", app.cfg.Engine.PurgeInterval).
				Msg("Maintenance daemon started")

			for {
				select {
				case <-ctx.Done():
					logger.Info().Msg("Maintenance daemon stopping")
					return app.tel.Flush(context.WithoutCancel(ctx))

				case <-sweepTicker.C:
					timer := telemetry.NewTimer()
					result, err := app.engine.Sweep(ctx)
					if err != nil {
						logger.Error().Err(err).Msg("Sweep pass failed")
						continue
					}
					logger.Info().
						Int("scanned", result.Scanned).
						Int("expired", result.Expired).
						Int("warnings_sent", result.WarningsSent).
						Int("conflicts", result.Conflicts).
						Dur("duration", timer.Duration()).
						Msg("Sweep pass completed")

				case <-purgeTicker.C:
					timer := telemetry.NewTimer()
					result, err := app.engine.Purge(ctx)
					if err != nil {
						logger.Error().Err(err).Msg("Purge pass failed")
						continue
					}
					logger.Info().
						Int("tenants", result.Tenants).
						Int64("incidents", result.IncidentsDeleted).
						Int64("payloads", result.PayloadsDeleted).
						Int64("checks", result.ChecksDeleted).
						Dur("duration", timer.Duration()).
						Msg("Purge pass completed")
				}
			}
		},
	}

	return cmd
}
