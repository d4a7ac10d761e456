package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/deployer/pkg/policy"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background services",
		Long: `Run the long-lived services of a deployer installation until interrupted:

  - the Prometheus metrics endpoint
  - the session reaper, expiring idle sessions every session.reap_interval
  - the policy watcher, reloading policy files when policy.watch is set`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				g, ctx := errgroup.WithContext(ctx)

				g.Go(func() error {
					return a.tel.Metrics.Serve(ctx, telemetry.ComponentLogger(a.logger, "metrics"))
				})

				g.Go(func() error {
					reap(ctx, a, a.cfg.Session.ReapInterval)
					return nil
				})

				if a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
					loader := policy.NewLoader(telemetry.ComponentLogger(a.logger, "policy-loader"))
					err := loader.Watch(ctx, a.cfg.Policy.Paths, func(policies []policy.Policy) error {
						return a.policies.ReplaceLoaded(ctx, policies)
					})
					if err != nil {
						return err
					}
					defer func() { _ = loader.StopWatching() }()
				}

				a.logger.Info().
					Dur("reap_interval", a.cfg.Session.ReapInterval).
					Bool("policy_watch", a.cfg.Policy.Watch).
					Msg("Deployer services running")

				err := g.Wait()
				a.logger.Info().Msg("Deployer services stopped")
				return err
			})
		},
	}
}

// reap expires idle sessions every interval until ctx is done.
func reap(ctx context.Context, a *app, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.orch.ReapExpired(ctx); n > 0 {
				a.logger.Debug().Int("count", n).Msg("Reaped sessions")
			}
		}
	}
}
