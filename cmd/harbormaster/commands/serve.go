package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/harbormaster/pkg/config"
	"github.com/openfroyo/harbormaster/pkg/mq"
	"github.com/openfroyo/harbormaster/pkg/telemetry"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand(version string) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine",
		Long: `Run the workflow engine until interrupted.

This command:
  - Applies the descriptor catalog and optionally watches it
  - Loads redeploy policies and optionally watches them
  - Resumes tasks left active by a previous process
  - Expires stale tasks and barriers on the sweep schedule
  - Runs the reconciliation control loop
  - Serves Prometheus metrics
  - Relays lifecycle events to RabbitMQ when events.url is set`,
		Example: `  # Run with the defaults (SQLite store, simulated adapter)
  harbormaster serve

  # Run with a config file
  harbormaster serve --config harbormaster.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, version, shutdownTimeout)
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for in-flight work on shutdown")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, version string, shutdownTimeout time.Duration) error {
	rt, err := newRuntime(ctx, cfg, version)
	if err != nil {
		return err
	}
	logger := rt.logger

	rt.tel.Events.Subscribe(func(ev telemetry.Event) {
		logger.Debug().
			Str("event", ev.Type).
			Str("task", ev.TaskLink).
			Str("resource", ev.ResourceLink).
			Msg(ev.Message)
	}, nil)

	var relay *mq.Relay
	var conn *mq.Connection
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.loop.Stop()
		if err := rt.close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		}
		if n := rt.tel.Events.Dropped(); n > 0 {
			logger.Warn().Int64("dropped", n).Msg("lifecycle events were dropped by a full queue")
		}
		if relay != nil {
			if err := relay.Close(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("event relay not drained")
			}
			stats := relay.Stats()
			logger.Info().
				Int64("published", stats.Published).
				Int64("dropped", stats.Dropped).
				Int64("failed", stats.Failed).
				Msg("event relay closed")
		}
		if conn != nil {
			_ = conn.Close()
		}
	}

	if cfg.Events.URL != "" {
		conn, err = mq.Dial(cfg.Events.URL, logger)
		if err != nil {
			shutdown()
			return fmt.Errorf("failed to connect event broker: %w", err)
		}
		if err := conn.DeclareExchange(cfg.Events.Exchange); err != nil {
			shutdown()
			return fmt.Errorf("failed to declare exchange: %w", err)
		}
		relay = mq.NewRelay(conn, mq.RelayConfig{
			Exchange:      cfg.Events.Exchange,
			RoutingPrefix: cfg.Events.RoutingPrefix,
			BufferSize:    cfg.Events.BufferSize,
		}, logger)
		relay.Attach(rt.tel.Events)
	}

	if err := startCatalog(ctx, rt); err != nil {
		shutdown()
		return err
	}
	if cfg.Reconcile.WatchPolicies && len(cfg.Reconcile.Policies) > 0 {
		if err := rt.gate.Watch(ctx, cfg.Reconcile.Policies); err != nil {
			shutdown()
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	resumed, err := rt.host.Recover(ctx)
	if err != nil {
		shutdown()
		return err
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Tasks.SweepSchedule, func() { sweep(ctx, rt) }); err != nil {
		shutdown()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	if err := rt.tel.StartMetricsServer(ctx); err != nil {
		shutdown()
		return err
	}

	if cfg.Reconcile.Enabled {
		if err := rt.loop.Start(ctx); err != nil {
			shutdown()
			return err
		}
	}

	log.Info().
		Str("store", cfg.Store.Driver).
		Str("adapter", cfg.Adapter.Driver).
		Int("resumed", resumed).
		Strs("kinds", rt.host.Kinds()).
		Msg("Harbormaster running")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	<-sweeper.Stop().Done()
	shutdown()
	return nil
}

// startCatalog applies the configured descriptor catalog and starts
// watching it when asked to. A changed catalog triggers a pass.
func startCatalog(ctx context.Context, rt *runtime) error {
	path := rt.cfg.Reconcile.Descriptors
	if path == "" {
		return nil
	}
	loader := config.NewCatalogLoader()
	if _, err := applyCatalog(ctx, rt, loader, path); err != nil {
		return err
	}
	if !rt.cfg.Reconcile.WatchDescriptors {
		return nil
	}

	watcher := config.NewCatalogWatcher(loader, rt.store, rt.logger)
	watcher.OnApply = func(cat *config.Catalog, applied int) {
		if !rt.cfg.Reconcile.Enabled {
			return
		}
		go func() {
			if _, err := rt.loop.Trigger(ctx); err != nil {
				rt.logger.Warn().Err(err).Msg("reconciliation after catalog change failed")
			}
		}()
	}
	go func() {
		<-ctx.Done()
		_ = watcher.Stop()
	}()
	return watcher.Watch(ctx, path)
}

func applyCatalog(ctx context.Context, rt *runtime, loader *config.CatalogLoader, paths ...string) (int, error) {
	cat, err := loader.Load(ctx, paths...)
	if err != nil {
		return 0, err
	}
	if err := cat.Err(); err != nil {
		return 0, err
	}
	n, err := config.Apply(ctx, rt.store, cat)
	if err != nil {
		return n, err
	}
	rt.logger.Info().Int("descriptions", n).Strs("files", cat.SourceFiles).Msg("descriptor catalog applied")
	return n, nil
}

func sweep(ctx context.Context, rt *runtime) {
	now := time.Now()
	expired, err := rt.host.Sweep(ctx, now)
	if err != nil {
		rt.logger.Warn().Err(err).Msg("task sweep failed")
	}
	barriers, err := rt.barriers.Sweep(ctx, now)
	if err != nil {
		rt.logger.Warn().Err(err).Msg("barrier sweep failed")
	}
	rt.logger.Debug().Int("tasks", expired).Int64("barriers", barriers).Msg("sweep finished")
}
