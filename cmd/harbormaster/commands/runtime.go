package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/harbormaster/pkg/adapter"
	"github.com/openfroyo/harbormaster/pkg/barrier"
	"github.com/openfroyo/harbormaster/pkg/callback"
	"github.com/openfroyo/harbormaster/pkg/config"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/policy"
	"github.com/openfroyo/harbormaster/pkg/reconcile"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/openfroyo/harbormaster/pkg/task"
	"github.com/openfroyo/harbormaster/pkg/telemetry"
	"github.com/openfroyo/harbormaster/pkg/transports/ssh"
	"github.com/openfroyo/harbormaster/pkg/workflows"
	"github.com/rs/zerolog"
)

// closableAdapter is an adapter that can drain its accepted requests.
type closableAdapter interface {
	engine.Adapter
	Close()
}

// runtime is the engine wired from one config.
type runtime struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store    stores.Store
	notifier *callback.Notifier
	barriers *barrier.Service
	host     *task.Host
	adapter  closableAdapter
	ssh      *ssh.SSHClient
	gate     *policy.Gate
	loop     *reconcile.ControlLoop
}

func newRuntime(ctx context.Context, cfg *config.Config, version string) (_ *runtime, err error) {
	tc := cfg.TelemetryConfig(version)
	if verbose {
		tc.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	rt := &runtime{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	defer func() {
		if err != nil {
			_ = rt.close(context.Background())
		}
	}()

	rt.store, err = stores.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	router := callback.NewRouter()
	rt.notifier = callback.NewNotifier(router, rt.logger)
	rt.barriers = barrier.NewService(rt.store, rt.notifier, rt.logger,
		barrier.WithTelemetry(tel),
		barrier.WithExpiration(cfg.TaskExpiration()),
	)
	rt.host = task.NewHost(rt.store, rt.notifier, rt.barriers, task.Options{
		Logger:        rt.logger,
		Telemetry:     tel,
		Expiration:    cfg.TaskExpiration(),
		TrackRequests: cfg.Tasks.TrackRequests,
	})
	router.Handle(engine.FactoryTasks, rt.host)
	router.Handle(engine.FactoryBarriers, rt.barriers)

	if err = rt.buildAdapter(); err != nil {
		return nil, err
	}
	if err = workflows.Register(rt.host, workflows.Deps{
		Store:       rt.store,
		Adapter:     rt.adapter,
		Parallelism: cfg.Tasks.Parallelism,
	}); err != nil {
		return nil, fmt.Errorf("failed to register workflows: %w", err)
	}

	rt.gate, err = policy.NewGate(rt.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy gate: %w", err)
	}
	if len(cfg.Reconcile.Policies) > 0 {
		if err = rt.gate.Load(ctx, cfg.Reconcile.Policies); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	rt.loop = reconcile.NewControlLoop(reconcile.NewInventory(rt.store), rt.host, cfg.LoopConfig(), rt.logger,
		reconcile.WithAdmitter(rt.gate),
		reconcile.WithInFlight(rt.host),
		reconcile.WithTelemetry(tel),
	)
	return rt, nil
}

func (rt *runtime) buildAdapter() error {
	opts := []adapter.Option{adapter.WithTelemetry(rt.tel)}

	switch rt.cfg.Adapter.Driver {
	case "ssh":
		sshCfg, err := rt.cfg.SSHTransport()
		if err != nil {
			return fmt.Errorf("invalid ssh adapter config: %w", err)
		}
		client, err := ssh.NewSSHClient(sshCfg, rt.logger)
		if err != nil {
			return fmt.Errorf("failed to create ssh client: %w", err)
		}
		rt.ssh = client
		hostLink := rt.cfg.Adapter.HostLink
		if hostLink == "" {
			hostLink = engine.BuildLink("/resources/hosts", sshCfg.Host)
		}
		rt.adapter = adapter.NewDocker(client, hostLink, rt.store, rt.notifier, rt.logger, opts...)
	default:
		opts = append(opts, adapter.WithLatency(rt.cfg.AdapterLatency()))
		rt.adapter = adapter.NewSimulated(rt.store, rt.notifier, rt.logger, opts...)
	}
	rt.logger.Debug().Str("adapter", rt.cfg.Adapter.Driver).Msg("adapter configured")
	return nil
}

// close drains in-flight work and releases every collaborator. It keeps
// going after a failure and returns the joined errors.
func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if rt.host != nil {
		if err := rt.host.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("task host: %w", err))
		}
	}
	if rt.adapter != nil {
		rt.adapter.Close()
	}
	if rt.notifier != nil {
		rt.notifier.Wait()
	}
	if rt.gate != nil {
		if err := rt.gate.Close(); err != nil {
			errs = append(errs, fmt.Errorf("policy gate: %w", err))
		}
	}
	if rt.ssh != nil {
		if err := rt.ssh.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("ssh: %w", err))
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if err := rt.tel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
