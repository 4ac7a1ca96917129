package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/chengis/chengis/internal/agent"
	"github.com/chengis/chengis/internal/config"
	"github.com/chengis/chengis/internal/dispatch"
	"github.com/chengis/chengis/internal/eventstore"
	"github.com/chengis/chengis/internal/executor"
	"github.com/chengis/chengis/internal/job"
	"github.com/chengis/chengis/internal/logfields"
	"github.com/chengis/chengis/internal/metrics"
	"github.com/chengis/chengis/internal/notify"
	"github.com/chengis/chengis/internal/plugin"
	"github.com/chengis/chengis/internal/retry"
	"github.com/chengis/chengis/internal/scheduler"
	"github.com/chengis/chengis/internal/server/httpserver"
	"github.com/chengis/chengis/internal/server/service"
	"github.com/chengis/chengis/internal/steps"
	"github.com/chengis/chengis/internal/storage"
	"github.com/chengis/chengis/internal/workspace"
)

// ServerCmd runs the coordinator: API, dispatcher, queue worker, scheduler.
type ServerCmd struct{}

func (s *ServerCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := eventstore.NewSQLiteStore(cfg.EventStore.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	projection := eventstore.NewBuildHistoryProjection(store, 0)
	if err := projection.Rebuild(ctx); err != nil {
		logger.Warn("build history rebuild failed", logfields.Error(err))
	}

	bus := executor.NewBusWithEventStore(store)
	subscribeProjection(bus, projection)

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	var opts httpserver.Options
	if cfg.Metrics.Enabled {
		reg := prom.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(reg)
		opts.MetricsHandler = metrics.HTTPHandler(reg)
	}

	var policy plugin.PolicyStore
	if cfg.Plugins.PolicyPath != "" {
		store, err := plugin.NewSQLitePolicyStore(cfg.Plugins.PolicyPath)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		policy = store
	}
	registry := plugin.NewRegistry(policy)
	if err := steps.RegisterBuiltins(registry, cfg.Steps.DefaultTimeout.Std()); err != nil {
		return err
	}
	if err := registry.RegisterNotifier("console", notify.NewConsoleNotifier()); err != nil {
		return err
	}
	if cfg.NATS.URL != "" {
		nats, err := notify.NewNATSNotifier(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nats.Close()
		if err := registry.RegisterNotifier("nats", nats); err != nil {
			return err
		}
	}

	engineOpts := executor.Options{
		MaxParallel: cfg.Steps.MaxParallel,
		OutputLimit: cfg.Steps.OutputLimit,
	}
	if cfg.Artifacts.Root != "" {
		artifacts, err := storage.NewFSStore(cfg.Artifacts.Root)
		if err != nil {
			return err
		}
		defer func() { _ = artifacts.Close() }()
		engineOpts.ArtifactStore = artifacts
	}
	engine := executor.New(registry, workspace.NewManager(cfg.Workspace.Root), bus, recorder, store, logger, engineOpts)

	agents := agent.NewRegistry(agent.Options{
		FailureThreshold: cfg.Agents.CircuitThreshold,
		CoolDown:         cfg.Agents.CircuitCoolDown.Std(),
		HeartbeatTimeout: cfg.Agents.HeartbeatTimeout.Std(),
	}, recorder)
	jobs := job.NewRegistry()

	dispatcher := dispatch.New(agents, jobs, engine, nil, recorder, logger, dispatch.Config{
		FallbackLocal: cfg.Dispatch.FallbackLocal,
		QueueEnabled:  cfg.Dispatch.QueueEnabled,
		HTTPTimeout:   cfg.Dispatch.HTTPTimeout.Std(),
	})
	retryPolicy := retry.NewPolicy(
		retry.BackoffMode(cfg.Dispatch.RetryBackoff),
		cfg.Dispatch.RetryInitial.Std(),
		cfg.Dispatch.RetryMax.Std(),
		cfg.Dispatch.MaxRetries,
	)
	worker := dispatch.NewWorker(dispatcher, retryPolicy, cfg.Dispatch.PollInterval.Std(), logger)
	go worker.Run(ctx)

	svc := service.New(jobs, dispatcher, projection, logger)

	sched, err := scheduler.New(svc, logger)
	if err != nil {
		return err
	}
	for _, tr := range cfg.Triggers {
		if tr.Org == "" {
			tr.Org = cfg.Server.OrgID
		}
		if err := sched.Register(tr); err != nil {
			return err
		}
	}
	sched.Start()
	defer func() { _ = sched.Stop() }()

	if root.Config != "" {
		watcher, err := config.NewWatcher(root.Config, func(next *config.Config) {
			// Triggers and listener changes need a restart; log so operators
			// know the file was picked up.
			logger.Info("configuration file changed, restart to apply server settings",
				slog.String("path", root.Config))
			_ = next
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
	}

	return httpserver.New(cfg, svc, agents, logger, opts).Start(ctx)
}

// subscribeProjection keeps the in-memory build history current with live
// events; the store already holds them for the next restart.
func subscribeProjection(bus *executor.Bus, projection *eventstore.BuildHistoryProjection) {
	apply := func(e executor.Event) error {
		ev := eventstore.Event{
			BuildID:   e.GetBuildID(),
			Type:      e.Name(),
			Timestamp: time.Now().UTC(),
		}
		if p, ok := e.(interface{ Payload() ([]byte, error) }); ok {
			ev.Payload, _ = p.Payload()
		}
		if m, ok := e.(interface{ Metadata() map[string]string }); ok {
			ev.Metadata = m.Metadata()
		}
		projection.Apply(ev)
		return nil
	}
	for _, name := range []string{
		eventstore.EventBuildStarted,
		eventstore.EventStageCompleted,
		eventstore.EventBuildCompleted,
	} {
		bus.Subscribe(name, apply)
	}
}
