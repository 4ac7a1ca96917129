package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/chengis/chengis/internal/agentd"
	"github.com/chengis/chengis/internal/config"
	"github.com/chengis/chengis/internal/executor"
	"github.com/chengis/chengis/internal/logfields"
	"github.com/chengis/chengis/internal/metrics"
	"github.com/chengis/chengis/internal/notify"
	"github.com/chengis/chengis/internal/plugin"
	"github.com/chengis/chengis/internal/steps"
	"github.com/chengis/chengis/internal/storage"
	"github.com/chengis/chengis/internal/workspace"
)

// AgentCmd runs a build agent that accepts dispatches from a coordinator.
type AgentCmd struct {
	ID                string        `help:"Agent id" env:"CHENGIS_AGENT_ID" required:""`
	Server            string        `help:"Coordinator URL" env:"CHENGIS_SERVER" default:"http://localhost:8080"`
	Endpoint          string        `help:"URL the coordinator reaches this agent at" required:""`
	Listen            string        `help:"Listen address" default:":9090"`
	Labels            []string      `help:"Capability labels advertised to the coordinator"`
	Org               string        `help:"Organization id this agent is pinned to" env:"CHENGIS_ORG_ID"`
	MaxBuilds         int           `help:"Concurrent build capacity" default:"1"`
	CPUs              int           `help:"Advertised CPU count (defaults to the machine's)"`
	HeartbeatInterval time.Duration `help:"Heartbeat period" default:"10s"`
}

func (a *AgentCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	engine := executor.New(registry, workspace.NewManager(cfg.Workspace.Root),
		executor.NewBus(), metrics.NoopRecorder{}, nil, logger, engineOpts)

	cpus := a.CPUs
	if cpus <= 0 {
		cpus = runtime.NumCPU()
	}
	daemon := agentd.New(agentd.Config{
		ID:                a.ID,
		ServerURL:         a.Server,
		Endpoint:          a.Endpoint,
		Labels:            a.Labels,
		OrgID:             a.Org,
		MaxBuilds:         a.MaxBuilds,
		CPUCount:          cpus,
		HeartbeatInterval: a.HeartbeatInterval,
	}, engine, logger)

	if err := daemon.RegisterWithServer(ctx); err != nil {
		// The coordinator may simply not be up yet; the heartbeat loop
		// retries registration.
		logger.Warn("initial registration failed", logfields.Error(err))
	}
	go daemon.Heartbeat(ctx)

	logger.Info("agent starting",
		logfields.AgentID(a.ID),
		slog.String("listen-addr", a.Listen),
		slog.Int("max-builds", a.MaxBuilds),
	)
	return daemon.Serve(ctx, a.Listen)
}
