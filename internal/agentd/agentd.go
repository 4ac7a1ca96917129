// Package agentd is the remote build agent: it accepts dispatch envelopes
// from the coordinator, runs them with the in-process engine, and keeps a
// heartbeat going back to the coordinator.
package agentd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/dispatch"
	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/logfields"
	"github.com/chengis/chengis/internal/observability"
	"github.com/chengis/chengis/internal/pipeline"
)

// Runner executes an accepted build.
type Runner interface {
	Run(ctx context.Context, sm *build.StateMachine, pl *pipeline.Pipeline) (*build.Result, error)
}

// Config identifies this agent to the coordinator.
type Config struct {
	ID                string
	ServerURL         string
	Endpoint          string
	Labels            []string
	OrgID             string
	MaxBuilds         int
	CPUCount          int
	HeartbeatInterval time.Duration
}

// Daemon serves /dispatch and runs accepted builds.
type Daemon struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
	client *http.Client

	mu     sync.Mutex
	active map[string]context.CancelFunc // agent build id -> cancel
}

// New creates an agent daemon.
func New(cfg Config, runner Runner, logger *slog.Logger) *Daemon {
	if cfg.MaxBuilds <= 0 {
		cfg.MaxBuilds = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
		active: make(map[string]context.CancelFunc),
	}
}

// Handler returns the agent's route table.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /dispatch", d.handleDispatch)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// ActiveBuilds reports the number of builds currently running.
func (d *Daemon) ActiveBuilds() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// handleDispatch accepts one envelope. A full agent answers 503 so the
// coordinator can fall back or queue.
func (d *Daemon) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var env dispatch.Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&env); err != nil {
		http.Error(w, `{"error":"invalid envelope"}`, http.StatusBadRequest)
		return
	}
	if env.Pipeline == nil || env.BuildID == "" {
		http.Error(w, `{"error":"envelope needs a build id and a pipeline"}`, http.StatusBadRequest)
		return
	}

	agentBuildID := uuid.NewString()
	d.mu.Lock()
	if len(d.active) >= d.cfg.MaxBuilds {
		d.mu.Unlock()
		d.logger.Warn("dispatch rejected, at capacity", logfields.BuildID(env.BuildID))
		http.Error(w, `{"error":"agent at capacity"}`, http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.active[agentBuildID] = cancel
	d.mu.Unlock()

	trigger := env.Trigger
	if trigger == "" {
		trigger = build.TriggerManual
	}
	b := &build.Build{
		ID:         env.BuildID,
		JobID:      env.JobID,
		OrgID:      env.OrgID,
		Number:     env.Number,
		Status:     build.StatusQueued,
		Trigger:    trigger,
		Parameters: env.Parameters,
		CreatedAt:  time.Now().UTC(),
	}
	sm := build.NewStateMachine(b)

	d.logger.Info("dispatch accepted",
		logfields.BuildID(env.BuildID),
		logfields.JobID(env.JobID),
		slog.String("agent-build-id", agentBuildID),
	)
	go func() {
		defer cancel()
		defer d.finish(agentBuildID)
		runCtx, span := observability.ContinueTrace(ctx, env.ParentSpan, "agent.build")
		defer span.End()
		if _, err := d.runner.Run(runCtx, sm, env.Pipeline); err != nil {
			span.RecordError(err)
			d.logger.Error("build execution failed", logfields.BuildID(env.BuildID), logfields.Error(err))
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(dispatch.AcceptResponse{AgentBuildID: agentBuildID})
}

func (d *Daemon) finish(agentBuildID string) {
	d.mu.Lock()
	delete(d.active, agentBuildID)
	d.mu.Unlock()
}

// Serve runs the agent's HTTP listener until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context, listenAddr string) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	d.logger.Info("agent listening", slog.String("listen-addr", listenAddr))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return derrors.InternalError("agent http server failed").WithCause(err).Build()
		}
		return nil
	}
}
