// Package dispatch decides where a triggered build runs: on a remote agent,
// locally, parked on the per-org queue, or nowhere at all.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chengis/chengis/internal/agent"
	"github.com/chengis/chengis/internal/build"
	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/logfields"
	"github.com/chengis/chengis/internal/metrics"
	"github.com/chengis/chengis/internal/observability"
	"github.com/chengis/chengis/internal/pipeline"
)

// Mode is the dispatch decision.
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
	ModeQueued Mode = "queued"
	ModeFailed Mode = "failed"
)

// Decision is the outcome of one dispatch attempt.
type Decision struct {
	Mode    Mode         `json:"mode"`
	AgentID string       `json:"agent_id,omitempty"`
	Build   *build.Build `json:"build"`
}

// Envelope is the JSON body POSTed to {agent_base}/dispatch.
type Envelope struct {
	BuildID       string             `json:"build_id"`
	JobID         string             `json:"job_id"`
	OrgID         string             `json:"org_id,omitempty"`
	Number        int                `json:"build_number"`
	Trigger       build.Trigger      `json:"trigger,omitempty"`
	Pipeline      *pipeline.Pipeline `json:"pipeline"`
	Parameters    map[string]string  `json:"parameters,omitempty"`
	WorkspaceHint string             `json:"workspace_hint,omitempty"`
	ParentSpan    string             `json:"parent_span,omitempty"`
}

// AcceptResponse is the agent's reply to an accepted dispatch.
type AcceptResponse struct {
	AgentBuildID string `json:"agent_build_id"`
}

// Numberer allocates the next per-job build number within an org.
type Numberer interface {
	NextBuildNumber(orgID, jobID string) (int, error)
}

// LocalRunner executes a build in-process.
type LocalRunner interface {
	Run(ctx context.Context, sm *build.StateMachine, pl *pipeline.Pipeline) (*build.Result, error)
}

// Config tunes the fallback chain.
type Config struct {
	FallbackLocal bool
	QueueEnabled  bool
	HTTPTimeout   time.Duration
}

// Dispatcher routes triggered builds. It also tracks in-flight local builds
// so they can be cancelled by build id.
type Dispatcher struct {
	agents   *agent.Registry
	numbers  Numberer
	local    LocalRunner
	queue    *Queue
	recorder metrics.Recorder
	logger   *slog.Logger
	cfg      Config
	client   *http.Client

	mu      sync.Mutex
	running map[string]*trackedBuild
}

type trackedBuild struct {
	sm     *build.StateMachine
	cancel context.CancelFunc
}

// New creates a dispatcher. The queue may be shared with the retry worker.
func New(agents *agent.Registry, numbers Numberer, local LocalRunner, queue *Queue, recorder metrics.Recorder, logger *slog.Logger, cfg Config) *Dispatcher {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if queue == nil {
		queue = NewQueue(recorder)
	}
	return &Dispatcher{
		agents:   agents,
		numbers:  numbers,
		local:    local,
		queue:    queue,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// Queue exposes the dispatcher's queue (shared with the retry worker).
func (d *Dispatcher) Queue() *Queue { return d.queue }

// Decide creates a queued build and routes it. The returned decision always
// carries the build record, whatever the route.
func (d *Dispatcher) Decide(ctx context.Context, jobID, orgID string, pl *pipeline.Pipeline, params map[string]string, trigger build.Trigger, req agent.Request) (*Decision, error) {
	number, err := d.numbers.NextBuildNumber(orgID, jobID)
	if err != nil {
		return nil, derrors.DispatchError("build number allocation failed").
			WithContext("job-id", jobID).
			WithCause(err).
			Build()
	}
	req.OrgID = orgID
	b := build.New(jobID, orgID, number, trigger, params)
	sm := build.NewStateMachine(b)
	ctx, span := observability.StartSpan(ctx, "dispatch")
	defer span.End()
	d.logger.Info("dispatch requested",
		logfields.BuildID(b.ID),
		logfields.JobID(jobID),
		logfields.Trigger(string(trigger)),
	)

	if snap := d.agents.FindAvailable(req); snap != nil && d.agents.AllowDispatch(snap.ID) {
		if err := d.tryRemote(ctx, snap, b, pl); err == nil {
			d.recorder.IncDispatch(string(ModeRemote))
			return &Decision{Mode: ModeRemote, AgentID: snap.ID, Build: b}, nil
		}
		// remote attempt failed: fall back
		switch {
		case d.cfg.FallbackLocal:
			return d.runLocal(sm, pl), nil
		case d.cfg.QueueEnabled:
			return d.park(sm, pl, req), nil
		default:
			return d.fail(sm), nil
		}
	}

	// no agent available
	switch {
	case d.cfg.QueueEnabled:
		return d.park(sm, pl, req), nil
	case d.cfg.FallbackLocal:
		return d.runLocal(sm, pl), nil
	default:
		return d.fail(sm), nil
	}
}

// tryRemote POSTs the envelope to the agent. Any status below 300 is an
// acceptance; 300 itself is a failure. The circuit and capacity counters are
// updated here.
func (d *Dispatcher) tryRemote(ctx context.Context, snap *agent.Snapshot, b *build.Build, pl *pipeline.Pipeline) error {
	env := Envelope{
		BuildID:       b.ID,
		JobID:         b.JobID,
		OrgID:         b.OrgID,
		Number:        b.Number,
		Trigger:       b.Trigger,
		Pipeline:      pl,
		Parameters:    b.Parameters,
		WorkspaceHint: b.Workspace,
		ParentSpan:    observability.TraceIDFrom(ctx),
	}
	body, err := json.Marshal(env)
	if err != nil {
		d.agents.RecordDispatchFailure(snap.ID)
		return derrors.DispatchError("envelope marshaling failed").WithCause(err).Build()
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.HTTPTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, snap.Endpoint+"/dispatch", bytes.NewReader(body))
	if err != nil {
		d.agents.RecordDispatchFailure(snap.ID)
		return derrors.DispatchError("dispatch request construction failed").WithCause(err).Build()
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.agents.RecordDispatchFailure(snap.ID)
		d.logger.Warn("agent dispatch failed",
			logfields.AgentID(snap.ID),
			logfields.BuildID(b.ID),
			logfields.Error(err),
		)
		return derrors.DispatchError("agent unreachable").WithCause(err).Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.agents.RecordDispatchFailure(snap.ID)
		d.logger.Warn("agent rejected dispatch",
			logfields.AgentID(snap.ID),
			logfields.BuildID(b.ID),
			slog.Int("http-status", resp.StatusCode),
		)
		return derrors.DispatchError("agent rejected dispatch").
			WithContext("http-status", resp.StatusCode).
			Build()
	}

	var accept AcceptResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&accept); err != nil && err != io.EOF {
		d.logger.Debug("unparseable accept body", logfields.AgentID(snap.ID), logfields.Error(err))
	}
	d.agents.RecordDispatchSuccess(snap.ID)
	if err := d.agents.IncrementBuilds(snap.ID); err != nil {
		d.logger.Warn("capacity bump failed", logfields.AgentID(snap.ID), logfields.Error(err))
	}
	d.logger.Info("build dispatched",
		logfields.BuildID(b.ID),
		logfields.AgentID(snap.ID),
		slog.String("agent-build-id", accept.AgentBuildID),
	)
	return nil
}

// runLocal hands the build to the in-process engine on its own goroutine.
func (d *Dispatcher) runLocal(sm *build.StateMachine, pl *pipeline.Pipeline) *Decision {
	b := sm.Build()
	ctx, cancel := context.WithCancel(context.Background())
	d.track(b.ID, sm, cancel)
	d.recorder.IncDispatch(string(ModeLocal))

	go func() {
		defer d.untrack(b.ID)
		if _, err := d.local.Run(ctx, sm, pl); err != nil {
			d.logger.Error("local execution failed", logfields.BuildID(b.ID), logfields.Error(err))
		}
	}()
	return &Decision{Mode: ModeLocal, Build: b}
}

func (d *Dispatcher) park(sm *build.StateMachine, pl *pipeline.Pipeline, req agent.Request) *Decision {
	b := sm.Build()
	d.queue.Enqueue(&Item{
		OrgID:    b.OrgID,
		JobID:    b.JobID,
		SM:       sm,
		Pipeline: pl,
		Request:  req,
	})
	d.recorder.IncDispatch(string(ModeQueued))
	d.logger.Info("build queued", logfields.BuildID(b.ID), logfields.OrgID(b.OrgID))
	return &Decision{Mode: ModeQueued, Build: b}
}

// fail lands the build on failure. The legal graph has no queued→failure
// edge, so the build passes through running first.
func (d *Dispatcher) fail(sm *build.StateMachine) *Decision {
	b := sm.Build()
	if err := sm.Transition(build.StatusRunning); err == nil {
		_ = sm.Transition(build.StatusFailure)
	}
	d.recorder.IncDispatch(string(ModeFailed))
	d.logger.Warn("dispatch failed with no fallback", logfields.BuildID(b.ID))
	return &Decision{Mode: ModeFailed, Build: b}
}

// Cancel aborts a build by id: a queued build is removed from the queue and
// aborted, a running local build has its context cancelled.
func (d *Dispatcher) Cancel(buildID string) error {
	if item := d.queue.RemoveByBuildID(buildID); item != nil {
		return item.SM.Transition(build.StatusAborted)
	}

	d.mu.Lock()
	tracked, ok := d.running[buildID]
	d.mu.Unlock()
	if !ok {
		return derrors.NotFoundError("no cancellable build with that id").
			WithContext("build-id", buildID).
			Build()
	}
	tracked.cancel()
	return nil
}

// Build returns the tracked build record, or nil.
func (d *Dispatcher) Build(buildID string) *build.Build {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tracked, ok := d.running[buildID]; ok {
		return tracked.sm.Build()
	}
	return nil
}

func (d *Dispatcher) track(buildID string, sm *build.StateMachine, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running == nil {
		d.running = make(map[string]*trackedBuild)
	}
	d.running[buildID] = &trackedBuild{sm: sm, cancel: cancel}
	d.recorder.SetRunningBuilds(len(d.running))
}

func (d *Dispatcher) untrack(buildID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, buildID)
	d.recorder.SetRunningBuilds(len(d.running))
}
