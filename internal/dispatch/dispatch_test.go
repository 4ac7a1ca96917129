package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/agent"
	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/retry"
)

type fakeNumbers struct {
	mu   sync.Mutex
	next map[string]int
}

func (f *fakeNumbers) NextBuildNumber(orgID, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next == nil {
		f.next = map[string]int{}
	}
	key := orgID + "/" + jobID
	f.next[key]++
	return f.next[key], nil
}

type fakeLocal struct {
	mu   sync.Mutex
	runs []string
	done chan string
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{done: make(chan string, 16)}
}

func (f *fakeLocal) Run(ctx context.Context, sm *build.StateMachine, pl *pipeline.Pipeline) (*build.Result, error) {
	f.mu.Lock()
	f.runs = append(f.runs, sm.Build().ID)
	f.mu.Unlock()
	_ = sm.Transition(build.StatusRunning)
	_ = sm.Transition(build.StatusSuccess)
	f.done <- sm.Build().ID
	return &build.Result{BuildID: sm.Build().ID, Status: build.StatusSuccess}, nil
}

func testPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Name:   "deploy",
		Stages: []pipeline.Stage{{Name: "build", Steps: []pipeline.Step{{Name: "ok", Type: "shell", Command: "true"}}}},
	}
}

func agentServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/dispatch", r.URL.Path)
		w.WriteHeader(status)
		if status < 300 {
			_, _ = w.Write([]byte(`{"agent_build_id":"agent-b-1"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func registerAgent(t *testing.T, agents *agent.Registry, id, endpoint string) {
	t.Helper()
	require.NoError(t, agents.Register(agent.Agent{
		ID:               id,
		Endpoint:         endpoint,
		MaxBuilds:        2,
		CPUCount:         4,
		HeartbeatTimeout: time.Hour,
	}))
}

func newDispatcher(t *testing.T, agents *agent.Registry, local *fakeLocal, cfg Config) *Dispatcher {
	t.Helper()
	return New(agents, &fakeNumbers{}, local, nil, nil, nil, cfg)
}

func TestRemoteDispatchAccepted(t *testing.T) {
	srv := agentServer(t, 299) // any status below 300 is acceptance
	agents := agent.NewRegistry(agent.Options{}, nil)
	registerAgent(t, agents, "a1", srv.URL)

	d := newDispatcher(t, agents, newFakeLocal(), Config{})
	dec, err := d.Decide(context.Background(), "deploy", "acme", testPipeline(), nil, build.TriggerManual, agent.Request{})
	require.NoError(t, err)

	assert.Equal(t, ModeRemote, dec.Mode)
	assert.Equal(t, "a1", dec.AgentID)
	assert.Equal(t, 1, dec.Build.Number)
	assert.Equal(t, 1, agents.Get("a1").CurrentBuilds)
	assert.Equal(t, agent.CircuitClosed, agents.Get("a1").CircuitState)
}

func TestStatus300IsRejection(t *testing.T) {
	srv := agentServer(t, 300)
	agents := agent.NewRegistry(agent.Options{}, nil)
	registerAgent(t, agents, "a1", srv.URL)

	local := newFakeLocal()
	d := newDispatcher(t, agents, local, Config{FallbackLocal: true})
	dec, err := d.Decide(context.Background(), "deploy", "acme", testPipeline(), nil, build.TriggerManual, agent.Request{})
	require.NoError(t, err)

	assert.Equal(t, ModeLocal, dec.Mode, "exactly 300 must count as dispatch failure")
	assert.Equal(t, 0, agents.Get("a1").CurrentBuilds)
	<-local.done
}

func TestAgentErrorFallsBackLocal(t *testing.T) {
	srv := agentServer(t, http.StatusInternalServerError)
	agents := agent.NewRegistry(agent.Options{}, nil)
	registerAgent(t, agents, "a1", srv.URL)

	local := newFakeLocal()
	d := newDispatcher(t, agents, local, Config{FallbackLocal: true})
	dec, err := d.Decide(context.Background(), "deploy", "acme", testPipeline(), nil, build.TriggerManual, agent.Request{})
	require.NoError(t, err)

	assert.Equal(t, ModeLocal, dec.Mode)
	buildID := <-local.done
	assert.Equal(t, dec.Build.ID, buildID)
	assert.Equal(t, build.StatusSuccess, dec.Build.Status)
}

func TestAgentErrorQueuesWhenNoLocalFallback(t *testing.T) {
	srv := agentServer(t, http.StatusBadGateway)
	agents := agent.NewRegistry(agent.Options{}, nil)
	registerAgent(t, agents, "a1", srv.URL)

	d := newDispatcher(t, agents, newFakeLocal(), Config{QueueEnabled: true})
	dec, err := d.Decide(context.Background(), "deploy", "acme", testPipeline(), nil, build.TriggerManual, agent.Request{})
	require.NoError(t, err)

	assert.Equal(t, ModeQueued, dec.Mode)
	assert.Equal(t, 1, d.Queue().Len("acme"))
	assert.Equal(t, build.StatusQueued, dec.Build.Status)
}

func TestNoAgentQueuePreferredOverLocal(t *testing.T) {
	agents := agent.NewRegistry(agent.Options{}, nil)
	d := newDispatcher(t, agents, newFakeLocal(), Config{QueueEnabled: true, FallbackLocal: true})
	dec, err := d.Decide(context.Background(), "deploy", "acme", testPipeline(), nil, build.TriggerManual, agent.Request{})
	require.NoError(t, err)
	assert.Equal(t, ModeQueued, dec.Mode)
}

func TestNoAgentNoFallbackFailsBuild(t *testing.T) {
	agents := agent.NewRegistry(agent.Options{}, nil)
	d := newDispatcher(t, agents, newFakeLocal(), Config{})
	dec, err := d.Decide(context.Background(), "deploy", "acme", testPipeline(), nil, build.TriggerManual, agent.Request{})
	require.NoError(t, err)

	assert.Equal(t, ModeFailed, dec.Mode)
	assert.Equal(t, build.StatusFailure, dec.Build.Status)
}

func TestBuildNumbersAreMonotonicPerJob(t *testing.T) {
	agents := agent.NewRegistry(agent.Options{}, nil)
	d := newDispatcher(t, agents, newFakeLocal(), Config{QueueEnabled: true})

	for want := 1; want <= 3; want++ {
		dec, err := d.Decide(context.Background(), "deploy", "acme", testPipeline(), nil, build.TriggerManual, agent.Request{})
		require.NoError(t, err)
		assert.Equal(t, want, dec.Build.Number)
	}
	dec, err := d.Decide(context.Background(), "other", "acme", testPipeline(), nil, build.TriggerManual, agent.Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, dec.Build.Number)
}

func TestCancelQueuedBuildAborts(t *testing.T) {
	agents := agent.NewRegistry(agent.Options{}, nil)
	d := newDispatcher(t, agents, newFakeLocal(), Config{QueueEnabled: true})
	dec, err := d.Decide(context.Background(), "deploy", "acme", testPipeline(), nil, build.TriggerManual, agent.Request{})
	require.NoError(t, err)

	require.NoError(t, d.Cancel(dec.Build.ID))
	assert.Equal(t, build.StatusAborted, dec.Build.Status)
	assert.Zero(t, d.Queue().Depth())

	assert.Error(t, d.Cancel("no-such-build"))
}

func TestQueueOrdering(t *testing.T) {
	q := NewQueue(nil)
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	mk := func(id string, prio int, at time.Time) *Item {
		b := build.New("deploy", "acme", 1, build.TriggerManual, nil)
		return &Item{ID: id, OrgID: "acme", Priority: prio, EnqueuedAt: at, SM: build.NewStateMachine(b)}
	}
	q.Enqueue(mk("old-low", 0, base))
	q.Enqueue(mk("new-high", 5, base.Add(time.Minute)))
	q.Enqueue(mk("old-high", 5, base.Add(-time.Minute)))

	assert.Equal(t, "old-high", q.Dequeue("acme").ID, "priority desc, then enqueue asc")
	assert.Equal(t, "new-high", q.Dequeue("acme").ID)
	assert.Equal(t, "old-low", q.Dequeue("acme").ID)
	assert.Nil(t, q.Dequeue("acme"))
}

func TestQueueDequeueAnySpansOrgs(t *testing.T) {
	q := NewQueue(nil)
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	mk := func(id, org string, prio int, at time.Time) *Item {
		b := build.New("deploy", org, 1, build.TriggerManual, nil)
		return &Item{ID: id, OrgID: org, Priority: prio, EnqueuedAt: at, SM: build.NewStateMachine(b)}
	}
	q.Enqueue(mk("acme-item", "acme", 1, base))
	q.Enqueue(mk("globex-item", "globex", 3, base.Add(time.Second)))

	assert.Equal(t, "globex-item", q.DequeueAny().ID)
	assert.Equal(t, "acme-item", q.DequeueAny().ID)
	assert.Nil(t, q.DequeueAny())
}

func TestWorkerDrainsQueueWhenAgentAppears(t *testing.T) {
	srv := agentServer(t, http.StatusOK)
	agents := agent.NewRegistry(agent.Options{}, nil)
	d := newDispatcher(t, agents, newFakeLocal(), Config{QueueEnabled: true})

	dec, err := d.Decide(context.Background(), "deploy", "acme", testPipeline(), nil, build.TriggerManual, agent.Request{})
	require.NoError(t, err)
	require.Equal(t, ModeQueued, dec.Mode)

	registerAgent(t, agents, "a1", srv.URL)

	w := NewWorker(d, retry.DefaultPolicy(), 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return agents.Get("a1").CurrentBuilds == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, d.Queue().Depth())
}

func TestWorkerStopsMidBackoff(t *testing.T) {
	srv := agentServer(t, http.StatusServiceUnavailable)
	agents := agent.NewRegistry(agent.Options{}, nil)
	d := newDispatcher(t, agents, newFakeLocal(), Config{QueueEnabled: true})

	dec, err := d.Decide(context.Background(), "deploy", "acme", testPipeline(), nil, build.TriggerManual, agent.Request{})
	require.NoError(t, err)
	require.Equal(t, ModeQueued, dec.Mode)

	registerAgent(t, agents, "a1", srv.URL)

	// a long backoff must not delay shutdown
	w := NewWorker(d, retry.NewPolicy(retry.BackoffFixed, time.Minute, time.Minute, 5), 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	// the item leaves the queue when the worker picks it up; the rejected
	// attempt then parks the worker inside the backoff
	require.Eventually(t, func() bool { return d.Queue().Depth() == 0 }, 3*time.Second, time.Millisecond)
	cancel()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop during backoff")
	}
	assert.Equal(t, 1, d.Queue().Depth(), "the in-flight item is requeued on shutdown")
}

func TestWorkerExhaustsToFailure(t *testing.T) {
	srv := agentServer(t, http.StatusServiceUnavailable)
	agents := agent.NewRegistry(agent.Options{}, nil)
	d := newDispatcher(t, agents, newFakeLocal(), Config{QueueEnabled: true})

	dec, err := d.Decide(context.Background(), "deploy", "acme", testPipeline(), nil, build.TriggerManual, agent.Request{})
	require.NoError(t, err)
	require.Equal(t, ModeQueued, dec.Mode)

	registerAgent(t, agents, "a1", srv.URL)

	w := NewWorker(d, retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 1), 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return dec.Build.Status == build.StatusFailure }, 3*time.Second, 20*time.Millisecond)
	assert.Zero(t, d.Queue().Depth())
}
