package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(Options{FailureThreshold: 3, CoolDown: 30 * time.Second}, nil)
	r.now = clock.now
	return r, clock
}

func testAgent(id string) Agent {
	return Agent{
		ID:               id,
		Endpoint:         "http://" + id + ":8080",
		MaxBuilds:        2,
		CPUCount:         4,
		HeartbeatTimeout: 30 * time.Second,
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(testAgent("a1")))
	require.NoError(t, r.IncrementBuilds("a1"))

	// re-register keeps runtime counters
	require.NoError(t, r.Register(testAgent("a1")))
	snap := r.Get("a1")
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.CurrentBuilds)
	assert.Len(t, r.List(), 1)
}

func TestRegisterRejectsIncompleteRecord(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.Error(t, r.Register(Agent{ID: "a1"}))
	assert.Error(t, r.Register(Agent{Endpoint: "http://x"}))
}

func TestDeregisterUnknownIsNoOp(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Deregister("ghost")
	require.NoError(t, r.Register(testAgent("a1")))
	r.Deregister("a1")
	r.Deregister("a1")
	assert.Empty(t, r.List())
}

func TestHeartbeatBoundaryCountsAsOffline(t *testing.T) {
	r, clock := newTestRegistry(t)
	require.NoError(t, r.Register(testAgent("a1")))

	clock.advance(30*time.Second - time.Millisecond)
	require.NotNil(t, r.FindAvailable(Request{}), "just inside the window is online")

	clock.advance(time.Millisecond)
	assert.Nil(t, r.FindAvailable(Request{}), "exactly heartbeat_timeout is offline")

	require.NoError(t, r.Heartbeat("a1", clock.now()))
	assert.NotNil(t, r.FindAvailable(Request{}))
}

func TestHeartbeatUnknownAgentFails(t *testing.T) {
	r, clock := newTestRegistry(t)
	assert.Error(t, r.Heartbeat("ghost", clock.now()))
}

func TestCapacityIsStrict(t *testing.T) {
	r, _ := newTestRegistry(t)
	a := testAgent("a1")
	a.MaxBuilds = 1
	require.NoError(t, r.Register(a))

	require.NotNil(t, r.FindAvailable(Request{}))
	require.NoError(t, r.IncrementBuilds("a1"))
	assert.Nil(t, r.FindAvailable(Request{}), "current_builds == max_builds is not selectable")

	require.NoError(t, r.SyncBuilds("a1", 0))
	assert.NotNil(t, r.FindAvailable(Request{}))
}

func TestSyncBuildsClampsNegativeReports(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(testAgent("a1")))
	require.NoError(t, r.SyncBuilds("a1", -3))
	assert.Equal(t, 0, r.Get("a1").CurrentBuilds)
}

func TestSelectionFilters(t *testing.T) {
	r, _ := newTestRegistry(t)

	orgBound := testAgent("org-bound")
	orgBound.OrgID = "acme"
	require.NoError(t, r.Register(orgBound))

	labeled := testAgent("labeled")
	labeled.Labels = []string{"linux", "docker"}
	require.NoError(t, r.Register(labeled))

	smallCPU := testAgent("small")
	smallCPU.CPUCount = 2
	require.NoError(t, r.Register(smallCPU))

	// org mismatch excludes the bound agent
	got := r.FindAvailable(Request{OrgID: "other", Labels: []string{"linux"}})
	require.NotNil(t, got)
	assert.Equal(t, "labeled", got.ID)

	// label superset required
	assert.Nil(t, r.FindAvailable(Request{Labels: []string{"linux", "gpu"}}))

	// cpu floor
	got = r.FindAvailable(Request{OrgID: "acme", CPUCount: 4})
	require.NotNil(t, got)
	assert.NotEqual(t, "small", got.ID)
}

func TestSelectionScoring(t *testing.T) {
	r, _ := newTestRegistry(t)

	busy := testAgent("busy")
	busy.MaxBuilds = 4
	require.NoError(t, r.Register(busy))
	require.NoError(t, r.IncrementBuilds("busy"))
	require.NoError(t, r.IncrementBuilds("busy")) // ratio 0.5

	idle := testAgent("idle")
	idle.MaxBuilds = 4
	require.NoError(t, r.Register(idle)) // ratio 0

	got := r.FindAvailable(Request{})
	require.NotNil(t, got)
	assert.Equal(t, "idle", got.ID, "lowest load ratio wins")

	// equal ratio: more free cpu wins
	bigger := testAgent("bigger")
	bigger.MaxBuilds = 4
	bigger.CPUCount = 16
	require.NoError(t, r.Register(bigger))
	got = r.FindAvailable(Request{})
	require.NotNil(t, got)
	assert.Equal(t, "bigger", got.ID)

	// equal ratio and cpu: lexicographic id
	alpha := testAgent("aaa")
	alpha.MaxBuilds = 4
	alpha.CPUCount = 16
	require.NoError(t, r.Register(alpha))
	got = r.FindAvailable(Request{})
	require.NotNil(t, got)
	assert.Equal(t, "aaa", got.ID)
}

func TestSelectionTiebreakUsesFreeCPU(t *testing.T) {
	r, _ := newTestRegistry(t)

	// equal load ratio (0.5), equal total cpu, different free cpu
	zeta := testAgent("zeta")
	zeta.MaxBuilds = 2
	zeta.CPUCount = 16
	require.NoError(t, r.Register(zeta))
	require.NoError(t, r.IncrementBuilds("zeta")) // free 15

	alpha := testAgent("alpha")
	alpha.MaxBuilds = 4
	alpha.CPUCount = 16
	require.NoError(t, r.Register(alpha))
	require.NoError(t, r.IncrementBuilds("alpha"))
	require.NoError(t, r.IncrementBuilds("alpha")) // free 14

	got := r.FindAvailable(Request{})
	require.NotNil(t, got)
	assert.Equal(t, "zeta", got.ID, "free cpu, not total cpu, breaks the tie")
}

func TestSyncBuildsFreesCapacity(t *testing.T) {
	r, _ := newTestRegistry(t)
	a := testAgent("a1")
	a.MaxBuilds = 1
	require.NoError(t, r.Register(a))

	require.NoError(t, r.IncrementBuilds("a1"))
	require.Nil(t, r.FindAvailable(Request{}), "at capacity after dispatch")

	// the agent reports its builds finished
	require.NoError(t, r.SyncBuilds("a1", 0))
	assert.Equal(t, 0, r.Get("a1").CurrentBuilds)
	assert.NotNil(t, r.FindAvailable(Request{}), "slot freed by the agent's report")

	assert.Error(t, r.SyncBuilds("ghost", 0))
}

func TestRegistryLevelHeartbeatTimeoutDefault(t *testing.T) {
	r := NewRegistry(Options{HeartbeatTimeout: 5 * time.Minute}, nil)
	require.NoError(t, r.Register(Agent{ID: "a1", Endpoint: "http://a1:8080"}))
	assert.Equal(t, 5*time.Minute, r.Get("a1").HeartbeatTimeout)
}

func TestCircuitOpensAfterThresholdAndExcludesAgent(t *testing.T) {
	r, clock := newTestRegistry(t)
	require.NoError(t, r.Register(testAgent("a1")))

	for i := 0; i < 3; i++ {
		r.RecordDispatchFailure("a1")
	}
	assert.Equal(t, CircuitOpen, r.Get("a1").CircuitState)
	assert.Nil(t, r.FindAvailable(Request{}), "open circuit is not offered")

	// cool-down elapses: half-open admits exactly one probe
	clock.advance(30 * time.Second)
	require.NoError(t, r.Heartbeat("a1", clock.now())) // stay online
	assert.NotNil(t, r.FindAvailable(Request{}))
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	r, clock := newTestRegistry(t)
	a := testAgent("a1")
	a.HeartbeatTimeout = time.Hour
	require.NoError(t, r.Register(a))

	for i := 0; i < 3; i++ {
		r.RecordDispatchFailure("a1")
	}
	assert.False(t, r.AllowDispatch("a1"))

	clock.advance(31 * time.Second)
	assert.True(t, r.AllowDispatch("a1"), "first admission after cool-down is the probe")
	assert.False(t, r.AllowDispatch("a1"), "second admission blocked while probe in flight")

	// probe failure re-opens
	r.RecordDispatchFailure("a1")
	assert.Equal(t, CircuitOpen, r.Get("a1").CircuitState)
	assert.False(t, r.AllowDispatch("a1"))

	// another cool-down, successful probe closes
	clock.advance(31 * time.Second)
	assert.True(t, r.AllowDispatch("a1"))
	r.RecordDispatchSuccess("a1")
	assert.Equal(t, CircuitClosed, r.Get("a1").CircuitState)
	assert.True(t, r.AllowDispatch("a1"))
	assert.True(t, r.AllowDispatch("a1"), "closed circuit admits freely")
}

func TestHeartbeatClosesOpenCircuitAfterCoolDown(t *testing.T) {
	r, clock := newTestRegistry(t)
	a := testAgent("a1")
	a.HeartbeatTimeout = time.Hour
	require.NoError(t, r.Register(a))

	for i := 0; i < 3; i++ {
		r.RecordDispatchFailure("a1")
	}
	require.Equal(t, CircuitOpen, r.Get("a1").CircuitState)

	// heartbeat before cool-down keeps the circuit open
	clock.advance(10 * time.Second)
	require.NoError(t, r.Heartbeat("a1", clock.now()))
	assert.Equal(t, CircuitOpen, r.Get("a1").CircuitState)

	// heartbeat after cool-down closes it
	clock.advance(25 * time.Second)
	require.NoError(t, r.Heartbeat("a1", clock.now()))
	assert.Equal(t, CircuitClosed, r.Get("a1").CircuitState)
}
