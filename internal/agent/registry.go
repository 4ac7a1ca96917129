// Package agent tracks the remote build-agent pool: registration,
// heartbeats, capacity-aware selection, and a per-agent dispatch circuit
// breaker.
package agent

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/logfields"
	"github.com/chengis/chengis/internal/metrics"
)

// DefaultHeartbeatTimeout marks an agent offline when no heartbeat arrived
// within this window.
const DefaultHeartbeatTimeout = 30 * time.Second

// Agent is the registration record. Runtime state (current builds, last
// heartbeat, circuit) lives inside the registry.
type Agent struct {
	ID               string        `json:"agent_id"`
	Endpoint         string        `json:"endpoint"`
	Labels           []string      `json:"labels,omitempty"`
	OrgID            string        `json:"org_id,omitempty"`
	MaxBuilds        int           `json:"max_builds"`
	CPUCount         int           `json:"cpu_count"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout_ms"`
}

// Snapshot is a point-in-time view of one registered agent.
type Snapshot struct {
	Agent
	CurrentBuilds   int          `json:"current_builds"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	CircuitState    CircuitState `json:"circuit_state"`
	Online          bool         `json:"online"`
}

// Request describes what a build needs from an agent.
type Request struct {
	OrgID    string
	Labels   []string
	CPUCount int
}

type entry struct {
	agent         Agent
	currentBuilds int
	lastHeartbeat time.Time
	breaker       *breaker
}

// Options tune registry defaults.
type Options struct {
	FailureThreshold int
	CoolDown         time.Duration
	HeartbeatTimeout time.Duration
}

// Registry is the concurrent agent pool. Reads take the read lock; every
// mutation of a single agent's counters happens under the write lock, which
// makes inc/dec atomic per agent.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*entry
	opts     Options
	recorder metrics.Recorder
	now      func() time.Time
}

// NewRegistry creates an empty registry. A nil recorder disables metrics.
func NewRegistry(opts Options, recorder metrics.Recorder) *Registry {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Registry{
		agents:   make(map[string]*entry),
		opts:     opts,
		recorder: recorder,
		now:      time.Now,
	}
}

// Register adds or refreshes an agent. Re-registering an existing id updates
// the record but keeps runtime counters; registration counts as a heartbeat.
func (r *Registry) Register(a Agent) error {
	if a.ID == "" || a.Endpoint == "" {
		return derrors.AgentError("agent registration requires id and endpoint").Build()
	}
	if a.MaxBuilds <= 0 {
		a.MaxBuilds = 1
	}
	if a.HeartbeatTimeout <= 0 {
		a.HeartbeatTimeout = r.opts.HeartbeatTimeout
	}
	if a.HeartbeatTimeout <= 0 {
		a.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[a.ID]; ok {
		existing.agent = a
		existing.lastHeartbeat = r.now()
	} else {
		r.agents[a.ID] = &entry{
			agent:         a,
			lastHeartbeat: r.now(),
			breaker:       newBreaker(r.opts.FailureThreshold, r.opts.CoolDown),
		}
		slog.Info("agent registered", logfields.AgentID(a.ID), slog.String("endpoint", a.Endpoint))
	}
	r.recorder.SetAgentsOnline(r.onlineLocked())
	return nil
}

// Deregister removes an agent. Unknown ids are a no-op.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; ok {
		delete(r.agents, agentID)
		slog.Info("agent deregistered", logfields.AgentID(agentID))
	}
	r.recorder.SetAgentsOnline(r.onlineLocked())
}

// Heartbeat refreshes the agent's liveness. An open circuit whose cool-down
// has elapsed is closed, so a recovered agent becomes selectable again.
func (r *Registry) Heartbeat(agentID string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return derrors.AgentError("heartbeat from unknown agent").
			WithContext("agent-id", agentID).
			Build()
	}
	if ts.After(e.lastHeartbeat) {
		e.lastHeartbeat = ts
	}
	if e.breaker.state == CircuitOpen && ts.Sub(e.breaker.openedAt) >= e.breaker.coolDown {
		e.breaker.close()
	}
	r.recorder.SetAgentsOnline(r.onlineLocked())
	return nil
}

// FindAvailable applies the exclusion rules in order and returns the best
// scored candidate, or nil when no agent qualifies. Agents whose circuit
// would not admit a dispatch are not offered.
func (r *Registry) FindAvailable(req Request) *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()

	var candidates []*entry
	for _, e := range r.agents {
		if r.offlineLocked(e, now) {
			continue
		}
		if e.currentBuilds >= e.agent.MaxBuilds {
			continue
		}
		if e.agent.OrgID != "" && e.agent.OrgID != req.OrgID {
			continue
		}
		if !hasAllLabels(e.agent.Labels, req.Labels) {
			continue
		}
		if e.agent.CPUCount < req.CPUCount {
			continue
		}
		if !e.breaker.admits(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ra := float64(a.currentBuilds) / float64(a.agent.MaxBuilds)
		rb := float64(b.currentBuilds) / float64(b.agent.MaxBuilds)
		if ra != rb {
			return ra < rb
		}
		fa := a.agent.CPUCount - a.currentBuilds
		fb := b.agent.CPUCount - b.currentBuilds
		if fa != fb {
			return fa > fb
		}
		return a.agent.ID < b.agent.ID
	})

	snap := r.snapshotLocked(candidates[0], now)
	return &snap
}

// AllowDispatch consumes a circuit admission for the agent. In half-open
// state only one probe is admitted until its outcome is reported.
func (r *Registry) AllowDispatch(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return false
	}
	return e.breaker.allow(r.now())
}

// RecordDispatchSuccess closes the circuit and resets its failure count.
func (r *Registry) RecordDispatchSuccess(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.breaker.onSuccess()
	}
}

// RecordDispatchFailure counts a consecutive failure; reaching the threshold
// opens the circuit, and a failed half-open probe re-opens it.
func (r *Registry) RecordDispatchFailure(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.breaker.onFailure(r.now())
		if e.breaker.state == CircuitOpen {
			slog.Warn("agent circuit opened", logfields.AgentID(agentID))
		}
	}
}

// IncrementBuilds bumps the agent's running-build counter.
func (r *Registry) IncrementBuilds(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return derrors.AgentError("unknown agent").WithContext("agent-id", agentID).Build()
	}
	e.currentBuilds++
	return nil
}

// SyncBuilds overwrites the agent's running-build counter with the count the
// agent itself reports. The agent is authoritative for its own load, so a
// heartbeat resync frees slots held by builds that have since finished.
func (r *Registry) SyncBuilds(agentID string, active int) error {
	if active < 0 {
		active = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return derrors.AgentError("unknown agent").WithContext("agent-id", agentID).Build()
	}
	e.currentBuilds = active
	return nil
}

// Get returns a snapshot of one agent, or nil.
func (r *Registry) Get(agentID string) *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	snap := r.snapshotLocked(e, r.now())
	return &snap
}

// List returns snapshots of all agents sorted by id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := make([]Snapshot, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, r.snapshotLocked(e, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) snapshotLocked(e *entry, now time.Time) Snapshot {
	return Snapshot{
		Agent:           e.agent,
		CurrentBuilds:   e.currentBuilds,
		LastHeartbeatAt: e.lastHeartbeat,
		CircuitState:    e.breaker.state,
		Online:          !r.offlineLocked(e, now),
	}
}

// offlineLocked applies the heartbeat rule: the exact boundary counts as
// offline.
func (r *Registry) offlineLocked(e *entry, now time.Time) bool {
	return now.Sub(e.lastHeartbeat) >= e.agent.HeartbeatTimeout
}

func (r *Registry) onlineLocked() int {
	now := r.now()
	n := 0
	for _, e := range r.agents {
		if !r.offlineLocked(e, now) {
			n++
		}
	}
	return n
}

func hasAllLabels(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, l := range have {
		set[l] = struct{}{}
	}
	for _, l := range want {
		if _, ok := set[l]; !ok {
			return false
		}
	}
	return true
}
