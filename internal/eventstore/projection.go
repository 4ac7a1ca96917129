package eventstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// BuildSummary is a read model summarizing one build, reconstructed from the
// event log.
type BuildSummary struct {
	BuildID     string     `json:"build_id"`
	JobID       string     `json:"job_id,omitempty"`
	OrgID       string     `json:"org_id,omitempty"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	StageCount  int        `json:"stage_count"`
}

// BuildHistoryProjection maintains an in-memory view of build history,
// reconstructed from events stored in the event store.
type BuildHistoryProjection struct {
	mu      sync.RWMutex
	store   Store
	builds  map[string]*BuildSummary
	maxSize int
}

// NewBuildHistoryProjection creates a projection backed by the given store.
func NewBuildHistoryProjection(store Store, maxHistorySize int) *BuildHistoryProjection {
	if maxHistorySize <= 0 {
		maxHistorySize = 100
	}
	return &BuildHistoryProjection{
		store:   store,
		builds:  make(map[string]*BuildSummary),
		maxSize: maxHistorySize,
	}
}

// Rebuild reconstructs the projection from all events in the store.
// Typically called at startup.
func (p *BuildHistoryProjection) Rebuild(ctx context.Context) error {
	events, err := p.store.GetRange(ctx, time.Unix(0, 0), time.Now().Add(time.Hour))
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.builds = make(map[string]*BuildSummary)
	for _, e := range events {
		p.applyLocked(e)
	}
	return nil
}

// Apply folds one event into the projection.
func (p *BuildHistoryProjection) Apply(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyLocked(e)
}

func (p *BuildHistoryProjection) applyLocked(e Event) {
	summary, ok := p.builds[e.BuildID]
	if !ok {
		summary = &BuildSummary{BuildID: e.BuildID, Status: "queued"}
		p.builds[e.BuildID] = summary
	}
	summary.JobID = firstNonEmpty(e.Metadata["job-id"], summary.JobID)
	summary.OrgID = firstNonEmpty(e.Metadata["org-id"], summary.OrgID)

	switch e.Type {
	case EventBuildStarted:
		summary.Status = "running"
		summary.StartedAt = e.Timestamp
	case EventStageCompleted:
		summary.StageCount++
	case EventBuildCompleted:
		ts := e.Timestamp
		summary.CompletedAt = &ts
		var payload struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err == nil && payload.Status != "" {
			summary.Status = payload.Status
		}
	}
}

// Recent returns up to maxSize summaries, newest first.
func (p *BuildHistoryProjection) Recent() []*BuildSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*BuildSummary, 0, len(p.builds))
	for _, s := range p.builds {
		copied := *s
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > p.maxSize {
		out = out[:p.maxSize]
	}
	return out
}

// Get returns the summary for one build, or nil.
func (p *BuildHistoryProjection) Get(buildID string) *BuildSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.builds[buildID]
	if !ok {
		return nil
	}
	copied := *s
	return &copied
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
