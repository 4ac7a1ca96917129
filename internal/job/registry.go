// Package job keeps the named-pipeline table: registration, lookup, and
// per-job build numbering.
package job

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/logfields"
	"github.com/chengis/chengis/internal/pipeline"
)

// Job is one registered pipeline within an org.
type Job struct {
	Name      string             `json:"name"`
	OrgID     string             `json:"org_id,omitempty"`
	Pipeline  *pipeline.Pipeline `json:"pipeline"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type record struct {
	job             Job
	lastBuildNumber int
}

// Registry is the job table. Reads are concurrent; writes are serialized,
// which also makes build numbering race-free.
type Registry struct {
	mu   sync.RWMutex
	orgs map[string]map[string]*record
}

// NewRegistry creates an empty job table.
func NewRegistry() *Registry {
	return &Registry{orgs: make(map[string]map[string]*record)}
}

// Register validates and stores the pipeline under its name. Re-registering
// a structurally identical pipeline is a no-op; a changed pipeline replaces
// the old one but keeps the build number sequence. The second return value
// reports whether anything changed.
func (r *Registry) Register(orgID string, pl *pipeline.Pipeline) (*Job, bool, error) {
	if err := pipeline.Validate(pl); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	jobs, ok := r.orgs[orgID]
	if !ok {
		jobs = make(map[string]*record)
		r.orgs[orgID] = jobs
	}

	now := time.Now().UTC()
	if existing, ok := jobs[pl.Name]; ok {
		if existing.job.Pipeline.Equal(pl) {
			j := existing.job
			return &j, false, nil
		}
		existing.job.Pipeline = pl
		existing.job.UpdatedAt = now
		slog.Info("job updated", logfields.JobID(pl.Name), logfields.OrgID(orgID))
		j := existing.job
		return &j, true, nil
	}

	jobs[pl.Name] = &record{job: Job{
		Name:      pl.Name,
		OrgID:     orgID,
		Pipeline:  pl,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	slog.Info("job registered", logfields.JobID(pl.Name), logfields.OrgID(orgID))
	j := jobs[pl.Name].job
	return &j, true, nil
}

// Get returns the job, or a not-found error.
func (r *Registry) Get(orgID, name string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.orgs[orgID][name]; ok {
		j := rec.job
		return &j, nil
	}
	return nil, derrors.NotFoundError("no such job").
		WithContext("job-id", name).
		WithContext("org-id", orgID).
		Build()
}

// List returns the org's jobs sorted by name.
func (r *Registry) List(orgID string) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.orgs[orgID]))
	for _, rec := range r.orgs[orgID] {
		out = append(out, rec.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes a job. Unknown names are a no-op.
func (r *Registry) Delete(orgID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orgs[orgID], name)
}

// NextBuildNumber returns 1 + the highest number handed out for the job.
// The registry satisfies the dispatcher's number allocator directly.
func (r *Registry) NextBuildNumber(orgID, jobID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.orgs[orgID][jobID]
	if !ok {
		return 0, derrors.NotFoundError("no such job").
			WithContext("job-id", jobID).
			WithContext("org-id", orgID).
			Build()
	}
	rec.lastBuildNumber++
	return rec.lastBuildNumber, nil
}
