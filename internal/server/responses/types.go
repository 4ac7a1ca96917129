// Package responses defines the JSON bodies returned by the API.
package responses

import (
	"time"

	"github.com/chengis/chengis/internal/agent"
	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/eventstore"
	"github.com/chengis/chengis/internal/job"
)

// HealthResponse reports server liveness.
type HealthResponse struct {
	Status    string    `json:"status"`
	Uptime    float64   `json:"uptime_seconds"`
	Timestamp time.Time `json:"timestamp"`
}

// JobResponse is returned after job registration.
type JobResponse struct {
	Job     *job.Job `json:"job"`
	Changed bool     `json:"changed"`
}

// JobListResponse lists an org's registered jobs.
type JobListResponse struct {
	Jobs []job.Job `json:"jobs"`
}

// TriggerResponse is returned after a build trigger.
type TriggerResponse struct {
	BuildID string       `json:"build_id"`
	Number  int          `json:"build_number"`
	Mode    string       `json:"mode"`
	AgentID string       `json:"agent_id,omitempty"`
	Build   *build.Build `json:"build"`
}

// BuildListResponse lists recent builds from the history projection.
type BuildListResponse struct {
	Builds []*eventstore.BuildSummary `json:"builds"`
}

// AgentListResponse lists registered agents with their live state.
type AgentListResponse struct {
	Agents []agent.Snapshot `json:"agents"`
}

// OKResponse acknowledges an operation with no other payload.
type OKResponse struct {
	Status string `json:"status"`
}
