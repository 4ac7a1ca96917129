// Package build holds the build record, its guarded status state machine,
// and the machine-readable result types.
package build

import (
	"time"

	"github.com/google/uuid"
)

// Status is the build-level status domain.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusAborted Status = "aborted"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAborted:
		return true
	}
	return false
}

// Trigger identifies what started a build.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerCron   Trigger = "cron"
	TriggerSCM    Trigger = "scm"
)

// Build is one execution of a pipeline. Number increases monotonically per
// job starting at 1; ID is globally unique.
type Build struct {
	ID          string            `json:"build_id"`
	JobID       string            `json:"job_id"`
	OrgID       string            `json:"org_id,omitempty"`
	Number      int               `json:"build_number"`
	Status      Status            `json:"status"`
	Trigger     Trigger           `json:"trigger"`
	Workspace   string            `json:"workspace,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// New creates a queued build record.
func New(jobID, orgID string, number int, trigger Trigger, parameters map[string]string) *Build {
	return &Build{
		ID:         uuid.NewString(),
		JobID:      jobID,
		OrgID:      orgID,
		Number:     number,
		Status:     StatusQueued,
		Trigger:    trigger,
		Parameters: parameters,
		CreatedAt:  time.Now().UTC(),
	}
}
