// Package eventstore persists the append-only build event log: lifecycle
// transitions, stage and step results, and overflow log chunks.
package eventstore

import (
	"context"
	"time"
)

// Event names appended by the executor and dispatcher.
const (
	EventBuildStarted   = "build.started"
	EventBuildCompleted = "build.completed"
	EventStageStarted   = "stage.started"
	EventStageCompleted = "stage.completed"
	EventStepCompleted  = "step.completed"
	EventStepLog        = "step.log"
	EventBuildQueued    = "build.queued"
	EventBuildDispatch  = "build.dispatched"
)

// Event is one persisted record.
type Event struct {
	ID        int64             `json:"id"`
	BuildID   string            `json:"build_id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   []byte            `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store defines the interface for persisting and retrieving events.
type Store interface {
	// Append adds a new event to the store.
	Append(ctx context.Context, buildID, eventType string, payload []byte, metadata map[string]string) error

	// GetByBuildID retrieves all events for a specific build in append order.
	GetByBuildID(ctx context.Context, buildID string) ([]Event, error)

	// GetRange retrieves events within a time range.
	GetRange(ctx context.Context, start, end time.Time) ([]Event, error)

	// Close closes the store and releases resources.
	Close() error
}
