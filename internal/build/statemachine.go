package build

import (
	"sync"
	"time"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
)

// legalTransitions is the exact transition graph. Anything absent is illegal.
var legalTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusAborted},
	StatusRunning: {StatusSuccess, StatusFailure, StatusAborted},
}

// TransitionObserver is notified after every successful transition.
type TransitionObserver func(b *Build, from, to Status)

// StateMachine wraps a build's status field with guarded transitions.
// All mutations of the status go through Transition.
type StateMachine struct {
	mu        sync.Mutex
	build     *Build
	observers []TransitionObserver
}

// NewStateMachine wraps the build.
func NewStateMachine(b *Build) *StateMachine {
	return &StateMachine{build: b}
}

// Subscribe registers an observer for transition events.
func (m *StateMachine) Subscribe(obs TransitionObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// Status returns the current status.
func (m *StateMachine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.build.Status
}

// Build returns the wrapped build record.
func (m *StateMachine) Build() *Build { return m.build }

// Transition moves the build to the target status, enforcing the legal
// graph. Illegal transitions return a state-classified error and leave the
// build untouched.
func (m *StateMachine) Transition(to Status) error {
	m.mu.Lock()
	from := m.build.Status
	if !transitionAllowed(from, to) {
		m.mu.Unlock()
		return derrors.StateError("illegal build status transition").
			Fatal().
			WithContext("build-id", m.build.ID).
			WithContext("from", string(from)).
			WithContext("to", string(to)).
			Build()
	}

	now := time.Now().UTC()
	m.build.Status = to
	if to == StatusRunning {
		m.build.StartedAt = &now
	}
	if to.Terminal() {
		m.build.CompletedAt = &now
	}
	observers := make([]TransitionObserver, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, obs := range observers {
		obs(m.build, from, to)
	}
	return nil
}

func transitionAllowed(from, to Status) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsIllegalTransition reports whether the error came from a rejected transition.
func IsIllegalTransition(err error) bool {
	return derrors.HasCategory(err, derrors.CategoryState)
}
