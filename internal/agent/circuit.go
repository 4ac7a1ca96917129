package agent

import "time"

// CircuitState is the per-agent dispatch circuit state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

const (
	// DefaultFailureThreshold trips the circuit after this many consecutive
	// dispatch failures.
	DefaultFailureThreshold = 3
	// DefaultCoolDown is how long an open circuit stays open before
	// admitting a probe.
	DefaultCoolDown = 30 * time.Second
)

// breaker guards one agent against repeated dispatch failures. Not safe for
// concurrent use on its own; the registry serializes access.
type breaker struct {
	threshold int
	coolDown  time.Duration

	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(threshold int, coolDown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if coolDown <= 0 {
		coolDown = DefaultCoolDown
	}
	return &breaker{threshold: threshold, coolDown: coolDown, state: CircuitClosed}
}

// admits reports whether a dispatch would be allowed right now, without
// consuming the half-open probe slot.
func (b *breaker) admits(now time.Time) bool {
	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		return now.Sub(b.openedAt) >= b.coolDown
	case CircuitHalfOpen:
		return !b.probing
	}
	return false
}

// allow consumes an admission. In half-open state exactly one probe is
// admitted until its outcome is reported.
func (b *breaker) allow(now time.Time) bool {
	if b.state == CircuitOpen && now.Sub(b.openedAt) >= b.coolDown {
		b.state = CircuitHalfOpen
		b.probing = false
	}
	switch b.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

func (b *breaker) onSuccess() {
	b.state = CircuitClosed
	b.failures = 0
	b.probing = false
}

func (b *breaker) onFailure(now time.Time) {
	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
		b.openedAt = now
		b.probing = false
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = CircuitOpen
		b.openedAt = now
	}
}

// close force-closes the circuit (heartbeat after cool-down).
func (b *breaker) close() {
	b.state = CircuitClosed
	b.failures = 0
	b.probing = false
}
