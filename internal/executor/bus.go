package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/chengis/chengis/internal/logfields"
)

// EventStore is the subset of eventstore.Store the bus needs. Declared here
// to avoid a dependency cycle.
type EventStore interface {
	Append(ctx context.Context, buildID, eventType string, payload []byte, metadata map[string]string) error
}

// Handler processes an Event; return error to signal failure.
type Handler func(Event) error

// Bus is a simple synchronous pub/sub event bus. When an event store is
// configured, every published event is persisted before handlers run;
// persistence failures are logged but never fail the build.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	eventStore  EventStore
}

func NewBus() *Bus { return &Bus{subscribers: map[string][]Handler{}} }

// NewBusWithEventStore creates a bus that persists events to the store.
func NewBusWithEventStore(store EventStore) *Bus {
	return &Bus{
		subscribers: map[string][]Handler{},
		eventStore:  store,
	}
}

// Subscribe registers a handler for a given event name.
func (b *Bus) Subscribe(event string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.subscribers[event] = append(b.subscribers[event], h)
	b.mu.Unlock()
}

// Publish delivers an event to all handlers synchronously. Events that
// provide their own payload or metadata control what is persisted; the
// projection depends on those shapes.
func (b *Bus) Publish(e Event) error {
	if b.eventStore != nil {
		var payload []byte
		if p, ok := e.(interface{ Payload() ([]byte, error) }); ok {
			payload, _ = p.Payload()
		} else if raw, err := json.Marshal(e); err == nil {
			payload = raw
		}
		var metadata map[string]string
		if m, ok := e.(interface{ Metadata() map[string]string }); ok {
			metadata = m.Metadata()
		}
		if err := b.eventStore.Append(context.Background(), e.GetBuildID(), e.Name(), payload, metadata); err != nil {
			slog.Warn("event persistence failed",
				logfields.BuildID(e.GetBuildID()),
				slog.String("event", e.Name()),
				logfields.Error(err),
			)
		}
	}

	b.mu.RLock()
	hs := append([]Handler(nil), b.subscribers[e.Name()]...)
	b.mu.RUnlock()
	for _, h := range hs {
		if err := h(e); err != nil {
			return err
		}
	}
	return nil
}
