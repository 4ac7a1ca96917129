package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chengis/chengis/internal/agent"
	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/metrics"
	"github.com/chengis/chengis/internal/pipeline"
)

// Item is one parked dispatch request awaiting an agent.
type Item struct {
	ID         string
	OrgID      string
	JobID      string
	Priority   int
	EnqueuedAt time.Time
	Attempts   int

	SM       *build.StateMachine
	Pipeline *pipeline.Pipeline
	Request  agent.Request
}

// Queue holds pending builds per org, ordered by priority (desc) then
// enqueue time (asc).
type Queue struct {
	mu       sync.Mutex
	items    map[string][]*Item
	recorder metrics.Recorder
}

// NewQueue creates an empty queue. A nil recorder disables depth gauges.
func NewQueue(recorder metrics.Recorder) *Queue {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Queue{items: make(map[string][]*Item), recorder: recorder}
}

// Enqueue parks an item and returns its queue id.
func (q *Queue) Enqueue(item *Item) string {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	org := item.OrgID
	q.items[org] = append(q.items[org], item)
	sort.SliceStable(q.items[org], func(i, j int) bool {
		a, b := q.items[org][i], q.items[org][j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	})
	q.recorder.SetQueueDepth(org, len(q.items[org]))
	return item.ID
}

// Dequeue pops the head of one org's queue, or nil.
func (q *Queue) Dequeue(orgID string) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked(orgID)
}

// DequeueAny pops the overall best item across orgs: highest priority first,
// oldest enqueue time breaking ties.
func (q *Queue) DequeueAny() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	bestOrg := ""
	var best *Item
	for org, items := range q.items {
		if len(items) == 0 {
			continue
		}
		head := items[0]
		if best == nil ||
			head.Priority > best.Priority ||
			(head.Priority == best.Priority && head.EnqueuedAt.Before(best.EnqueuedAt)) {
			best = head
			bestOrg = org
		}
	}
	if best == nil {
		return nil
	}
	return q.popLocked(bestOrg)
}

// Remove deletes an item by id, returning it when found.
func (q *Queue) Remove(itemID string) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	for org, items := range q.items {
		for i, item := range items {
			if item.ID == itemID {
				q.items[org] = append(items[:i], items[i+1:]...)
				q.recorder.SetQueueDepth(org, len(q.items[org]))
				return item
			}
		}
	}
	return nil
}

// RemoveByBuildID deletes the item carrying the given build.
func (q *Queue) RemoveByBuildID(buildID string) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	for org, items := range q.items {
		for i, item := range items {
			if item.SM != nil && item.SM.Build().ID == buildID {
				q.items[org] = append(items[:i], items[i+1:]...)
				q.recorder.SetQueueDepth(org, len(q.items[org]))
				return item
			}
		}
	}
	return nil
}

// Len reports one org's depth.
func (q *Queue) Len(orgID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[orgID])
}

// Depth reports the total number of parked items.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, items := range q.items {
		n += len(items)
	}
	return n
}

func (q *Queue) popLocked(orgID string) *Item {
	items := q.items[orgID]
	if len(items) == 0 {
		return nil
	}
	head := items[0]
	q.items[orgID] = items[1:]
	q.recorder.SetQueueDepth(orgID, len(q.items[orgID]))
	return head
}
