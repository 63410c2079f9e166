// Package events defines the orchestrator's lifecycle event types and an
// in-process bus that fans them out to subscribers (notifier routing, the
// live WebSocket feed).
package events

import (
	"sync"
	"time"
)

// Type identifies a lifecycle event.
type Type string

const (
	SessionSpawned    Type = "session.spawned"
	SessionNeedsInput Type = "session.needs_input"
	SessionStuck      Type = "session.stuck"
	SessionErrored    Type = "session.errored"
	SessionKilled     Type = "session.killed"

	PRCreated              Type = "pr.created"
	CIFailing              Type = "ci.failing"
	ReviewPending          Type = "review.pending"
	ReviewChangesRequested Type = "review.changes_requested"
	ReviewApproved         Type = "review.approved"
	MergeReady             Type = "merge.ready"
	MergeCompleted         Type = "merge.completed"

	ReactionTriggered Type = "reaction.triggered"
	ReactionEscalated Type = "reaction.escalated"

	PRPPhaseChanged Type = "prp.phase"
	PRPPlanGate     Type = "prp.plan_gate"

	AllComplete Type = "session.all_complete"
)

// Priority bands for notification routing.
const (
	PriorityUrgent  = "urgent"
	PriorityAction  = "action"
	PriorityWarning = "warning"
	PriorityInfo    = "info"
)

// Event is one occurrence on the bus.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	Status    string    `json:"status,omitempty"`
	OldStatus string    `json:"oldStatus,omitempty"`
	Priority  string    `json:"priority,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// Bus fans events out to subscriber channels. Publishing never blocks: a
// slow subscriber drops events rather than stalling the poll loop.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscriber channel and returns it with an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish stamps the event time if unset and offers it to every subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		Offer(ch, ev)
	}
}

// Offer performs a non-blocking send. It returns true when the value was
// sent and false when the channel is full or closed.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}
