// Package events broadcasts saga state changes to in-process subscribers,
// primarily the websocket handler.
package events

import (
	"sync"
	"time"

	"github.com/partnerflow/partnerflow/pkg/saga"
)

// Event is the canonical event payload broadcast to websocket subscribers.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Broadcaster broadcasts events to in-process subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe subscribes to events with a buffered channel.
func (b *Broadcaster) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Broadcast broadcasts a generic event to all subscribers.
func (b *Broadcaster) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]chan Event, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Drop on overflow to keep broadcasters non-blocking.
		}
	}
}

// BroadcastSagaStateChanged emits a saga state change event from a saga
// snapshot. Wired to the coordinator's observer hook.
func (b *Broadcaster) BroadcastSagaStateChanged(inst *saga.Instance) {
	if inst == nil {
		return
	}
	payload := map[string]any{
		"saga_id":    inst.ID,
		"saga_type":  inst.Type,
		"partner_id": inst.PartnerID,
		"status":     inst.Status.String(),
		"version":    inst.Version,
		"updated_at": inst.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if inst.Pending != nil {
		payload["pending_step"] = inst.Pending.Name
		if inst.Pending.Compensating {
			payload["compensating_step"] = inst.Pending.Name
		}
	}
	if inst.Reason != "" {
		payload["reason"] = inst.Reason
	}

	b.Broadcast(Event{
		Type:    "saga.state_changed",
		Payload: payload,
	})
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
