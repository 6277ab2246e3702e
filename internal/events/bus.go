// Package events carries the engine's append-only state-change stream.
// The GUI, the CLI, and the WebSocket endpoint consume it instead of
// polling alert and log state.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwatch/fleetwatch/internal/models"
)

// Event types published by the engine.
const (
	TypeAlertCreated   = "alert_created"
	TypeAlertUpdated   = "alert_updated"
	TypeAlertResolved  = "alert_resolved"
	TypeDeviceStatus   = "device_status"
	TypeCycleCompleted = "cycle_completed"
	TypeLog            = "log"
)

// Event is one entry on the stream.
type Event struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	DeviceKey string        `json:"device_key,omitempty"`
	Alert     *models.Alert `json:"alert,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Subscriber receives events in real time. Ch is closed on Unsubscribe.
type Subscriber struct {
	Ch chan Event
	id string
}

const (
	subscriberBuffer = 64
	recentCapacity   = 200
)

// Bus fans events out to subscribers and keeps a bounded ring of recent
// events for consumers that attach late. Publishing never blocks: a
// subscriber that cannot keep up loses events rather than stalling the
// scheduler.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	recent      []Event
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]*Subscriber)}
}

// Subscribe registers a new consumer.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		Ch: make(chan Event, subscriberBuffer),
		id: uuid.NewString(),
	}
	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.Ch)
}

// Publish stamps the event with an ID and timestamp (when unset), appends it
// to the recent ring, and delivers it to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent = append(b.recent, ev)
	if len(b.recent) > recentCapacity {
		b.recent = b.recent[len(b.recent)-recentCapacity:]
	}

	for _, sub := range b.subscribers {
		select {
		case sub.Ch <- ev:
		default: // slow consumer, drop
		}
	}
}

// Recent returns a copy of the retained event ring, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.recent))
	copy(out, b.recent)
	return out
}
