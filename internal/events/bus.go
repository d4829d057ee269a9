// Package events provides the in-process activity event bus. Every
// subsystem that changes observable state emits an event here; the API
// layer bridges the bus to SSE and websocket feeds, and an optional sink
// persists events to the activity log.
package events

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one activity record. Data holds type-specific payload fields.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	OrgID     string          `json:"orgId,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Listener receives events synchronously on the emitter's goroutine.
type Listener func(Event)

// Bus fans events out to listeners in registration order. Delivery is
// synchronous so a single emitter observes its own events in order;
// listeners that panic are isolated and logged.
type Bus struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	order     []int
	nextID    int
	logger    *slog.Logger
	entropy   *ulid.MonotonicEntropy
	entropyMu sync.Mutex
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		listeners: make(map[int]Listener),
		logger:    logger.With("component", "events.Bus"),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Subscribe registers a listener and returns an idempotent unsubscribe
// func.
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			for i, o := range b.order {
				if o == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}
}

// Emit assigns the event an ID and timestamp if missing and delivers it
// to every listener.
func (b *Bus) Emit(ev Event) Event {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ID == "" {
		ev.ID = b.newID(ev.Timestamp)
	}

	b.mu.RLock()
	ordered := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		if l, ok := b.listeners[id]; ok {
			ordered = append(ordered, l)
		}
	}
	b.mu.RUnlock()

	for _, l := range ordered {
		b.deliver(l, ev)
	}
	return ev
}

// EmitData marshals data and emits an event of the given type.
func (b *Bus) EmitData(eventType, orgID, agentID string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		if buf, err := json.Marshal(data); err == nil {
			raw = buf
		} else {
			b.logger.Error("failed to marshal event data", "type", eventType, "error", err)
		}
	}
	return b.Emit(Event{Type: eventType, OrgID: orgID, AgentID: agentID, Data: raw})
}

func (b *Bus) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "type", ev.Type, "panic", r)
		}
	}()
	l(ev)
}

func (b *Bus) newID(t time.Time) string {
	b.entropyMu.Lock()
	defer b.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), b.entropy).String()
}
