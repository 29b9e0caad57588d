package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operator-visibility event types.
const (
	TypeIterationCapHit  = "iteration_cap_hit"
	TypeMalformedToolArg = "malformed_tool_args"
	TypeCommitConflict   = "commit_conflict"
	TypeHumanHandoff     = "human_handoff"
)

// Event is a lightweight operator-visibility record.
type Event struct {
	ID        string
	Type      string
	Sender    string
	Detail    string
	CreatedAt time.Time
}

// Handler reacts to an event.
type Handler func(event Event)

// Bus provides in-process pub/sub for operator events.
type Bus struct {
	subscribers map[string][]Handler
	mu          sync.RWMutex
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string][]Handler)}
}

// Subscribe registers a handler for a given event type. The empty type
// subscribes to every event.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[""]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		handler(event)
	}
}
