package arbiter

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event represents a ticket lifecycle event.
type Event struct {
	Name     string
	TicketID string
	Slot     int
	Fields   map[string]any
}

// Event names.
const (
	EventTicketAcquired    = "ticket_acquired"
	EventTicketReleased    = "ticket_released"
	EventQueueRejected     = "queue_rejected"
	EventGenerationTimeout = "generation_timeout"
	EventSelfHeal          = "self_heal"
	EventSelfHealFailed    = "self_heal_failed"
	EventForcedReopen      = "forced_reopen"
)

// EventPublisher receives arbiter events. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in memory for tests and diagnostics.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Count returns how many events named name were recorded.
func (p *MemoryPublisher) Count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

// LogPublisher writes events to a zerolog logger. Failures and forced reopens
// log at warn, everything else at debug.
type LogPublisher struct{ Log zerolog.Logger }

func (p LogPublisher) Publish(e Event) {
	lvl := zerolog.DebugLevel
	switch e.Name {
	case EventGenerationTimeout, EventSelfHeal, EventSelfHealFailed, EventForcedReopen:
		lvl = zerolog.WarnLevel
	}
	ev := p.Log.WithLevel(lvl).Str("event", e.Name).Int("slot", e.Slot)
	if e.TicketID != "" {
		ev = ev.Str("ticket", e.TicketID)
	}
	ev.Fields(e.Fields).Msg("arbiter event")
}
