package event

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Sink receives every emitted event. Implementations must not block the
// caller for long: emission happens inside the facade's critical section.
type Sink interface {
	Emit(e Event)
}

// Wrap builds the envelope for an event, serializing the payload as JSON.
func Wrap(e Event, at time.Time) (Envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("event: marshal %s: %w", e.EventType(), err)
	}
	return Envelope{
		ID:        NewID(at),
		EventType: e.EventType(),
		VaultID:   e.Vault(),
		Timestamp: at,
		Payload:   payload,
	}, nil
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Discard drops all events.
type Discard struct{}

func (Discard) Emit(Event) {}

// Recorder captures events for tests and synchronous inspection.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the emitted events matching t, in emission order.
func (r *Recorder) OfType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}
