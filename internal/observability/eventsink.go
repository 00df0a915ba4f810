package observability

import (
	"dcapool/internal/event"
)

// EventSink feeds execution outcome counters from the domain event stream.
// It sits alongside the persistence and publish sinks so every evaluation
// and skip is counted exactly where it is emitted.
type EventSink struct {
	m *Metrics
}

func NewEventSink(m *Metrics) *EventSink {
	return &EventSink{m: m}
}

func (s *EventSink) Emit(e event.Event) {
	switch e.EventType() {
	case event.EventTypePoolEvaluated:
		s.m.PoolsEvaluated.WithLabelValues(e.Vault().String()).Inc()
	case event.EventTypePoolSkipped:
		s.m.PoolsSkipped.WithLabelValues(e.Vault().String()).Inc()
	}
}
