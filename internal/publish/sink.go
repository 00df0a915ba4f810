package publish

import (
	"time"

	"github.com/rs/zerolog"

	"dcapool/internal/event"
)

// Sink bridges the pool engine's event sink to the publish channel.
// Publishing is best-effort: if the channel is full the event is dropped and
// logged, never stalling the engine. The persisted event log stays complete.
type Sink struct {
	out chan<- event.Envelope
	now func() time.Time
	log zerolog.Logger
}

func NewSink(out chan<- event.Envelope, now func() time.Time, log zerolog.Logger) *Sink {
	if now == nil {
		now = time.Now
	}
	return &Sink{out: out, now: now, log: log}
}

func (s *Sink) Emit(e event.Event) {
	env, err := event.Wrap(e, s.now())
	if err != nil {
		s.log.Error().Err(err).Stringer("event_type", e.EventType()).Msg("event marshal failed, dropping")
		return
	}
	select {
	case s.out <- env:
	default:
		s.log.Warn().Stringer("event_type", env.EventType).Msg("publish channel full, event dropped")
	}
}
