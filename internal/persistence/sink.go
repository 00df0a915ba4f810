package persistence

import (
	"time"

	"github.com/rs/zerolog"

	"dcapool/internal/event"
)

// ChannelSink bridges the pool engine's event sink to the persistence worker
// channel. Sends block, so back-pressure from a slow worker stalls emission
// instead of losing events.
type ChannelSink struct {
	out chan<- Output
	now func() time.Time
	log zerolog.Logger
}

func NewChannelSink(out chan<- Output, now func() time.Time, log zerolog.Logger) *ChannelSink {
	if now == nil {
		now = time.Now
	}
	return &ChannelSink{out: out, now: now, log: log}
}

func (s *ChannelSink) Emit(e event.Event) {
	at := s.now()
	env, err := event.Wrap(e, at)
	if err != nil {
		s.log.Error().Err(err).Stringer("event_type", e.EventType()).Msg("event marshal failed, dropping")
		return
	}

	out := Output{Event: EventRow{
		ID:        env.ID.String(),
		EventType: env.EventType.String(),
		VaultID:   env.VaultID.String(),
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	}}
	if pe, ok := e.(*event.PoolEvaluated); ok {
		out.Settlement = &SettlementRow{
			VaultID:   pe.VaultID.String(),
			Cycle:     int64(pe.Cycle),
			TotalSold: pe.TotalSold.String(),
			TotalNet:  pe.TotalNet.String(),
			Fee:       pe.Fee.String(),
			Timestamp: at,
		}
	}
	s.out <- out
}
