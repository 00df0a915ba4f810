package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"dcapool/internal/event"
	"dcapool/internal/observability"
)

// Publisher pushes emitted pool events to NATS for downstream consumers.
// Subjects follow the pattern: dca.pools.events.{event_type}.{vault_id}
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan event.Envelope
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// Message is the wire shape of a published envelope.
type Message struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	VaultID   string          `json:"vault_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan event.Envelope, metrics *observability.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run starts the publisher loop. Blocks until ctx is cancelled or the input
// channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, env); err != nil {
				p.log.Warn().Err(err).Str("event", env.ID.String()).Msg("outbound publish failed")
				// Non-fatal: consumers can replay from the event log
				if p.metrics != nil {
					p.metrics.PublishErrors.Inc()
				}
				continue
			}
			if p.metrics != nil {
				p.metrics.EventsPublished.WithLabelValues(env.EventType.String()).Inc()
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(Message{
		ID:        env.ID.String(),
		EventType: env.EventType.String(),
		VaultID:   env.VaultID.String(),
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("dca.pools.events.%s.%s", env.EventType, env.VaultID)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "DCA_POOL_EVENTS",
		Subjects:  []string{"dca.pools.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "DCA_POOL_EVENTS").Msg("ensured outbound stream")
	return nil
}
