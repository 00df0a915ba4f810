package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// DepositSubscriber consumes confirmed deposits from NATS JetStream. The
// custody service publishes one message per confirmed on-chain deposit; this
// is how holders fund the bank balances the pools draw from.
type DepositSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawDeposit
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawDeposit is the unparsed NATS message, acked only after the credit is
// applied so redeliveries cover crashes between receive and apply.
type RawDeposit struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

func NewDepositSubscriber(js jetstream.JetStream, eventChan chan<- RawDeposit, log zerolog.Logger) *DepositSubscriber {
	return &DepositSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       log,
	}
}

// Subscribe creates the durable deposits consumer. Explicit ACK,
// max_deliver=5, ack_wait=30s.
func (ds *DepositSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ds.js.CreateOrUpdateConsumer(ctx, "DCA_BANK", jetstream.ConsumerConfig{
		Durable:       "dca-bank-deposits",
		FilterSubject: "dca.bank.deposits.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create deposits consumer: %w", err)
	}

	consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawDeposit{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
		}

		select {
		case ds.eventChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume deposits: %w", err)
	}

	ds.consumers = append(ds.consumers, consumerContext)
	ds.log.Info().Str("subject", "dca.bank.deposits.>").Msg("subscribed")
	return nil
}

// EnsureBankStream creates the inbound deposits stream if it doesn't exist.
func EnsureBankStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "DCA_BANK",
		Subjects:  []string{"dca.bank.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create bank stream: %w", err)
	}
	log.Info().Str("stream", "DCA_BANK").Msg("ensured inbound stream")
	return nil
}

// Stop gracefully stops all consumers.
func (ds *DepositSubscriber) Stop() {
	for _, cc := range ds.consumers {
		cc.Stop()
	}
	ds.log.Info().Msg("deposit subscriber stopped")
}
