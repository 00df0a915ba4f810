package ingest

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dcapool/internal/token"
)

// Applier drains raw deposit messages, parses them and credits the bank.
// Deposits are deduplicated by deposit_id so a redelivered message never
// credits twice.
type Applier struct {
	bank      *token.Bank
	inputChan <-chan RawDeposit
	seen      map[uuid.UUID]struct{}
	log       zerolog.Logger
}

func NewApplier(bank *token.Bank, inputChan <-chan RawDeposit, log zerolog.Logger) *Applier {
	return &Applier{
		bank:      bank,
		inputChan: inputChan,
		seen:      make(map[uuid.UUID]struct{}),
		log:       log,
	}
}

// Run applies deposits until ctx is cancelled or the channel closes.
func (a *Applier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-a.inputChan:
			if !ok {
				return nil
			}

			dep, err := ParseDeposit(raw.Data)
			if err != nil {
				// Ack malformed messages to avoid a redelivery loop
				a.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed deposit")
				raw.AckFunc()
				continue
			}

			if _, dup := a.seen[dep.DepositID]; dup {
				a.log.Debug().Str("deposit", dep.DepositID.String()).Msg("duplicate deposit, skipping")
				raw.AckFunc()
				continue
			}

			a.bank.Deposit(dep.Asset, dep.Holder, dep.Amount)
			a.seen[dep.DepositID] = struct{}{}
			raw.AckFunc()

			a.log.Info().
				Str("deposit", dep.DepositID.String()).
				Str("holder", dep.Holder.String()).
				Str("asset", dep.Asset).
				Str("amount", dep.Amount.String()).
				Msg("deposit credited")
		}
	}
}
