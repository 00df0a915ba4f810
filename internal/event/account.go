package event

import (
	"math/big"

	"github.com/google/uuid"
)

// AccountModified is emitted on every account lifecycle change: create and
// edit carry the new commitment, close carries zero amount and zero cycles.
type AccountModified struct {
	VaultID         uuid.UUID
	Owner           uuid.UUID
	AmountPerPeriod *big.Int
	Cycles          uint32
}

func (e *AccountModified) EventType() EventType { return EventTypeAccountModified }
func (e *AccountModified) Vault() uuid.UUID     { return e.VaultID }

// Withdrawal is emitted when an account owner collects accrued order tokens.
type Withdrawal struct {
	VaultID uuid.UUID
	Owner   uuid.UUID
	Amount  *big.Int
}

func (e *Withdrawal) EventType() EventType { return EventTypeWithdrawal }
func (e *Withdrawal) Vault() uuid.UUID     { return e.VaultID }
