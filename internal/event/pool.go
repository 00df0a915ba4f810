package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// PoolCreated is emitted when the factory builds and registers a pool.
type PoolCreated struct {
	VaultID       uuid.UUID
	BaseAsset     string
	OrderAsset    string
	PeriodSeconds int64
	ScalingFactor *big.Int
}

func (e *PoolCreated) EventType() EventType { return EventTypePoolCreated }
func (e *PoolCreated) Vault() uuid.UUID     { return e.VaultID }

// PoolEvaluated is emitted after a successful execution settles into the vault.
type PoolEvaluated struct {
	VaultID   uuid.UUID
	Cycle     uint64
	TotalSold *big.Int
	TotalNet  *big.Int // bought minus fee, what the vault received
	Fee       *big.Int
	NextDueAt time.Time
}

func (e *PoolEvaluated) EventType() EventType { return EventTypePoolEvaluated }
func (e *PoolEvaluated) Vault() uuid.UUID     { return e.VaultID }

// PoolSkipped is emitted when the venue declined to fill and the slot was
// requeued for retry.
type PoolSkipped struct {
	VaultID   uuid.UUID
	Cycle     uint64
	SellQty   *big.Int
	NextDueAt time.Time
}

func (e *PoolSkipped) EventType() EventType { return EventTypePoolSkipped }
func (e *PoolSkipped) Vault() uuid.UUID     { return e.VaultID }

// FeesUpdated is emitted when an admin changes the fee configuration.
type FeesUpdated struct {
	VaultID   uuid.UUID
	FeeBps    int64
	Recipient uuid.UUID
}

func (e *FeesUpdated) EventType() EventType { return EventTypeFeesUpdated }
func (e *FeesUpdated) Vault() uuid.UUID     { return e.VaultID }

// DustCollected is emitted when an admin sweeps unaccounted balances.
type DustCollected struct {
	VaultID   uuid.UUID
	Asset     string
	Amount    *big.Int
	Recipient uuid.UUID
}

func (e *DustCollected) EventType() EventType { return EventTypeDustCollected }
func (e *DustCollected) Vault() uuid.UUID     { return e.VaultID }
