package event

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePoolCreated
	EventTypePoolEvaluated
	EventTypePoolSkipped
	EventTypeAccountModified
	EventTypeWithdrawal
	EventTypeFeesUpdated
	EventTypeDustCollected
)

// Envelope wraps every event emitted by the pool system. IDs are ULIDs so
// the event log sorts by emission time without a separate sequence column.
type Envelope struct {
	// Lexicographically sortable event ID
	ID ulid.ULID

	// Event type discriminator
	EventType EventType

	// Vault context (uuid.Nil for registry-level events)
	VaultID uuid.UUID

	// Emission wall-clock time
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// Vault returns the vault context (uuid.Nil for global events)
	Vault() uuid.UUID
}

// NewID mints a fresh event ID.
func NewID(at time.Time) ulid.ULID {
	return ulid.MustNew(ulid.Timestamp(at), rand.Reader)
}

func (et EventType) String() string {
	switch et {
	case EventTypePoolCreated:
		return "PoolCreated"
	case EventTypePoolEvaluated:
		return "PoolEvaluated"
	case EventTypePoolSkipped:
		return "PoolSkipped"
	case EventTypeAccountModified:
		return "AccountModified"
	case EventTypeWithdrawal:
		return "Withdrawal"
	case EventTypeFeesUpdated:
		return "FeesUpdated"
	case EventTypeDustCollected:
		return "DustCollected"
	default:
		return "Unknown"
	}
}
