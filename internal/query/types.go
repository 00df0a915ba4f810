package query

import (
	"encoding/json"
	"time"
)

// SettlementEntry is one executed cycle read from dca.settlements. Amounts
// are decimal strings so arbitrary-precision quantities survive the trip
// through JSON unchanged.
type SettlementEntry struct {
	VaultID   string    `json:"vault_id"`
	Cycle     int64     `json:"cycle"`
	TotalSold string    `json:"total_sold"`
	TotalNet  string    `json:"total_net"`
	Fee       string    `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// EventEntry is one row from the dca.events log.
type EventEntry struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	VaultID   string          `json:"vault_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ActivityReport summarizes a vault's persisted history.
type ActivityReport struct {
	VaultID        string     `json:"vault_id"`
	Settlements    int64      `json:"settlements"`
	TotalSold      string     `json:"total_sold"`
	TotalNet       string     `json:"total_net"`
	TotalFees      string     `json:"total_fees"`
	FirstExecution *time.Time `json:"first_execution,omitempty"`
	LastExecution  *time.Time `json:"last_execution,omitempty"`
}
