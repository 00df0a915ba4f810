package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes pool events and settlements to Postgres using
// multi-row INSERT. Batches arrive from the persistence worker; every write
// is idempotent so a retried batch never duplicates rows.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in dca.events
type EventRow struct {
	ID        string // ULID, lexicographically sortable
	EventType string
	VaultID   string
	Payload   []byte // JSON-encoded event payload
	Timestamp time.Time
}

// SettlementRow represents a row in dca.settlements, one per executed cycle.
type SettlementRow struct {
	VaultID   string
	Cycle     int64
	TotalSold string // NUMERIC, transported as decimal string
	TotalNet  string
	Fee       string
	Timestamp time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to dca.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	// Build multi-row INSERT
	query := `INSERT INTO dca.events
		(id, event_type, vault_id, payload, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*5)

	for i, e := range events {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args, e.ID, e.EventType, e.VaultID, e.Payload, e.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteSettlementBatch writes a batch of settlement rows to dca.settlements.
func (w *EventLogWriter) WriteSettlementBatch(ctx context.Context, tx *sql.Tx, settlements []SettlementRow) error {
	if len(settlements) == 0 {
		return nil
	}

	query := `INSERT INTO dca.settlements
		(vault_id, cycle, total_sold, total_net, fee, timestamp)
		VALUES `

	values := make([]string, 0, len(settlements))
	args := make([]interface{}, 0, len(settlements)*6)

	for i, s := range settlements {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, s.VaultID, s.Cycle, s.TotalSold, s.TotalNet, s.Fee, s.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (vault_id, cycle) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
