package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to the persisted event log and
// settlement history. It reads from Postgres only; live pool state comes
// from the in-memory registry, not from here.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetSettlements returns a vault's executed cycles, newest first. Supports
// cursor-based pagination via afterCycle.
func (qs *QueryService) GetSettlements(
	ctx context.Context,
	vaultID uuid.UUID,
	limit int,
	afterCycle *int64,
) ([]SettlementEntry, error) {
	query := `
		SELECT vault_id, cycle, total_sold, total_net, fee, timestamp
		FROM dca.settlements
		WHERE vault_id = $1
	`
	args := []interface{}{vaultID}
	argIdx := 2

	if afterCycle != nil {
		query += fmt.Sprintf(" AND cycle < $%d", argIdx)
		args = append(args, *afterCycle)
		argIdx++
	}

	query += " ORDER BY cycle DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []SettlementEntry
	for rows.Next() {
		var s SettlementEntry
		if err := rows.Scan(
			&s.VaultID, &s.Cycle, &s.TotalSold, &s.TotalNet, &s.Fee, &s.Timestamp,
		); err != nil {
			return nil, err
		}
		settlements = append(settlements, s)
	}

	return settlements, rows.Err()
}

// GetEvents returns rows from the event log, newest first. Both filters are
// optional; pagination is cursor-based on the ULID event ID.
func (qs *QueryService) GetEvents(
	ctx context.Context,
	vaultID *uuid.UUID,
	eventType *string,
	limit int,
	beforeID *string,
) ([]EventEntry, error) {
	query := `
		SELECT id, event_type, vault_id, payload, timestamp
		FROM dca.events
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if vaultID != nil {
		query += fmt.Sprintf(" AND vault_id = $%d", argIdx)
		args = append(args, *vaultID)
		argIdx++
	}

	if eventType != nil {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, *eventType)
		argIdx++
	}

	if beforeID != nil {
		query += fmt.Sprintf(" AND id < $%d", argIdx)
		args = append(args, *beforeID)
		argIdx++
	}

	query += " ORDER BY id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventEntry
	for rows.Next() {
		var e EventEntry
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.VaultID, &e.Payload, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetActivity aggregates a vault's settlement history into a single report.
func (qs *QueryService) GetActivity(
	ctx context.Context,
	vaultID uuid.UUID,
) (*ActivityReport, error) {
	report := &ActivityReport{VaultID: vaultID.String()}

	var firstExec, lastExec sql.NullTime
	var sold, net, fees sql.NullString
	err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(total_sold), 0)::TEXT,
		       COALESCE(SUM(total_net), 0)::TEXT,
		       COALESCE(SUM(fee), 0)::TEXT,
		       MIN(timestamp), MAX(timestamp)
		FROM dca.settlements
		WHERE vault_id = $1
	`, vaultID).Scan(&report.Settlements, &sold, &net, &fees, &firstExec, &lastExec)
	if err != nil {
		return nil, err
	}

	report.TotalSold = stringOrZero(sold)
	report.TotalNet = stringOrZero(net)
	report.TotalFees = stringOrZero(fees)
	if firstExec.Valid {
		report.FirstExecution = &firstExec.Time
	}
	if lastExec.Valid {
		report.LastExecution = &lastExec.Time
	}
	return report, nil
}

func stringOrZero(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return "0"
}
