package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"dcapool/internal/event"
)

func TestEventSink_CountsExecutionOutcomes(t *testing.T) {
	m := NewMetrics()
	sink := NewEventSink(m)
	vaultID := uuid.New()
	due := time.Unix(1_700_000_000, 0)

	sink.Emit(&event.PoolEvaluated{
		VaultID:   vaultID,
		Cycle:     1,
		TotalSold: big.NewInt(100),
		TotalNet:  big.NewInt(49),
		Fee:       big.NewInt(1),
		NextDueAt: due,
	})
	sink.Emit(&event.PoolEvaluated{
		VaultID:   vaultID,
		Cycle:     2,
		TotalSold: big.NewInt(100),
		TotalNet:  big.NewInt(49),
		Fee:       big.NewInt(1),
		NextDueAt: due,
	})
	sink.Emit(&event.PoolSkipped{
		VaultID:   vaultID,
		Cycle:     3,
		SellQty:   big.NewInt(100),
		NextDueAt: due,
	})
	// Non-execution events leave the counters alone.
	sink.Emit(&event.PoolCreated{VaultID: vaultID})

	if got := testutil.ToFloat64(m.PoolsEvaluated.WithLabelValues(vaultID.String())); got != 2 {
		t.Errorf("pools evaluated = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PoolsSkipped.WithLabelValues(vaultID.String())); got != 1 {
		t.Errorf("pools skipped = %v, want 1", got)
	}
}
