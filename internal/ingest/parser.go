package ingest

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Deposit is a parsed, validated custody deposit ready to credit the bank.
type Deposit struct {
	DepositID uuid.UUID
	Holder    uuid.UUID
	Asset     string
	Amount    *big.Int
	Timestamp time.Time
}

// depositJSON is the wire format published by the custody service.
// Amounts are decimal strings so token quantities keep full precision.
type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	Holder      string `json:"holder"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseDeposit converts a raw NATS message into a Deposit.
func ParseDeposit(data []byte) (*Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse deposit: %w", err)
	}

	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	holder, err := uuid.Parse(j.Holder)
	if err != nil {
		return nil, fmt.Errorf("parse holder: %w", err)
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("parse deposit %s: asset is empty", depositID)
	}
	amount, ok := new(big.Int).SetString(j.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("parse deposit %s: amount %q is not a base-10 integer", depositID, j.Amount)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("parse deposit %s: amount %s is not positive", depositID, amount)
	}

	return &Deposit{
		DepositID: depositID,
		Holder:    holder,
		Asset:     j.Asset,
		Amount:    amount,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
