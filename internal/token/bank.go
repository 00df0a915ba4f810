package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// ErrInsufficientFunds is returned when a transfer would drive a balance negative.
var ErrInsufficientFunds = errors.New("token: insufficient funds")

type key struct {
	asset  string
	holder uuid.UUID
}

// Bank is the in-memory token ledger all pool components settle against.
// Balances are keyed by (asset, holder) and every mutation is all-or-nothing.
type Bank struct {
	mu       sync.Mutex
	balances map[key]*big.Int
}

func NewBank() *Bank {
	return &Bank{
		balances: make(map[key]*big.Int),
	}
}

// Deposit mints amount of asset into holder's balance.
func (b *Bank) Deposit(asset string, holder uuid.UUID, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(asset, holder, amount)
}

// Transfer moves amount of asset from one holder to another. A zero amount
// is a no-op; the sender's balance must cover the full amount.
func (b *Bank) Transfer(asset string, from, to uuid.UUID, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("token: negative transfer amount %s", amount)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	have := b.balances[key{asset, from}]
	if have == nil || have.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, need %s", ErrInsufficientFunds, from, balanceOrZero(have), asset, amount)
	}
	have.Sub(have, amount)
	b.credit(asset, to, amount)
	return nil
}

// BalanceOf returns holder's balance of asset, zero when never credited.
func (b *Bank) BalanceOf(asset string, holder uuid.UUID) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v := b.balances[key{asset, holder}]; v != nil {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (b *Bank) credit(asset string, holder uuid.UUID, amount *big.Int) {
	k := key{asset, holder}
	if v := b.balances[k]; v != nil {
		v.Add(v, amount)
		return
	}
	b.balances[k] = new(big.Int).Set(amount)
}

func balanceOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
