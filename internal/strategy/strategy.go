package strategy

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"dcapool/internal/token"
)

// BuyStrategy is the trading venue a pool executes against. Trade reports
// skipped=true when the venue cannot fill right now; that is an ordinary
// outcome, not an error, and the scheduler retries later.
type BuyStrategy interface {
	CanTrade(sell *big.Int, sellAsset, buyAsset string) bool
	Trade(recipient uuid.UUID, sell *big.Int, sellAsset, buyAsset string) (bought *big.Int, skipped bool, err error)
}

// RateBuyStrategy fills against the bank at a fixed numerator/denominator
// rate, bounded by the liquidity its own account holds. It sells the pool's
// base tokens into its inventory and pays out of its buy-asset balance.
type RateBuyStrategy struct {
	mu      sync.Mutex
	bank    *token.Bank
	account uuid.UUID
	num     *big.Int
	den     *big.Int
}

// NewRateBuyStrategy quotes buyAmount = sellAmount * num / den (floor).
func NewRateBuyStrategy(bank *token.Bank, account uuid.UUID, num, den int64) (*RateBuyStrategy, error) {
	if num <= 0 || den <= 0 {
		return nil, fmt.Errorf("strategy: rate %d/%d must be positive", num, den)
	}
	return &RateBuyStrategy{
		bank:    bank,
		account: account,
		num:     big.NewInt(num),
		den:     big.NewInt(den),
	}, nil
}

func (s *RateBuyStrategy) quote(sell *big.Int) *big.Int {
	q := new(big.Int).Mul(sell, s.num)
	return q.Quo(q, s.den)
}

func (s *RateBuyStrategy) CanTrade(sell *big.Int, sellAsset, buyAsset string) bool {
	if sell == nil || sell.Sign() <= 0 || sellAsset == buyAsset {
		return false
	}
	return s.quote(sell).Sign() > 0
}

func (s *RateBuyStrategy) Trade(recipient uuid.UUID, sell *big.Int, sellAsset, buyAsset string) (*big.Int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bought := s.quote(sell)
	if bought.Sign() <= 0 {
		return nil, true, nil
	}
	// Fill is bounded by inventory; a dry venue skips rather than fails.
	if s.bank.BalanceOf(buyAsset, s.account).Cmp(bought) < 0 {
		return nil, true, nil
	}

	if err := s.bank.Transfer(sellAsset, recipient, s.account, sell); err != nil {
		return nil, false, fmt.Errorf("strategy: take %s %s: %w", sell, sellAsset, err)
	}
	if err := s.bank.Transfer(buyAsset, s.account, recipient, bought); err != nil {
		return nil, false, fmt.Errorf("strategy: pay %s %s: %w", bought, buyAsset, err)
	}
	return bought, false, nil
}
