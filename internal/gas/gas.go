package gas

import (
	"math/big"
	"sync"
)

// Calculator converts an execution's gas usage into order-asset units so the
// cost can be recovered from the purchase before settlement.
type Calculator interface {
	CostOf(asset string, units uint64) *big.Int
}

// FixedCalculator prices gas at a fixed per-unit rate for each asset.
// Assets without a configured rate cost nothing, which keeps test pools and
// assets without an oracle price from blocking execution.
type FixedCalculator struct {
	mu    sync.RWMutex
	rates map[string]*big.Int
}

func NewFixedCalculator() *FixedCalculator {
	return &FixedCalculator{
		rates: make(map[string]*big.Int),
	}
}

// SetRate sets the order-asset price of one gas unit for asset.
func (c *FixedCalculator) SetRate(asset string, perUnit *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[asset] = new(big.Int).Set(perUnit)
}

func (c *FixedCalculator) CostOf(asset string, units uint64) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rate, ok := c.rates[asset]
	if !ok {
		return new(big.Int)
	}
	cost := new(big.Int).SetUint64(units)
	return cost.Mul(cost, rate)
}

// Free is a Calculator that always reports zero cost.
type Free struct{}

func (Free) CostOf(string, uint64) *big.Int {
	return new(big.Int)
}
