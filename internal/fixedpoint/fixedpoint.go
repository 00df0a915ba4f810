package fixedpoint

import (
	"errors"
	"math"
	"math/big"
	"sync"
)

// RateDecimals is the precision of the cumulative purchase-rate accumulator.
// One settlement contributes bought/sold scaled by RateScale; entitlements
// divide the scale back out. Floor division on both legs keeps every
// intermediate value an exact integer, so per-account balances never exceed
// what the pool actually bought.
const RateDecimals = 30

// RateScale = 10^RateDecimals.
var RateScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(RateDecimals), nil)

var (
	// ErrUnderflow is returned when a value cannot be represented after
	// compression: it is not an exact multiple of the scaling factor.
	ErrUnderflow = errors.New("fixedpoint: value underflows scaling factor")
	// ErrOverflow is returned when a compressed value does not fit the
	// 64-bit slot width.
	ErrOverflow = errors.New("fixedpoint: compressed value exceeds 64 bits")
	// ErrNegative is returned when a negative value reaches compression;
	// slots hold unsigned quantities only.
	ErrNegative = errors.New("fixedpoint: negative value cannot be compressed")
)

var maxUint64 = new(big.Int).SetUint64(math.MaxUint64)

// bigPool recycles big.Int intermediates on the hot settlement path.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// Compress divides value by factor, failing if value is negative, the
// division is not exact or the quotient does not fit in a uint64 slot.
// factor must be positive.
func Compress(value, factor *big.Int) (uint64, error) {
	if value.Sign() == 0 {
		return 0, nil
	}
	if value.Sign() < 0 {
		return 0, ErrNegative
	}
	q := getBig()
	r := getBig()
	defer putBig(q)
	defer putBig(r)

	q.QuoRem(value, factor, r)
	if r.Sign() != 0 {
		return 0, ErrUnderflow
	}
	if q.Cmp(maxUint64) > 0 {
		return 0, ErrOverflow
	}
	return q.Uint64(), nil
}

// Decompress restores the real value of a compressed slot.
func Decompress(slot uint64, factor *big.Int) *big.Int {
	v := new(big.Int).SetUint64(slot)
	return v.Mul(v, factor)
}

// RateDelta returns the accumulator increment for one settlement:
// floor(totalBought * RateScale / totalSold). totalSold must be positive.
func RateDelta(totalBought, totalSold *big.Int) *big.Int {
	d := new(big.Int).Mul(totalBought, RateScale)
	return d.Quo(d, totalSold)
}

// Entitlement converts an accumulator difference back into order-asset
// units for one account: floor(amountPerPeriod * rateDiff / RateScale).
func Entitlement(amountPerPeriod, rateDiff *big.Int) *big.Int {
	e := new(big.Int).Mul(amountPerPeriod, rateDiff)
	return e.Quo(e, RateScale)
}

// MulDiv returns floor(a * num / den). Used for basis-point fee math.
func MulDiv(a *big.Int, num, den int64) *big.Int {
	r := new(big.Int).Mul(a, big.NewInt(num))
	return r.Quo(r, big.NewInt(den))
}
