package fixedpoint_test

import (
	"dcapool/internal/fixedpoint"
	"math/big"
	"testing"
)

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func TestCompress_RoundTrip(t *testing.T) {
	for _, exp := range []int64{0, 2, 4, 8, 32} {
		factor := pow10(exp)
		value := new(big.Int).Mul(factor, big.NewInt(2345))

		slot, err := fixedpoint.Compress(value, factor)
		if err != nil {
			t.Fatalf("factor 10^%d: Compress failed: %v", exp, err)
		}

		back := fixedpoint.Decompress(slot, factor)
		if back.Cmp(value) != 0 {
			t.Errorf("factor 10^%d: round trip got %s, want %s", exp, back, value)
		}
	}
}

func TestCompress_Zero(t *testing.T) {
	slot, err := fixedpoint.Compress(big.NewInt(0), big.NewInt(10))
	if err != nil {
		t.Fatalf("zero should compress: %v", err)
	}
	if slot != 0 {
		t.Errorf("zero should compress to 0, got %d", slot)
	}
}

func TestCompress_NonMultiple_Underflows(t *testing.T) {
	_, err := fixedpoint.Compress(big.NewInt(1), big.NewInt(10))
	if err != fixedpoint.ErrUnderflow {
		t.Errorf("got %v, want ErrUnderflow", err)
	}

	_, err = fixedpoint.Compress(big.NewInt(2355), big.NewInt(100))
	if err != fixedpoint.ErrUnderflow {
		t.Errorf("got %v, want ErrUnderflow", err)
	}
}

func TestCompress_Negative_Rejected(t *testing.T) {
	_, err := fixedpoint.Compress(big.NewInt(-100), big.NewInt(10))
	if err != fixedpoint.ErrNegative {
		t.Errorf("got %v, want ErrNegative", err)
	}

	// Even an exact negative multiple must not wrap into a slot.
	_, err = fixedpoint.Compress(big.NewInt(-1000), big.NewInt(100))
	if err != fixedpoint.ErrNegative {
		t.Errorf("got %v, want ErrNegative", err)
	}
}

func TestCompress_TooWide_Overflows(t *testing.T) {
	value := new(big.Int).Exp(big.NewInt(2), big.NewInt(65), nil)
	_, err := fixedpoint.Compress(value, big.NewInt(1))
	if err != fixedpoint.ErrOverflow {
		t.Errorf("got %v, want ErrOverflow", err)
	}
}

func TestRateDelta_FloorDivision(t *testing.T) {
	// 50/1200 at 10^30 precision, floored.
	delta := fixedpoint.RateDelta(big.NewInt(50), big.NewInt(1200))

	want := new(big.Int).Mul(big.NewInt(50), fixedpoint.RateScale)
	want.Quo(want, big.NewInt(1200))
	if delta.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", delta, want)
	}
}

func TestEntitlement_NeverExceedsBought(t *testing.T) {
	// A contributor owning the whole pool gets back at most what was bought.
	delta := fixedpoint.RateDelta(big.NewInt(50), big.NewInt(1200))
	got := fixedpoint.Entitlement(big.NewInt(1200), delta)

	// 1200 * floor(50*S/1200) / S == 49 for any S not divisible by 1200.
	if got.Cmp(big.NewInt(49)) != 0 {
		t.Errorf("got %s, want 49", got)
	}
	if got.Cmp(big.NewInt(50)) > 0 {
		t.Error("entitlement exceeds bought amount")
	}
}

func TestEntitlement_ExactDivision(t *testing.T) {
	delta := fixedpoint.RateDelta(big.NewInt(100), big.NewInt(1000))
	got := fixedpoint.Entitlement(big.NewInt(1000), delta)
	if got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("got %s, want 100", got)
	}
}

func TestMulDiv_BasisPoints(t *testing.T) {
	got := fixedpoint.MulDiv(big.NewInt(1000), 30, 10_000)
	if got.Cmp(big.NewInt(3)) != 0 {
		t.Errorf("30bps of 1000: got %s, want 3", got)
	}

	got = fixedpoint.MulDiv(big.NewInt(999), 30, 10_000)
	if got.Cmp(big.NewInt(2)) != 0 {
		t.Errorf("30bps of 999 floors to 2, got %s", got)
	}
}
