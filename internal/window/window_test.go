package window_test

import (
	"errors"
	"math/big"
	"testing"

	"dcapool/internal/fixedpoint"
	"dcapool/internal/window"
)

func newWindow(t *testing.T, factor int64) *window.Window {
	t.Helper()
	w, err := window.New(big.NewInt(factor))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return w
}

func mustEdit(t *testing.T, w *window.Window, prev int64, prevEnd uint64, next int64, newEnd uint64) {
	t.Helper()
	if err := w.Edit(big.NewInt(prev), prevEnd, big.NewInt(next), newEnd); err != nil {
		t.Fatalf("Edit(%d,%d,%d,%d) failed: %v", prev, prevEnd, next, newEnd, err)
	}
}

func mustNext(t *testing.T, w *window.Window) *big.Int {
	t.Helper()
	v, err := w.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	return v
}

// nonZeroValues mirrors the schedule views elsewhere in the system: slot
// values from the cursor onward with zeros dropped.
func nonZeroValues(w *window.Window) []int64 {
	var out []int64
	for _, v := range w.Values() {
		if v.Sign() != 0 {
			out = append(out, v.Int64())
		}
	}
	return out
}

func assertWindowIs(t *testing.T, w *window.Window, want []int64) {
	t.Helper()
	got := nonZeroValues(w)
	if len(got) != len(want) {
		t.Fatalf("window is %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("window is %v, want %v", got, want)
		}
	}
}

// ============================================================================
// Initialization
// ============================================================================

func TestNew_StartsAtIndexOne(t *testing.T) {
	w := newWindow(t, 1)
	if w.Cursor() != 1 {
		t.Errorf("cursor: got %d, want 1", w.Cursor())
	}
	if w.HasNext() {
		t.Error("fresh window should have nothing to consume")
	}
	assertWindowIs(t, w, nil)
}

func TestNew_RejectsNonPositiveFactor(t *testing.T) {
	if _, err := window.New(big.NewInt(0)); err == nil {
		t.Error("zero scaling factor should be rejected")
	}
	if _, err := window.New(big.NewInt(-1)); err == nil {
		t.Error("negative scaling factor should be rejected")
	}
}

// ============================================================================
// Validation
// ============================================================================

func TestEdit_PrevRangePastCapacity(t *testing.T) {
	w := newWindow(t, 1)
	last := w.Cursor() + window.Size
	err := w.Edit(big.NewInt(1), last+1, big.NewInt(0), 0)
	if !errors.Is(err, window.ErrOutOfBounds) {
		t.Errorf("got %v, want ErrOutOfBounds", err)
	}
}

func TestEdit_NewRangePastCapacity(t *testing.T) {
	w := newWindow(t, 1)
	last := w.Cursor() + window.Size
	err := w.Edit(big.NewInt(0), 0, big.NewInt(1), last+1)
	if !errors.Is(err, window.ErrOutOfBounds) {
		t.Errorf("got %v, want ErrOutOfBounds", err)
	}
}

func TestEdit_CompressedValueTooWide(t *testing.T) {
	w := newWindow(t, 1)
	huge := new(big.Int).Exp(big.NewInt(2), big.NewInt(65), nil)
	err := w.Edit(big.NewInt(0), 0, huge, 3)
	if !errors.Is(err, fixedpoint.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
}

func TestEdit_RemovingMoreThanStored(t *testing.T) {
	w := newWindow(t, 1)
	err := w.Edit(big.NewInt(1), 3, big.NewInt(0), 0)
	if !errors.Is(err, window.ErrUnderflow) {
		t.Errorf("got %v, want ErrUnderflow", err)
	}
}

func TestEdit_FailedEditLeavesWindowUnchanged(t *testing.T) {
	w := newWindow(t, 1)
	mustEdit(t, w, 0, 0, 100, 4)

	if err := w.Edit(big.NewInt(100), 5, big.NewInt(7), 3); !errors.Is(err, window.ErrUnderflow) {
		t.Fatalf("got %v, want ErrUnderflow", err)
	}
	assertWindowIs(t, w, []int64{100, 100, 100})
}

func TestNext_NothingWritten(t *testing.T) {
	w := newWindow(t, 1)
	if _, err := w.Next(); !errors.Is(err, window.ErrOutOfBounds) {
		t.Errorf("got %v, want ErrOutOfBounds", err)
	}
}

// ============================================================================
// Compression
// ============================================================================

func TestEdit_ScaledValuesRoundTrip(t *testing.T) {
	for _, exp := range []int64{2, 4, 8, 32} {
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
		w, err := window.New(factor)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		value := new(big.Int).Mul(factor, big.NewInt(2345))
		if err := w.Edit(big.NewInt(0), 0, value, 2); err != nil {
			t.Fatalf("factor 10^%d: Edit failed: %v", exp, err)
		}
		if w.Peek().Cmp(value) != 0 {
			t.Errorf("factor 10^%d: peek got %s, want %s", exp, w.Peek(), value)
		}
	}
}

func TestEdit_PrevAmountBelowMinimumCompressed(t *testing.T) {
	w := newWindow(t, 10)
	err := w.Edit(big.NewInt(1), 3, big.NewInt(0), 0)
	if !errors.Is(err, fixedpoint.ErrUnderflow) {
		t.Errorf("got %v, want fixedpoint.ErrUnderflow", err)
	}
}

func TestEdit_NewAmountBelowMinimumCompressed(t *testing.T) {
	w := newWindow(t, 10)
	err := w.Edit(big.NewInt(0), 0, big.NewInt(1), 3)
	if !errors.Is(err, fixedpoint.ErrUnderflow) {
		t.Errorf("got %v, want fixedpoint.ErrUnderflow", err)
	}
}

// ============================================================================
// Window values
// ============================================================================

func TestEdit_NullEditIsNoop(t *testing.T) {
	w := newWindow(t, 1)
	mustEdit(t, w, 0, 0, 0, 0)
	assertWindowIs(t, w, nil)
}

func TestEdit_SingleAddition(t *testing.T) {
	w := newWindow(t, 1)
	mustEdit(t, w, 0, 0, 1, 5)
	assertWindowIs(t, w, []int64{1, 1, 1, 1})
}

func TestEdit_SingleAdditionAtMaxSize(t *testing.T) {
	w := newWindow(t, 1)
	last := w.Cursor() + window.Size
	mustEdit(t, w, 0, 0, 1, last)

	want := make([]int64, window.Size)
	for i := range want {
		want[i] = 1
	}
	assertWindowIs(t, w, want)
}

func TestEdit_AdditionThenOverlappingEdit(t *testing.T) {
	w := newWindow(t, 1)
	mustEdit(t, w, 0, 0, 2, 5)
	assertWindowIs(t, w, []int64{2, 2, 2, 2})

	// [2,2,2,2] - [1,1,1,1] + [3,3,3,3,3,3]
	mustEdit(t, w, 1, 5, 3, 7)
	assertWindowIs(t, w, []int64{4, 4, 4, 4, 3, 3})
}

func TestNext_ConsumesAllValues(t *testing.T) {
	w := newWindow(t, 1)
	mustEdit(t, w, 0, 0, 1, 10)

	for i := 1; i < 10; i++ {
		mustNext(t, w)
	}
	if w.HasNext() {
		t.Error("all values consumed, HasNext should be false")
	}
	if w.Peek().Sign() != 0 {
		t.Errorf("peek past write bound: got %s, want 0", w.Peek())
	}
}

func TestEdit_WrapsAroundTwiceCapacity(t *testing.T) {
	w := newWindow(t, 1)
	mustEdit(t, w, 0, 0, 1, w.Cursor()+window.Size)

	for w.HasNext() {
		if w.Peek().Cmp(big.NewInt(1)) != 0 {
			t.Fatalf("peek got %s, want 1", w.Peek())
		}
		mustNext(t, w)
	}

	last := w.Cursor() + window.Size
	if last != 1+2*window.Size {
		t.Fatalf("last writable index: got %d, want %d", last, 1+2*window.Size)
	}
	mustEdit(t, w, 0, 0, 3, last)

	want := make([]int64, window.Size)
	for i := range want {
		want[i] = 3
	}
	assertWindowIs(t, w, want)
}

func TestEdit_EditConsumeEdit(t *testing.T) {
	w := newWindow(t, 1)
	mustEdit(t, w, 0, 0, 1, 5)
	assertWindowIs(t, w, []int64{1, 1, 1, 1})

	mustNext(t, w)
	mustNext(t, w)
	assertWindowIs(t, w, []int64{1, 1})

	// [1,1] - [1,0] + [3,3,3]
	mustEdit(t, w, 1, 4, 3, 6)
	assertWindowIs(t, w, []int64{3, 4, 3})
}

func TestRequeue_RestoresConsumedSlot(t *testing.T) {
	w := newWindow(t, 1)
	mustEdit(t, w, 0, 0, 100, 4)

	v := mustNext(t, w)
	if v.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("consumed %s, want 100", v)
	}
	if err := w.Requeue(v); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if w.Cursor() != 1 {
		t.Errorf("cursor after requeue: got %d, want 1", w.Cursor())
	}
	assertWindowIs(t, w, []int64{100, 100, 100})
}

func TestRequeue_WithoutConsume(t *testing.T) {
	w := newWindow(t, 1)
	if err := w.Requeue(big.NewInt(1)); !errors.Is(err, window.ErrOutOfBounds) {
		t.Errorf("got %v, want ErrOutOfBounds", err)
	}
}

// ============================================================================
// Conservation
// ============================================================================

// TestEdit_Conservation checks that under an arbitrary sequence of valid
// edits and consumptions, the sum of live slot values always equals the sum
// of still-active range contributions.
func TestEdit_Conservation(t *testing.T) {
	w := newWindow(t, 1)

	type contribution struct {
		amount int64
		end    uint64
	}
	contribs := []contribution{}

	expectedTotal := func() int64 {
		var total int64
		for _, c := range contribs {
			if c.end > w.Cursor() {
				total += c.amount * int64(c.end-w.Cursor())
			}
		}
		return total
	}
	liveTotal := func() int64 {
		var total int64
		for _, v := range w.Values() {
			total += v.Int64()
		}
		return total
	}
	check := func(step string) {
		t.Helper()
		if liveTotal() != expectedTotal() {
			t.Fatalf("%s: live total %d != contribution total %d", step, liveTotal(), expectedTotal())
		}
	}

	add := func(amount int64, end uint64) {
		mustEdit(t, w, 0, 0, amount, end)
		contribs = append(contribs, contribution{amount, end})
	}

	add(100, 4)
	check("after first insert")

	add(666, 6)
	check("after second insert")

	mustNext(t, w)
	check("after consume")

	// Re-window the first contribution: 100 until 4 becomes 50 until 7.
	mustEdit(t, w, 100, 4, 50, 7)
	contribs[0] = contribution{50, 7}
	check("after re-window")

	mustNext(t, w)
	mustNext(t, w)
	check("after more consumes")

	// Remove the second contribution entirely.
	mustEdit(t, w, 666, 6, 0, 0)
	contribs[1] = contribution{0, 0}
	check("after removal")
}

// ============================================================================
// Persistence round trip
// ============================================================================

func TestRestore_RoundTrip(t *testing.T) {
	w := newWindow(t, 100)
	mustEdit(t, w, 0, 0, 500, 5)
	mustNext(t, w)

	restored, err := window.Restore(w.ScalingFactor(), w.Cursor(), w.Slots())
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.Cursor() != w.Cursor() {
		t.Errorf("cursor: got %d, want %d", restored.Cursor(), w.Cursor())
	}
	assertWindowIs(t, restored, []int64{500, 500, 500})
}
