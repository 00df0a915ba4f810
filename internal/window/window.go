package window

import (
	"errors"
	"fmt"
	"math/big"

	"dcapool/internal/fixedpoint"
)

// Size is the number of future cycles a window can hold. Account
// commitments are capped well below this, so a full wrap is only reachable
// through long-lived pools, which the sentinel slot makes safe.
const Size = 256

// slots holds one extra sentinel entry so a maximal range
// [cursor, cursor+Size) never wraps onto the cursor position itself.
const slotCount = Size + 1

var (
	// ErrOutOfBounds is returned when an edit reaches past cursor+Size or a
	// consume reaches past the furthest index ever written.
	ErrOutOfBounds = errors.New("window: index out of bounds")
	// ErrUnderflow is returned when a removal would drive a slot negative,
	// which means the caller passed a stale range.
	ErrUnderflow = errors.New("window: removal exceeds stored quantity")
)

// Window is a fixed-capacity ring of compressed per-cycle quantities.
// Logical indices are absolute and monotonically increasing; index 0 is
// never used, so a fresh window starts consuming at cycle 1. All stored
// values are real quantities divided by the scaling factor, which lets a
// 64-bit slot cover amounts spanning many orders of magnitude.
type Window struct {
	slots         [slotCount]uint64
	cursor        uint64 // next logical index to consume
	writeBound    uint64 // one past the furthest logical index ever written
	scalingFactor *big.Int
}

// New creates an empty window. scalingFactor must be positive.
func New(scalingFactor *big.Int) (*Window, error) {
	if scalingFactor == nil || scalingFactor.Sign() <= 0 {
		return nil, fmt.Errorf("window: scaling factor must be positive, got %v", scalingFactor)
	}
	return &Window{
		cursor:        1,
		writeBound:    1,
		scalingFactor: new(big.Int).Set(scalingFactor),
	}, nil
}

// ScalingFactor returns the compression factor the window was built with.
func (w *Window) ScalingFactor() *big.Int {
	return new(big.Int).Set(w.scalingFactor)
}

// Cursor returns the next logical index to consume.
func (w *Window) Cursor() uint64 {
	return w.cursor
}

func (w *Window) index(logical uint64) int {
	return int(logical % slotCount)
}

// Edit removes prevAmount from every slot in [cursor, prevEnd) and adds
// newAmount to every slot in [cursor, newEnd). Amounts are real values and
// are compressed before being applied; end indices are absolute and
// exclusive. Either range may be empty, enabling pure inserts and pure
// removals. The edit is validated in full before any slot is touched, so a
// failed edit leaves the window unchanged.
func (w *Window) Edit(prevAmount *big.Int, prevEnd uint64, newAmount *big.Int, newEnd uint64) error {
	if prevEnd > w.cursor+Size || newEnd > w.cursor+Size {
		return fmt.Errorf("%w: edit ends at %d/%d, cursor %d", ErrOutOfBounds, prevEnd, newEnd, w.cursor)
	}

	prevSlot, err := fixedpoint.Compress(prevAmount, w.scalingFactor)
	if err != nil {
		return fmt.Errorf("compress previous amount %s: %w", prevAmount, err)
	}
	newSlot, err := fixedpoint.Compress(newAmount, w.scalingFactor)
	if err != nil {
		return fmt.Errorf("compress new amount %s: %w", newAmount, err)
	}

	if prevSlot > 0 {
		for i := w.cursor; i < prevEnd; i++ {
			if w.slots[w.index(i)] < prevSlot {
				return fmt.Errorf("%w: slot %d holds %d, removing %d", ErrUnderflow, i, w.slots[w.index(i)], prevSlot)
			}
		}
	}

	for i := w.cursor; i < prevEnd; i++ {
		w.slots[w.index(i)] -= prevSlot
	}
	for i := w.cursor; i < newEnd; i++ {
		w.slots[w.index(i)] += newSlot
	}
	if newSlot > 0 && newEnd > w.writeBound {
		w.writeBound = newEnd
	}
	return nil
}

// Next consumes and returns the value scheduled at the cursor.
func (w *Window) Next() (*big.Int, error) {
	if w.cursor >= w.writeBound {
		return nil, fmt.Errorf("%w: cursor %d reached write bound %d", ErrOutOfBounds, w.cursor, w.writeBound)
	}
	idx := w.index(w.cursor)
	v := fixedpoint.Decompress(w.slots[idx], w.scalingFactor)
	w.slots[idx] = 0
	w.cursor++
	return v, nil
}

// Requeue undoes the immediately preceding Next, storing v back into the
// slot the cursor just left. It exists for the skip/abort execution path
// and must only be called with the value that Next returned.
func (w *Window) Requeue(v *big.Int) error {
	if w.cursor <= 1 {
		return fmt.Errorf("%w: nothing consumed yet", ErrOutOfBounds)
	}
	slot, err := fixedpoint.Compress(v, w.scalingFactor)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", v, err)
	}
	w.cursor--
	w.slots[w.index(w.cursor)] = slot
	return nil
}

// Peek returns the value at the cursor without consuming it, or zero when
// nothing is scheduled there.
func (w *Window) Peek() *big.Int {
	if w.cursor >= w.writeBound {
		return new(big.Int)
	}
	return fixedpoint.Decompress(w.slots[w.index(w.cursor)], w.scalingFactor)
}

// HasNext reports whether any scheduled content remains to consume.
func (w *Window) HasNext() bool {
	return w.cursor < w.writeBound
}

// Values returns the decompressed slot values from the cursor to the write
// bound, in consumption order. Used for schedule introspection and
// persistence snapshots.
func (w *Window) Values() []*big.Int {
	if w.cursor >= w.writeBound {
		return nil
	}
	out := make([]*big.Int, 0, w.writeBound-w.cursor)
	for i := w.cursor; i < w.writeBound; i++ {
		out = append(out, fixedpoint.Decompress(w.slots[w.index(i)], w.scalingFactor))
	}
	return out
}

// Restore rebuilds a window from persisted state: the cursor position and
// the compressed slot values from the cursor onward.
func Restore(scalingFactor *big.Int, cursor uint64, slots []uint64) (*Window, error) {
	w, err := New(scalingFactor)
	if err != nil {
		return nil, err
	}
	if cursor == 0 {
		return nil, fmt.Errorf("window: cursor 0 is never used")
	}
	if len(slots) > Size {
		return nil, fmt.Errorf("%w: %d persisted slots exceed capacity", ErrOutOfBounds, len(slots))
	}
	w.cursor = cursor
	w.writeBound = cursor + uint64(len(slots))
	for i, s := range slots {
		w.slots[w.index(cursor+uint64(i))] = s
	}
	return w, nil
}

// Slots returns the raw compressed slot values from the cursor to the
// write bound, for persistence snapshots. Restore is its inverse.
func (w *Window) Slots() []uint64 {
	if w.cursor >= w.writeBound {
		return nil
	}
	out := make([]uint64, 0, w.writeBound-w.cursor)
	for i := w.cursor; i < w.writeBound; i++ {
		out = append(out, w.slots[w.index(i)])
	}
	return out
}
