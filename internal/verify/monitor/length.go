package monitor

import (
	"math"
	"sync/atomic"
)

// unknownLength marks a counter that has not observed a mutation yet.
const unknownLength = math.MinInt64

// LengthCounter is the verifier's belief about the list's element count.
//
// It is a best-effort counter: updates from concurrent probe handlers use
// atomic read-modify-write, but the counter is not transactionally tied to
// the mutation it records. Under unsynchronized concurrent mutation of the
// target list an update can be applied against a traversal that already saw
// (or has not yet seen) the mutation; the resulting transient mismatch is an
// accepted approximation.
//
// The counter starts Unknown. The first counted insert makes it 1; deletes
// leave an Unknown counter Unknown, since "one fewer than unknown" is still
// unknown.
//
// Thread Safety: all methods are safe for concurrent use.
type LengthCounter struct {
	v atomic.Int64
}

// NewLengthCounter returns a counter in the Unknown state.
func NewLengthCounter() *LengthCounter {
	c := &LengthCounter{}
	c.v.Store(unknownLength)
	return c
}

// Seed sets a known starting length, for attaching to a populated list.
func (c *LengthCounter) Seed(n int64) {
	c.v.Store(n)
}

// Load returns the current length and whether it is known.
func (c *LengthCounter) Load() (int64, bool) {
	v := c.v.Load()
	if v == unknownLength {
		return 0, false
	}
	return v, true
}

// Inc records one insert and returns the new length. Unknown becomes 1.
func (c *LengthCounter) Inc() int64 {
	for {
		old := c.v.Load()
		next := old + 1
		if old == unknownLength {
			next = 1
		}
		if c.v.CompareAndSwap(old, next) {
			return next
		}
	}
}

// Dec records one delete. It returns the new length and false when the
// counter is Unknown, in which case nothing changes.
func (c *LengthCounter) Dec() (int64, bool) {
	for {
		old := c.v.Load()
		if old == unknownLength {
			return 0, false
		}
		if c.v.CompareAndSwap(old, old-1) {
			return old - 1, true
		}
	}
}
