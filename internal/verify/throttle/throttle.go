// Package throttle rate-limits the whole-list traversal.
//
// The traversal is O(n) in list length, so it runs at most once per interval
// regardless of how many mutation events arrive. Triggers inside the
// interval are dropped, not deferred.
package throttle

import (
	"sync/atomic"
	"time"
)

// DefaultInterval is the minimum spacing between traversals.
const DefaultInterval = 2 * time.Second

// Clock returns a monotonic reading. Only differences matter.
type Clock func() time.Duration

// MonotonicClock reads the runtime's monotonic clock relative to its first use.
func MonotonicClock() Clock {
	base := time.Now()
	return func() time.Duration { return time.Since(base) }
}

// Stats counts decisions made by a Scheduler.
type Stats struct {
	Fired      uint64 `json:"fired"`
	Suppressed uint64 `json:"suppressed"`
}

// Scheduler decides whether a triggered traversal may run now.
//
// The timestamp is claimed with a compare-and-swap before the work runs, so
// concurrent triggers inside one interval elect exactly one runner, and a
// traversal that takes longer than the interval does not cause back-to-back
// runs from triggers that queued behind it.
type Scheduler struct {
	interval time.Duration
	clock    Clock

	// last holds the clock reading of the last fired run plus one, so zero
	// means never fired.
	last atomic.Int64

	fired      atomic.Uint64
	suppressed atomic.Uint64
}

// New creates a Scheduler. A nil clock uses MonotonicClock; a non-positive
// interval disables throttling.
func New(interval time.Duration, clock Clock) *Scheduler {
	if clock == nil {
		clock = MonotonicClock()
	}
	return &Scheduler{interval: interval, clock: clock}
}

// Interval returns the configured spacing.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Allow reports whether a traversal may run now and, if so, records the run.
func (s *Scheduler) Allow() bool {
	now := int64(s.clock()) + 1
	for {
		last := s.last.Load()
		if last != 0 && s.interval > 0 && now-last < int64(s.interval) {
			s.suppressed.Add(1)
			return false
		}
		if s.last.CompareAndSwap(last, now) {
			s.fired.Add(1)
			return true
		}
	}
}

// MaybeRun calls fn if Allow permits. It reports whether fn ran.
func (s *Scheduler) MaybeRun(fn func()) bool {
	if !s.Allow() {
		return false
	}
	fn()
	return true
}

// Stats returns the decision counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Fired:      s.fired.Load(),
		Suppressed: s.suppressed.Load(),
	}
}
