// Package correlate bridges a probe-observed function entry to the matching
// function return of the same call.
//
// The verifier cannot keep a stack-local variable alive across the target
// function's execution: entry and return are two independent callback
// invocations, possibly handled by different workers. The Store is the only
// channel between them.
//
// Each key moves through a small state machine:
//
//	Empty --Put--> Pending --Take--> Consumed (record owned by the caller, key Empty again)
//	Pending --Put--> Pending          (overwrite: a second entry before the return)
//
// An overwrite is documented behavior, not an error. It happens when the
// target re-enters the same function on the same thread before returning
// (recursion, signal handlers) or when a return probe was missed; the
// earlier call's return then finds the later call's record.
package correlate

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Kind is the mutation a pending record belongs to.
type Kind uint8

const (
	// KindInsert is a head-push insert.
	KindInsert Kind = iota
	// KindDelete is a delete-by-value.
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key identifies one in-flight call: the thread that made it plus the
// operation kind. Insert and delete on the same thread never collide.
type Key struct {
	TID  uint32
	Kind Kind
}

func (k Key) String() string {
	return fmt.Sprintf("%s/tid=%d", k.Kind, k.TID)
}

// State is the observable state of a key.
type State uint8

const (
	// StateEmpty means no record is waiting for a return.
	StateEmpty State = iota
	// StatePending means an entry was recorded and its return not yet seen.
	StatePending
)

func (s State) String() string {
	if s == StatePending {
		return "pending"
	}
	return "empty"
}

// Locator records how a delete's predecessor and successor were learned.
type Locator uint8

const (
	// LocatedNone means the verifier does not know which link the delete
	// should rewrite; no delete postcondition is checked.
	LocatedNone Locator = iota
	// LocatedByScan means the entry probe found the target within the
	// bounded predecessor search.
	LocatedByScan
	// LocatedByHook means the target reported pred/target/succ through the
	// explicit delete-info hook. Preferred over a scan.
	LocatedByHook
)

func (l Locator) String() string {
	switch l {
	case LocatedByScan:
		return "scan"
	case LocatedByHook:
		return "hook"
	default:
		return "none"
	}
}

// Pending is the transient state captured at function entry.
//
// Insert uses HeadAddress, InsertedValue and OldHead. Delete uses
// HeadAddress, TargetValue, Predecessor and ExpectedSuccessor.
type Pending struct {
	Kind Kind
	PID  uint32

	// HeadAddress is the address of the head pointer (the Node** argument),
	// not the head node itself. Zero when the record was created by the
	// delete-info hook without an observed entry.
	HeadAddress uint64

	// InsertedValue is the value the insert was asked to push.
	InsertedValue int32
	// OldHead is *HeadAddress read at entry, before the mutation.
	OldHead uint64
	// OldHeadValid is false when the entry read faulted; the insert
	// postcondition is then skipped but the call is still counted.
	OldHeadValid bool

	// TargetValue is the value the delete was asked to remove.
	TargetValue int32
	// Predecessor is the node whose next pointer must be rewritten,
	// 0 when the deletion is expected at the head.
	Predecessor uint64
	// ExpectedSuccessor is the next pointer the deleted node had.
	ExpectedSuccessor uint64
	// Located says whether Predecessor/ExpectedSuccessor are meaningful.
	Located Locator

	// EnteredAt is the probe timestamp (kernel monotonic ns) of the entry.
	EnteredAt uint64
}

// Stats is a snapshot of store activity.
type Stats struct {
	Puts       uint64 // records stored
	Overwrites uint64 // puts that replaced a pending record
	Takes      uint64 // returns that found their record
	Misses     uint64 // returns that found nothing
}

// Store is the concurrent key -> pending record map.
//
// It is backed by sync.Map: unrelated keys never contend on a shared lock,
// and the per-key access pattern (one writer, one later reader-remover,
// disjoint key sets per thread) is the case sync.Map is built for.
//
// Thread Safety: all methods are safe for concurrent use.
type Store struct {
	records sync.Map // Key -> *Pending

	puts       atomic.Uint64
	overwrites atomic.Uint64
	takes      atomic.Uint64
	misses     atomic.Uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Put records rec as pending for key and reports whether it replaced an
// earlier pending record.
func (s *Store) Put(key Key, rec *Pending) (overwrote bool) {
	s.puts.Add(1)
	_, overwrote = s.records.Swap(key, rec)
	if overwrote {
		s.overwrites.Add(1)
	}
	return overwrote
}

// Take atomically fetches and removes the pending record for key.
// The second result is false when the key was Empty.
func (s *Store) Take(key Key) (*Pending, bool) {
	v, ok := s.records.LoadAndDelete(key)
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	s.takes.Add(1)
	return v.(*Pending), true
}

// Update applies fn to the pending record for key (nil when Empty) and
// stores the result; a nil result leaves the key Empty.
//
// Update is a take-modify-put, not a transaction. It is only used for
// mid-call amendments (the delete-info hook), which run on the thread that
// owns the key, so no other caller touches the key concurrently.
func (s *Store) Update(key Key, fn func(rec *Pending) *Pending) {
	var cur *Pending
	if v, ok := s.records.LoadAndDelete(key); ok {
		cur = v.(*Pending)
	}
	if next := fn(cur); next != nil {
		s.records.Store(key, next)
	}
}

// State reports whether key has a pending record.
func (s *Store) State(key Key) State {
	if _, ok := s.records.Load(key); ok {
		return StatePending
	}
	return StateEmpty
}

// Len counts pending records. O(n); for reporting only.
func (s *Store) Len() int {
	n := 0
	s.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns a snapshot of the counters.
func (s *Store) Stats() Stats {
	return Stats{
		Puts:       s.puts.Load(),
		Overwrites: s.overwrites.Load(),
		Takes:      s.takes.Load(),
		Misses:     s.misses.Load(),
	}
}
