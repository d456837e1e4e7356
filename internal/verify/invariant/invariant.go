// Package invariant decides whether the memory observed after a list
// mutation is consistent with the structural invariant that mutation was
// supposed to preserve.
//
// Every check is a pure function of a remotemem.Reader, the node layout and
// the state captured at entry. Checks tolerate missing data: a read fault or
// missing correlation state produces StatusSkipped, never a violation,
// because an unreadable node is not evidence of a broken invariant.
//
// # Checks
//
//   - CheckInsert: the insert is a head push that preserves the prior chain.
//     new_head.value == inserted_value and new_head.next == old_head.
//   - CheckDelete: the unlink rewrote exactly the one link that should
//     change. Head case: *head == expected_successor. Mid case:
//     pred.next == expected_successor.
//   - CheckLength: a bounded traversal counts ExpectedLength nodes. Hitting
//     the bound is StatusInconclusive (cycle or oversized list).
//
// CheckInsert and CheckDelete catch local pointer errors; CheckLength
// catches global drift (lost or double updates) that local checks miss.
package invariant

import (
	"errors"
	"fmt"

	"github.com/kolkov/listverifier/internal/verify/correlate"
	"github.com/kolkov/listverifier/internal/verify/layout"
	"github.com/kolkov/listverifier/internal/verify/remotemem"
	"github.com/kolkov/listverifier/internal/verify/report"
)

const (
	// DefaultTraversalBound caps CheckLength's link following.
	DefaultTraversalBound = 1000
	// DefaultPredecessorDepth caps FindPredecessor's scan past the head.
	DefaultPredecessorDepth = 10
)

// Status is the result class of one check.
type Status uint8

const (
	// StatusPass means the invariant held.
	StatusPass Status = iota
	// StatusViolated means a mismatch was observed; see Outcome.Violations.
	StatusViolated
	// StatusSkipped means the check could not be performed (fault, missing
	// state, nothing to compare). Not reported.
	StatusSkipped
	// StatusInconclusive means the traversal bound was hit.
	StatusInconclusive

	// NumStatuses is the number of statuses.
	NumStatuses
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusViolated:
		return "violated"
	case StatusSkipped:
		return "skipped"
	case StatusInconclusive:
		return "inconclusive"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Outcome is the result of one check.
type Outcome struct {
	Status Status

	// Violations holds one entry per failed comparison (StatusViolated) or
	// the length-inconclusive notice (StatusInconclusive).
	Violations []report.Violation

	// Reason says why a check was skipped.
	Reason string
	// Err is the read fault behind a skip, if any.
	Err error

	// Count is the number of nodes CheckLength traversed.
	Count int
}

func pass() Outcome { return Outcome{Status: StatusPass} }

func skipped(reason string, err error) Outcome {
	return Outcome{Status: StatusSkipped, Reason: reason, Err: err}
}

// CheckInsert verifies the insert postcondition using the record captured
// at entry and memory observed at return.
func CheckInsert(r remotemem.Reader, l layout.Layout, p *correlate.Pending) Outcome {
	if p == nil {
		return skipped("no entry record", nil)
	}
	if !p.OldHeadValid {
		return skipped("old head unreadable at entry", nil)
	}

	newHead, err := remotemem.ReadUint64(r, p.HeadAddress)
	if err != nil {
		return skipped("head pointer unreadable", err)
	}
	if newHead == 0 {
		// Not expected after an insert, but an empty list is not a pointer
		// inconsistency this check can describe.
		return skipped("list empty after insert", nil)
	}

	// Read both fields before comparing: a fault on either abandons the
	// whole check.
	value, err := l.Value(r, newHead)
	if err != nil {
		return skipped("new head value unreadable", err)
	}
	next, err := l.Next(r, newHead)
	if err != nil {
		return skipped("new head next unreadable", err)
	}

	var out Outcome
	if value != p.InsertedValue {
		out.Violations = append(out.Violations,
			report.Value(report.KindInsertMismatch, "value", int64(p.InsertedValue), int64(value)))
	}
	if next != p.OldHead {
		out.Violations = append(out.Violations,
			report.Pointer(report.KindInsertMismatch, "next", p.OldHead, next))
	}
	if len(out.Violations) == 0 {
		return pass()
	}
	out.Status = StatusViolated
	return out
}

// CheckDelete verifies the delete postcondition. It needs the predecessor
// and expected successor learned during the call (scan or hook).
func CheckDelete(r remotemem.Reader, l layout.Layout, p *correlate.Pending) Outcome {
	if p == nil {
		return skipped("no entry record", nil)
	}
	if p.Located == correlate.LocatedNone {
		return skipped("target not located", nil)
	}

	if p.Predecessor == 0 {
		head, err := remotemem.ReadUint64(r, p.HeadAddress)
		if err != nil {
			return skipped("head pointer unreadable", err)
		}
		if head != p.ExpectedSuccessor {
			return Outcome{
				Status: StatusViolated,
				Violations: []report.Violation{
					report.Pointer(report.KindHeadDeletionMismatch, "head", p.ExpectedSuccessor, head),
				},
			}
		}
		return pass()
	}

	link, err := remotemem.ReadUint64(r, l.NextAddr(p.Predecessor))
	if err != nil {
		return skipped("predecessor next unreadable", err)
	}
	if link != p.ExpectedSuccessor {
		return Outcome{
			Status: StatusViolated,
			Violations: []report.Violation{
				report.Pointer(report.KindMidDeletionMismatch, "pred.next", p.ExpectedSuccessor, link),
			},
		}
	}
	return pass()
}

// Location is the result of a predecessor search.
type Location struct {
	Found       bool
	Predecessor uint64 // 0 when the target is the head
	Node        uint64
	Successor   uint64
}

// FindPredecessor looks for the first node holding target, checking the
// head first and then at most depth further nodes.
//
// A target beyond depth, a fault, or an empty list all return Found=false:
// the caller performs no deletion check rather than risk a false violation
// because the search was too shallow. The error, if any, is the fault that
// cut the search short.
func FindPredecessor(r remotemem.Reader, l layout.Layout, headAddr uint64, target int32, depth int) (Location, error) {
	head, err := remotemem.ReadUint64(r, headAddr)
	if err != nil {
		return Location{}, err
	}
	if head == 0 {
		return Location{}, nil
	}

	value, err := l.Value(r, head)
	if err != nil {
		return Location{}, err
	}
	if value == target {
		succ, err := l.Next(r, head)
		if err != nil {
			return Location{}, err
		}
		return Location{Found: true, Node: head, Successor: succ}, nil
	}

	curr := head
	for i := 0; i < depth; i++ {
		next, err := l.Next(r, curr)
		if err != nil {
			return Location{}, err
		}
		if next == 0 {
			break
		}
		value, err := l.Value(r, next)
		if err != nil {
			return Location{}, err
		}
		if value == target {
			succ, err := l.Next(r, next)
			if err != nil {
				return Location{}, err
			}
			return Location{Found: true, Predecessor: curr, Node: next, Successor: succ}, nil
		}
		curr = next
	}
	return Location{}, nil
}

// ErrBoundReached is returned by CountList when the traversal stopped at the
// iteration bound with nodes remaining.
var ErrBoundReached = errors.New("invariant: traversal bound reached")

// CountList follows next pointers from *headAddr and counts nodes, taking at
// most bound steps. It always terminates, even on a cyclic chain.
//
// When the bound is hit with nodes remaining it returns bound and
// ErrBoundReached. A read fault returns the count so far and the fault.
func CountList(r remotemem.Reader, l layout.Layout, headAddr uint64, bound int) (int, error) {
	curr, err := remotemem.ReadUint64(r, headAddr)
	if err != nil {
		return 0, err
	}

	count := 0
	for curr != 0 {
		if count >= bound {
			return count, ErrBoundReached
		}
		count++
		curr, err = l.Next(r, curr)
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

// CheckLength compares a bounded traversal with the expected element count.
func CheckLength(r remotemem.Reader, l layout.Layout, headAddr uint64, expected int64, bound int) Outcome {
	count, err := CountList(r, l, headAddr, bound)
	switch {
	case errors.Is(err, ErrBoundReached):
		return Outcome{
			Status: StatusInconclusive,
			Count:  count,
			Violations: []report.Violation{{
				Kind:     report.KindLengthInconclusive,
				Field:    "length",
				Expected: expected,
				Observed: int64(count),
				Detail:   fmt.Sprintf("traversal bound %d reached (cyclic or longer list)", bound),
			}},
		}
	case err != nil:
		return Outcome{Status: StatusSkipped, Reason: "traversal read fault", Err: err, Count: count}
	}

	if int64(count) != expected {
		return Outcome{
			Status: StatusViolated,
			Count:  count,
			Violations: []report.Violation{
				report.Value(report.KindLengthMismatch, "length", expected, int64(count)),
			},
		}
	}
	return Outcome{Status: StatusPass, Count: count}
}
