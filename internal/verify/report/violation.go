// Package report emits invariant violations as they happen and the
// aggregated run summary at shutdown.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind classifies a violation.
type Kind string

// Violation kinds.
const (
	// KindInsertMismatch: after an insert the new head does not hold the
	// inserted value, or its next pointer is not the old head.
	KindInsertMismatch Kind = "insert-mismatch"
	// KindHeadDeletionMismatch: after deleting the head node the head
	// pointer is not the deleted node's successor.
	KindHeadDeletionMismatch Kind = "head-deletion-mismatch"
	// KindMidDeletionMismatch: after deleting an inner node the
	// predecessor's next pointer is not the deleted node's successor.
	KindMidDeletionMismatch Kind = "mid-deletion-mismatch"
	// KindLengthMismatch: a full traversal counted a different number of
	// nodes than verified inserts minus verified deletes.
	KindLengthMismatch Kind = "length-mismatch"
	// KindLengthInconclusive: a traversal hit the iteration bound (cyclic
	// or too long list). Reported distinctly from a mismatch.
	KindLengthInconclusive Kind = "length-inconclusive"
)

// Kinds lists every kind in report order.
func Kinds() []Kind {
	return []Kind{
		KindInsertMismatch,
		KindHeadDeletionMismatch,
		KindMidDeletionMismatch,
		KindLengthMismatch,
		KindLengthInconclusive,
	}
}

// Violation is one detected mismatch between the expected and the observed
// structure.
type Violation struct {
	Kind Kind

	// Field names what was compared: "value", "next", "head", "pred.next",
	// "length".
	Field string

	Expected int64
	Observed int64

	// Hex formats Expected/Observed as addresses.
	Hex bool

	// PID and TID identify the reporting context (the target thread whose
	// call was verified).
	PID uint32
	TID uint32

	// Detail is optional free text.
	Detail string
}

// Pointer builds a violation comparing two addresses.
func Pointer(kind Kind, field string, expected, observed uint64) Violation {
	return Violation{Kind: kind, Field: field, Expected: int64(expected), Observed: int64(observed), Hex: true}
}

// Value builds a violation comparing two integers.
func Value(kind Kind, field string, expected, observed int64) Violation {
	return Violation{Kind: kind, Field: field, Expected: expected, Observed: observed}
}

// WithContext returns v tagged with the reporting context.
func (v Violation) WithContext(pid, tid uint32) Violation {
	v.PID = pid
	v.TID = tid
	return v
}

func (v Violation) formatNumber(n int64) string {
	if v.Hex {
		return "0x" + strconv.FormatUint(uint64(n), 16)
	}
	return strconv.FormatInt(n, 10)
}

// Format writes the violation as a single line:
//
//	VIOLATION kind=mid-deletion-mismatch field=pred.next expected=0x7f10 observed=0x7f40 pid=812 tid=815
//
// The line is grep-friendly and stable; consumers parse it.
//
//nolint:errcheck // Best-effort diagnostics output
func (v Violation) Format(w io.Writer) {
	var b strings.Builder
	b.WriteString("VIOLATION kind=")
	b.WriteString(string(v.Kind))
	if v.Field != "" {
		b.WriteString(" field=")
		b.WriteString(v.Field)
	}
	b.WriteString(" expected=")
	b.WriteString(v.formatNumber(v.Expected))
	b.WriteString(" observed=")
	b.WriteString(v.formatNumber(v.Observed))
	fmt.Fprintf(&b, " pid=%d tid=%d", v.PID, v.TID)
	if v.Detail != "" {
		b.WriteString(" detail=")
		b.WriteString(strconv.Quote(v.Detail))
	}
	b.WriteByte('\n')
	io.WriteString(w, b.String())
}

// String returns the formatted line without the trailing newline.
func (v Violation) String() string {
	var b strings.Builder
	v.Format(&b)
	return strings.TrimSuffix(b.String(), "\n")
}
