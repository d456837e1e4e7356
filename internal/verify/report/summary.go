package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/kolkov/listverifier/internal/verify/correlate"
	"github.com/kolkov/listverifier/internal/verify/timing"
)

// Summary is the structured record emitted once at shutdown.
type Summary struct {
	RunID   string    `json:"run_id"`
	Target  string    `json:"target"`
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
	Stopped time.Time `json:"stopped"`

	Timing timing.Table `json:"timing"`

	Violations map[Kind]uint64 `json:"violations"`

	Correlation correlate.Stats `json:"correlation"`

	Traversals           uint64 `json:"traversals"`
	TraversalsSuppressed uint64 `json:"traversals_suppressed"`

	ExpectedLength int64 `json:"expected_length"`
	LengthKnown    bool  `json:"length_known"`
}

// TotalViolations sums Violations.
func (s *Summary) TotalViolations() uint64 {
	var n uint64
	for _, c := range s.Violations {
		n += c
	}
	return n
}

// CSVHeader returns the column names of CSVRecord.
func CSVHeader() []string {
	cols := []string{"run_id", "started", "stopped", "target", "pid"}
	for _, site := range timing.Sites() {
		cols = append(cols, site.String()+"_ns")
	}
	cols = append(cols, "total_ns")
	for _, site := range timing.Sites() {
		cols = append(cols, site.String()+"_calls")
	}
	for _, k := range Kinds() {
		cols = append(cols, string(k))
	}
	return append(cols, "overwrites", "missed_returns", "traversals", "expected_length")
}

// CSVRecord flattens the summary into one row matching CSVHeader.
func (s *Summary) CSVRecord() []string {
	u := func(n uint64) string { return strconv.FormatUint(n, 10) }

	row := []string{
		s.RunID,
		s.Started.UTC().Format(time.RFC3339Nano),
		s.Stopped.UTC().Format(time.RFC3339Nano),
		s.Target,
		strconv.Itoa(s.PID),
	}
	for _, site := range timing.Sites() {
		row = append(row, u(s.Timing.Nanos[site]))
	}
	row = append(row, u(s.Timing.Total()))
	for _, site := range timing.Sites() {
		row = append(row, u(s.Timing.Calls[site]))
	}
	for _, k := range Kinds() {
		row = append(row, u(s.Violations[k]))
	}
	length := ""
	if s.LengthKnown {
		length = strconv.FormatInt(s.ExpectedLength, 10)
	}
	return append(row,
		u(s.Correlation.Overwrites),
		u(s.Correlation.Misses),
		u(s.Traversals),
		length,
	)
}

// AppendCSV appends the summary as one row to path, writing the header first
// when the file is new or empty. Rows from many runs accumulate in one file.
func (s *Summary) AppendCSV(path string) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open summary csv: %w", err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat summary csv: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(CSVHeader()); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	if err := w.Write(s.CSVRecord()); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush summary csv: %w", err)
	}
	return nil
}

// Format writes a human-readable summary.
//
//nolint:errcheck // Best-effort terminal output
func (s *Summary) Format(w io.Writer) {
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "listverifier run %s\n", s.RunID)
	fmt.Fprintf(w, "target %s (pid %d), %s\n", s.Target, s.PID, s.Stopped.Sub(s.Started).Round(time.Millisecond))
	fmt.Fprintf(w, "probe time:\n")
	for _, site := range timing.Sites() {
		fmt.Fprintf(w, "  %-14s %12d ns %10d calls\n", site, s.Timing.Nanos[site], s.Timing.Calls[site])
	}
	fmt.Fprintf(w, "  %-14s %12d ns\n", "total", s.Timing.Total())
	fmt.Fprintf(w, "violations: %d\n", s.TotalViolations())
	for _, k := range Kinds() {
		if n := s.Violations[k]; n > 0 {
			fmt.Fprintf(w, "  %-24s %d\n", k, n)
		}
	}
	fmt.Fprintf(w, "traversals: %d run, %d throttled\n", s.Traversals, s.TraversalsSuppressed)
	fmt.Fprintf(w, "correlation: %d overwrites, %d returns without entry\n",
		s.Correlation.Overwrites, s.Correlation.Misses)
	if s.LengthKnown {
		fmt.Fprintf(w, "expected length: %d\n", s.ExpectedLength)
	} else {
		fmt.Fprintf(w, "expected length: unknown\n")
	}
	fmt.Fprintf(w, "==================\n")
}
