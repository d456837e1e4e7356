package report

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var violationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "listverifier_violations_total",
	Help: "Invariant violations reported, by kind",
}, []string{"kind"})

// Sink writes violations to a live stream the moment they are detected.
//
// Nothing is buffered: every Report call performs one write of one complete
// line. A mutex keeps lines from concurrent reporters from interleaving.
//
// Thread Safety: safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger

	counts map[Kind]*atomic.Uint64
}

// NewSink returns a sink writing to w (os.Stdout when nil).
func NewSink(w io.Writer, logger *slog.Logger) *Sink {
	if w == nil {
		w = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	counts := make(map[Kind]*atomic.Uint64, len(Kinds()))
	for _, k := range Kinds() {
		counts[k] = new(atomic.Uint64)
	}
	return &Sink{w: w, logger: logger, counts: counts}
}

// Report emits v immediately and counts it. It never fails: a write error
// is logged and the violation is still counted.
func (s *Sink) Report(v Violation) {
	if c, ok := s.counts[v.Kind]; ok {
		c.Add(1)
	}
	violationsTotal.WithLabelValues(string(v.Kind)).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	line := v.String() + "\n"
	if _, err := io.WriteString(s.w, line); err != nil {
		s.logger.Warn("write violation", "kind", v.Kind, "error", err)
	}
}

// Counts returns the number of reported violations per kind.
func (s *Sink) Counts() map[Kind]uint64 {
	out := make(map[Kind]uint64, len(s.counts))
	for k, c := range s.counts {
		out[k] = c.Load()
	}
	return out
}

// Total returns the number of reported violations.
func (s *Sink) Total() uint64 {
	var n uint64
	for _, c := range s.counts {
		n += c.Load()
	}
	return n
}
