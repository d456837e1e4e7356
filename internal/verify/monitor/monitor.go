// Package monitor is the verification engine: it turns probe events into
// invariant checks.
//
// Control flow for one mutation:
//
//	entry event  -> correlate.Store.Put
//	               (the mutation runs in the target)
//	return event -> correlate.Store.Take -> invariant check -> report.Sink
//	             -> LengthCounter update -> throttled CheckLength -> report.Sink
//
// Every handler is wrapped by the timing.Aggregator. Handlers never block on
// each other and never fail: a missing record, a read fault or an unknown
// length makes the check a no-op.
//
// Known limitation: the checks assume a single writer. When several target
// threads mutate the same list without synchronization, the entry and
// return reads are not atomic with respect to the other threads' updates,
// and both false positives and false negatives are possible.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kolkov/listverifier/internal/verify/correlate"
	"github.com/kolkov/listverifier/internal/verify/invariant"
	"github.com/kolkov/listverifier/internal/verify/layout"
	"github.com/kolkov/listverifier/internal/verify/remotemem"
	"github.com/kolkov/listverifier/internal/verify/report"
	"github.com/kolkov/listverifier/internal/verify/throttle"
	"github.com/kolkov/listverifier/internal/verify/timing"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listverifier_events_total",
		Help: "Probe events handled, by site",
	}, []string{"site"})

	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listverifier_checks_total",
		Help: "Invariant checks run, by check and outcome",
	}, []string{"check", "status"})

	expectedLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listverifier_expected_length",
		Help: "Element count the verifier expects the list to hold",
	})
)

// ErrUnknownSite is returned by Handle for an event it has no handler for.
var ErrUnknownSite = errors.New("monitor: unknown probe site")

// check names a family of invariant checks in metrics and logs.
type check uint8

const (
	checkInsert check = iota
	checkDelete
	checkLength
	numChecks
)

var checkNames = [numChecks]string{"insert", "delete", "length"}

func (c check) String() string { return checkNames[c] }

// Config configures a Monitor.
type Config struct {
	Layout layout.Layout

	// TraversalBound caps CheckLength. Zero means invariant.DefaultTraversalBound.
	TraversalBound int
	// PredecessorDepth caps the delete-entry scan. Zero means
	// invariant.DefaultPredecessorDepth.
	PredecessorDepth int

	// ThrottleInterval is the minimum spacing of length traversals. Zero
	// means throttle.DefaultInterval; negative disables throttling.
	ThrottleInterval time.Duration
	// Clock drives the throttle; nil uses the monotonic clock.
	Clock throttle.Clock

	// DeleteReturnsVoid is set for target variants whose delete does not
	// return a status. A delete is then counted as successful when its
	// target was located.
	DeleteReturnsVoid bool

	// InitialLength seeds ExpectedLength when attaching to a list that is
	// already populated. Nil leaves it Unknown until the first insert.
	InitialLength *int64

	// Live returns a reader of the target's current memory, used by the
	// length traversal. Nil traverses the event's own snapshot.
	Live func(pid uint32) remotemem.Reader

	Sink   *report.Sink
	Logger *slog.Logger
}

// Monitor owns the verifier state for one target.
//
// Thread Safety: Handle and the On* handlers are safe for concurrent use.
// Events of one thread must be delivered in order.
type Monitor struct {
	layout     layout.Layout
	bound      int
	depth      int
	voidDelete bool
	live       func(pid uint32) remotemem.Reader

	store     *correlate.Store
	length    *LengthCounter
	scheduler *throttle.Scheduler
	timing    *timing.Aggregator
	sink      *report.Sink
	logger    *slog.Logger

	// Resolved once so the event path does no label lookups.
	siteEvents [timing.NumSites]prometheus.Counter
	checkRuns  [numChecks][invariant.NumStatuses]prometheus.Counter
}

// New creates a Monitor.
func New(cfg Config) (*Monitor, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	if cfg.TraversalBound < 0 || cfg.PredecessorDepth < 0 {
		return nil, fmt.Errorf("monitor: negative bound (traversal %d, predecessor %d)",
			cfg.TraversalBound, cfg.PredecessorDepth)
	}

	m := &Monitor{
		layout:     cfg.Layout,
		bound:      cfg.TraversalBound,
		depth:      cfg.PredecessorDepth,
		voidDelete: cfg.DeleteReturnsVoid,
		live:       cfg.Live,
		store:      correlate.NewStore(),
		length:     NewLengthCounter(),
		timing:     timing.NewAggregator(),
		sink:       cfg.Sink,
		logger:     cfg.Logger,
	}
	if m.bound == 0 {
		m.bound = invariant.DefaultTraversalBound
	}
	if m.depth == 0 {
		m.depth = invariant.DefaultPredecessorDepth
	}
	interval := cfg.ThrottleInterval
	if interval == 0 {
		interval = throttle.DefaultInterval
	}
	m.scheduler = throttle.New(interval, cfg.Clock)
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.sink == nil {
		m.sink = report.NewSink(nil, m.logger)
	}
	for _, site := range timing.Sites() {
		m.siteEvents[site] = eventsTotal.WithLabelValues(site.String())
	}
	for c := check(0); c < numChecks; c++ {
		for st := invariant.Status(0); st < invariant.NumStatuses; st++ {
			m.checkRuns[c][st] = checksTotal.WithLabelValues(c.String(), st.String())
		}
	}
	if cfg.InitialLength != nil {
		m.length.Seed(*cfg.InitialLength)
		expectedLength.Set(float64(*cfg.InitialLength))
	}
	return m, nil
}

// Handle routes ev to its handler.
func (m *Monitor) Handle(ev Event) error {
	switch ev.Site {
	case timing.SiteInsertEntry:
		m.OnInsertEntry(ev)
	case timing.SiteInsertReturn:
		m.OnInsertReturn(ev)
	case timing.SiteDeleteEntry:
		m.OnDeleteEntry(ev)
	case timing.SiteDeleteInfo:
		m.OnDeleteInfo(ev)
	case timing.SiteDeleteReturn:
		m.OnDeleteReturn(ev)
	case timing.SiteSearchEntry:
		m.OnSearchEntry(ev)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownSite, ev.Site)
	}
	return nil
}

// begin starts the per-site timer; the returned func stops it.
func (m *Monitor) begin(site timing.Site) func() {
	m.siteEvents[site].Inc()
	tok := m.timing.Begin()
	return func() { m.timing.End(tok, site) }
}

// OnInsertEntry records the head pointer as it was before the insert.
func (m *Monitor) OnInsertEntry(ev Event) {
	defer m.begin(timing.SiteInsertEntry)()

	rec := &correlate.Pending{
		Kind:          correlate.KindInsert,
		PID:           ev.PID,
		HeadAddress:   ev.HeadAddress(),
		InsertedValue: ev.Value(),
		EnteredAt:     ev.Ktime,
	}
	oldHead, err := remotemem.ReadUint64(ev.Mem, rec.HeadAddress)
	if err == nil {
		rec.OldHead = oldHead
		rec.OldHeadValid = true
	} else {
		m.logger.Debug("insert entry: head unreadable", "tid", ev.TID, "error", err)
	}
	m.put(correlate.Key{TID: ev.TID, Kind: correlate.KindInsert}, rec)
}

// OnInsertReturn checks the insert postcondition and counts the insert.
func (m *Monitor) OnInsertReturn(ev Event) {
	defer m.begin(timing.SiteInsertReturn)()

	rec, ok := m.store.Take(correlate.Key{TID: ev.TID, Kind: correlate.KindInsert})
	if !ok {
		m.logger.Debug("insert return without entry", "tid", ev.TID)
		return
	}

	out := invariant.CheckInsert(ev.Mem, m.layout, rec)
	m.record(checkInsert, ev, out, latency(rec, ev))

	n := m.length.Inc()
	expectedLength.Set(float64(n))
	m.maybeTraverse(ev, rec.HeadAddress)
}

// OnDeleteEntry locates the target with a bounded scan of the list as it
// was at entry.
func (m *Monitor) OnDeleteEntry(ev Event) {
	defer m.begin(timing.SiteDeleteEntry)()

	rec := &correlate.Pending{
		Kind:        correlate.KindDelete,
		PID:         ev.PID,
		HeadAddress: ev.HeadAddress(),
		TargetValue: ev.Value(),
		EnteredAt:   ev.Ktime,
	}
	loc, err := invariant.FindPredecessor(ev.Mem, m.layout, rec.HeadAddress, rec.TargetValue, m.depth)
	if err != nil {
		m.logger.Debug("delete entry: scan cut short", "tid", ev.TID, "error", err)
	}
	if loc.Found {
		rec.Predecessor = loc.Predecessor
		rec.ExpectedSuccessor = loc.Successor
		rec.Located = correlate.LocatedByScan
	}
	m.put(correlate.Key{TID: ev.TID, Kind: correlate.KindDelete}, rec)
}

// OnDeleteInfo takes the predecessor and successor from the target's
// delete hook. The hook is authoritative: it replaces a scan result and
// works for targets beyond the scan depth.
func (m *Monitor) OnDeleteInfo(ev Event) {
	defer m.begin(timing.SiteDeleteInfo)()

	m.store.Update(correlate.Key{TID: ev.TID, Kind: correlate.KindDelete}, func(rec *correlate.Pending) *correlate.Pending {
		if rec == nil {
			// The entry was missed; the hook alone is enough for a
			// mid-list check, not for a head check.
			rec = &correlate.Pending{Kind: correlate.KindDelete, PID: ev.PID, EnteredAt: ev.Ktime}
		}
		rec.Predecessor = ev.Args[ArgPredecessor]
		rec.ExpectedSuccessor = ev.Args[ArgSuccessor]
		rec.Located = correlate.LocatedByHook
		return rec
	})
}

// OnDeleteReturn checks the delete postcondition and counts the delete.
func (m *Monitor) OnDeleteReturn(ev Event) {
	defer m.begin(timing.SiteDeleteReturn)()

	rec, ok := m.store.Take(correlate.Key{TID: ev.TID, Kind: correlate.KindDelete})
	if !ok {
		m.logger.Debug("delete return without entry", "tid", ev.TID)
		return
	}

	deleted := ev.ReturnStatus() == 1
	if m.voidDelete {
		deleted = rec.Located != correlate.LocatedNone
	}
	if !deleted {
		// Value not present: nothing was unlinked, nothing to check.
		return
	}

	out := invariant.CheckDelete(ev.Mem, m.layout, rec)
	m.record(checkDelete, ev, out, latency(rec, ev))

	if n, known := m.length.Dec(); known {
		expectedLength.Set(float64(n))
		m.maybeTraverse(ev, rec.HeadAddress)
	}
}

// OnSearchEntry only counts the call; search does not mutate.
func (m *Monitor) OnSearchEntry(ev Event) {
	defer m.begin(timing.SiteSearchEntry)()
}

func (m *Monitor) put(key correlate.Key, rec *correlate.Pending) {
	if m.store.Put(key, rec) {
		m.logger.Debug("pending record overwritten", "key", key)
	}
}

// maybeTraverse runs the throttled length check against live memory.
func (m *Monitor) maybeTraverse(ev Event, headAddr uint64) {
	expected, known := m.length.Load()
	if !known || headAddr == 0 {
		return
	}
	m.scheduler.MaybeRun(func() {
		tok := m.timing.Begin()
		defer m.timing.End(tok, timing.SiteTraversal)

		r := ev.Mem
		if m.live != nil {
			r = m.live(ev.PID)
		}
		out := invariant.CheckLength(r, m.layout, headAddr, expected, m.bound)
		m.record(checkLength, ev, out, 0)
	})
}

// record reports an outcome's violations and counts it. took is the
// entry-to-return time of the checked call, zero for traversals.
func (m *Monitor) record(c check, ev Event, out invariant.Outcome, took time.Duration) {
	if out.Status < invariant.NumStatuses {
		m.checkRuns[c][out.Status].Inc()
	}

	switch out.Status {
	case invariant.StatusSkipped:
		if out.Reason != "" {
			m.logger.Debug("check skipped", "check", c, "tid", ev.TID, "took", took, "reason", out.Reason, "error", out.Err)
		}
	case invariant.StatusViolated, invariant.StatusInconclusive:
		m.logger.Debug("check failed", "check", c, "tid", ev.TID, "took", took, "status", out.Status)
		for _, v := range out.Violations {
			m.sink.Report(v.WithContext(ev.PID, ev.TID))
		}
	}
}

// latency is the time between a call's entry and return probes. For a
// delete whose entry was missed it runs from the delete-info hook.
func latency(rec *correlate.Pending, ev Event) time.Duration {
	if rec.EnteredAt == 0 || ev.Ktime < rec.EnteredAt {
		return 0
	}
	return time.Duration(ev.Ktime - rec.EnteredAt)
}

// ExpectedLength returns the current length belief and whether it is known.
func (m *Monitor) ExpectedLength() (int64, bool) {
	return m.length.Load()
}

// Store exposes the correlation store for inspection.
func (m *Monitor) Store() *correlate.Store {
	return m.store
}

// Summary fills the engine's part of the shutdown report. The caller sets
// run identity, target and times.
func (m *Monitor) Summary() report.Summary {
	length, known := m.length.Load()
	st := m.scheduler.Stats()
	return report.Summary{
		Timing:               m.timing.Snapshot(),
		Violations:           m.sink.Counts(),
		Correlation:          m.store.Stats(),
		Traversals:           st.Fired,
		TraversalsSuppressed: st.Suppressed,
		ExpectedLength:       length,
		LengthKnown:          known,
	}
}
