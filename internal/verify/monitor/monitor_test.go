package monitor

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/kolkov/listverifier/internal/verify/correlate"
	"github.com/kolkov/listverifier/internal/verify/invariant"
	"github.com/kolkov/listverifier/internal/verify/layout"
	"github.com/kolkov/listverifier/internal/verify/listtest"
	"github.com/kolkov/listverifier/internal/verify/remotemem"
	"github.com/kolkov/listverifier/internal/verify/report"
	"github.com/kolkov/listverifier/internal/verify/timing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPID = 7
	testTID = 100
)

// harness drives a Monitor against a list laid out in an Image. The image
// doubles as probe snapshot and live memory: events are handled
// synchronously, so the image is exactly what the probe would have seen.
type harness struct {
	t   *testing.T
	tl  *listtest.List
	m   *Monitor
	out *bytes.Buffer
	now time.Duration
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{t: t, tl: listtest.New(layout.Default()), out: &bytes.Buffer{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{
		Layout: h.tl.Layout(),
		Clock:  func() time.Duration { return h.now },
		Sink:   report.NewSink(h.out, logger),
		Logger: logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *harness) event(site timing.Site, tid uint32) Event {
	return Event{Site: site, PID: testPID, TID: tid, Mem: h.tl.Image()}
}

func (h *harness) handle(ev Event) {
	h.t.Helper()
	require.NoError(h.t, h.m.Handle(ev))
}

// insert runs one insert call: entry, the target's mutation, return.
func (h *harness) insert(value int32, mutate func()) {
	entry := h.event(timing.SiteInsertEntry, testTID)
	entry.Args = [3]uint64{listtest.HeadAddr, uint64(uint32(value))}
	h.handle(entry)
	mutate()
	h.handle(h.event(timing.SiteInsertReturn, testTID))
}

// push is a correct insert.
func (h *harness) push(value int32) {
	h.insert(value, func() { h.tl.Push(value) })
}

// remove runs one delete call. hook, when set, fires between entry and the
// mutation, as the target's delete-info call would.
func (h *harness) remove(value int32, hook *[3]uint64, mutate func(), ret uint64) {
	entry := h.event(timing.SiteDeleteEntry, testTID)
	entry.Args = [3]uint64{listtest.HeadAddr, uint64(uint32(value))}
	h.handle(entry)
	if hook != nil {
		info := h.event(timing.SiteDeleteInfo, testTID)
		info.Args = *hook
		h.handle(info)
	}
	mutate()
	rtn := h.event(timing.SiteDeleteReturn, testTID)
	rtn.Ret = ret
	h.handle(rtn)
}

// unlink is a correct delete.
func (h *harness) unlink(value int32) {
	h.remove(value, nil, func() { h.tl.Delete(value) }, 1)
}

func (h *harness) lines() []string {
	s := strings.TrimSpace(h.out.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestMonitor_CorrectInsertsAndDeletes(t *testing.T) {
	h := newHarness(t)

	h.push(5)
	h.now += 3 * time.Second
	h.push(7)
	h.now += 3 * time.Second
	h.push(9)
	h.now += 3 * time.Second
	h.unlink(9) // head
	h.now += 3 * time.Second
	h.unlink(5) // tail, mid-list case

	assert.Empty(t, h.lines())
	n, known := h.m.ExpectedLength()
	require.True(t, known)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, h.tl.Len())

	s := h.m.Summary()
	assert.Equal(t, uint64(5), s.Traversals)
	assert.Equal(t, uint64(5), s.Correlation.Takes)
	assert.Zero(t, s.Correlation.Misses)
	assert.Zero(t, s.TotalViolations())
	assert.Equal(t, uint64(3), s.Timing.Calls[timing.SiteInsertEntry])
	assert.Equal(t, uint64(2), s.Timing.Calls[timing.SiteDeleteReturn])
	assert.Equal(t, uint64(5), s.Timing.Calls[timing.SiteTraversal])
}

func TestMonitor_InsertMismatchReported(t *testing.T) {
	h := newHarness(t)
	h.push(1)

	h.insert(2, func() {
		n := h.tl.Push(2)
		h.tl.SetNext(n, 0) // drops the old chain
	})

	lines := h.lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "kind=insert-mismatch field=next")
	assert.Contains(t, lines[0], "pid=7 tid=100")

	// The insert still happened; it is counted.
	n, _ := h.m.ExpectedLength()
	assert.Equal(t, int64(2), n)
}

func TestMonitor_DeleteMismatches(t *testing.T) {
	tests := []struct {
		name string
		run  func(h *harness)
		want string
	}{
		{
			name: "stale head",
			run: func(h *harness) {
				h.remove(3, nil, func() {}, 1)
			},
			want: "kind=head-deletion-mismatch field=head",
		},
		{
			name: "stale predecessor link",
			run: func(h *harness) {
				h.remove(2, nil, func() {}, 1)
			},
			want: "kind=mid-deletion-mismatch field=pred.next",
		},
		{
			name: "hook names the link",
			run: func(h *harness) {
				node, pred, ok := h.tl.Find(1)
				require.True(h.t, ok)
				hook := [3]uint64{pred, node, h.tl.Next(node)}
				// pred.next is left pointing at the deleted node.
				h.remove(1, &hook, func() { h.tl.SetNext(pred, node) }, 1)
			},
			want: "kind=mid-deletion-mismatch field=pred.next",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.push(1)
			h.push(2)
			h.push(3) // [3, 2, 1]
			h.out.Reset()

			tt.run(h)
			lines := h.lines()
			require.NotEmpty(t, lines)
			assert.Contains(t, lines[0], tt.want)
		})
	}
}

func TestMonitor_HookBeyondScanDepth(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PredecessorDepth = 2 })
	for v := int32(0); v < 8; v++ {
		h.push(v)
	}
	h.out.Reset()

	node, pred, ok := h.tl.Find(0)
	require.True(t, ok)
	hook := [3]uint64{pred, node, h.tl.Next(node)}
	// The scan cannot see value 0; only the hook locates it.
	h.remove(0, &hook, func() {}, 1)

	lines := h.lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "kind=mid-deletion-mismatch")
}

// hookOnly runs a delete whose entry probe was missed: only the
// delete-info hook and the return are seen.
func (h *harness) hookOnly(hook [3]uint64, mutate func()) {
	info := h.event(timing.SiteDeleteInfo, testTID)
	info.Args = hook
	h.handle(info)
	mutate()
	rtn := h.event(timing.SiteDeleteReturn, testTID)
	rtn.Ret = 1
	h.handle(rtn)
}

func TestMonitor_HookWithoutEntry(t *testing.T) {
	t.Run("mid-list link checked", func(t *testing.T) {
		h := newHarness(t)
		h.push(1)
		h.push(2)
		h.push(3) // [3, 2, 1]

		node, pred, ok := h.tl.Find(2)
		require.True(t, ok)
		h.hookOnly([3]uint64{pred, node, h.tl.Next(node)}, func() { h.tl.Delete(2) })

		assert.Empty(t, h.lines())
		n, _ := h.m.ExpectedLength()
		assert.Equal(t, int64(2), n)
	})

	t.Run("stale mid-list link reported", func(t *testing.T) {
		h := newHarness(t)
		h.push(1)
		h.push(2)
		h.push(3)

		node, pred, ok := h.tl.Find(2)
		require.True(t, ok)
		h.hookOnly([3]uint64{pred, node, h.tl.Next(node)}, func() {})

		lines := h.lines()
		require.Len(t, lines, 1)
		assert.Contains(t, lines[0], "kind=mid-deletion-mismatch field=pred.next")
	})

	t.Run("head delete cannot be checked", func(t *testing.T) {
		h := newHarness(t)
		h.push(1)
		h.push(2) // [2, 1]

		head := h.tl.Head()
		// The head pointer is left stale, but without the entry the
		// verifier does not know where the head pointer lives.
		h.hookOnly([3]uint64{0, head, h.tl.Next(head)}, func() {})

		assert.Empty(t, h.lines())
		n, _ := h.m.ExpectedLength()
		assert.Equal(t, int64(1), n, "the delete is still counted")
		assert.Equal(t, correlate.StateEmpty, h.m.Store().State(correlate.Key{TID: testTID, Kind: correlate.KindDelete}))
	})
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMonitor_MetricsCounted(t *testing.T) {
	h := newHarness(t)
	entries := counterValue(t, h.m.siteEvents[timing.SiteInsertEntry])
	passes := counterValue(t, h.m.checkRuns[checkInsert][invariant.StatusPass])
	violations := counterValue(t, h.m.checkRuns[checkDelete][invariant.StatusViolated])

	h.push(1)
	h.push(2)
	h.remove(2, nil, func() {}, 1) // stale head

	assert.Equal(t, entries+2, counterValue(t, h.m.siteEvents[timing.SiteInsertEntry]))
	assert.Equal(t, passes+2, counterValue(t, h.m.checkRuns[checkInsert][invariant.StatusPass]))
	assert.Equal(t, violations+1, counterValue(t, h.m.checkRuns[checkDelete][invariant.StatusViolated]))
}

func TestLatency(t *testing.T) {
	rec := &correlate.Pending{EnteredAt: 1_000}
	assert.Equal(t, 500*time.Nanosecond, latency(rec, Event{Ktime: 1_500}))
	assert.Zero(t, latency(rec, Event{Ktime: 900}), "clock went backwards")
	assert.Zero(t, latency(&correlate.Pending{}, Event{Ktime: 1_500}))
}

func TestMonitor_DeleteNotFound(t *testing.T) {
	h := newHarness(t)
	h.push(1)

	h.remove(42, nil, func() {}, 0)

	assert.Empty(t, h.lines())
	n, _ := h.m.ExpectedLength()
	assert.Equal(t, int64(1), n, "failed delete is not counted")
}

func TestMonitor_VoidDelete(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DeleteReturnsVoid = true })
	h.push(1)
	h.push(2)

	h.remove(1, nil, func() { h.tl.Delete(1) }, 0xdeadbeef)
	n, _ := h.m.ExpectedLength()
	assert.Equal(t, int64(1), n, "located target counts as deleted")

	h.remove(99, nil, func() {}, 0)
	n, _ = h.m.ExpectedLength()
	assert.Equal(t, int64(1), n)
	assert.Empty(t, h.lines())
}

func TestMonitor_ReturnWithoutEntry(t *testing.T) {
	h := newHarness(t)
	h.handle(h.event(timing.SiteInsertReturn, testTID))
	rtn := h.event(timing.SiteDeleteReturn, testTID)
	rtn.Ret = 1
	h.handle(rtn)

	assert.Empty(t, h.lines())
	_, known := h.m.ExpectedLength()
	assert.False(t, known)
	assert.Equal(t, uint64(2), h.m.Summary().Correlation.Misses)
}

func TestMonitor_DeleteBeforeInsertKeepsLengthUnknown(t *testing.T) {
	h := newHarness(t)
	h.tl.Push(1) // populated before attach
	h.unlink(1)

	_, known := h.m.ExpectedLength()
	assert.False(t, known)
	assert.Zero(t, h.m.Summary().Traversals)
}

func TestMonitor_LengthMismatch(t *testing.T) {
	initial := int64(5)
	h := newHarness(t, func(c *Config) { c.InitialLength = &initial })
	h.tl.Push(1)
	h.tl.Push(2)

	h.push(3)

	lines := h.lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "kind=length-mismatch field=length expected=6 observed=3")
}

func TestMonitor_CycleIsInconclusive(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.TraversalBound = 20 })
	h.push(1)
	h.now += 3 * time.Second

	h.insert(2, func() {
		n := h.tl.Push(2)
		tail, _, _ := h.tl.Find(1)
		h.tl.SetNext(tail, n)
	})

	lines := h.lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "kind=length-inconclusive")
	assert.Equal(t, uint64(1), h.m.Summary().Violations[report.KindLengthInconclusive])
	assert.Zero(t, h.m.Summary().Violations[report.KindLengthMismatch])
}

func TestMonitor_TraversalThrottled(t *testing.T) {
	h := newHarness(t)
	h.push(1)
	h.now += 500 * time.Millisecond
	h.push(2)
	h.now += 500 * time.Millisecond
	h.push(3)

	s := h.m.Summary()
	assert.Equal(t, uint64(1), s.Traversals)
	assert.Equal(t, uint64(2), s.TraversalsSuppressed)

	h.now += 2 * time.Second
	h.push(4)
	assert.Equal(t, uint64(2), h.m.Summary().Traversals)
}

func TestMonitor_TraversalReadsLiveMemory(t *testing.T) {
	live := listtest.New(layout.Default())
	for v := int32(0); v < 3; v++ {
		live.Push(v)
	}
	var gotPID uint32
	h := newHarness(t, func(c *Config) {
		c.Live = func(pid uint32) remotemem.Reader {
			gotPID = pid
			return live.Image()
		}
	})

	// The snapshot list holds one node; live memory holds three.
	h.push(1)

	assert.Equal(t, uint32(testPID), gotPID)
	lines := h.lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "expected=1 observed=3")
}

func TestMonitor_FaultsNeverReport(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Live = func(uint32) remotemem.Reader { return remotemem.NewImage() }
	})

	// Probe snapshot with nothing captured.
	entry := Event{Site: timing.SiteInsertEntry, PID: testPID, TID: testTID, Mem: remotemem.NewImage()}
	entry.Args = [3]uint64{listtest.HeadAddr, 1}
	h.handle(entry)
	h.handle(Event{Site: timing.SiteInsertReturn, PID: testPID, TID: testTID, Mem: remotemem.NewImage()})

	assert.Empty(t, h.lines())
	n, known := h.m.ExpectedLength()
	assert.True(t, known)
	assert.Equal(t, int64(1), n)
}

func TestMonitor_UnknownSite(t *testing.T) {
	h := newHarness(t)
	err := h.m.Handle(Event{Site: timing.SiteTraversal})
	assert.ErrorIs(t, err, ErrUnknownSite)
	assert.NoError(t, h.m.Handle(h.event(timing.SiteSearchEntry, testTID)))
	assert.Equal(t, uint64(1), h.m.Summary().Timing.Calls[timing.SiteSearchEntry])
}

func TestMonitor_ConcurrentThreads(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Live = func(uint32) remotemem.Reader { return remotemem.NewImage() }
	})

	const threads, perThread = 16, 200
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(tid uint32) {
			defer wg.Done()
			// Each thread owns a private list, so postconditions hold.
			tl := listtest.New(layout.Default())
			for j := 0; j < perThread; j++ {
				entry := Event{Site: timing.SiteInsertEntry, PID: testPID, TID: tid, Mem: tl.Image()}
				entry.Args = [3]uint64{listtest.HeadAddr, uint64(j)}
				assert.NoError(t, h.m.Handle(entry))
				tl.Push(int32(j))
				assert.NoError(t, h.m.Handle(Event{Site: timing.SiteInsertReturn, PID: testPID, TID: tid, Mem: tl.Image()}))
			}
		}(uint32(1000 + i))
	}
	wg.Wait()

	assert.Empty(t, h.lines())
	n, _ := h.m.ExpectedLength()
	assert.Equal(t, int64(threads*perThread), n)
	s := h.m.Summary()
	assert.Equal(t, uint64(threads*perThread), s.Correlation.Takes)
	assert.Zero(t, s.Correlation.Overwrites)
}

func TestNew_RejectsBadLayout(t *testing.T) {
	_, err := New(Config{Layout: layout.Layout{ValueOffset: 0, NextOffset: 2, NodeSize: 16}})
	assert.Error(t, err)
}

func TestLengthCounter(t *testing.T) {
	c := NewLengthCounter()
	_, known := c.Load()
	assert.False(t, known)

	_, known = c.Dec()
	assert.False(t, known, "delete on unknown stays unknown")

	assert.Equal(t, int64(1), c.Inc())
	assert.Equal(t, int64(2), c.Inc())
	n, known := c.Dec()
	assert.True(t, known)
	assert.Equal(t, int64(1), n)

	c.Seed(0)
	n, known = c.Load()
	assert.True(t, known)
	assert.Zero(t, n)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	n, _ = c.Load()
	assert.Equal(t, int64(8000), n)
}
