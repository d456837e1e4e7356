// Package timing accumulates how long the verifier spends in each probe
// callback.
//
// The aggregator sits on the probe path it measures, so recording must cost
// close to nothing: Begin reads the monotonic clock, End does one more clock
// read and two atomic adds. Addition is associative, so concurrent callers
// never need to be serialized.
package timing

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Site is one probe site (or the throttled traversal).
type Site uint8

const (
	SiteInsertEntry Site = iota
	SiteInsertReturn
	SiteDeleteEntry
	SiteDeleteInfo
	SiteDeleteReturn
	SiteSearchEntry
	SiteTraversal

	// NumSites is the size of the timing table.
	NumSites
)

var siteNames = [NumSites]string{
	SiteInsertEntry:  "insert_entry",
	SiteInsertReturn: "insert_return",
	SiteDeleteEntry:  "delete_entry",
	SiteDeleteInfo:   "delete_info",
	SiteDeleteReturn: "delete_return",
	SiteSearchEntry:  "search_entry",
	SiteTraversal:    "traversal",
}

func (s Site) String() string {
	if s < NumSites {
		return siteNames[s]
	}
	return fmt.Sprintf("site(%d)", uint8(s))
}

// Sites returns every site in table order.
func Sites() []Site {
	out := make([]Site, NumSites)
	for i := range out {
		out[i] = Site(i)
	}
	return out
}

// Token is an opaque start timestamp returned by Begin.
type Token int64

// Aggregator is the process-lifetime ProbeTimingTable.
//
// Thread Safety: Begin/End/Add/Snapshot are safe for concurrent calls.
type Aggregator struct {
	base  time.Time // monotonic reference; only differences are used
	nanos [NumSites]atomic.Uint64
	calls [NumSites]atomic.Uint64
}

// NewAggregator returns an empty table.
func NewAggregator() *Aggregator {
	return &Aggregator{base: time.Now()}
}

// Begin starts timing one callback.
func (a *Aggregator) Begin() Token {
	return Token(time.Since(a.base))
}

// End charges the time since tok to site. Out-of-range sites are ignored.
func (a *Aggregator) End(tok Token, site Site) {
	a.Add(site, time.Since(a.base)-time.Duration(tok))
}

// Add charges d to site directly.
func (a *Aggregator) Add(site Site, d time.Duration) {
	if site >= NumSites {
		return
	}
	if d < 0 {
		d = 0
	}
	a.nanos[site].Add(uint64(d))
	a.calls[site].Add(1)
}

// Table is a point-in-time copy of the aggregator.
type Table struct {
	Nanos [NumSites]uint64
	Calls [NumSites]uint64
}

// Snapshot copies the current totals. Each slot is read atomically; the
// table as a whole is not a consistent cut while callbacks are running.
func (a *Aggregator) Snapshot() Table {
	var t Table
	for i := range t.Nanos {
		t.Nanos[i] = a.nanos[i].Load()
		t.Calls[i] = a.calls[i].Load()
	}
	return t
}

// Total is the combined time across all sites.
func (t Table) Total() uint64 {
	var sum uint64
	for _, n := range t.Nanos {
		sum += n
	}
	return sum
}

// TotalCalls is the combined call count across all sites.
func (t Table) TotalCalls() uint64 {
	var sum uint64
	for _, n := range t.Calls {
		sum += n
	}
	return sum
}
