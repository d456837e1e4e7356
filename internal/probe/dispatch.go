package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kolkov/listverifier/internal/verify/monitor"
)

// Handler consumes decoded events. *monitor.Monitor implements it.
type Handler interface {
	Handle(ev monitor.Event) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Workers is the number of handler goroutines; zero means GOMAXPROCS.
	Workers int
	// QueueSize is the per-worker buffer; zero means 256.
	QueueSize int
	// PID drops events from other processes when non-zero.
	PID    uint32
	Logger *slog.Logger
}

// DispatchStats counts what a Dispatcher did with its records.
type DispatchStats struct {
	Received  uint64 `json:"received"`
	Handled   uint64 `json:"handled"`
	Filtered  uint64 `json:"filtered"`
	Malformed uint64 `json:"malformed"`
	Failed    uint64 `json:"failed"`
}

// Dispatcher fans events out to workers by thread id.
//
// All events of one thread go to the same worker, in ring buffer order,
// so a thread's entry is always handled before its return. Events of
// different threads are handled concurrently.
type Dispatcher struct {
	workers   int
	queueSize int
	pid       uint32
	logger    *slog.Logger
	warn      rate.Sometimes

	received  atomic.Uint64
	handled   atomic.Uint64
	filtered  atomic.Uint64
	malformed atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		workers:   cfg.Workers,
		queueSize: cfg.QueueSize,
		pid:       cfg.PID,
		logger:    cfg.Logger,
		warn:      rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	if d.workers <= 0 {
		d.workers = runtime.GOMAXPROCS(0)
	}
	if d.queueSize <= 0 {
		d.queueSize = 256
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Run reads src until it is closed or ctx is done, then drains the
// workers. Cancelling ctx closes src and is a clean shutdown (nil error).
func (d *Dispatcher) Run(ctx context.Context, src EventSource, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	queues := make([]chan monitor.Event, d.workers)
	for i := range queues {
		q := make(chan monitor.Event, d.queueSize)
		queues[i] = q
		g.Go(func() error {
			for ev := range q {
				d.handle(h, ev)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return src.Close()
	})

	g.Go(func() error {
		defer cancel()
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()

		for {
			raw, err := src.Read()
			if errors.Is(err, ErrClosed) {
				return nil
			}
			if err != nil {
				return err
			}
			d.received.Add(1)

			ev, err := Decode(raw)
			if err != nil {
				d.malformed.Add(1)
				d.warn.Do(func() {
					d.logger.Warn("dropping malformed probe record", "error", err)
				})
				continue
			}
			if d.pid != 0 && ev.PID != d.pid {
				d.filtered.Add(1)
				continue
			}

			select {
			case queues[int(ev.TID)%len(queues)] <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

func (d *Dispatcher) handle(h Handler, ev monitor.Event) {
	if err := h.Handle(ev); err != nil {
		d.failed.Add(1)
		d.warn.Do(func() {
			d.logger.Warn("probe event not handled", "event", ev, "error", err)
		})
		return
	}
	d.handled.Add(1)
}

// Stats returns the dispatch counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Received:  d.received.Load(),
		Handled:   d.handled.Load(),
		Filtered:  d.filtered.Load(),
		Malformed: d.malformed.Load(),
		Failed:    d.failed.Load(),
	}
}
