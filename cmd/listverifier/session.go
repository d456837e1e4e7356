package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kolkov/listverifier/internal/config"
	"github.com/kolkov/listverifier/internal/history"
	"github.com/kolkov/listverifier/internal/probe"
	"github.com/kolkov/listverifier/internal/verify/monitor"
	"github.com/kolkov/listverifier/internal/verify/remotemem"
	"github.com/kolkov/listverifier/internal/verify/report"
)

// session is one verification run: probes installed in a target and the
// pipeline reading their events.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer

	runID   string
	target  probe.Target
	started time.Time

	coll    *ebpf.Collection
	attach  *probe.Attachment
	src     probe.EventSource
	metrics *http.Server

	closeOnce sync.Once
	closeErr  error
}

// openSession loads the BPF object and installs the probes. Events start
// queueing in the ring buffer immediately; nothing reads them until run.
func openSession(cfg *config.Config, target probe.Target, out io.Writer, logger *slog.Logger) (*session, error) {
	l, err := cfg.NodeLayout()
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:     cfg,
		logger:  logger,
		out:     out,
		runID:   uuid.NewString(),
		target:  target,
		started: time.Now(),
	}

	s.coll, err = probe.Load(cfg.Probe.Object, l, cfg.Verify.PredecessorDepth)
	if err != nil {
		return nil, err
	}
	s.attach, err = probe.Attach(s.coll, target, cfg.Probe.Probes, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.src, err = probe.NewRingSource(s.coll)
	if err != nil {
		s.Close()
		return nil, err
	}

	logger.Info("probes installed",
		"run_id", s.runID,
		"target", target.Path,
		"pid", target.PID,
		"probes", s.attach.Installed())
	return s, nil
}

// monitorConfig translates the verify section into engine settings.
func monitorConfig(cfg *config.Config, sink *report.Sink, logger *slog.Logger) (monitor.Config, error) {
	l, err := cfg.NodeLayout()
	if err != nil {
		return monitor.Config{}, err
	}
	interval := cfg.Verify.Throttle
	if interval == 0 {
		// A zero throttle in the config means traverse after every mutation.
		interval = -1
	}
	return monitor.Config{
		Layout:            l,
		TraversalBound:    cfg.Verify.TraversalBound,
		PredecessorDepth:  cfg.Verify.PredecessorDepth,
		ThrottleInterval:  interval,
		DeleteReturnsVoid: cfg.Verify.DeleteReturnsVoid,
		InitialLength:     cfg.Verify.InitialLength,
		Live: func(pid uint32) remotemem.Reader {
			return remotemem.NewProcessReader(int(pid))
		},
		Sink:   sink,
		Logger: logger,
	}, nil
}

// run verifies events from pid (zero: any process) until ctx is done and
// returns the run summary.
func (s *session) run(ctx context.Context, pid int) (*report.Summary, error) {
	mcfg, err := monitorConfig(s.cfg, report.NewSink(s.out, s.logger), s.logger)
	if err != nil {
		return nil, err
	}
	mon, err := monitor.New(mcfg)
	if err != nil {
		return nil, err
	}

	if err := s.serveMetrics(); err != nil {
		return nil, err
	}

	disp := probe.NewDispatcher(probe.DispatcherConfig{
		Workers: s.cfg.Probe.Workers,
		PID:     uint32(pid),
		Logger:  s.logger,
	})
	runErr := disp.Run(ctx, s.src, mon)

	sum := mon.Summary()
	sum.RunID = s.runID
	sum.Target = s.target.Path
	sum.PID = pid
	sum.Started = s.started
	sum.Stopped = time.Now()

	st := disp.Stats()
	s.logger.Info("event stream closed",
		"received", st.Received,
		"handled", st.Handled,
		"filtered", st.Filtered,
		"malformed", st.Malformed,
		"failed", st.Failed)
	return &sum, runErr
}

func (s *session) serveMetrics() error {
	addr := s.cfg.Report.MetricsAddr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metrics = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	s.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// Close detaches the probes and releases the BPF objects. Calls after the
// first return the first result.
func (s *session) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.close() })
	return s.closeErr
}

func (s *session) close() error {
	var errs []error
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, s.metrics.Shutdown(ctx))
		cancel()
	}
	if s.src != nil {
		errs = append(errs, s.src.Close())
	}
	if s.attach != nil {
		errs = append(errs, s.attach.Close())
	}
	if s.coll != nil {
		s.coll.Close()
	}
	return errors.Join(errs...)
}

// publish writes the summary to stderr and to the configured CSV file and
// history database. Every sink is attempted even if an earlier one fails.
func publish(sum *report.Summary, cfg *config.Config, w io.Writer, logger *slog.Logger) error {
	sum.Format(w)

	var errs []error
	if path := cfg.Report.CSV; path != "" {
		if err := sum.AppendCSV(path); err != nil {
			errs = append(errs, err)
		} else {
			logger.Info("summary appended", "csv", path)
		}
	}
	if dir := cfg.Report.HistoryDir; dir != "" {
		if err := saveHistory(sum, dir, logger); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func saveHistory(sum *report.Summary, dir string, logger *slog.Logger) error {
	store, err := history.Open(history.Config{Dir: dir, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Save(sum); err != nil {
		return err
	}
	logger.Info("summary saved", "history", dir, "run_id", sum.RunID)
	return nil
}
