package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/kolkov/listverifier/internal/config"
	"github.com/kolkov/listverifier/internal/probe"
)

// processPollInterval is how often attach checks that the target still runs.
const processPollInterval = 500 * time.Millisecond

func (a *app) attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Verify a running process or every process running a binary",
		Long: `Attach installs the probes and verifies until interrupted.

With --pid only that process is verified and the run ends when it exits.
Otherwise every process executing --binary is verified. --binary may name a
shared library the process loads; with --pid alone the probes go on the
process's own executable.

The expected length starts unknown and the first insert sets it to 1. When
the list already holds nodes, set verify.initial_length or every traversal
reports a length mismatch.`,
		Example: `  listverifier attach --pid 4242
  listverifier attach --pid 4242 --binary /opt/list/linked_list_lib.so
  listverifier attach --binary ./main_verif_optimised --throttle 500ms`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runAttach(cmd)
		},
	}
}

func (a *app) runAttach(cmd *cobra.Command) error {
	target, err := attachTarget(a.cfg)
	if err != nil {
		return err
	}

	warnUnseededLength(a.cfg, a.logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if target.PID > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go watchProcess(ctx, target.PID, processPollInterval, cancel)
	}

	s, err := openSession(a.cfg, target, cmd.OutOrStdout(), a.logger)
	if err != nil {
		return err
	}
	defer s.Close()

	sum, runErr := s.run(ctx, target.PID)
	if err := s.Close(); err != nil {
		a.logger.Warn("detach failed", "error", err)
	}
	if sum == nil {
		return runErr
	}
	return errors.Join(runErr, publish(sum, a.cfg, cmd.ErrOrStderr(), a.logger))
}

// attachTarget resolves the file to probe. A configured binary is used as
// given, with the pid as a filter. A pid alone probes the executable that
// process is running.
func attachTarget(cfg *config.Config) (probe.Target, error) {
	t := probe.Target{Path: cfg.Target.Binary, PID: cfg.Target.PID}
	if t.Path == "" && t.PID > 0 {
		t.Path = fmt.Sprintf("/proc/%d/exe", t.PID)
	}
	if t.Path == "" {
		return probe.Target{}, errors.New("attach: --binary or --pid is required")
	}
	return t, nil
}

// warnUnseededLength warns when attaching without an initial length. The
// first insert then sets the expected length to 1, which is wrong for a
// list that already holds nodes. It reports whether it warned.
func warnUnseededLength(cfg *config.Config, logger *slog.Logger) bool {
	if cfg.Verify.InitialLength != nil {
		return false
	}
	logger.Warn("verify.initial_length is not set; if the list already holds nodes, length checks will report mismatches",
		"pid", cfg.Target.PID)
	return true
}

// watchProcess calls done once pid no longer exists.
func watchProcess(ctx context.Context, pid int, every time.Duration, done func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
				done()
				return
			}
		}
	}
}
