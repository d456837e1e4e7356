package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/listverifier/internal/probe"
	"github.com/kolkov/listverifier/internal/verify/report"
)

// drainGrace is how long events already in the ring buffer are still
// handled after the target exits.
const drainGrace = 200 * time.Millisecond

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run -- <binary> [args...]",
		Short: "Launch a program and verify it until it exits",
		Long: `Run installs the probes on the binary, starts it with the given arguments
and verifies its list operations until it exits. Stdin, stdout and stderr
are forwarded, and listverifier exits with the program's exit code.

listverifier never signals the program. If verification fails the probes
are detached and the program runs to completion. If listverifier alone is
stopped (SIGTERM), it waits up to 5s for the program to exit, then prints
the summary and leaves the program running.`,
		Example: `  listverifier run -- ./main_verif_optimised 100000
  listverifier run --csv results.csv --history ~/.listverifier -- ./main_verif_optimised`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTarget(cmd, args)
		},
	}
}

func (a *app) runTarget(cmd *cobra.Command, args []string) error {
	a.cfg.Target.Binary = args[0]

	path, err := exec.LookPath(args[0])
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	// Probes go in before the program starts so no operation is missed.
	// The binary-wide attachment is narrowed to the child by pid below.
	s, err := openSession(a.cfg, probe.Target{Path: path}, cmd.OutOrStdout(), a.logger)
	if err != nil {
		return err
	}
	defer s.Close()

	child := exec.Command(path, args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	if err := child.Start(); err != nil {
		return fmt.Errorf("start %s: %w", args[0], err)
	}
	a.logger.Info("target started", "binary", args[0], "pid", child.Process.Pid)

	stop, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	res := supervise(stop, child, s.run, s.Close, a.logger)

	if err := s.Close(); err != nil {
		a.logger.Warn("detach failed", "error", err)
	}
	if res.summary != nil {
		if err := publish(res.summary, a.cfg, cmd.ErrOrStderr(), a.logger); err != nil {
			a.logger.Error("summary not fully published", "error", err)
		}
	}

	switch {
	case res.code > 0:
		return &targetExitError{code: res.code}
	case res.code == 0:
		return nil
	default:
		// The program is still running; there is no status to mirror.
		return res.err
	}
}

// targetExitGrace bounds the wait for the program once listverifier is
// told to stop.
var targetExitGrace = 5 * time.Second

// verifyFunc verifies events from pid until ctx is done.
type verifyFunc func(ctx context.Context, pid int) (*report.Summary, error)

// supervised is the outcome of supervise.
type supervised struct {
	// code is the program's exit code, -1 when it was left running.
	code    int
	summary *report.Summary
	// err is the verification error. It never affects the program.
	err error
}

// supervise runs verify against child until the child exits (plus a short
// drain) or stop is done. A verification error detaches the probes and
// leaves the child running to completion; the child is never signalled.
func supervise(stop context.Context, child *exec.Cmd, verify verifyFunc, detach func() error, logger *slog.Logger) supervised {
	pid := child.Process.Pid
	exited := make(chan int, 1)
	go func() { exited <- waitTarget(child) }()

	ctx, cancel := context.WithCancel(stop)
	defer cancel()

	var res supervised
	g := new(errgroup.Group)
	g.Go(func() error {
		res.summary, res.err = verify(ctx, pid)
		if res.err != nil {
			logger.Error("verification stopped, target left running", "pid", pid, "error", res.err)
			if err := detach(); err != nil {
				logger.Warn("detach failed", "error", err)
			}
		}
		return nil
	})

	res.code = -1
	select {
	case res.code = <-exited:
		logger.Info("target exited", "pid", pid, "code", res.code)
		select {
		case <-time.After(drainGrace):
		case <-stop.Done():
		}
	case <-stop.Done():
		select {
		case res.code = <-exited:
			logger.Info("target exited", "pid", pid, "code", res.code)
		case <-time.After(targetExitGrace):
			logger.Warn("target still running, detaching", "pid", pid, "waited", targetExitGrace)
		}
	}
	cancel()
	_ = g.Wait()
	return res
}

// waitTarget waits for the program and returns its exit code. A program
// killed by a signal reports 128+signal like a shell does.
func waitTarget(cmd *exec.Cmd) int {
	err := cmd.Wait()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}
