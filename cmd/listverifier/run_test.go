package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/listverifier/internal/config"
	"github.com/kolkov/listverifier/internal/verify/report"
)

// brokenRing is an event source whose reads always fail.
type brokenRing struct{}

func (brokenRing) Read() ([]byte, error) {
	return nil, errors.New("ring buffer read failed")
}

func (brokenRing) Close() error { return nil }

func startShell(t *testing.T, script string) *exec.Cmd {
	t.Helper()
	requireShell(t)
	child := exec.Command("sh", "-c", script)
	require.NoError(t, child.Start())
	return child
}

func TestSupervise_VerificationFailureLeavesTargetRunning(t *testing.T) {
	var logs bytes.Buffer
	logger := newLogger(&logs, slog.LevelDebug)
	s := &session{
		cfg:    config.Default(),
		logger: logger,
		out:    io.Discard,
		runID:  "broken",
		src:    brokenRing{},
	}
	detached := 0
	child := startShell(t, "sleep 0.3; exit 7")

	res := supervise(context.Background(), child, s.run, func() error {
		detached++
		return nil
	}, logger)

	assert.Equal(t, 7, res.code, "target ran to completion instead of being killed")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "ring buffer read failed")
	require.NotNil(t, res.summary, "a summary is still produced")
	assert.Equal(t, "broken", res.summary.RunID)
	assert.Equal(t, 1, detached)
	assert.Contains(t, logs.String(), "target left running")
}

func TestSupervise_TargetExitEndsVerification(t *testing.T) {
	child := startShell(t, "exit 0")
	var seenPID int

	res := supervise(context.Background(), child, func(ctx context.Context, pid int) (*report.Summary, error) {
		seenPID = pid
		<-ctx.Done()
		return &report.Summary{PID: pid}, nil
	}, func() error {
		t.Error("detached without a verification error")
		return nil
	}, newLogger(io.Discard, slog.LevelInfo))

	assert.Zero(t, res.code)
	assert.NoError(t, res.err)
	assert.Equal(t, child.Process.Pid, seenPID)
	require.NotNil(t, res.summary)
	assert.Equal(t, seenPID, res.summary.PID)
}

func TestSupervise_StopBoundsWaitForTarget(t *testing.T) {
	grace := targetExitGrace
	targetExitGrace = 50 * time.Millisecond
	t.Cleanup(func() { targetExitGrace = grace })

	child := startShell(t, "sleep 30")
	t.Cleanup(func() { _ = child.Process.Kill() })

	stop, cancel := context.WithCancel(context.Background())
	cancel()

	started := time.Now()
	res := supervise(stop, child, func(ctx context.Context, pid int) (*report.Summary, error) {
		<-ctx.Done()
		return &report.Summary{PID: pid}, nil
	}, func() error { return nil }, newLogger(io.Discard, slog.LevelInfo))

	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, -1, res.code)
	require.NotNil(t, res.summary)
	assert.NoError(t, child.Process.Signal(syscall.Signal(0)), "target is left running")
}
