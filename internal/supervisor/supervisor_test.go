//go:build !windows

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/mindtide/sidecar/internal/logger"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "backend.sh")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o700); err != nil {
		t.Fatal(err)
	}
	return p
}

// readPID reads the PID a script wrote with `echo $$ > file`.
func readPID(t *testing.T, path string) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		b, err := os.ReadFile(path)
		if err == nil {
			if pid, perr := strconv.Atoi(strings.TrimSpace(string(b))); perr == nil && pid > 0 {
				return pid
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("pid file %s never appeared", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitGone asserts the process disappears (signal 0 stops resolving it).
func waitGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process %d still running after launch rejection", pid)
}

func launch(t *testing.T, body string, opts Options) (*Child, error) {
	t.Helper()
	s := New(quietLogger(), logger.TeeConfig{})
	if opts.Name == "" {
		opts.Name = "test"
	}
	if opts.StartupTimeout == 0 {
		opts.StartupTimeout = 5 * time.Second
	}
	script := writeScript(t, body)
	return s.Launch(context.Background(), Command{Path: "/bin/sh", Args: []string{script}}, opts)
}

func TestLaunchReady(t *testing.T) {
	child, err := launch(t, `
echo "READY"
sleep 30`, Options{
		ReadinessMarkers: []string{"READY"},
		SettleDelay:      50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	if child.PID() <= 0 {
		t.Fatal("no pid")
	}
	if child.Exited() {
		t.Fatal("child exited prematurely")
	}
	if forced := child.Stop(2 * time.Second); forced {
		t.Fatal("graceful stop escalated to kill")
	}
	select {
	case <-child.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("child not reaped after stop")
	}
}

func TestReadyWaitsForSettle(t *testing.T) {
	const settle = 300 * time.Millisecond
	start := time.Now()
	child, err := launch(t, `
echo "READY"
sleep 30`, Options{
		ReadinessMarkers: []string{"READY"},
		SettleDelay:      settle,
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	defer child.Stop(time.Second)
	if elapsed := time.Since(start); elapsed < settle {
		t.Fatalf("ready after %v, before settle delay %v", elapsed, settle)
	}
}

func TestStartupTimeout(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	_, err := launch(t, fmt.Sprintf(`
echo $$ > %q
echo "still warming up"
sleep 30`, pidFile), Options{
		ReadinessMarkers: []string{"READY"},
		SettleDelay:      50 * time.Millisecond,
		StartupTimeout:   300 * time.Millisecond,
	})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want TimeoutError", err)
	}
	if te.Timeout != 300*time.Millisecond {
		t.Fatalf("timeout recorded as %v", te.Timeout)
	}
	// The rejection must leave no process behind.
	waitGone(t, readPID(t, pidFile))
}

func TestFatalStderrAbortsLaunch(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	_, err := launch(t, fmt.Sprintf(`
echo $$ > %q
echo "Traceback (most recent call last):" >&2
sleep 30`, pidFile), Options{
		ReadinessMarkers: []string{"READY"},
		SettleDelay:      50 * time.Millisecond,
	})
	var ce *CrashError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want CrashError", err)
	}
	if ce.Line == "" {
		t.Fatal("crash error missing offending line")
	}
	// Crash rejection also kills the spawned process.
	waitGone(t, readPID(t, pidFile))
}

func TestBenignStderrTolerated(t *testing.T) {
	child, err := launch(t, `
echo "WARNING: This is a development server. Do not use it in a production deployment." >&2
echo "LangChainDeprecationWarning: something moved" >&2
echo "READY"
sleep 30`, Options{
		ReadinessMarkers: []string{"READY"},
		SettleDelay:      50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("benign stderr failed the launch: %v", err)
	}
	child.Stop(time.Second)
}

func TestMarkerOnStderrCountsAsReady(t *testing.T) {
	child, err := launch(t, `
echo " * Running on http://127.0.0.1:5000" >&2
sleep 30`, Options{
		ReadinessMarkers: []string{"Running on"},
		SettleDelay:      50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("stderr marker not honored: %v", err)
	}
	child.Stop(time.Second)
}

func TestExitBeforeReady(t *testing.T) {
	_, err := launch(t, `
echo "nothing to do"
exit 3`, Options{
		ReadinessMarkers: []string{"READY"},
		SettleDelay:      50 * time.Millisecond,
	})
	var ce *CrashError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want CrashError", err)
	}
}

func TestContextCancelAbortsLaunch(t *testing.T) {
	s := New(quietLogger(), logger.TeeConfig{})
	script := writeScript(t, `sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := s.Launch(ctx, Command{Path: "/bin/sh", Args: []string{script}}, Options{
		Name:             "test",
		ReadinessMarkers: []string{"READY"},
		SettleDelay:      50 * time.Millisecond,
		StartupTimeout:   10 * time.Second,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestStopEscalatesWhenTermIgnored(t *testing.T) {
	child, err := launch(t, `
trap '' TERM
echo "READY"
while :; do sleep 1; done`, Options{
		ReadinessMarkers: []string{"READY"},
		SettleDelay:      50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	if forced := child.Stop(300 * time.Millisecond); !forced {
		t.Fatal("stop did not escalate on a TERM-ignoring child")
	}
	select {
	case <-child.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child not reaped after kill")
	}
}

func TestStopAfterExitIsNoop(t *testing.T) {
	child, err := launch(t, `
echo "READY"
sleep 30`, Options{
		ReadinessMarkers: []string{"READY"},
		SettleDelay:      50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	child.Stop(2 * time.Second)
	<-child.Done()
	if forced := child.Stop(time.Second); forced {
		t.Fatal("second stop reported a forced kill")
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestBackgroundOutputKeepsName(t *testing.T) {
	buf := &syncBuffer{}
	log := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := New(log, logger.TeeConfig{})

	// The second line prints well after the settle delay, so it is consumed by
	// the background drain, not the readiness loop.
	script := writeScript(t, `
echo "READY"
sleep 0.5
echo "post-ready chatter"
sleep 30`)
	child, err := s.Launch(context.Background(), Command{Path: "/bin/sh", Args: []string{script}}, Options{
		Name:             "backend",
		ReadinessMarkers: []string{"READY"},
		SettleDelay:      100 * time.Millisecond,
		StartupTimeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	defer child.Stop(time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(buf.String(), "post-ready chatter") {
		if time.Now().After(deadline) {
			t.Fatal("post-ready line never logged")
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "post-ready chatter") {
			if !strings.Contains(line, "name=backend") {
				t.Fatalf("post-ready log line lost the child name: %s", line)
			}
			return
		}
	}
	t.Fatal("post-ready log line not found")
}

func TestOnAwaitingReadyFires(t *testing.T) {
	fired := make(chan struct{}, 1)
	child, err := launch(t, `
echo "READY"
sleep 30`, Options{
		ReadinessMarkers: []string{"READY"},
		SettleDelay:      50 * time.Millisecond,
		OnAwaitingReady:  func() { fired <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	defer child.Stop(time.Second)
	select {
	case <-fired:
	default:
		t.Fatal("OnAwaitingReady did not fire before Launch returned")
	}
}
