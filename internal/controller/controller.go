package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/mindtide/sidecar/internal/config"
	"github.com/mindtide/sidecar/internal/env"
	"github.com/mindtide/sidecar/internal/index"
	"github.com/mindtide/sidecar/internal/logger"
	"github.com/mindtide/sidecar/internal/metrics"
	"github.com/mindtide/sidecar/internal/provision"
	"github.com/mindtide/sidecar/internal/runtime"
	"github.com/mindtide/sidecar/internal/store"
	"github.com/mindtide/sidecar/internal/supervisor"
)

// backendName labels the supervised child in logs and tee files.
const backendName = "backend"

// Controller owns the lifecycle state machine and the single child handle.
// It is the only mutator of both. Initialize runs the stages in strict
// sequence; Shutdown always converges to Stopped.
type Controller struct {
	fc      *config.FileConfig
	log     *slog.Logger
	locator *runtime.Locator
	prov    *provision.Provisioner
	sup     *supervisor.Supervisor
	history *store.DB // optional, best-effort

	mu           sync.Mutex
	state        State
	initializing bool
	cancelInit   context.CancelFunc
	child        *supervisor.Child
	srv          config.Server
	indexing     index.Outcome
	lastErr      error
	readyAt      time.Time
}

// New wires a controller from the file configuration. history may be nil.
func New(fc *config.FileConfig, log *slog.Logger, history *store.DB) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		fc:      fc,
		log:     log,
		locator: runtime.NewLocator(),
		prov:    provision.New(log),
		sup:     supervisor.New(log, teeConfig(fc)),
		history: history,
		state:   Idle,
	}
}

func teeConfig(fc *config.FileConfig) logger.TeeConfig {
	return logger.TeeConfig{Dir: fc.Log.ChildDir}
}

// Initialize provisions, indexes, launches, and awaits readiness. A second
// call while one is in flight returns immediately with no side effects; so
// does a call while the backend is already running. Any fatal stage failure
// leaves state Failed and returns the stage error.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initializing || c.child != nil {
		c.mu.Unlock()
		return nil
	}
	c.initializing = true
	c.lastErr = nil
	ctx, cancel := context.WithCancel(ctx)
	c.cancelInit = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.initializing = false
		c.cancelInit = nil
		c.mu.Unlock()
	}()

	c.setState(Provisioning)
	runtimePath, err := c.locator.Locate(goruntime.GOOS, goruntime.GOARCH, c.fc.Paths.BundleDir, c.fc.Backend.Packaged)
	if err != nil {
		return c.fail("runtime_not_found", fmt.Errorf("locate runtime: %w", err))
	}
	c.log.Info("runtime selected", "path", runtimePath)

	if err := c.prov.Provision(ctx, runtimePath, c.fc.Paths.EnvDir, c.fc.Paths.Manifest); err != nil {
		return c.fail("provisioning", err)
	}

	// The provisioned interpreter is preferred; a bare environment falls back
	// to the located runtime, and a failed spawn surfaces at launch.
	python := provision.VenvPython(c.fc.Paths.EnvDir)
	if !fileExists(python) {
		python = runtimePath
	}

	c.setState(Indexing)
	srv := c.fc.BuildServer(python)
	childEnv := env.Merge(srv.Env)
	ix := &index.Indexer{
		Python:        python,
		Script:        c.fc.Backend.IndexScript,
		CredentialKey: c.fc.Backend.CredentialKey,
		Env:           childEnv,
		Logger:        c.log,
	}
	outcome := ix.EnsureIndex(ctx, c.fc.Paths.DocsDir, c.fc.Paths.IndexDir)
	c.mu.Lock()
	c.indexing = outcome
	c.mu.Unlock()
	metrics.ObserveIndexing(outcome.Kind.String())
	c.record(store.EventIndexing, outcome.Kind.String()+" "+outcome.Reason, 0)
	// Indexing failures are recorded, never fatal: the backend can still
	// serve without fresh artifacts.

	c.setState(Launching)
	metrics.IncLaunch()
	c.record(store.EventLaunch, "", 0)
	launchStart := time.Now()
	child, err := c.sup.Launch(ctx, supervisor.Command{
		Path: srv.RuntimePath,
		Args: []string{srv.Script},
		Dir:  srv.WorkDir,
		Env:  childEnv,
	}, supervisor.Options{
		Name:             backendName,
		ReadinessMarkers: c.fc.Supervise.ReadinessMarkers,
		SettleDelay:      c.fc.Supervise.SettleDelay,
		StartupTimeout:   c.fc.Supervise.StartupTimeout,
		OnAwaitingReady:  func() { c.setState(AwaitingReady) },
	})
	if err != nil {
		return c.fail(failureKind(err), err)
	}

	c.mu.Lock()
	c.child = child
	c.srv = srv
	c.readyAt = time.Now()
	c.mu.Unlock()
	c.setState(Ready)
	metrics.IncReady()
	metrics.ObserveStartupDuration(time.Since(launchStart).Seconds())
	c.record(store.EventReady, "", child.PID())
	go c.watchExit(child)
	return nil
}

// watchExit flips Ready to Failed if the backend dies on its own. A shutdown
// in progress owns the transition instead.
func (c *Controller) watchExit(child *supervisor.Child) {
	<-child.Done()
	c.mu.Lock()
	if c.child != child || c.state != Ready {
		c.mu.Unlock()
		return
	}
	c.child = nil
	prev := c.state
	c.state = Failed
	c.lastErr = &supervisor.CrashError{ExitErr: child.ExitErr()}
	c.mu.Unlock()
	metrics.SetState(prev.String(), Failed.String())
	c.log.Error("backend exited unexpectedly", "pid", child.PID(), "err", child.ExitErr())
	c.record(store.EventCrash, "unexpected_exit", child.PID())
}

// Shutdown terminates the child if one exists and always converges to
// Stopped. It is idempotent, reentrant, and never returns an error: internal
// failures during termination are absorbed and logged.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	child := c.child
	c.child = nil
	prev := c.state
	c.state = Terminating
	cancel := c.cancelInit
	c.mu.Unlock()
	if cancel != nil {
		// Abort an in-flight initialize; its launch path kills its own child.
		cancel()
	}
	metrics.SetState(prev.String(), Terminating.String())

	if child != nil {
		grace := c.fc.Supervise.ShutdownGrace
		if grace <= 0 {
			grace = 4 * time.Second
		}
		if forced := child.Stop(grace); forced {
			c.log.Warn("backend ignored graceful shutdown, killed", "pid", child.PID())
			metrics.IncForceKill()
		}
		c.record(store.EventShutdown, "", child.PID())
	}

	c.setState(Stopped)
	metrics.IncShutdown()
	return nil
}

// Status returns a point-in-time snapshot. Pure read, no side effects.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		State:           c.state,
		IndexingOutcome: c.indexing.Kind.String(),
		IndexingReason:  c.indexing.Reason,
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	if c.child != nil {
		snap.PID = c.child.PID()
		snap.ServerURL = c.srv.URL()
		snap.ReadySince = c.readyAt
	}
	return snap
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerURL returns the backend base URL of the current launch, or empty.
func (c *Controller) ServerURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.child == nil {
		return ""
	}
	return c.srv.URL()
}

// History returns recent lifecycle events, newest first. Nil store yields nil.
func (c *Controller) History(ctx context.Context, limit int) ([]store.Event, error) {
	if c.history == nil {
		return nil, nil
	}
	return c.history.Recent(ctx, limit)
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev != next {
		c.log.Debug("state transition", "from", prev.String(), "to", next.String())
		metrics.SetState(prev.String(), next.String())
	}
}

// fail records a fatal stage failure and leaves the controller in Failed.
// A shutdown in progress owns the terminal state: once Terminating or Stopped
// is set, the error is recorded without touching the state, so an aborted
// initialize cannot drag a completed shutdown back into Failed.
func (c *Controller) fail(kind string, err error) error {
	c.mu.Lock()
	c.lastErr = err
	prev := c.state
	shuttingDown := prev == Terminating || prev == Stopped
	if !shuttingDown {
		c.state = Failed
	}
	c.mu.Unlock()
	if !shuttingDown {
		metrics.SetState(prev.String(), Failed.String())
	}
	metrics.IncStartupFailure(kind)
	c.log.Error("initialize failed", "kind", kind, "err", err)
	c.record(store.EventStartupFailed, kind, 0)
	return err
}

// record appends a history event; store errors are logged, never propagated.
func (c *Controller) record(kind, detail string, pid int) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.history.Append(ctx, store.Event{Kind: kind, Detail: detail, PID: pid}); err != nil {
		c.log.Warn("history write failed", "kind", kind, "err", err)
	}
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

// failureKind maps a launch error to its taxonomy label.
func failureKind(err error) string {
	var te *supervisor.TimeoutError
	if errors.As(err, &te) {
		return "timeout"
	}
	var ce *supervisor.CrashError
	if errors.As(err, &ce) {
		return "crash"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "crash"
}
