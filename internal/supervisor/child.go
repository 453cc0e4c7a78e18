package supervisor

import (
	"os/exec"
	"sync"
	"time"
)

// Child is the handle to the running backend process. It is owned exclusively
// by the supervisor and lifecycle controller; no other component may hold a
// reference to the OS process.
type Child struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	pid     int
	done    chan struct{} // closed once Wait has returned
	exitErr error
	reaped  bool
	stopReq bool // graceful termination already signaled
}

func newChild(cmd *exec.Cmd) *Child {
	return &Child{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
}

func (c *Child) PID() int { return c.pid }

// Done is closed once the process has exited and been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// ExitErr returns the wait error after Done is closed; nil before then.
func (c *Child) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// Exited reports whether the process has been reaped.
func (c *Child) Exited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reaped
}

// markExited is called exactly once by the supervisor's wait goroutine.
func (c *Child) markExited(err error) {
	c.mu.Lock()
	if c.reaped {
		c.mu.Unlock()
		return
	}
	c.reaped = true
	c.exitErr = err
	c.mu.Unlock()
	close(c.done)
}

// Kill forcibly terminates the process group. Safe on an already-reaped
// process.
func (c *Child) Kill() {
	if c.Exited() {
		return
	}
	_ = killGroup(c.pid)
}

// Stop sends the graceful termination signal and waits up to grace for the
// exit notification, then escalates to a kill. It reports whether the kill
// path was taken. Repeated calls converge: an already-reaped process gets no
// further signals.
func (c *Child) Stop(grace time.Duration) (forced bool) {
	c.mu.Lock()
	if c.reaped {
		c.mu.Unlock()
		return false
	}
	first := !c.stopReq
	c.stopReq = true
	c.mu.Unlock()
	if first {
		_ = terminateGroup(c.pid)
	}
	select {
	case <-c.done:
		return false
	case <-time.After(grace):
	}
	if c.Exited() {
		return false
	}
	_ = killGroup(c.pid)
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		// best-effort: the wait goroutine reaps eventually
	}
	return true
}
