package supervisor

import (
	"fmt"
	"time"
)

// CrashError means the backend failed during startup: an unrecognized stderr
// line while awaiting readiness, a spawn failure, or the child exiting on its
// own before it became ready.
type CrashError struct {
	Line    string // offending stderr line, when one triggered the failure
	ExitErr error  // wait/spawn error, when the process died or never started
}

func (e *CrashError) Error() string {
	switch {
	case e.Line != "" && e.ExitErr != nil:
		return fmt.Sprintf("backend crashed during startup: %q: %v", e.Line, e.ExitErr)
	case e.Line != "":
		return fmt.Sprintf("backend reported fatal error during startup: %q", e.Line)
	case e.ExitErr != nil:
		return fmt.Sprintf("backend exited before becoming ready: %v", e.ExitErr)
	default:
		return "backend exited before becoming ready"
	}
}

func (e *CrashError) Unwrap() error { return e.ExitErr }

// TimeoutError means no readiness marker arrived within the startup bound.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("backend not ready within %s", e.Timeout)
}
