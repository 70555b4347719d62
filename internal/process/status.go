package process

import (
	"strconv"
	"syscall"
	"time"
)

// Outcome values reported in Status.
const (
	OutcomeRunning  = "running"
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeSignaled = "signaled"
	OutcomeLost     = "lost"
)

// Exit is how a child ended as observed by wait4.
// Code is the exit status, 128+signal for signaled children and -1 when the
// status could not be collected.
type Exit struct {
	Code   int
	Signal syscall.Signal
}

// ExitError is the Status.ExitErr of a child that did not exit with status 0.
type ExitError struct {
	Exit
}

func (e *ExitError) Error() string {
	if e.Signal != 0 {
		return "terminated by signal " + e.Signal.String()
	}
	return "exit status " + strconv.Itoa(e.Code)
}

// Status is a point-in-time view of a child.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Processor int       `json:"processor"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	ExitErr   error     `json:"-"`
}

// Duration is the time between spawn and the observed exit, or until now for running children.
func (s Status) Duration() time.Duration {
	if s.StoppedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.StoppedAt.Sub(s.StartedAt)
}
