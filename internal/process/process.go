package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	// ErrMonitorLost is returned by Wait for a child whose processor failed before its exit was observed.
	ErrMonitorLost = errors.New("process monitor lost")
	// ErrUnsupported is returned by Spawn on platforms without unix pipes and wait4.
	ErrUnsupported = errors.New("process spawning is not supported on this platform")
	// ErrFinished is returned when signalling a child whose exit was already observed.
	ErrFinished = errors.New("process already finished")
)

const (
	stdoutStream = iota
	stderrStream
)

// Option customizes a Handle at spawn time.
type Option func(*Handle)

// WithOutput routes captured stdout and stderr. A nil writer discards that
// stream; it is still drained so the child never blocks on a full pipe.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(h *Handle) {
		h.writers = [2]io.Writer{stdout, stderr}
		h.explicitOutput = true
	}
}

// WithExitHook registers fn to run once the child's final status is known.
// Hooks run on the goroutine that observed the exit.
func WithExitHook(fn func(Status)) Option {
	return func(h *Handle) {
		if fn != nil {
			h.hooks = append(h.hooks, fn)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handle) {
		if l != nil {
			h.log = l
		}
	}
}

// Handle is a spawned child as seen by the multiplexer: its pid, the read
// ends of its stdout/stderr pipes and its eventual exit status.
//
// Deliver, StreamClosed, Exited and Abandon are called by the poll backend
// that owns the handle. Everything else is safe from any goroutine.
type Handle struct {
	spec           Spec
	pid            int
	log            *slog.Logger
	writers        [2]io.Writer
	explicitOutput bool
	closers        []io.Closer
	hooks          []func(Status)
	done           chan struct{}

	mu       sync.Mutex
	proc     *os.Process
	fds      [2]int
	status   Status
	finished bool
}

func newHandle(spec Spec, opts ...Option) *Handle {
	h := &Handle{
		spec: spec,
		log:  slog.Default(),
		fds:  [2]int{-1, -1},
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With("process", spec.Name)
	h.status = Status{Name: spec.Name, Processor: -1, Outcome: OutcomeRunning}
	return h
}

// openOutputs falls back to the rotated files configured in the spec when no
// writers were passed explicitly.
func (h *Handle) openOutputs() error {
	if h.explicitOutput || !h.spec.Log.Enabled() {
		return nil
	}
	ow, ew, err := h.spec.Log.ProcessWriters(h.spec.Name)
	if err != nil {
		return fmt.Errorf("open output files for %s: %w", h.spec.Name, err)
	}
	if ow != nil {
		h.writers[stdoutStream] = ow
		h.closers = append(h.closers, ow)
	}
	if ew != nil {
		h.writers[stderrStream] = ew
		h.closers = append(h.closers, ew)
	}
	return nil
}

func (h *Handle) closeOutputs() {
	for _, c := range h.closers {
		_ = c.Close()
	}
	h.closers = nil
}

func (h *Handle) started(proc *os.Process, stdoutFD, stderrFD int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc = proc
	h.pid = proc.Pid
	h.fds = [2]int{stdoutFD, stderrFD}
	h.status.PID = proc.Pid
	h.status.Running = true
	h.status.StartedAt = time.Now()
}

func (h *Handle) Name() string { return h.spec.Name }

func (h *Handle) Spec() Spec { return h.spec }

// PID is fixed once Spawn returns.
func (h *Handle) PID() int { return h.pid }

// Descriptors returns the stream read ends that are still open.
func (h *Handle) Descriptors() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, 0, 2)
	for _, fd := range h.fds {
		if fd >= 0 {
			out = append(out, fd)
		}
	}
	return out
}

// SetProcessor records which processor monitors the child.
func (h *Handle) SetProcessor(id int) {
	h.mu.Lock()
	h.status.Processor = id
	h.mu.Unlock()
}

func (h *Handle) streamOf(fd int) int {
	for i, f := range h.fds {
		if f == fd && fd >= 0 {
			return i
		}
	}
	return -1
}

// Deliver passes bytes read from fd to the configured writer of that stream.
func (h *Handle) Deliver(fd int, data []byte) {
	h.mu.Lock()
	idx := h.streamOf(fd)
	h.mu.Unlock()
	if idx < 0 || len(data) == 0 {
		return
	}
	w := h.writers[idx]
	if w == nil {
		return
	}
	if _, err := w.Write(data); err != nil {
		h.log.Debug("output write failed", "fd", fd, "error", err)
	}
}

// StreamClosed closes fd after EOF or a read error. Unknown descriptors are ignored.
func (h *Handle) StreamClosed(fd int) {
	h.mu.Lock()
	idx := h.streamOf(fd)
	if idx >= 0 {
		h.fds[idx] = -1
	}
	h.mu.Unlock()
	if idx >= 0 {
		_ = closeFD(fd)
	}
}

// Exited records the reaped exit status and releases the handle's resources.
func (h *Handle) Exited(e Exit) {
	h.finish(func(s *Status) {
		s.ExitCode = e.Code
		switch {
		case e.Signal != 0:
			s.Outcome = OutcomeSignaled
			s.ExitErr = &ExitError{Exit: e}
		case e.Code != 0:
			s.Outcome = OutcomeFailure
			s.ExitErr = &ExitError{Exit: e}
		default:
			s.Outcome = OutcomeSuccess
		}
	})
}

// Abandon ends monitoring without an exit status. Wait returns an error wrapping ErrMonitorLost.
func (h *Handle) Abandon(cause error) {
	err := ErrMonitorLost
	if cause != nil && !errors.Is(cause, ErrMonitorLost) {
		err = fmt.Errorf("%w: %w", ErrMonitorLost, cause)
	} else if cause != nil {
		err = cause
	}
	h.finish(func(s *Status) {
		s.ExitCode = -1
		s.Outcome = OutcomeLost
		s.ExitErr = err
	})
}

func (h *Handle) finish(apply func(*Status)) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	fds := h.fds
	h.fds = [2]int{-1, -1}
	proc := h.proc
	h.status.Running = false
	h.status.StoppedAt = time.Now()
	apply(&h.status)
	if h.status.ExitErr != nil {
		h.status.Error = h.status.ExitErr.Error()
	}
	st := h.status
	h.mu.Unlock()

	for _, fd := range fds {
		if fd >= 0 {
			_ = closeFD(fd)
		}
	}
	if proc != nil {
		_ = proc.Release()
	}
	h.closeOutputs()
	close(h.done)
	for _, fn := range h.hooks {
		fn(st)
	}
}

// Done is closed once the final status is known.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Wait blocks until the child's exit is observed or ctx ends. A non-zero exit
// is reported through Status.ExitErr, not the returned error.
func (h *Handle) Wait(ctx context.Context) (Status, error) {
	select {
	case <-h.done:
		st := h.Status()
		if st.Outcome == OutcomeLost {
			return st, st.ExitErr
		}
		return st, nil
	case <-ctx.Done():
		return h.Status(), ctx.Err()
	}
}

// Signal sends sig to the child. It fails with ErrFinished after the exit was observed.
func (h *Handle) Signal(sig os.Signal) error {
	h.mu.Lock()
	finished, proc := h.finished, h.proc
	h.mu.Unlock()
	if finished || proc == nil {
		return ErrFinished
	}
	return proc.Signal(sig)
}
