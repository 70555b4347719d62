//go:build unix

package poller

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/procmux/internal/config"
	"github.com/loykin/procmux/internal/metrics"
	"github.com/loykin/procmux/internal/process"
	"golang.org/x/sys/unix"
)

const (
	readBufSize = 32 << 10
	// reads per readiness event, so one chatty child cannot starve the others
	maxReadsPerEvent = 8
	// reads per stream when draining a child that already exited
	maxDrainReads = 256
)

// core holds what both backends share: the registry, the dead pool and the
// read/reap/finish sequence.
type core struct {
	label  string
	reg    *Handles
	tuning *config.Tuning
	log    *slog.Logger
	buf    []byte
	// unwatch drops a stream descriptor from the backend's interest set
	// before it is closed.
	unwatch func(fd int)
	// released runs after a child was reaped, before it leaves the registry.
	released func(h *process.Handle)

	mu       sync.Mutex
	closed   bool
	incoming []*process.Handle

	// dead is only touched by the processor goroutine.
	dead      map[int]*process.Handle
	lastSweep time.Time
}

func newCore(reg *Handles, tuning *config.Tuning, o options) core {
	return core{
		label:    o.label,
		reg:      reg,
		tuning:   tuning,
		log:      o.log,
		buf:      make([]byte, readBufSize),
		unwatch:  func(int) {},
		released: func(*process.Handle) {},
		dead:     make(map[int]*process.Handle),
	}
}

// addLocked inserts h into the registry. c.mu must be held.
func (c *core) addLocked(h *process.Handle) error {
	if c.closed {
		return ErrClosed
	}
	if !c.reg.Add(h) {
		return fmt.Errorf("%w: pid %d", ErrDuplicate, h.PID())
	}
	return nil
}

// removeLocked undoes addLocked after a failed registration.
func (c *core) removeLocked(h *process.Handle) {
	for _, fd := range h.Descriptors() {
		c.reg.RemoveDescriptor(fd)
	}
	c.reg.RemoveID(h.PID())
}

// deferLocked hands h to the dead pool; the processor goroutine picks it up
// on its next sweep. c.mu must be held.
func (c *core) deferLocked(h *process.Handle) {
	c.incoming = append(c.incoming, h)
}

func (c *core) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitMs bounds one wait so that a due dead pool sweep is not delayed.
func (c *core) waitMs(now time.Time) int {
	interval := c.tuning.DeadPoolPollInterval
	c.mu.Lock()
	pending := len(c.incoming)
	c.mu.Unlock()
	if len(c.dead) == 0 && pending == 0 {
		return c.tuning.DeadPoolPollMs
	}
	left := interval - now.Sub(c.lastSweep)
	if left <= 0 {
		return 0
	}
	return int(left / time.Millisecond)
}

func (c *core) sweepDue(now time.Time) bool {
	return now.Sub(c.lastSweep) >= c.tuning.DeadPoolPollInterval
}

// sweep retries wait4 on every process in the dead pool and reports how many were reaped.
func (c *core) sweep(now time.Time) int {
	c.mu.Lock()
	for _, h := range c.incoming {
		c.dead[h.PID()] = h
	}
	c.incoming = c.incoming[:0]
	c.mu.Unlock()

	c.lastSweep = now
	reaped := 0
	for _, h := range c.dead {
		if c.reap(h) {
			reaped++
		}
	}
	metrics.SetDeadPoolSize(c.label, len(c.dead))
	return reaped
}

// readStream reads what fd has to offer and forwards it to h. It reports
// whether anything happened, including EOF.
func (c *core) readStream(h *process.Handle, fd int) bool {
	dispatched := false
	for i := 0; i < maxReadsPerEvent; i++ {
		n, err := unix.Read(fd, c.buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return dispatched
		case err != nil || n == 0:
			c.closeStream(h, fd)
			return true
		}
		h.Deliver(fd, c.buf[:n])
		dispatched = true
	}
	return dispatched
}

func (c *core) closeStream(h *process.Handle, fd int) {
	c.reg.RemoveDescriptor(fd)
	c.unwatch(fd)
	h.StreamClosed(fd)
}

// drain empties and closes the streams of an exited child. A grandchild may
// still hold the write end, so EAGAIN ends the drain as well.
func (c *core) drain(h *process.Handle) {
	for _, fd := range h.Descriptors() {
		for i := 0; i < maxDrainReads; i++ {
			n, err := unix.Read(fd, c.buf)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if err != nil || n == 0 {
				break
			}
			h.Deliver(fd, c.buf[:n])
		}
		c.closeStream(h, fd)
	}
}

// reap collects h's exit status without blocking. It returns false when the
// child has not exited yet.
func (c *core) reap(h *process.Handle) bool {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(h.PID(), &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			// reaped elsewhere; the status is gone
			c.log.Warn("child already reaped", "pid", h.PID(), "process", h.Name())
			c.finish(h, process.Exit{Code: -1})
			return true
		case err != nil:
			c.log.Warn("wait4 failed", "pid", h.PID(), "error", err)
			return false
		case wpid == 0:
			return false
		}
		c.finish(h, process.ExitFromWaitStatus(ws))
		return true
	}
}

func (c *core) finish(h *process.Handle, e process.Exit) {
	c.drain(h)
	delete(c.dead, h.PID())
	c.released(h)
	c.reg.RemoveID(h.PID())
	metrics.SetRegistered(c.label, c.reg.Len())
	c.log.Debug("process exited", "pid", h.PID(), "process", h.Name(), "code", e.Code)
	h.Exited(e)
}

// abandonAll closes the core and hands every registered process its final
// lost status.
func (c *core) abandonAll(cause error) []*process.Handle {
	c.mu.Lock()
	c.closed = true
	c.incoming = nil
	c.mu.Unlock()

	hs := c.reg.Handles()
	for _, h := range hs {
		for _, fd := range h.Descriptors() {
			c.reg.RemoveDescriptor(fd)
			c.unwatch(fd)
		}
		c.released(h)
		delete(c.dead, h.PID())
		c.reg.RemoveID(h.PID())
		h.Abandon(cause)
	}
	metrics.SetRegistered(c.label, 0)
	metrics.SetDeadPoolSize(c.label, 0)
	return hs
}
