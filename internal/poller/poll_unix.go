//go:build unix

package poller

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/procmux/internal/config"
	"github.com/loykin/procmux/internal/metrics"
	"github.com/loykin/procmux/internal/process"
	"golang.org/x/sys/unix"
)

// pollBackend uses poll(2) on the stream read ends and watches every child
// through the dead pool, so exits are observed at DeadPoolPollInterval cadence.
type pollBackend struct {
	core
	pfds []unix.PollFd
	// rotates the scan start so a busy low descriptor cannot starve the rest
	cursor int
}

func newPoll(reg *Handles, tuning *config.Tuning, o options) *pollBackend {
	return &pollBackend{core: newCore(reg, tuning, o)}
}

func (b *pollBackend) Register(h *process.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.addLocked(h); err != nil {
		return err
	}
	b.deferLocked(h)
	metrics.SetRegistered(b.label, b.reg.Len())
	return nil
}

func (b *pollBackend) waitMs(now time.Time) int {
	left := b.tuning.DeadPoolPollInterval - now.Sub(b.lastSweep)
	if left <= 0 {
		return 0
	}
	return int(left / time.Millisecond)
}

func (b *pollBackend) PollOnce() (bool, error) {
	if b.isClosed() {
		return false, ErrClosed
	}
	fds := b.reg.Descriptors()
	b.pfds = b.pfds[:0]
	for _, fd := range fds {
		b.pfds = append(b.pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	n, err := unix.Poll(b.pfds, b.waitMs(time.Now()))
	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			return false, fmt.Errorf("poll: %w", err)
		}
		n = 0
	}
	dispatched := false
	handled := 0
	total := len(b.pfds)
	for i := 0; i < total && handled < n && handled < b.tuning.EventBatchSize; i++ {
		p := b.pfds[(b.cursor+i)%total]
		if p.Revents == 0 {
			continue
		}
		handled++
		fd := int(p.Fd)
		h, ok := b.reg.ByDescriptor(fd)
		if !ok {
			continue
		}
		if p.Revents&unix.POLLNVAL != 0 {
			b.closeStream(h, fd)
			dispatched = true
			continue
		}
		if b.readStream(h, fd) {
			dispatched = true
		}
	}
	b.cursor++
	if now := time.Now(); b.sweepDue(now) {
		if b.sweep(now) > 0 {
			dispatched = true
		}
	}
	return dispatched, nil
}

func (b *pollBackend) Abandon(cause error) []*process.Handle {
	return b.abandonAll(cause)
}

func (b *pollBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
