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

// epollBackend waits on one epoll instance holding the stream read ends and
// one pidfd per child. A readable pidfd means the child exited.
type epollBackend struct {
	core
	// set once at construction; Close only closes it
	epfd   int
	events []unix.EpollEvent

	// guarded by core.mu
	pidfds    map[int]*process.Handle
	pidfdOf   map[int]int
	noPidfds  bool
	fdsClosed bool
}

func newEpoll(reg *Handles, tuning *config.Tuning, o options) (*epollBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	b := &epollBackend{
		core:    newCore(reg, tuning, o),
		epfd:    epfd,
		events:  make([]unix.EpollEvent, tuning.EventBatchSize),
		pidfds:  make(map[int]*process.Handle),
		pidfdOf: make(map[int]int),
	}
	b.unwatch = b.del
	b.released = b.dropPidfd
	return b, nil
}

func (b *epollBackend) add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (b *epollBackend) del(fd int) {
	_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Register adds h's streams and its pidfd to the interest set. Without
// pidfd support the child is watched through the dead pool instead.
func (b *epollBackend) Register(h *process.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.addLocked(h); err != nil {
		return err
	}
	var added []int
	rollback := func() {
		for _, fd := range added {
			b.del(fd)
		}
		b.removeLocked(h)
	}
	for _, fd := range h.Descriptors() {
		if err := b.add(fd); err != nil {
			rollback()
			return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
		}
		added = append(added, fd)
	}

	if b.noPidfds {
		b.deferLocked(h)
	} else if err := b.watchPidfdLocked(h); err != nil {
		if errors.Is(err, unix.ENOSYS) {
			b.log.Info("pidfd_open unavailable, watching exits through the dead pool")
			b.noPidfds = true
		} else {
			b.log.Debug("pidfd watch failed, deferring to dead pool", "pid", h.PID(), "error", err)
		}
		b.deferLocked(h)
	}
	metrics.SetRegistered(b.label, b.reg.Len())
	return nil
}

func (b *epollBackend) watchPidfdLocked(h *process.Handle) error {
	pidfd, err := unix.PidfdOpen(h.PID(), 0)
	if err != nil {
		return err
	}
	if err := b.add(pidfd); err != nil {
		_ = unix.Close(pidfd)
		return err
	}
	b.pidfds[pidfd] = h
	b.pidfdOf[h.PID()] = pidfd
	return nil
}

func (b *epollBackend) dropPidfd(h *process.Handle) {
	b.mu.Lock()
	pidfd, ok := b.pidfdOf[h.PID()]
	if ok {
		delete(b.pidfdOf, h.PID())
		delete(b.pidfds, pidfd)
	}
	b.mu.Unlock()
	if ok {
		b.del(pidfd)
		_ = unix.Close(pidfd)
	}
}

func (b *epollBackend) PollOnce() (bool, error) {
	if b.isClosed() {
		return false, ErrClosed
	}
	n, err := unix.EpollWait(b.epfd, b.events, b.waitMs(time.Now()))
	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			return false, fmt.Errorf("epoll_wait: %w", err)
		}
		n = 0
	}
	dispatched := false
	for i := 0; i < n; i++ {
		fd := int(b.events[i].Fd)
		b.mu.Lock()
		h, isPidfd := b.pidfds[fd]
		b.mu.Unlock()
		if isPidfd {
			if !b.reap(h) {
				// exit signalled but not collectable yet
				b.dropPidfd(h)
				b.dead[h.PID()] = h
			}
			dispatched = true
			continue
		}
		if h, ok := b.reg.ByDescriptor(fd); ok {
			if b.readStream(h, fd) {
				dispatched = true
			}
		}
		// otherwise the descriptor was closed earlier in this batch
	}
	if now := time.Now(); b.sweepDue(now) {
		if b.sweep(now) > 0 {
			dispatched = true
		}
	}
	return dispatched, nil
}

func (b *epollBackend) Abandon(cause error) []*process.Handle {
	hs := b.abandonAll(cause)
	_ = b.Close()
	return hs
}

func (b *epollBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	if b.fdsClosed {
		b.mu.Unlock()
		return nil
	}
	b.fdsClosed = true
	pidfds := b.pidfds
	b.pidfds = make(map[int]*process.Handle)
	b.pidfdOf = make(map[int]int)
	b.mu.Unlock()
	for fd := range pidfds {
		_ = unix.Close(fd)
	}
	// a concurrent epoll_wait keeps the instance alive until it returns
	return unix.Close(b.epfd)
}
