//go:build unix

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Discard kills a child that no poll backend will ever reap, collects it with
// a blocking wait4 and records cause as its final status.
func (h *Handle) Discard(cause error) {
	h.mu.Lock()
	finished, pid := h.finished, h.pid
	h.mu.Unlock()
	if !finished && pid > 0 {
		if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
			_ = unix.Kill(pid, unix.SIGKILL)
		}
		for {
			_, err := unix.Wait4(pid, nil, 0, nil)
			if !errors.Is(err, unix.EINTR) {
				break
			}
		}
	}
	h.Abandon(cause)
}
