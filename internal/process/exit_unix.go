//go:build unix

package process

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ExitFromWaitStatus converts a wait4 status into an Exit.
// Signaled children report 128+signal, like a shell does.
func ExitFromWaitStatus(ws unix.WaitStatus) Exit {
	switch {
	case ws.Exited():
		return Exit{Code: ws.ExitStatus()}
	case ws.Signaled():
		sig := ws.Signal()
		return Exit{Code: 128 + int(sig), Signal: syscall.Signal(sig)}
	default:
		return Exit{Code: -1}
	}
}
