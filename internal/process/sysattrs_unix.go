//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group so signals
// sent to the multiplexer's group do not reach it.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
