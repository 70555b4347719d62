//go:build unix

package process

import (
	"fmt"
	"os"
)

// Spawn starts spec as a child with its stdout and stderr connected to pipes.
// The returned handle owns the non-blocking read ends; the child is never
// waited on by os/exec, only reaped by the poll backend the handle is
// registered with.
func Spawn(spec Spec, opts ...Option) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	h := newHandle(spec, opts...)
	if err := h.openOutputs(); err != nil {
		return nil, err
	}

	readFDs := [2]int{-1, -1}
	var writeEnds [2]*os.File
	cleanup := func() {
		for i := range readFDs {
			if readFDs[i] >= 0 {
				_ = closeFD(readFDs[i])
			}
			if writeEnds[i] != nil {
				_ = writeEnds[i].Close()
			}
		}
		h.closeOutputs()
	}
	for i := range readFDs {
		r, w, err := openPipe()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("create pipe for %s: %w", spec.Name, err)
		}
		readFDs[i], writeEnds[i] = r, w
	}

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	configureSysProcAttr(cmd)
	cmd.Stdout = writeEnds[stdoutStream]
	cmd.Stderr = writeEnds[stderrStream]
	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	// the child holds its own copies now; EOF on the read ends depends on these being closed
	for _, w := range writeEnds {
		_ = w.Close()
	}
	h.started(cmd.Process, readFDs[stdoutStream], readFDs[stderrStream])
	h.log.Debug("spawned", "pid", h.pid, "stdout_fd", readFDs[stdoutStream], "stderr_fd", readFDs[stderrStream])
	return h, nil
}
