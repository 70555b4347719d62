//go:build unix

package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/procmux/internal/logger"
	"golang.org/x/sys/unix"
)

// drive stands in for a poll backend: it drains the streams until EOF and
// then reaps the child with a blocking wait4.
func drive(t *testing.T, h *Handle) Status {
	t.Helper()
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for fds := h.Descriptors(); len(fds) > 0; fds = h.Descriptors() {
		if time.Now().After(deadline) {
			t.Fatalf("streams of pid %d never closed", h.PID())
		}
		pfds := make([]unix.PollFd, len(fds))
		for i, fd := range fds {
			pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
		}
		if _, err := unix.Poll(pfds, 100); err != nil && !errors.Is(err, unix.EINTR) {
			t.Fatalf("poll: %v", err)
		}
		for _, fd := range fds {
			n, err := unix.Read(fd, buf)
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			if err == nil && n > 0 {
				h.Deliver(fd, buf[:n])
				continue
			}
			h.StreamClosed(fd)
		}
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(h.PID(), &ws, 0, nil); err != nil {
		t.Fatalf("wait4: %v", err)
	}
	h.Exited(ExitFromWaitStatus(ws))
	return h.Status()
}

func TestSpawnCapturesOutputAndExitCode(t *testing.T) {
	var out, errOut bytes.Buffer
	h, err := Spawn(Spec{Name: "mixed", Command: "sh -c 'echo out; echo err 1>&2; exit 3'"}, WithOutput(&out, &errOut))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if h.PID() <= 0 || len(h.Descriptors()) != 2 {
		t.Fatalf("unexpected handle: pid=%d fds=%v", h.PID(), h.Descriptors())
	}
	if st := h.Status(); !st.Running || st.Outcome != OutcomeRunning {
		t.Fatalf("fresh handle should be running: %+v", st)
	}

	st := drive(t, h)
	if out.String() != "out\n" || errOut.String() != "err\n" {
		t.Fatalf("stdout=%q stderr=%q", out.String(), errOut.String())
	}
	if st.Running || st.ExitCode != 3 || st.Outcome != OutcomeFailure {
		t.Fatalf("unexpected status: %+v", st)
	}
	var ee *ExitError
	if !errors.As(st.ExitErr, &ee) || ee.Code != 3 {
		t.Fatalf("expected ExitError with code 3, got %v", st.ExitErr)
	}
	if st.Error != "exit status 3" {
		t.Fatalf("error text = %q", st.Error)
	}
	if len(h.Descriptors()) != 0 {
		t.Fatalf("descriptors should be closed after exit")
	}
}

func TestSpawnSuccess(t *testing.T) {
	h, err := Spawn(Spec{Name: "ok", Command: "true"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	st := drive(t, h)
	if st.ExitCode != 0 || st.ExitErr != nil || st.Outcome != OutcomeSuccess {
		t.Fatalf("unexpected status: %+v", st)
	}
	ws, werr := h.Wait(context.Background())
	if werr != nil || ws.Outcome != OutcomeSuccess {
		t.Fatalf("wait after exit: %+v %v", ws, werr)
	}
}

func TestSignalledChildReports128PlusSignal(t *testing.T) {
	h, err := Spawn(Spec{Name: "sleeper", Command: "sleep 5"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := h.Signal(syscall.SIGKILL); err != nil {
		t.Fatalf("signal: %v", err)
	}
	st := drive(t, h)
	if st.ExitCode != 128+int(syscall.SIGKILL) || st.Outcome != OutcomeSignaled {
		t.Fatalf("unexpected status: %+v", st)
	}
	if !strings.Contains(st.Error, "signal") {
		t.Fatalf("error should name the signal: %q", st.Error)
	}
	if err := h.Signal(syscall.SIGTERM); !errors.Is(err, ErrFinished) {
		t.Fatalf("signal after exit: %v", err)
	}
}

func TestAbandonReleasesWaiters(t *testing.T) {
	h, err := Spawn(Spec{Name: "orphan", Command: "sleep 5"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	pid := h.PID()
	t.Cleanup(func() {
		_ = unix.Kill(pid, unix.SIGKILL)
		_, _ = unix.Wait4(pid, nil, 0, nil)
	})

	waitErr := make(chan error, 1)
	go func() {
		_, err := h.Wait(context.Background())
		waitErr <- err
	}()
	cause := errors.New("epoll_wait: bad file descriptor")
	h.Abandon(cause)

	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrMonitorLost) || !errors.Is(err, cause) {
			t.Fatalf("expected monitor lost wrapping cause, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("wait not released by Abandon")
	}
	st := h.Status()
	if st.Outcome != OutcomeLost || st.ExitCode != -1 || st.Running {
		t.Fatalf("unexpected status: %+v", st)
	}
	if len(h.Descriptors()) != 0 {
		t.Fatalf("abandon should close the streams")
	}
}

func TestDiscardKillsAndReaps(t *testing.T) {
	h, err := Spawn(Spec{Name: "stray", Command: "sleep 5"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	pid := h.PID()
	cause := errors.New("register: backend full")
	h.Discard(cause)

	if err := unix.Kill(pid, 0); !errors.Is(err, unix.ESRCH) {
		t.Fatalf("expected reaped pid, kill(0) returned %v", err)
	}
	st, err := h.Wait(context.Background())
	if !errors.Is(err, ErrMonitorLost) || !errors.Is(err, cause) {
		t.Fatalf("expected monitor lost wrapping cause, got %v", err)
	}
	if st.Outcome != OutcomeLost || st.Running {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	h, err := Spawn(Spec{Name: "slow", Command: "sleep 5"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() {
		_ = h.Signal(syscall.SIGKILL)
		drive(t, h)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	st, err := h.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) || !st.Running {
		t.Fatalf("expected deadline with running status, got %+v %v", st, err)
	}
}

func TestExitHookRunsOnce(t *testing.T) {
	var calls atomic.Int32
	var last atomic.Value
	h, err := Spawn(Spec{Name: "hooked", Command: "true"}, WithExitHook(func(s Status) {
		calls.Add(1)
		last.Store(s)
	}))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	drive(t, h)
	h.Exited(Exit{Code: 9})
	h.Abandon(nil)
	if calls.Load() != 1 {
		t.Fatalf("hook ran %d times", calls.Load())
	}
	if s := last.Load().(Status); s.Outcome != OutcomeSuccess {
		t.Fatalf("hook saw %+v", s)
	}
}

func TestSpawnWritesLogFiles(t *testing.T) {
	dir := t.TempDir()
	h, err := Spawn(Spec{Name: "filed", Command: "sh -c 'echo to-file; echo oops 1>&2'", Log: logger.FileConfig{Dir: dir}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	drive(t, h)
	b, err := os.ReadFile(filepath.Join(dir, "filed.stdout.log"))
	if err != nil || string(b) != "to-file\n" {
		t.Fatalf("stdout file: %q %v", b, err)
	}
	b, err = os.ReadFile(filepath.Join(dir, "filed.stderr.log"))
	if err != nil || string(b) != "oops\n" {
		t.Fatalf("stderr file: %q %v", b, err)
	}
}

func TestSpawnErrors(t *testing.T) {
	if _, err := Spawn(Spec{Name: "x"}); err == nil {
		t.Fatalf("missing command should fail")
	}
	if _, err := Spawn(Spec{Name: "x", Command: "definitely-not-a-binary-procmux"}); err == nil {
		t.Fatalf("unknown binary should fail")
	}
	if _, err := Spawn(Spec{Name: "x", Command: "true", WorkDir: "/nonexistent/procmux"}); err == nil {
		t.Fatalf("missing workdir should fail")
	}
}

func TestSetProcessor(t *testing.T) {
	h, err := Spawn(Spec{Name: "assigned", Command: "true"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if h.Status().Processor != -1 {
		t.Fatalf("unassigned handle should report processor -1")
	}
	h.SetProcessor(2)
	st := drive(t, h)
	if st.Processor != 2 {
		t.Fatalf("processor = %d", st.Processor)
	}
	if st.Duration() <= 0 {
		t.Fatalf("duration should be positive")
	}
}
