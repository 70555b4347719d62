package process

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loykin/procmux/internal/logger"
)

// Spec describes a child process to spawn and monitor.
// Children inherit the environment of the multiplexer unchanged.
type Spec struct {
	Name    string            `json:"name" mapstructure:"name"`
	Command string            `json:"command" mapstructure:"command"` // single command string, run via /bin/sh -c when it needs a shell
	WorkDir string            `json:"work_dir,omitempty" mapstructure:"workdir"`
	Log     logger.FileConfig `json:"log,omitempty" mapstructure:"log"` // optional capture of stdout/stderr to rotated files
}

// Validate checks the fields Spawn depends on.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process requires name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("process %s requires command", s.Name)
	}
	if strings.ContainsAny(s.Name, "/\\") {
		return fmt.Errorf("process name %q must not contain path separators", s.Name)
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for s.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>", "/bin/sh -c <ARG>" or
// "/usr/bin/sh -c <ARG>" at the start of cmdStr and returns the shell and the
// script. One pair of surrounding quotes is stripped from the script.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
