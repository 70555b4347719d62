//go:build unix

package poller

import (
	"fmt"
	"runtime"

	"github.com/loykin/procmux/internal/config"
)

// New builds a backend of the given kind dispatching into reg.
// KindAuto selects epoll on Linux and poll(2) elsewhere.
func New(kind Kind, reg *Handles, tuning *config.Tuning, opts ...Option) (Backend, error) {
	o := buildOptions(opts)
	o.log = o.log.With("processor", o.label)
	if kind == "" || kind == KindAuto {
		kind = KindPoll
		if runtime.GOOS == "linux" {
			kind = KindEpoll
		}
	}
	switch kind {
	case KindEpoll:
		return newEpollBackend(reg, tuning, o)
	case KindPoll:
		return newPoll(reg, tuning, o), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
}
