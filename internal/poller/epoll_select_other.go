//go:build unix && !linux

package poller

import (
	"fmt"

	"github.com/loykin/procmux/internal/config"
)

func newEpollBackend(*Handles, *config.Tuning, options) (Backend, error) {
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, KindEpoll)
}
