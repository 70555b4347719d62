//go:build !unix

package poller

import (
	"github.com/loykin/procmux/internal/config"
	"github.com/loykin/procmux/internal/process"
)

func New(Kind, *Handles, *config.Tuning, ...Option) (Backend, error) {
	return nil, process.ErrUnsupported
}
