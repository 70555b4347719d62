package poller

import "github.com/loykin/procmux/internal/config"

func newEpollBackend(reg *Handles, tuning *config.Tuning, o options) (Backend, error) {
	return newEpoll(reg, tuning, o)
}
