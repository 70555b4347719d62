// Package poller supplies the event sources processors poll: stream
// readiness of child stdout/stderr pipes and child exit, with deferred
// reaping of children whose exit was signalled before wait4 could collect it.
package poller

import (
	"errors"
	"log/slog"

	"github.com/loykin/procmux/internal/process"
	"github.com/loykin/procmux/internal/registry"
)

var (
	ErrClosed    = errors.New("poll backend closed")
	ErrDuplicate = errors.New("process already registered")
	// ErrUnsupportedKind is returned by New for a backend kind the platform lacks.
	ErrUnsupportedKind = errors.New("poll backend kind not supported on this platform")
)

// Handles is the registry a backend dispatches into. The owning processor
// reads its occupancy from the same registry.
type Handles = registry.Registry[*process.Handle]

// NewHandles returns an empty registry for one processor.
func NewHandles() *Handles { return registry.New[*process.Handle]() }

// Backend is the event source of one processor.
//
// PollOnce is only called from the processor goroutine. Register may be
// called concurrently with PollOnce. Abandon is called once the processor
// stopped polling after a failure; it closes the backend.
type Backend interface {
	PollOnce() (bool, error)
	Register(h *process.Handle) error
	Abandon(cause error) []*process.Handle
	Close() error
}

// Kind selects a backend implementation.
type Kind string

const (
	KindAuto  Kind = "auto"
	KindEpoll Kind = "epoll"
	KindPoll  Kind = "poll"
)

type options struct {
	label string
	log   *slog.Logger
}

type Option func(*options)

// WithLabel sets the processor label used in metrics.
func WithLabel(label string) Option { return func(o *options) { o.label = label } }

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{label: "0", log: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
