package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/procmux/internal/history"
)

const (
	recorderQueue   = 256
	recorderTimeout = 5 * time.Second
)

// recorder forwards history events to the sinks on its own goroutine so a
// slow sink never stalls a processor.
type recorder struct {
	sinks history.Fanout
	log   *slog.Logger

	mu     sync.Mutex
	closed bool
	ch     chan history.Event
	done   chan struct{}
}

func newRecorder(sinks history.Fanout, log *slog.Logger) *recorder {
	r := &recorder{sinks: sinks, log: log}
	if len(sinks) == 0 {
		return r
	}
	r.ch = make(chan history.Event, recorderQueue)
	r.done = make(chan struct{})
	go r.loop()
	return r
}

func (r *recorder) loop() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
		if err := r.sinks.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "event", e.Type, "name", e.Record.Name, "error", err)
		}
		cancel()
	}
}

func (r *recorder) send(e history.Event) {
	if r.ch == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.log.Warn("history queue full, dropping event", "event", e.Type, "name", e.Record.Name)
	}
}

// close flushes queued events and closes the sinks.
func (r *recorder) close() error {
	if r.ch == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
	return r.sinks.Close()
}
