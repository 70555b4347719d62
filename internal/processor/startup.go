package processor

import (
	"context"
	"fmt"
	"sync"
)

// Startup is a single-use rendezvous between the goroutine launching a
// processor and the processor itself. The processor arrives once it is
// polling; the launcher waits for that arrival.
type Startup struct {
	once sync.Once
	done chan error
}

func newStartup() *Startup { return &Startup{done: make(chan error, 1)} }

// Arrive signals that the processor reached its polling state.
// Only the first of Arrive or Break has an effect.
func (s *Startup) Arrive() { s.signal(nil) }

// Break releases the waiter with a failure. It wraps cause in ErrStartupBroken.
func (s *Startup) Break(cause error) {
	s.signal(fmt.Errorf("%w: %w", ErrStartupBroken, cause))
}

func (s *Startup) signal(err error) {
	s.once.Do(func() { s.done <- err })
}

// Wait blocks until the processor arrives, the rendezvous is broken or ctx ends.
func (s *Startup) Wait(ctx context.Context) error {
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
