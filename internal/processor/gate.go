package processor

import "sync/atomic"

// Gate is the running flag of one processor. At most one caller holds it at a time.
type Gate struct {
	running atomic.Bool
}

// TryActivate flips the gate from inactive to active and reports whether this caller won.
func (g *Gate) TryActivate() bool { return g.running.CompareAndSwap(false, true) }

// Deactivate clears the gate. It is idempotent.
func (g *Gate) Deactivate() { g.running.Store(false) }

// Active reports whether the gate is currently held.
func (g *Gate) Active() bool { return g.running.Load() }
