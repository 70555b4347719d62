// Package registry keeps the processes assigned to one processor, keyed by
// process id and by stream descriptor.
//
// Inserts come from the spawning goroutine and removals from the processor
// goroutine, so every operation takes a short lock and iteration works on
// copies.
package registry

import (
	"sort"
	"sync"
)

// Handle is the minimal view of a process the registry needs for keying.
type Handle interface {
	PID() int
	Descriptors() []int
}

// Registry maps process ids and stream descriptors to handles.
type Registry[H Handle] struct {
	mu           sync.RWMutex
	byID         map[int]H
	byDescriptor map[int]H
}

func New[H Handle]() *Registry[H] {
	return &Registry[H]{
		byID:         make(map[int]H),
		byDescriptor: make(map[int]H),
	}
}

// Add inserts h under its pid and every descriptor it currently reports.
// It returns false without changing anything if the pid or any descriptor
// is already present.
func (r *Registry[H]) Add(h H) bool {
	pid := h.PID()
	fds := h.Descriptors()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[pid]; ok {
		return false
	}
	for _, fd := range fds {
		if _, ok := r.byDescriptor[fd]; ok {
			return false
		}
	}
	r.byID[pid] = h
	for _, fd := range fds {
		r.byDescriptor[fd] = h
	}
	return true
}

// RemoveID deletes the pid entry. It reports whether an entry was removed,
// so concurrent callers can tell which one performed the terminal write.
func (r *Registry[H]) RemoveID(pid int) bool {
	r.mu.Lock()
	_, ok := r.byID[pid]
	delete(r.byID, pid)
	r.mu.Unlock()
	return ok
}

// RemoveDescriptor deletes the descriptor entry and reports whether it existed.
func (r *Registry[H]) RemoveDescriptor(fd int) bool {
	r.mu.Lock()
	_, ok := r.byDescriptor[fd]
	delete(r.byDescriptor, fd)
	r.mu.Unlock()
	return ok
}

// ByID looks up a live process by pid.
func (r *Registry[H]) ByID(pid int) (H, bool) {
	r.mu.RLock()
	h, ok := r.byID[pid]
	r.mu.RUnlock()
	return h, ok
}

// ByDescriptor looks up the process owning an open stream descriptor.
func (r *Registry[H]) ByDescriptor(fd int) (H, bool) {
	r.mu.RLock()
	h, ok := r.byDescriptor[fd]
	r.mu.RUnlock()
	return h, ok
}

// Empty reports whether no process id is registered.
func (r *Registry[H]) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID) == 0
}

// Len returns the number of registered process ids.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Handles returns a snapshot of the registered handles ordered by pid.
func (r *Registry[H]) Handles() []H {
	r.mu.RLock()
	pids := make([]int, 0, len(r.byID))
	for pid := range r.byID {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	out := make([]H, 0, len(pids))
	for _, pid := range pids {
		out = append(out, r.byID[pid])
	}
	r.mu.RUnlock()
	return out
}

// Descriptors returns a snapshot of the registered stream descriptors in ascending order.
func (r *Registry[H]) Descriptors() []int {
	r.mu.RLock()
	out := make([]int, 0, len(r.byDescriptor))
	for fd := range r.byDescriptor {
		out = append(out, fd)
	}
	r.mu.RUnlock()
	sort.Ints(out)
	return out
}
