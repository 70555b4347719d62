// Package pool spawns children and spreads them over a bounded set of
// processors, each polling its own registry and backend.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/procmux/internal/config"
	"github.com/loykin/procmux/internal/history"
	"github.com/loykin/procmux/internal/metrics"
	"github.com/loykin/procmux/internal/poller"
	"github.com/loykin/procmux/internal/process"
	"github.com/loykin/procmux/internal/processor"
)

// ErrClosed is returned when spawning on a closed pool.
var ErrClosed = errors.New("pool closed")

const defaultRecent = 128

type backendFactory func(kind poller.Kind, reg *poller.Handles, tuning *config.Tuning, opts ...poller.Option) (poller.Backend, error)

// Option customizes a Pool.
type Option func(*Pool)

// WithThreads bounds the number of processors; n <= 0 means runtime.NumCPU().
func WithThreads(n int) Option { return func(p *Pool) { p.threads = n } }

// WithBackend selects the poll backend kind for new processors.
func WithBackend(kind poller.Kind) Option { return func(p *Pool) { p.kind = kind } }

// WithLogger sets the logger handed to processors and processes.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// WithHistory exports lifecycle events to sinks. The pool closes them on Close.
func WithHistory(sinks ...history.Sink) Option {
	return func(p *Pool) { p.sinks = append(p.sinks, sinks...) }
}

// WithRecent sets how many exited processes are kept for introspection.
func WithRecent(n int) Option { return func(p *Pool) { p.recentLimit = n } }

type slot struct {
	id      int
	reg     *poller.Handles
	backend poller.Backend
	proc    *processor.Processor
}

// Pool owns the processors and the processes assigned to them.
type Pool struct {
	tuning      *config.Tuning
	threads     int
	kind        poller.Kind
	log         *slog.Logger
	sinks       history.Fanout
	recentLimit int
	newBackend  backendFactory
	rec         *recorder

	mu     sync.Mutex
	closed bool
	slots  []*slot
	next   int
	live   map[int]*process.Handle
	recent []process.Status
}

// New creates an empty pool. Processors are created on demand.
func New(tuning *config.Tuning, opts ...Option) *Pool {
	if tuning == nil {
		tuning = config.SharedTuning()
	}
	p := &Pool{
		tuning:      tuning,
		kind:        poller.KindAuto,
		log:         slog.Default(),
		recentLimit: defaultRecent,
		newBackend:  poller.New,
		live:        make(map[int]*process.Handle),
	}
	for _, o := range opts {
		o(p)
	}
	if p.threads <= 0 {
		p.threads = runtime.NumCPU()
	}
	p.rec = newRecorder(p.sinks, p.log)
	return p
}

// Tuning returns the shared tuning the processors run with.
func (p *Pool) Tuning() *config.Tuning { return p.tuning }

// Start spawns spec, assigns it to a processor and makes sure that processor
// is polling before returning. When launching fails the handle is still
// returned together with the error.
func (p *Pool) Start(ctx context.Context, spec process.Spec, opts ...process.Option) (*process.Handle, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	all := make([]process.Option, 0, len(opts)+2)
	all = append(all, process.WithLogger(p.log))
	all = append(all, opts...)
	all = append(all, process.WithExitHook(p.onExit))
	h, err := process.Spawn(spec, all...)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.live[h.PID()] = h
	p.mu.Unlock()

	s, err := p.assign(h)
	if err != nil {
		h.Discard(err)
		return nil, err
	}
	metrics.IncStart(spec.Name)
	p.rec.send(history.NewEvent(history.EventStart, history.RecordFromStatus(h.Status())))
	p.log.Debug("process started", "name", spec.Name, "pid", h.PID(), "processor", s.id)

	if err := p.launch(ctx, s); err != nil {
		return h, err
	}
	return h, nil
}

// launch activates s unless a failure already replaced it, in which case the
// processes registered with s have been abandoned and there is nothing to run.
func (p *Pool) launch(ctx context.Context, s *slot) error {
	if !p.current(s) {
		p.log.Debug("skip launch of replaced processor", "processor", s.id)
		return nil
	}
	if _, err := s.proc.Launch(ctx); err != nil {
		if errors.Is(err, processor.ErrStartupBroken) {
			p.handleFailure(s, processor.Failure{ProcessorID: s.id, Err: err})
		}
		return fmt.Errorf("launch processor %d: %w", s.id, err)
	}
	return nil
}

func (p *Pool) current(s *slot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return s.id < len(p.slots) && p.slots[s.id] == s
}

// assign registers h with a processor. A backend closed by a concurrent
// failure is replaced, so the registration is retried once.
func (p *Pool) assign(h *process.Handle) (*slot, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var s *slot
		s, err = p.pick()
		if err != nil {
			return nil, err
		}
		h.SetProcessor(s.id)
		if err = s.backend.Register(h); err == nil {
			return s, nil
		}
		if !errors.Is(err, poller.ErrClosed) {
			return nil, err
		}
	}
	return nil, err
}

func (p *Pool) pick() (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if len(p.slots) < p.threads {
		s, err := p.newSlot(len(p.slots))
		if err != nil {
			return nil, err
		}
		p.slots = append(p.slots, s)
		return s, nil
	}
	s := p.slots[p.next%len(p.slots)]
	p.next++
	return s, nil
}

func (p *Pool) newSlot(id int) (*slot, error) {
	label := strconv.Itoa(id)
	reg := poller.NewHandles()
	b, err := p.newBackend(p.kind, reg, p.tuning, poller.WithLabel(label), poller.WithLogger(p.log))
	if err != nil {
		return nil, fmt.Errorf("create poll backend: %w", err)
	}
	s := &slot{id: id, reg: reg, backend: b}
	s.proc = processor.New(id, p.tuning, reg, b,
		processor.WithLogger(p.log),
		processor.WithFailureHandler(func(f processor.Failure) { p.handleFailure(s, f) }),
	)
	return s, nil
}

// handleFailure abandons every process on the failed slot and installs a
// fresh processor in its place. Stale slots are ignored.
func (p *Pool) handleFailure(s *slot, f processor.Failure) {
	lost := s.backend.Abandon(f)
	p.log.Error("processor failed, processes abandoned", "processor", s.id, "error", f.Err, "lost", len(lost))
	p.rec.send(history.NewEvent(history.EventProcessorFailed, history.Record{
		Processor: s.id,
		Outcome:   process.OutcomeLost,
		Error:     f.Error(),
	}))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || s.id >= len(p.slots) || p.slots[s.id] != s {
		return
	}
	fresh, err := p.newSlot(s.id)
	if err != nil {
		p.log.Error("replace failed processor", "processor", s.id, "error", err)
		return
	}
	p.slots[s.id] = fresh
}

func (p *Pool) onExit(st process.Status) {
	metrics.IncExit(st.Name, st.Outcome)
	metrics.ObserveRunDuration(st.Name, st.Duration().Seconds())
	typ := history.EventExit
	if st.Outcome == process.OutcomeLost {
		typ = history.EventLost
	}
	p.rec.send(history.NewEvent(typ, history.RecordFromStatus(st)))
	p.log.Debug("process exited", "name", st.Name, "pid", st.PID, "outcome", st.Outcome, "exit_code", st.ExitCode)

	p.mu.Lock()
	delete(p.live, st.PID)
	if p.recentLimit > 0 {
		p.recent = append(p.recent, st)
		if over := len(p.recent) - p.recentLimit; over > 0 {
			p.recent = append(p.recent[:0], p.recent[over:]...)
		}
	}
	p.mu.Unlock()
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Processors returns a snapshot of every processor created so far.
func (p *Pool) Processors() []processor.Snapshot {
	p.mu.Lock()
	slots := append([]*slot(nil), p.slots...)
	p.mu.Unlock()
	out := make([]processor.Snapshot, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.proc.Snapshot())
	}
	return out
}

// Processes returns running processes ordered by pid followed by recently
// exited ones, oldest first.
func (p *Pool) Processes() []process.Status {
	p.mu.Lock()
	live := make([]*process.Handle, 0, len(p.live))
	for _, h := range p.live {
		live = append(live, h)
	}
	recent := append([]process.Status(nil), p.recent...)
	p.mu.Unlock()
	sort.Slice(live, func(i, j int) bool { return live[i].PID() < live[j].PID() })
	out := make([]process.Status, 0, len(live)+len(recent))
	for _, h := range live {
		out = append(out, h.Status())
	}
	return append(out, recent...)
}

// Status looks a process up by pid, live ones first.
func (p *Pool) Status(pid int) (process.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.live[pid]; ok {
		return h.Status(), true
	}
	for i := len(p.recent) - 1; i >= 0; i-- {
		if p.recent[i].PID == pid {
			return p.recent[i], true
		}
	}
	return process.Status{}, false
}

// Handle returns the handle of a running process.
func (p *Pool) Handle(pid int) (*process.Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.live[pid]
	return h, ok
}

// Close refuses new work, waits until every processor went idle and then
// closes the backends and history sinks. If ctx ends first the backends are
// closed anyway; processes still running are abandoned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	slots := append([]*slot(nil), p.slots...)
	p.mu.Unlock()

	waitErr := p.waitIdle(ctx, slots)
	var errs []error
	for _, s := range slots {
		if waitErr != nil && !s.proc.Active() && !s.reg.Empty() {
			s.backend.Abandon(waitErr)
			continue
		}
		// a processor still polling fails on the closed backend and
		// abandons its processes through the failure handler
		if err := s.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if waitErr != nil {
		errs = append(errs, waitErr)
		p.log.Warn("pool closed before processes finished", "error", waitErr)
		drain, cancel := context.WithTimeout(context.Background(), p.tuning.LingerDuration)
		_ = p.waitIdle(drain, slots)
		cancel()
	}
	if err := p.rec.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Pool) waitIdle(ctx context.Context, slots []*slot) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		idle := true
		for _, s := range slots {
			if s.proc.Active() || !s.reg.Empty() {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
