package processor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/loykin/procmux/internal/config"
	"github.com/loykin/procmux/internal/metrics"
)

// State is the lifecycle position of a processor within one run.
type State int32

const (
	StateWaiting State = iota
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Backend performs one bounded wait for readiness and exit events of the
// processes assigned to a processor, dispatches at most EventBatchSize of
// them and reports whether anything was dispatched. It must not block
// indefinitely.
type Backend interface {
	PollOnce() (bool, error)
}

// Occupancy tells the run loop whether any process is still assigned.
type Occupancy interface {
	Empty() bool
	Len() int
}

// Option customizes a Processor.
type Option func(*Processor)

// WithLogger sets the logger used by the run loop.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithFailureHandler installs fn to receive backend failures. It runs on the
// processor goroutine before the gate is released.
func WithFailureHandler(fn func(Failure)) Option {
	return func(p *Processor) { p.onFailure = fn }
}

// Processor runs the poll loop for one slice of processes. An instance is
// reusable: each run starts through the gate and ends by releasing it.
type Processor struct {
	id        int
	label     string
	tuning    *config.Tuning
	occ       Occupancy
	backend   Backend
	gate      Gate
	log       *slog.Logger
	onFailure func(Failure)

	state    atomic.Int32
	idle     atomic.Int64
	runs     atomic.Int64
	failures atomic.Int64
}

// New creates an idle processor. tuning is shared and never modified.
func New(id int, tuning *config.Tuning, occ Occupancy, backend Backend, opts ...Option) *Processor {
	p := &Processor{
		id:      id,
		label:   strconv.Itoa(id),
		tuning:  tuning,
		occ:     occ,
		backend: backend,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("processor", id)
	return p
}

// ID returns the processor index within its pool.
func (p *Processor) ID() int { return p.id }

// TryActivate claims the processor for a new run.
func (p *Processor) TryActivate() bool { return p.gate.TryActivate() }

// Active reports whether a run currently holds the gate.
func (p *Processor) Active() bool { return p.gate.Active() }

// State returns the current lifecycle state.
func (p *Processor) State() State { return State(p.state.Load()) }

// IdleIterations returns the idle counter of the current or last run.
func (p *Processor) IdleIterations() int64 { return p.idle.Load() }

// NewStartup returns a fresh rendezvous for the next run.
func (p *Processor) NewStartup() *Startup { return newStartup() }

// Launch starts a run if the gate is free and waits until the processor is polling.
// It returns false when another run already holds the gate; that run will pick
// up anything registered before its next emptiness check.
func (p *Processor) Launch(ctx context.Context) (bool, error) {
	if !p.gate.TryActivate() {
		return false, nil
	}
	s := p.NewStartup()
	go p.Run(s)
	return true, s.Wait(ctx)
}

// Run is the body of one run. The caller must hold the gate. Run arrives at
// s once polling and releases the gate as its last action.
func (p *Processor) Run(s *Startup) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer func() {
		if r := recover(); r != nil {
			p.failures.Add(1)
			p.state.Store(int32(StateStopped))
			metrics.SetProcessorActive(p.label, false)
			p.log.Error("processor run aborted", "panic", r)
			s.Break(fmt.Errorf("%w: %v", ErrRunAborted, r))
			p.gate.Deactivate()
		}
	}()

	p.idle.Store(0)
	p.runs.Add(1)
	p.markPolling()
	metrics.IncProcessorRun(p.label)
	s.Arrive()
	p.log.Debug("processor polling", "linger_iterations", p.tuning.LingerIterations)

	if err := p.loop(); err != nil {
		p.failures.Add(1)
		p.markStopped()
		metrics.IncProcessorFailure(p.label)
		p.log.Error("poll backend failed, processor stopping", "error", err, "orphaned", p.occ.Len())
		if p.onFailure != nil {
			p.onFailure(Failure{ProcessorID: p.id, Err: err})
		}
		p.gate.Deactivate()
	}
}

// loop polls until the processor is empty and has been idle for more than
// LingerIterations consecutive polls. On a clean stop the gate is already
// released when loop returns.
func (p *Processor) loop() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrBackendPanic, r)
		}
	}()
	linger := int64(p.tuning.LingerIterations)
	for {
		dispatched, perr := p.backend.PollOnce()
		if perr != nil {
			return perr
		}
		if dispatched {
			p.idle.Store(0)
		} else {
			p.idle.Add(1)
		}
		metrics.ObservePoll(p.label, dispatched)

		if !p.occ.Empty() || p.idle.Load() <= linger {
			continue
		}
		p.log.Debug("processor idle, stopping", "idle_iterations", p.idle.Load())
		p.markStopped()
		metrics.IncProcessorIdleStop(p.label)
		p.gate.Deactivate()
		// A spawner may have registered between the emptiness check and the
		// release and then lost the gate to this run; keep polling for it.
		if p.occ.Empty() || !p.gate.TryActivate() {
			return nil
		}
		p.markPolling()
		p.log.Debug("processor resumed for late registration")
	}
}

func (p *Processor) markPolling() {
	p.state.Store(int32(StatePolling))
	metrics.SetProcessorActive(p.label, true)
}

func (p *Processor) markStopped() {
	p.state.Store(int32(StateStopped))
	metrics.SetProcessorActive(p.label, false)
}

// Snapshot is a point-in-time view used for introspection.
type Snapshot struct {
	ID             int    `json:"id"`
	State          string `json:"state"`
	Active         bool   `json:"active"`
	Processes      int    `json:"processes"`
	IdleIterations int64  `json:"idle_iterations"`
	Runs           int64  `json:"runs"`
	Failures       int64  `json:"failures"`
}

// Snapshot reports the processor state and counters.
func (p *Processor) Snapshot() Snapshot {
	return Snapshot{
		ID:             p.id,
		State:          p.State().String(),
		Active:         p.gate.Active(),
		Processes:      p.occ.Len(),
		IdleIterations: p.idle.Load(),
		Runs:           p.runs.Load(),
		Failures:       p.failures.Load(),
	}
}
