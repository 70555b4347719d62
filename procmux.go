// Package procmux monitors many child processes with a small, bounded set of
// processor goroutines instead of one waiter per child.
package procmux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/procmux/internal/config"
	"github.com/loykin/procmux/internal/history"
	"github.com/loykin/procmux/internal/history/factory"
	"github.com/loykin/procmux/internal/logger"
	"github.com/loykin/procmux/internal/metrics"
	"github.com/loykin/procmux/internal/poller"
	"github.com/loykin/procmux/internal/pool"
	"github.com/loykin/procmux/internal/process"
	"github.com/loykin/procmux/internal/processor"
	iapi "github.com/loykin/procmux/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = process.Status

type Handle = process.Handle

type ProcessOption = process.Option

type Tuning = config.Tuning

type Overrides = config.Overrides

type Config = config.Config

type ProcessorSnapshot = processor.Snapshot

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Option = pool.Option

// Outcome values reported in Status.Outcome.
const (
	OutcomeRunning  = process.OutcomeRunning
	OutcomeSuccess  = process.OutcomeSuccess
	OutcomeFailure  = process.OutcomeFailure
	OutcomeSignaled = process.OutcomeSignaled
	OutcomeLost     = process.OutcomeLost
)

var (
	ErrMonitorLost = process.ErrMonitorLost
	ErrClosed      = pool.ErrClosed
)

func WithThreads(n int) Option                { return pool.WithThreads(n) }
func WithBackend(kind string) Option          { return pool.WithBackend(poller.Kind(kind)) }
func WithLogger(l *slog.Logger) Option        { return pool.WithLogger(l) }
func WithHistory(sinks ...HistorySink) Option { return pool.WithHistory(sinks...) }

// WithOutput routes a child's stdout and stderr; nil discards the stream.
func WithOutput(stdout, stderr io.Writer) ProcessOption {
	return process.WithOutput(stdout, stderr)
}

func ResolveTuning(o Overrides) *Tuning { return config.ResolveTuning(o) }
func SharedTuning() *Tuning             { return config.SharedTuning() }
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
func DefaultConfig() *Config { return config.Default() }

// NewHistorySinkFromDSN opens a sqlite, postgres or clickhouse sink.
func NewHistorySinkFromDSN(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Multiplexer is a thin facade over internal/pool.
// It provides a stable public API for embedding.
type Multiplexer struct{ inner *pool.Pool }

// New creates a multiplexer. A nil tuning uses SharedTuning().
func New(tuning *Tuning, opts ...Option) *Multiplexer {
	return &Multiplexer{inner: pool.New(tuning, opts...)}
}

// NewFromConfig builds the logger, history sink and pool described by c.
func NewFromConfig(c *Config, opts ...Option) (*Multiplexer, error) {
	if c == nil {
		c = config.Default()
	}
	base := []Option{
		pool.WithThreads(c.Pool.Threads),
		pool.WithBackend(poller.Kind(c.Pool.Backend)),
		pool.WithLogger(logger.New(c.Log)),
	}
	if c.History.Enabled {
		sink, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		base = append(base, pool.WithHistory(sink))
	}
	return New(c.Tuning, append(base, opts...)...), nil
}

func (m *Multiplexer) Start(ctx context.Context, s Spec, opts ...ProcessOption) (*Handle, error) {
	return m.inner.Start(ctx, s, opts...)
}

// Run starts s and waits for its exit.
func (m *Multiplexer) Run(ctx context.Context, s Spec, opts ...ProcessOption) (Status, error) {
	h, err := m.inner.Start(ctx, s, opts...)
	if err != nil {
		if h == nil {
			return Status{}, err
		}
		return h.Status(), err
	}
	return h.Wait(ctx)
}

func (m *Multiplexer) Tuning() *Tuning                 { return m.inner.Tuning() }
func (m *Multiplexer) Processors() []ProcessorSnapshot { return m.inner.Processors() }
func (m *Multiplexer) Processes() []Status             { return m.inner.Processes() }
func (m *Multiplexer) Status(pid int) (Status, bool)   { return m.inner.Status(pid) }
func (m *Multiplexer) Close(ctx context.Context) error { return m.inner.Close(ctx) }
func (m *Multiplexer) Handle(pid int) (*Handle, bool)  { return m.inner.Handle(pid) }

// NewHTTPRouter returns the introspection API for m, mountable under basePath.
func NewHTTPRouter(m *Multiplexer, basePath string, withMetrics bool) *iapi.Router {
	return iapi.NewRouter(m.inner, basePath, iapi.WithMetrics(withMetrics))
}

// NewHTTPServer returns an unstarted HTTP server exposing the introspection API.
func NewHTTPServer(addr, basePath string, m *Multiplexer, withMetrics bool) *http.Server {
	return iapi.NewServer(addr, NewHTTPRouter(m, basePath, withMetrics))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
