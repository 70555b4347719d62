package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for process exits.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeSignaled = "signaled"
	OutcomeLost     = "lost"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procmux",
			Subsystem: "processor",
			Name:      "runs_total",
			Help:      "Number of processor runs that reached the polling state.",
		}, []string{"processor"},
	)
	processorIdleStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procmux",
			Subsystem: "processor",
			Name:      "idle_stops_total",
			Help:      "Number of runs that ended because the processor was empty and idle.",
		}, []string{"processor"},
	)
	processorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procmux",
			Subsystem: "processor",
			Name:      "failures_total",
			Help:      "Number of runs that ended because the poll backend failed.",
		}, []string{"processor"},
	)
	processorActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procmux",
			Subsystem: "processor",
			Name:      "active",
			Help:      "1 while the processor is polling, 0 otherwise.",
		}, []string{"processor"},
	)
	processorPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procmux",
			Subsystem: "processor",
			Name:      "polls_total",
			Help:      "Poll iterations by result (busy when events were dispatched).",
		}, []string{"processor", "result"},
	)
	deadPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procmux",
			Subsystem: "poller",
			Name:      "dead_pool_size",
			Help:      "Processes whose exit was signalled but not yet reaped.",
		}, []string{"processor"},
	)
	registered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procmux",
			Subsystem: "processor",
			Name:      "registered_processes",
			Help:      "Processes currently assigned to the processor.",
		}, []string{"processor"},
	)

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procmux",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process spawns.",
		}, []string{"name"},
	)
	processExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procmux",
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Number of observed process exits by outcome.",
		}, []string{"name", "outcome"},
	)
	processRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "procmux",
			Subsystem: "process",
			Name:      "run_duration_seconds",
			Help:      "Time from spawn to observed exit.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processorRuns, processorIdleStops, processorFailures, processorActive, processorPolls,
		deadPoolSize, registered, processStarts, processExits, processRunDuration,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncProcessorRun(processor string) {
	if regOK.Load() {
		processorRuns.WithLabelValues(processor).Inc()
	}
}

func IncProcessorIdleStop(processor string) {
	if regOK.Load() {
		processorIdleStops.WithLabelValues(processor).Inc()
	}
}

func IncProcessorFailure(processor string) {
	if regOK.Load() {
		processorFailures.WithLabelValues(processor).Inc()
	}
}

func SetProcessorActive(processor string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		processorActive.WithLabelValues(processor).Set(v)
	}
}

func ObservePoll(processor string, dispatched bool) {
	if regOK.Load() {
		result := "idle"
		if dispatched {
			result = "busy"
		}
		processorPolls.WithLabelValues(processor, result).Inc()
	}
}

func SetDeadPoolSize(processor string, n int) {
	if regOK.Load() {
		deadPoolSize.WithLabelValues(processor).Set(float64(n))
	}
}

func SetRegistered(processor string, n int) {
	if regOK.Load() {
		registered.WithLabelValues(processor).Set(float64(n))
	}
}

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncExit(name, outcome string) {
	if regOK.Load() {
		processExits.WithLabelValues(name, outcome).Inc()
	}
}

func ObserveRunDuration(name string, seconds float64) {
	if regOK.Load() {
		processRunDuration.WithLabelValues(name).Observe(seconds)
	}
}
