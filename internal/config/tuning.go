package config

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Defaults and bounds for processor tuning.
const (
	DefaultEventBatchSize = 1
	DefaultLingerMs       = 2500
	DefaultDeadPoolPollMs = 250
	MinEventBatchSize     = 1
	MinLingerMs           = 1000
	MinDeadPoolPollMs     = 100
	MinLingerIterations   = 1
	// MaxEventBatchSize bounds the per-poll event buffer.
	MaxEventBatchSize = 4096
	// MaxTuningMs keeps millisecond values within a poll(2)/epoll_wait timeout.
	MaxTuningMs = math.MaxInt32
)

// EnvPrefix is prepended to the upper-cased tuning keys when reading the environment.
const EnvPrefix = "PROCMUX"

const (
	keyEventBatchSize = "event_batch_size"
	keyLingerMs       = "linger_ms"
	keyDeadPoolPollMs = "dead_pool_poll_ms"
)

// Overrides carries optional tuning values. A nil field selects the default.
type Overrides struct {
	EventBatchSize *int `toml:"event_batch_size" mapstructure:"event_batch_size"`
	LingerMs       *int `toml:"linger_ms" mapstructure:"linger_ms"`
	DeadPoolPollMs *int `toml:"dead_pool_poll_ms" mapstructure:"dead_pool_poll_ms"`
}

// Merge returns o with every field that is set in other replaced by other's value.
func (o Overrides) Merge(other Overrides) Overrides {
	if other.EventBatchSize != nil {
		o.EventBatchSize = other.EventBatchSize
	}
	if other.LingerMs != nil {
		o.LingerMs = other.LingerMs
	}
	if other.DeadPoolPollMs != nil {
		o.DeadPoolPollMs = other.DeadPoolPollMs
	}
	return o
}

// Tuning is the resolved, immutable set of processor constants.
// Processors share a single *Tuning; nothing mutates it after ResolveTuning returns.
type Tuning struct {
	EventBatchSize       int           `json:"event_batch_size"`
	LingerDuration       time.Duration `json:"-"`
	DeadPoolPollInterval time.Duration `json:"-"`
	LingerIterations     int           `json:"linger_iterations"`
	LingerMs             int           `json:"linger_ms"`
	DeadPoolPollMs       int           `json:"dead_pool_poll_ms"`
}

// ResolveTuning applies defaults, floors and ceilings to o.
// Out-of-range input is clamped, never rejected:
// batch size in [1, 4096], linger in [1000ms, MaxInt32 ms], dead pool
// interval in [100ms, linger], iterations >= 1.
func ResolveTuning(o Overrides) *Tuning {
	batch := clamp(valOr(o.EventBatchSize, DefaultEventBatchSize), MinEventBatchSize, MaxEventBatchSize)
	linger := clamp(valOr(o.LingerMs, DefaultLingerMs), MinLingerMs, MaxTuningMs)
	interval := clamp(valOr(o.DeadPoolPollMs, DefaultDeadPoolPollMs), MinDeadPoolPollMs, linger)
	iterations := max(MinLingerIterations, linger/interval)

	return &Tuning{
		EventBatchSize:       batch,
		LingerDuration:       time.Duration(linger) * time.Millisecond,
		DeadPoolPollInterval: time.Duration(interval) * time.Millisecond,
		LingerIterations:     iterations,
		LingerMs:             linger,
		DeadPoolPollMs:       interval,
	}
}

// OverridesFromEnv reads PROCMUX_EVENT_BATCH_SIZE, PROCMUX_LINGER_MS and
// PROCMUX_DEAD_POOL_POLL_MS. Values that do not parse as integers are ignored.
func OverridesFromEnv() Overrides {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return Overrides{
		EventBatchSize: envInt(v, keyEventBatchSize),
		LingerMs:       envInt(v, keyLingerMs),
		DeadPoolPollMs: envInt(v, keyDeadPoolPollMs),
	}
}

var sharedTuning = sync.OnceValue(func() *Tuning {
	return ResolveTuning(OverridesFromEnv())
})

// SharedTuning returns the process-wide tuning resolved from the environment.
// Resolution happens on the first call; later calls return the same pointer.
func SharedTuning() *Tuning { return sharedTuning() }

func envInt(v *viper.Viper, key string) *int {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

func valOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func clamp(v, lo, hi int) int { return min(hi, max(lo, v)) }
