package config

import (
	"math"
	"testing"
	"time"
)

func ip(v int) *int { return &v }

func TestResolveTuningDefaults(t *testing.T) {
	tu := ResolveTuning(Overrides{})
	if tu.EventBatchSize != 1 || tu.LingerMs != 2500 || tu.DeadPoolPollMs != 250 || tu.LingerIterations != 10 {
		t.Fatalf("unexpected defaults: %+v", tu)
	}
	if tu.LingerDuration != 2500*time.Millisecond || tu.DeadPoolPollInterval != 250*time.Millisecond {
		t.Fatalf("durations do not match ms fields: %+v", tu)
	}
}

func TestResolveTuningClamps(t *testing.T) {
	tests := []struct {
		name       string
		in         Overrides
		batch      int
		linger     int
		interval   int
		iterations int
	}{
		{"batch zero", Overrides{EventBatchSize: ip(0)}, 1, 2500, 250, 10},
		{"batch negative", Overrides{EventBatchSize: ip(-3)}, 1, 2500, 250, 10},
		{"batch kept", Overrides{EventBatchSize: ip(32)}, 32, 2500, 250, 10},
		{"linger floor", Overrides{LingerMs: ip(10)}, 1, 1000, 250, 4},
		{"interval floor", Overrides{DeadPoolPollMs: ip(5)}, 1, 2500, 100, 25},
		{"interval above linger", Overrides{LingerMs: ip(1500), DeadPoolPollMs: ip(9000)}, 1, 1500, 1500, 1},
		{"truncating division", Overrides{LingerMs: ip(1000), DeadPoolPollMs: ip(300)}, 1, 1000, 300, 3},
		{"example", Overrides{LingerMs: ip(1000), DeadPoolPollMs: ip(250)}, 1, 1000, 250, 4},
		{"batch ceiling", Overrides{EventBatchSize: ip(math.MaxInt)}, MaxEventBatchSize, 2500, 250, 10},
		{"linger ceiling", Overrides{LingerMs: ip(math.MaxInt)}, 1, math.MaxInt32, 250, math.MaxInt32 / 250},
		{"both huge", Overrides{LingerMs: ip(math.MaxInt), DeadPoolPollMs: ip(math.MaxInt)}, 1, math.MaxInt32, math.MaxInt32, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tu := ResolveTuning(tt.in)
			if tu.EventBatchSize != tt.batch || tu.LingerMs != tt.linger || tu.DeadPoolPollMs != tt.interval || tu.LingerIterations != tt.iterations {
				t.Fatalf("got %+v", tu)
			}
		})
	}
}

func TestResolveTuningHugeValuesKeepDurationsPositive(t *testing.T) {
	tu := ResolveTuning(Overrides{LingerMs: ip(math.MaxInt), DeadPoolPollMs: ip(math.MaxInt)})
	if tu.LingerDuration <= 0 || tu.DeadPoolPollInterval <= 0 {
		t.Fatalf("durations overflowed: linger=%s interval=%s", tu.LingerDuration, tu.DeadPoolPollInterval)
	}
	if tu.LingerDuration != time.Duration(math.MaxInt32)*time.Millisecond {
		t.Fatalf("linger duration %s", tu.LingerDuration)
	}
}

func TestResolveTuningInvariantGrid(t *testing.T) {
	for linger := -100; linger <= 6000; linger += 370 {
		for interval := -50; interval <= 7000; interval += 130 {
			tu := ResolveTuning(Overrides{LingerMs: ip(linger), DeadPoolPollMs: ip(interval)})
			if tu.LingerIterations < 1 {
				t.Fatalf("linger=%d interval=%d: iterations %d", linger, interval, tu.LingerIterations)
			}
			if tu.DeadPoolPollMs < 100 || tu.DeadPoolPollMs > tu.LingerMs {
				t.Fatalf("linger=%d interval=%d: resolved interval %d outside [100,%d]", linger, interval, tu.DeadPoolPollMs, tu.LingerMs)
			}
		}
	}
}

func TestOverridesMerge(t *testing.T) {
	base := Overrides{EventBatchSize: ip(2), LingerMs: ip(3000)}
	got := base.Merge(Overrides{LingerMs: ip(1200), DeadPoolPollMs: ip(200)})
	if *got.EventBatchSize != 2 || *got.LingerMs != 1200 || *got.DeadPoolPollMs != 200 {
		t.Fatalf("unexpected merge: %d %d %d", *got.EventBatchSize, *got.LingerMs, *got.DeadPoolPollMs)
	}
	if *base.LingerMs != 3000 {
		t.Fatalf("merge must not modify the receiver")
	}
}

func TestOverridesFromEnv(t *testing.T) {
	t.Setenv("PROCMUX_EVENT_BATCH_SIZE", "8")
	t.Setenv("PROCMUX_LINGER_MS", " 1200 ")
	t.Setenv("PROCMUX_DEAD_POOL_POLL_MS", "fast")
	o := OverridesFromEnv()
	if o.EventBatchSize == nil || *o.EventBatchSize != 8 {
		t.Fatalf("batch override not read")
	}
	if o.LingerMs == nil || *o.LingerMs != 1200 {
		t.Fatalf("linger override not read")
	}
	if o.DeadPoolPollMs != nil {
		t.Fatalf("non-numeric value should be ignored, got %d", *o.DeadPoolPollMs)
	}
	tu := ResolveTuning(o)
	if tu.DeadPoolPollMs != DefaultDeadPoolPollMs || tu.LingerIterations != 4 {
		t.Fatalf("unexpected tuning from env: %+v", tu)
	}
}

func TestOverridesFromEnvUnset(t *testing.T) {
	t.Setenv("PROCMUX_EVENT_BATCH_SIZE", "")
	o := OverridesFromEnv()
	if o.EventBatchSize != nil {
		t.Fatalf("empty variable should be unset")
	}
}

func TestSharedTuningIsResolvedOnce(t *testing.T) {
	a := SharedTuning()
	t.Setenv("PROCMUX_LINGER_MS", "5000")
	b := SharedTuning()
	if a != b {
		t.Fatalf("SharedTuning must return the same instance")
	}
	if b.LingerMs == 5000 && a.LingerMs != 5000 {
		t.Fatalf("shared tuning changed after first resolution")
	}
}
