// Package ratelimit provides a process-wide registry of token-bucket rate
// limiters keyed by resource identity (search backend, target host).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/webtools/internal/model"
)

// BucketConfig sets a bucket's capacity and refill rate.
type BucketConfig struct {
	Capacity     int     `yaml:"capacity" mapstructure:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec" mapstructure:"refill_per_sec"`
}

// Outcome is the result of a non-blocking acquire. When Granted is false,
// RetryAfter estimates how long until the requested tokens refill.
type Outcome struct {
	Granted    bool
	RetryAfter time.Duration
}

// Registry holds one token bucket per resource key. Buckets are created
// lazily on first use and live for the process lifetime. The registry lock
// guards only the map; each bucket synchronizes independently, so contention
// on one key never blocks acquisition for another.
type Registry struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	defaults  BucketConfig
	overrides map[string]BucketConfig
}

// NewRegistry creates a Registry with the given default bucket shape and
// optional per-key overrides.
func NewRegistry(defaults BucketConfig, overrides map[string]BucketConfig) *Registry {
	if defaults.Capacity <= 0 {
		defaults.Capacity = 10
	}
	if defaults.RefillPerSec <= 0 {
		defaults.RefillPerSec = 5
	}
	return &Registry{
		buckets:   make(map[string]*rate.Limiter),
		defaults:  defaults,
		overrides: overrides,
	}
}

func (r *Registry) bucket(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lim, ok := r.buckets[key]; ok {
		return lim
	}

	cfg := r.defaults
	if o, ok := r.overrides[key]; ok {
		if o.Capacity > 0 {
			cfg.Capacity = o.Capacity
		}
		if o.RefillPerSec > 0 {
			cfg.RefillPerSec = o.RefillPerSec
		}
	}

	lim := rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cfg.Capacity)
	r.buckets[key] = lim

	zap.L().Debug("ratelimit: bucket created",
		zap.String("key", key),
		zap.Int("capacity", cfg.Capacity),
		zap.Float64("refill_per_sec", cfg.RefillPerSec),
	)
	return lim
}

// Acquire attempts to take cost tokens from the bucket for key without
// blocking. A cost larger than the bucket capacity can never succeed and is
// reported as a configuration error.
func (r *Registry) Acquire(key string, cost int) (Outcome, error) {
	if cost <= 0 {
		cost = 1
	}
	lim := r.bucket(key)

	now := time.Now()
	res := lim.ReserveN(now, cost)
	if !res.OK() {
		return Outcome{}, model.NewError(model.KindConfiguration,
			"ratelimit: cost %d exceeds bucket capacity %d for key %q", cost, lim.Burst(), key)
	}

	delay := res.DelayFrom(now)
	if delay > 0 {
		// Not enough tokens right now; give them back and report the wait.
		res.CancelAt(now)
		return Outcome{Granted: false, RetryAfter: delay}, nil
	}
	return Outcome{Granted: true}, nil
}

// AcquireBlocking takes cost tokens from the bucket for key, suspending the
// caller until tokens are available, maxWait elapses, or ctx is done. The
// wait is cooperative; other goroutines make progress while one waits.
func (r *Registry) AcquireBlocking(ctx context.Context, key string, cost int, maxWait time.Duration) error {
	if cost <= 0 {
		cost = 1
	}
	lim := r.bucket(key)

	if cost > lim.Burst() {
		return model.NewError(model.KindConfiguration,
			"ratelimit: cost %d exceeds bucket capacity %d for key %q", cost, lim.Burst(), key)
	}

	wctx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}

	if err := lim.WaitN(wctx, cost); err != nil {
		if ctx.Err() != nil {
			return model.WrapError(model.KindTimeout, ctx.Err(),
				"ratelimit: deadline expired waiting for key %q", key)
		}
		return model.WrapError(model.KindRateLimitExceeded, err,
			"ratelimit: no tokens for key %q within %s", key, maxWait)
	}
	return nil
}
