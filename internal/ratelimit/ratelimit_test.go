package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/webtools/internal/model"
)

// slowDefaults returns buckets that effectively never refill during a test.
func slowDefaults(capacity int) BucketConfig {
	return BucketConfig{Capacity: capacity, RefillPerSec: 0.0001}
}

func TestAcquire_WithinCapacity_AllGranted(t *testing.T) {
	r := NewRegistry(slowDefaults(5), nil)

	for i := 0; i < 5; i++ {
		out, err := r.Acquire("search-backend", 1)
		require.NoError(t, err)
		assert.True(t, out.Granted, "acquire %d should be granted", i+1)
	}
}

func TestAcquire_Exhausted_DeniedWithRetryAfter(t *testing.T) {
	r := NewRegistry(slowDefaults(2), nil)

	for i := 0; i < 2; i++ {
		out, err := r.Acquire("k", 1)
		require.NoError(t, err)
		require.True(t, out.Granted)
	}

	out, err := r.Acquire("k", 1)
	require.NoError(t, err)
	assert.False(t, out.Granted)
	assert.Greater(t, out.RetryAfter, time.Duration(0))
}

func TestAcquire_CostExceedsCapacity_ConfigurationError(t *testing.T) {
	r := NewRegistry(slowDefaults(3), nil)

	_, err := r.Acquire("k", 4)
	require.Error(t, err)
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))

	// A full bucket still rejects it: the acquire can never succeed.
	_, err = r.Acquire("k", 4)
	require.Error(t, err)
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
}

func TestAcquire_TokensNeverExceedCapacity(t *testing.T) {
	// High refill rate plus idle time must not accumulate more than capacity.
	r := NewRegistry(BucketConfig{Capacity: 2, RefillPerSec: 1000}, nil)

	out, err := r.Acquire("k", 2)
	require.NoError(t, err)
	require.True(t, out.Granted)

	time.Sleep(20 * time.Millisecond) // plenty of refill time at 1000/s

	out, err = r.Acquire("k", 2)
	require.NoError(t, err)
	require.True(t, out.Granted)

	// Immediately after draining, a full-capacity acquire is denied.
	out, err = r.Acquire("k", 2)
	require.NoError(t, err)
	assert.False(t, out.Granted)
}

func TestAcquire_DistinctKeysIndependent(t *testing.T) {
	r := NewRegistry(slowDefaults(1), nil)

	out, err := r.Acquire("host-a", 1)
	require.NoError(t, err)
	require.True(t, out.Granted)

	// host-a is drained; host-b must be unaffected.
	out, err = r.Acquire("host-a", 1)
	require.NoError(t, err)
	require.False(t, out.Granted)

	out, err = r.Acquire("host-b", 1)
	require.NoError(t, err)
	assert.True(t, out.Granted)
}

func TestAcquire_PerKeyOverride(t *testing.T) {
	r := NewRegistry(slowDefaults(1), map[string]BucketConfig{
		"search-backend": {Capacity: 3, RefillPerSec: 0.0001},
	})

	for i := 0; i < 3; i++ {
		out, err := r.Acquire("search-backend", 1)
		require.NoError(t, err)
		require.True(t, out.Granted)
	}
	out, err := r.Acquire("search-backend", 1)
	require.NoError(t, err)
	assert.False(t, out.Granted)
}

func TestAcquireBlocking_Granted(t *testing.T) {
	r := NewRegistry(slowDefaults(2), nil)

	err := r.AcquireBlocking(context.Background(), "k", 1, time.Second)
	assert.NoError(t, err)
}

func TestAcquireBlocking_WaitsForRefill(t *testing.T) {
	r := NewRegistry(BucketConfig{Capacity: 1, RefillPerSec: 50}, nil)

	require.NoError(t, r.AcquireBlocking(context.Background(), "k", 1, time.Second))

	// Bucket drained; the next acquire must wait ~20ms for a token.
	start := time.Now()
	err := r.AcquireBlocking(context.Background(), "k", 1, time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestAcquireBlocking_MaxWaitExpired_RateLimitExceeded(t *testing.T) {
	r := NewRegistry(slowDefaults(1), nil)

	require.NoError(t, r.AcquireBlocking(context.Background(), "k", 1, time.Second))

	err := r.AcquireBlocking(context.Background(), "k", 1, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, model.KindRateLimitExceeded, model.KindOf(err))
}

func TestAcquireBlocking_CostExceedsCapacity(t *testing.T) {
	r := NewRegistry(slowDefaults(2), nil)

	err := r.AcquireBlocking(context.Background(), "k", 5, time.Second)
	require.Error(t, err)
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
}

func TestAcquireBlocking_ParentDeadline_Timeout(t *testing.T) {
	r := NewRegistry(slowDefaults(1), nil)
	require.NoError(t, r.AcquireBlocking(context.Background(), "k", 1, time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := r.AcquireBlocking(ctx, "k", 1, time.Minute)
	require.Error(t, err)
	assert.Equal(t, model.KindTimeout, model.KindOf(err))
}

func TestRegistry_ConcurrentAcquires_SameKey(t *testing.T) {
	r := NewRegistry(slowDefaults(50), nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.Acquire("k", 1)
			if err == nil && out.Granted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Exactly capacity grants regardless of interleaving.
	assert.Equal(t, 50, granted)
}
