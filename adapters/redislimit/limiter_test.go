package redislimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLimiter(t *testing.T, clock func() time.Time) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, WithClock(clock), WithPrefix("test:rl")), srv
}

func TestLimiterAllowsExactlyLimit(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 30, 0, time.UTC)
	limiter, _ := setupLimiter(t, func() time.Time { return now })
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := limiter.Check(ctx, lifecycle.ActionForgotPassword, "pepe@example.com", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d", i)
		assert.Equal(t, 3-i, d.Remaining)
	}

	d, err := limiter.Check(ctx, lifecycle.ActionForgotPassword, "PEPE@example.com", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)
}

func TestLimiterResetsWithNextWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 59, 0, time.UTC)
	limiter, _ := setupLimiter(t, func() time.Time { return now })
	ctx := context.Background()

	d, err := limiter.Check(ctx, lifecycle.ActionLogin, "1.2.3.4", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = limiter.Check(ctx, lifecycle.ActionLogin, "1.2.3.4", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	now = now.Add(2 * time.Second)
	d, err = limiter.Check(ctx, lifecycle.ActionLogin, "1.2.3.4", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiterSetsKeyExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	limiter, srv := setupLimiter(t, func() time.Time { return now })

	_, err := limiter.Check(context.Background(), lifecycle.ActionRegister, "1.2.3.4", 5, time.Hour)
	require.NoError(t, err)

	key := limiter.key(lifecycle.ActionRegister, "1.2.3.4", now.Truncate(time.Hour))
	assert.True(t, srv.Exists(key))
	assert.Equal(t, time.Hour+time.Second, srv.TTL(key))
}

func TestLimiterConcurrentCeiling(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	limiter, _ := setupLimiter(t, func() time.Time { return now })
	ctx := context.Background()

	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Check(ctx, lifecycle.ActionResendVerification, "user-1", 5, time.Minute)
			if err == nil && d.Allowed {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), allowed)
}

func TestLimiterUnavailableStore(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	limiter, srv := setupLimiter(t, func() time.Time { return now })
	srv.Close()

	_, err := limiter.Check(context.Background(), lifecycle.ActionLogin, "1.2.3.4", 5, time.Minute)
	require.Error(t, err)
	assert.Equal(t, lifecycle.KindUpstreamUnavailable, lifecycle.ClassifyError(err))
}

func TestLimiterRejectsInvalidPolicy(t *testing.T) {
	limiter, _ := setupLimiter(t, time.Now)
	_, err := limiter.Check(context.Background(), lifecycle.ActionLogin, "x", 0, time.Minute)
	require.Error(t, err)
	assert.Equal(t, lifecycle.KindValidation, lifecycle.ClassifyError(err))
}
