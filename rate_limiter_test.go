package lifecycle_test

import (
	"testing"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRateLimiterCeiling(t *testing.T) {
	h := newHarness(t)
	h.clock.Advance(10 * time.Minute)

	for i := 1; i <= 3; i++ {
		decision, err := h.limiter.Check(h.ctx, lifecycle.ActionForgotPassword, "pepe@example.com", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "attempt %d should be allowed", i)
		assert.Equal(t, 3-i, decision.Remaining)
	}

	decision, err := h.limiter.Check(h.ctx, lifecycle.ActionForgotPassword, "PEPE@example.com ", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 50*time.Minute, decision.RetryAfter)

	// a denied attempt does not extend the window
	var count int
	require.NoError(t, h.db.NewRaw("SELECT attempt_count FROM rate_limit_counters WHERE action = ?", lifecycle.ActionForgotPassword).Scan(h.ctx, &count))
	assert.Equal(t, 3, count)
}

func TestStoreRateLimiterKeysAreIndependent(t *testing.T) {
	h := newHarness(t)

	decision, err := h.limiter.Check(h.ctx, lifecycle.ActionLogin, "a@example.com", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = h.limiter.Check(h.ctx, lifecycle.ActionLogin, "b@example.com", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = h.limiter.Check(h.ctx, lifecycle.ActionRegister, "a@example.com", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = h.limiter.Check(h.ctx, lifecycle.ActionLogin, "a@example.com", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestStoreRateLimiterNextWindow(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 2; i++ {
		_, err := h.limiter.Check(h.ctx, lifecycle.ActionVerifyEmail, testIP, 2, 15*time.Minute)
		require.NoError(t, err)
	}
	decision, err := h.limiter.Check(h.ctx, lifecycle.ActionVerifyEmail, testIP, 2, 15*time.Minute)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	h.clock.Advance(15 * time.Minute)

	decision, err = h.limiter.Check(h.ctx, lifecycle.ActionVerifyEmail, testIP, 2, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.Remaining)
}

func TestStoreRateLimiterRejectsInvalidPolicy(t *testing.T) {
	h := newHarness(t)

	_, err := h.limiter.Check(h.ctx, lifecycle.ActionLogin, "x", 0, time.Minute)
	assert.Equal(t, lifecycle.KindValidation, lifecycle.ClassifyError(err))

	_, err = h.limiter.Check(h.ctx, "", "x", 1, time.Minute)
	assert.Equal(t, lifecycle.KindValidation, lifecycle.ClassifyError(err))
}

func TestStoreRateLimiterSweep(t *testing.T) {
	h := newHarness(t)

	_, err := h.limiter.Check(h.ctx, lifecycle.ActionLogin, "old@example.com", 5, time.Minute)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	_, err = h.limiter.Check(h.ctx, lifecycle.ActionLogin, "new@example.com", 5, time.Minute)
	require.NoError(t, err)

	n, err := h.limiter.Sweep(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRateLimitPolicyEnabled(t *testing.T) {
	assert.True(t, lifecycle.RateLimitPolicy{Limit: 1, Window: time.Second}.Enabled())
	assert.False(t, lifecycle.RateLimitPolicy{Limit: 1}.Enabled())
	assert.False(t, lifecycle.RateLimitPolicy{Window: time.Second}.Enabled())
}
