package lifecycle_test

import (
	"context"
	"testing"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestReset(t *testing.T, h *harness, email string) string {
	t.Helper()
	require.NoError(t, h.orch.ForgotPassword(h.ctx, lifecycle.InitializePasswordResetMessage{Email: email, IP: testIP}))
	return tokenFromLink(t, h.mailer.last(t, lifecycle.TemplatePasswordReset).Vars["reset_url"])
}

func TestFinalizePasswordResetEmitsActivity(t *testing.T) {
	h := newHarness(t)
	id := h.registerVerified("activity@example.com")
	token := requestReset(t, h, "activity@example.com")

	require.NoError(t, h.orch.ResetPassword(h.ctx, lifecycle.FinalizePasswordResetMessage{
		Token:    token,
		Password: "a fresh password",
		IP:       testIP,
	}))

	events := h.sink.ofType(lifecycle.ActivityPasswordReset)
	require.Len(t, events, 1)
	assert.Equal(t, id.String(), events[0].UserID)
	assert.Equal(t, id.String(), events[0].Actor.ID)
	assert.Equal(t, "user", events[0].Actor.Type)
	assert.Equal(t, testEpoch, events[0].OccurredAt)
	assert.Contains(t, events[0].Metadata, "invalidated_tokens")
}

func TestFinalizePasswordResetLeavesVerificationTokens(t *testing.T) {
	h := newHarness(t)
	id := h.register("mixed@example.com")
	verify := tokenFromLink(t, h.mailer.last(t, lifecycle.TemplateVerifyEmail).Vars["verify_url"])
	token := requestReset(t, h, "mixed@example.com")

	require.NoError(t, h.orch.ResetPassword(h.ctx, lifecycle.FinalizePasswordResetMessage{Token: token, Password: "a fresh password"}))

	resp, err := h.orch.VerifyEmail(h.ctx, lifecycle.VerifyEmailMessage{Token: verify})
	require.NoError(t, err)
	assert.Equal(t, id, resp.UserID)
}

func TestFinalizePasswordResetExpiredLink(t *testing.T) {
	h := newHarness(t)
	h.registerVerified("late@example.com")
	token := requestReset(t, h, "late@example.com")

	h.clock.Advance(time.Hour + time.Second)

	err := h.orch.ResetPassword(h.ctx, lifecycle.FinalizePasswordResetMessage{Token: token, Password: "a fresh password"})
	require.Error(t, err)
	assert.Equal(t, lifecycle.KindNotFoundOrExpired, lifecycle.ClassifyError(err))
	assert.Equal(t, lifecycle.TokenReasonExpired, lifecycle.FailureReason(err))
}

func TestFinalizePasswordResetRateLimited(t *testing.T) {
	h := newHarness(t, withPolicies(lifecycle.RateLimitPolicies{
		ResetPassword: lifecycle.RateLimitPolicy{Limit: 1, Window: 15 * time.Minute},
	}))

	err := h.orch.ResetPassword(h.ctx, lifecycle.FinalizePasswordResetMessage{Token: "guess", Password: "a fresh password", IP: testIP})
	assert.Equal(t, lifecycle.KindNotFoundOrExpired, lifecycle.ClassifyError(err))

	err = h.orch.ResetPassword(h.ctx, lifecycle.FinalizePasswordResetMessage{Token: "guess-again", Password: "a fresh password", IP: testIP})
	assert.Equal(t, lifecycle.KindRateLimited, lifecycle.ClassifyError(err))
	assert.Equal(t, 15*time.Minute, lifecycle.RetryAfter(err))
}

func TestFinalizePasswordResetCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(h.ctx)
	cancel()

	err := h.orch.ResetPassword(ctx, lifecycle.FinalizePasswordResetMessage{Token: "x", Password: "a fresh password"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
