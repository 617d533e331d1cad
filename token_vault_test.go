package lifecycle_test

import (
	"sync"
	"testing"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenVaultIssueStoresOnlyHash(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount("hash@example.com", lifecycle.StatePendingEmail, "")

	issued, err := h.vault.Issue(h.ctx, account.ID, lifecycle.PurposeEmailVerification, 24*time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Secret)
	assert.Equal(t, testEpoch.Add(24*time.Hour), issued.ExpiresAt)

	stored := &lifecycle.SecurityToken{}
	require.NoError(t, h.db.NewSelect().Model(stored).Where("id = ?", issued.TokenID).Scan(h.ctx))
	assert.NotEqual(t, issued.Secret, stored.TokenHash)
	assert.Equal(t, h.vault.HashSecret(issued.Secret), stored.TokenHash)
	assert.Nil(t, stored.UsedAt)
}

func TestTokenVaultValidateIsSingleUse(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount("once@example.com", lifecycle.StatePendingEmail, "")

	issued, err := h.vault.Issue(h.ctx, account.ID, lifecycle.PurposeEmailVerification, 24*time.Hour)
	require.NoError(t, err)

	validated, err := h.vault.Validate(h.ctx, issued.Secret, lifecycle.PurposeEmailVerification)
	require.NoError(t, err)
	assert.Equal(t, account.ID, validated.SubjectUserID)
	assert.Equal(t, issued.TokenID, validated.TokenID)

	_, err = h.vault.Validate(h.ctx, issued.Secret, lifecycle.PurposeEmailVerification)
	require.Error(t, err)
	assert.Equal(t, lifecycle.KindNotFoundOrExpired, lifecycle.ClassifyError(err))
	assert.Equal(t, lifecycle.TokenReasonAlreadyUsed, lifecycle.FailureReason(err))
}

func TestTokenVaultConcurrentValidationSucceedsOnce(t *testing.T) {
	h := newHarnessOn(t, newConcurrentTestDB(t))
	account := h.seedAccount("race@example.com", lifecycle.StatePendingEmail, "")

	issued, err := h.vault.Issue(h.ctx, account.ID, lifecycle.PurposePasswordReset, time.Hour)
	require.NoError(t, err)

	const workers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.vault.Validate(h.ctx, issued.Secret, lifecycle.PurposePasswordReset)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if lifecycle.ClassifyError(err) == lifecycle.KindNotFoundOrExpired {
				failures++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, failures)
}

func TestTokenVaultRejections(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount("reject@example.com", lifecycle.StatePendingEmail, "")

	issued, err := h.vault.Issue(h.ctx, account.ID, lifecycle.PurposeEmailVerification, time.Hour)
	require.NoError(t, err)

	t.Run("purpose mismatch", func(t *testing.T) {
		_, err := h.vault.Validate(h.ctx, issued.Secret, lifecycle.PurposePasswordReset)
		require.Error(t, err)
		assert.Equal(t, lifecycle.KindNotFoundOrExpired, lifecycle.ClassifyError(err))
		assert.Equal(t, lifecycle.TokenReasonPurposeMismatch, lifecycle.FailureReason(err))
	})

	t.Run("unknown secret", func(t *testing.T) {
		_, err := h.vault.Validate(h.ctx, "not-a-real-secret", lifecycle.PurposeEmailVerification)
		require.Error(t, err)
		assert.Equal(t, lifecycle.TokenReasonNotFound, lifecycle.FailureReason(err))
	})

	t.Run("empty secret", func(t *testing.T) {
		_, err := h.vault.Validate(h.ctx, "", lifecycle.PurposeEmailVerification)
		require.Error(t, err)
		assert.Equal(t, lifecycle.KindNotFoundOrExpired, lifecycle.ClassifyError(err))
	})

	t.Run("expired", func(t *testing.T) {
		h.clock.Advance(2 * time.Hour)
		_, err := h.vault.Validate(h.ctx, issued.Secret, lifecycle.PurposeEmailVerification)
		require.Error(t, err)
		assert.Equal(t, lifecycle.TokenReasonExpired, lifecycle.FailureReason(err))
	})

	t.Run("all failures share one message", func(t *testing.T) {
		a := lifecycle.NewNotFoundOrExpired(lifecycle.TokenReasonExpired)
		b := lifecycle.NewNotFoundOrExpired(lifecycle.TokenReasonAlreadyUsed)
		assert.Equal(t, a.Message, b.Message)
	})
}

func TestTokenVaultIssueSupersedesPrevious(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount("supersede@example.com", lifecycle.StatePendingEmail, "")

	first, err := h.vault.Issue(h.ctx, account.ID, lifecycle.PurposeEmailVerification, time.Hour)
	require.NoError(t, err)
	reset, err := h.vault.Issue(h.ctx, account.ID, lifecycle.PurposePasswordReset, time.Hour)
	require.NoError(t, err)
	second, err := h.vault.Issue(h.ctx, account.ID, lifecycle.PurposeEmailVerification, time.Hour)
	require.NoError(t, err)

	_, err = h.vault.Validate(h.ctx, first.Secret, lifecycle.PurposeEmailVerification)
	require.Error(t, err)

	_, err = h.vault.Validate(h.ctx, second.Secret, lifecycle.PurposeEmailVerification)
	require.NoError(t, err)

	// other purposes are untouched
	_, err = h.vault.Validate(h.ctx, reset.Secret, lifecycle.PurposePasswordReset)
	require.NoError(t, err)
}

func TestTokenVaultInvalidateAll(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount("invalidate@example.com", lifecycle.StatePendingEmail, "")

	verify, err := h.vault.Issue(h.ctx, account.ID, lifecycle.PurposeEmailVerification, time.Hour)
	require.NoError(t, err)
	reset, err := h.vault.Issue(h.ctx, account.ID, lifecycle.PurposePasswordReset, time.Hour)
	require.NoError(t, err)

	n, err := h.vault.InvalidateAll(h.ctx, account.ID, lifecycle.PurposePasswordReset)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = h.vault.Validate(h.ctx, reset.Secret, lifecycle.PurposePasswordReset)
	require.Error(t, err)

	n, err = h.vault.InvalidateAll(h.ctx, account.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = h.vault.Validate(h.ctx, verify.Secret, lifecycle.PurposeEmailVerification)
	require.Error(t, err)
}

func TestTokenVaultIssueValidation(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount("issue@example.com", lifecycle.StatePendingEmail, "")

	_, err := h.vault.Issue(h.ctx, account.ID, lifecycle.TokenPurpose("magic_link"), time.Hour)
	assert.Equal(t, lifecycle.KindValidation, lifecycle.ClassifyError(err))

	_, err = h.vault.Issue(h.ctx, account.ID, lifecycle.PurposeEmailVerification, 0)
	assert.Equal(t, lifecycle.KindValidation, lifecycle.ClassifyError(err))

	_, err = h.vault.Issue(h.ctx, uuid.Nil, lifecycle.PurposeEmailVerification, time.Hour)
	assert.Equal(t, lifecycle.KindValidation, lifecycle.ClassifyError(err))
}

func TestTokenVaultSweep(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount("sweep@example.com", lifecycle.StatePendingEmail, "")

	_, err := h.vault.Issue(h.ctx, account.ID, lifecycle.PurposePasswordReset, time.Hour)
	require.NoError(t, err)
	fresh, err := h.vault.Issue(h.ctx, account.ID, lifecycle.PurposeEmailVerification, 48*time.Hour)
	require.NoError(t, err)

	n, err := h.vault.Sweep(h.ctx, testEpoch.Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = h.vault.Validate(h.ctx, fresh.Secret, lifecycle.PurposeEmailVerification)
	require.NoError(t, err)
}
