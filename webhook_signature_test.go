package lifecycle_test

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"
)

func TestHMACVerifier_Verify(t *testing.T) {
	clock := newTestClock()
	verifier := lifecycle.NewHMACVerifier(testWebhookSecret, lifecycle.WithSignatureClock(clock.Now))
	payload := webhookEnvelope(t, "evt_sig", lifecycle.EventCheckoutCompleted, clock.Now(),
		map[string]any{"customerRef": "cus_sig"})
	tampered := append(append([]byte(nil), payload...), ' ')

	t.Run("valid signature", func(t *testing.T) {
		event, err := verifier.Verify(payload, verifier.Sign(payload, clock.Now()))
		require.NoError(t, err)
		assert.Equal(t, "evt_sig", event.ID)
		assert.Equal(t, "cus_sig", event.Hint().Ref)
	})

	t.Run("any of several v1 signatures", func(t *testing.T) {
		header := verifier.Sign(payload, clock.Now())
		header = strings.Replace(header, "v1=", "v1=deadbeef,v1=", 1)
		_, err := verifier.Verify(payload, header)
		assert.NoError(t, err)
	})

	t.Run("header signed by the stripe helpers", func(t *testing.T) {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload:   payload,
			Secret:    string(testWebhookSecret),
			Timestamp: clock.Now(),
		})
		assert.Equal(t, signed.Header, verifier.Sign(payload, clock.Now()))

		event, err := verifier.Verify(payload, signed.Header)
		require.NoError(t, err)
		assert.Equal(t, "evt_sig", event.ID)
	})

	t.Run("within tolerance", func(t *testing.T) {
		_, err := verifier.Verify(payload, verifier.Sign(payload, clock.Now().Add(-4*time.Minute)))
		assert.NoError(t, err)
	})

	rejections := []struct {
		name   string
		header string
		body   []byte
	}{
		{"empty header", "", payload},
		{"malformed header", "garbage", payload},
		{"missing signature", "t=1772442000", payload},
		{"old timestamp", verifier.Sign(payload, clock.Now().Add(-6*time.Minute)), payload},
		{"future timestamp", verifier.Sign(payload, clock.Now().Add(6*time.Minute)), payload},
		{"tampered body", verifier.Sign(payload, clock.Now()), tampered},
		{"other secret", lifecycle.NewHMACVerifier([]byte("not-the-secret")).Sign(payload, clock.Now()), payload},
		{"missing timestamp", "v1=" + hex.EncodeToString(webhook.ComputeSignature(time.Time{}, payload, string(testWebhookSecret))), payload},
	}

	for _, tt := range rejections {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.body, tt.header)
			require.Error(t, err)
			assert.Equal(t, lifecycle.KindSignatureInvalid, lifecycle.ClassifyError(err))
		})
	}

	t.Run("missing secret", func(t *testing.T) {
		empty := lifecycle.NewHMACVerifier(nil, lifecycle.WithSignatureClock(clock.Now))
		_, err := empty.Verify(payload, verifier.Sign(payload, clock.Now()))
		assert.Equal(t, lifecycle.KindSignatureInvalid, lifecycle.ClassifyError(err))
	})

	t.Run("custom tolerance", func(t *testing.T) {
		strict := lifecycle.NewHMACVerifier(testWebhookSecret,
			lifecycle.WithSignatureClock(clock.Now),
			lifecycle.WithSignatureTolerance(30*time.Second),
		)
		_, err := strict.Verify(payload, strict.Sign(payload, clock.Now().Add(-time.Minute)))
		assert.Equal(t, lifecycle.KindSignatureInvalid, lifecycle.ClassifyError(err))
	})
}

func TestHMACVerifier_VerifiedButMalformed(t *testing.T) {
	clock := newTestClock()
	verifier := lifecycle.NewHMACVerifier(testWebhookSecret, lifecycle.WithSignatureClock(clock.Now))
	payload := []byte(`{"type":"checkout.completed"}`)

	_, err := verifier.Verify(payload, verifier.Sign(payload, clock.Now()))
	require.Error(t, err)
	assert.Equal(t, lifecycle.KindValidation, lifecycle.ClassifyError(err))
}
