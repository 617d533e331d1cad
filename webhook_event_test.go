package lifecycle_test

import (
	"testing"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	t.Run("rfc3339 createdAt", func(t *testing.T) {
		event, err := lifecycle.ParseEnvelope([]byte(`{
			"id": "evt_1",
			"type": "subscription.updated",
			"createdAt": "2026-03-02T10:00:00+01:00",
			"data": {"customerRef": " cus_1 ", "email": "Pepe@Example.com", "status": "past_due"}
		}`))
		require.NoError(t, err)
		assert.Equal(t, "evt_1", event.ID)
		assert.Equal(t, testEpoch, event.CreatedAt)

		payload, ok := event.Payload.(lifecycle.SubscriptionUpdated)
		require.True(t, ok)
		assert.Equal(t, lifecycle.ProcessorStatusPastDue, payload.Status)
		assert.Equal(t, lifecycle.CustomerHint{Ref: "cus_1", Email: "pepe@example.com"}, event.Hint())
	})

	t.Run("unix createdAt", func(t *testing.T) {
		event, err := lifecycle.ParseEnvelope([]byte(`{"id":"evt_2","type":"checkout.completed","createdAt":1772442000,"data":{"userId":"abc"}}`))
		require.NoError(t, err)
		assert.Equal(t, time.Unix(1772442000, 0).UTC(), event.CreatedAt)
		assert.IsType(t, lifecycle.CheckoutCompleted{}, event.Payload)
		assert.Equal(t, "abc", event.Hint().UserID)
	})

	t.Run("missing createdAt", func(t *testing.T) {
		event, err := lifecycle.ParseEnvelope([]byte(`{"id":"evt_3","type":"invoice.payment_succeeded"}`))
		require.NoError(t, err)
		assert.True(t, event.CreatedAt.IsZero())
		assert.True(t, event.Hint().IsEmpty())
	})

	t.Run("unknown type", func(t *testing.T) {
		event, err := lifecycle.ParseEnvelope([]byte(`{"id":"evt_4","type":"customer.tax_id.created"}`))
		require.NoError(t, err)
		assert.Equal(t, lifecycle.UnhandledEvent{Type: "customer.tax_id.created"}, event.Payload)
	})

	invalid := map[string]string{
		"not json":          `{"id":`,
		"missing id":        `{"type":"checkout.completed"}`,
		"missing type":      `{"id":"evt_5"}`,
		"invalid createdAt": `{"id":"evt_6","type":"checkout.completed","createdAt":"yesterday"}`,
	}
	for name, raw := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := lifecycle.ParseEnvelope([]byte(raw))
			require.Error(t, err)
			assert.Equal(t, lifecycle.KindValidation, lifecycle.ClassifyError(err))
		})
	}
}

func TestNewEventPayload(t *testing.T) {
	hint := lifecycle.CustomerHint{Ref: "cus_9"}

	assert.Equal(t, lifecycle.CheckoutCompleted{Customer: hint},
		lifecycle.NewEventPayload(lifecycle.EventCheckoutCompleted, hint, ""))
	assert.Equal(t, lifecycle.SubscriptionCreated{Customer: hint, Status: lifecycle.ProcessorStatusTrialing},
		lifecycle.NewEventPayload(lifecycle.EventSubscriptionCreated, hint, lifecycle.ProcessorStatusTrialing))
	assert.Equal(t, lifecycle.SubscriptionDeleted{Customer: hint},
		lifecycle.NewEventPayload(lifecycle.EventSubscriptionDeleted, hint, lifecycle.ProcessorStatusActive))
	assert.Equal(t, lifecycle.InvoicePaymentSucceeded{Customer: hint},
		lifecycle.NewEventPayload(lifecycle.EventInvoicePaymentSucceeded, hint, ""))
	assert.Equal(t, lifecycle.UnhandledEvent{Type: "charge.refunded"},
		lifecycle.NewEventPayload("charge.refunded", hint, ""))
}
