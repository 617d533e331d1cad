package stripe

import (
	"encoding/json"
	"strings"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	stripesdk "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Stripe event types we translate
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
)

// MetadataUserID is the metadata key carrying our account id on checkout
// sessions and subscriptions.
const MetadataUserID = "user_id"

// Verifier authenticates Stripe-Signature headers and maps the event onto
// the lifecycle event union.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier for a webhook endpoint secret
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify implements lifecycle.WebhookVerifier.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (*lifecycle.WebhookEvent, error) {
	if v.secret == "" {
		return nil, lifecycle.NewSignatureInvalid(nil)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, lifecycle.NewSignatureInvalid(err)
	}

	return translate(event)
}

func translate(event stripesdk.Event) (*lifecycle.WebhookEvent, error) {
	if event.ID == "" {
		return nil, lifecycle.NewValidationError("stripe event without id", nil)
	}

	out := &lifecycle.WebhookEvent{
		ID:   event.ID,
		Type: string(event.Type),
	}
	if event.Created > 0 {
		out.CreatedAt = time.Unix(event.Created, 0).UTC()
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch string(event.Type) {
	case EventCheckoutSessionCompleted:
		var sess stripesdk.CheckoutSession
		if err := decode(raw, &sess); err != nil {
			return nil, err
		}
		out.Type = lifecycle.EventCheckoutCompleted
		out.Payload = lifecycle.CheckoutCompleted{Customer: checkoutHint(&sess)}

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripesdk.Subscription
		if err := decode(raw, &sub); err != nil {
			return nil, err
		}
		hint := subscriptionHint(&sub)
		status := lifecycle.ProcessorStatus(sub.Status)
		switch string(event.Type) {
		case EventSubscriptionCreated:
			out.Type = lifecycle.EventSubscriptionCreated
			out.Payload = lifecycle.SubscriptionCreated{Customer: hint, Status: status}
		case EventSubscriptionUpdated:
			out.Type = lifecycle.EventSubscriptionUpdated
			out.Payload = lifecycle.SubscriptionUpdated{Customer: hint, Status: status}
		default:
			out.Type = lifecycle.EventSubscriptionDeleted
			out.Payload = lifecycle.SubscriptionDeleted{Customer: hint}
		}

	case EventInvoicePaymentSucceeded:
		var inv stripesdk.Invoice
		if err := decode(raw, &inv); err != nil {
			return nil, err
		}
		out.Type = lifecycle.EventInvoicePaymentSucceeded
		out.Payload = lifecycle.InvoicePaymentSucceeded{Customer: invoiceHint(&inv)}

	default:
		out.Payload = lifecycle.UnhandledEvent{Type: string(event.Type)}
	}

	return out, nil
}

func decode(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return lifecycle.NewValidationError("stripe event without data", nil)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return lifecycle.NewValidationError("invalid stripe event data", map[string]any{"error": err.Error()})
	}
	return nil
}

func checkoutHint(sess *stripesdk.CheckoutSession) lifecycle.CustomerHint {
	hint := lifecycle.CustomerHint{
		Ref:    customerID(sess.Customer),
		Email:  sess.CustomerEmail,
		UserID: firstNonEmpty(sess.ClientReferenceID, sess.Metadata[MetadataUserID]),
	}
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		hint.Email = sess.CustomerDetails.Email
	}
	hint.Email = lifecycle.NormalizeEmail(hint.Email)
	return hint
}

func subscriptionHint(sub *stripesdk.Subscription) lifecycle.CustomerHint {
	hint := lifecycle.CustomerHint{
		Ref:    customerID(sub.Customer),
		UserID: sub.Metadata[MetadataUserID],
	}
	if sub.Customer != nil {
		hint.Email = lifecycle.NormalizeEmail(sub.Customer.Email)
	}
	return hint
}

func invoiceHint(inv *stripesdk.Invoice) lifecycle.CustomerHint {
	return lifecycle.CustomerHint{
		Ref:   customerID(inv.Customer),
		Email: lifecycle.NormalizeEmail(inv.CustomerEmail),
	}
}

func customerID(c *stripesdk.Customer) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.ID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
