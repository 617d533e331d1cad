package lifecycle

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Normalized event types understood by the state machine
const (
	EventCheckoutCompleted       = "checkout.completed"
	EventSubscriptionCreated     = "subscription.created"
	EventSubscriptionUpdated     = "subscription.updated"
	EventSubscriptionDeleted     = "subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
)

// CustomerHint carries what an event tells us about the account it belongs to.
type CustomerHint struct {
	Ref    string
	Email  string
	UserID string
}

// IsEmpty reports whether the hint can not identify any account
func (h CustomerHint) IsEmpty() bool {
	return h.Ref == "" && h.Email == "" && h.UserID == ""
}

// WebhookEvent is a verified processor event
type WebhookEvent struct {
	ID        string
	Type      string
	CreatedAt time.Time
	Payload   EventPayload
}

// Hint returns the customer hint of the payload
func (e *WebhookEvent) Hint() CustomerHint {
	if e == nil || e.Payload == nil {
		return CustomerHint{}
	}
	return e.Payload.customerHint()
}

// EventPayload is the closed set of payloads: CheckoutCompleted,
// SubscriptionCreated, SubscriptionUpdated, SubscriptionDeleted,
// InvoicePaymentSucceeded and UnhandledEvent.
type EventPayload interface {
	customerHint() CustomerHint
	trigger() (Trigger, bool)
}

// CheckoutCompleted a checkout finished and a subscription was paid
type CheckoutCompleted struct {
	Customer CustomerHint
}

// SubscriptionCreated the processor created a subscription
type SubscriptionCreated struct {
	Customer CustomerHint
	Status   ProcessorStatus
}

// SubscriptionUpdated the processor changed the subscription status
type SubscriptionUpdated struct {
	Customer CustomerHint
	Status   ProcessorStatus
}

// SubscriptionDeleted the subscription ended
type SubscriptionDeleted struct {
	Customer CustomerHint
}

// InvoicePaymentSucceeded a renewal was paid
type InvoicePaymentSucceeded struct {
	Customer CustomerHint
}

// UnhandledEvent is any other type. It is logged and acknowledged.
type UnhandledEvent struct {
	Type string
}

func (p CheckoutCompleted) customerHint() CustomerHint       { return p.Customer }
func (p SubscriptionCreated) customerHint() CustomerHint     { return p.Customer }
func (p SubscriptionUpdated) customerHint() CustomerHint     { return p.Customer }
func (p SubscriptionDeleted) customerHint() CustomerHint     { return p.Customer }
func (p InvoicePaymentSucceeded) customerHint() CustomerHint { return p.Customer }
func (p UnhandledEvent) customerHint() CustomerHint          { return CustomerHint{} }

func (p CheckoutCompleted) trigger() (Trigger, bool) { return TriggerCheckoutCompleted, true }

func (p SubscriptionCreated) trigger() (Trigger, bool) {
	if p.Status != "" && !p.Status.IsActive() {
		return "", false
	}
	return TriggerSubscriptionCreated, true
}

func (p SubscriptionUpdated) trigger() (Trigger, bool) {
	if p.Status.IsActive() {
		return TriggerSubscriptionRecovered, true
	}
	return TriggerSubscriptionLapsed, true
}

func (p SubscriptionDeleted) trigger() (Trigger, bool)     { return TriggerSubscriptionDeleted, true }
func (p InvoicePaymentSucceeded) trigger() (Trigger, bool) { return TriggerPaymentSucceeded, true }
func (p UnhandledEvent) trigger() (Trigger, bool)          { return "", false }

// envelope is the generic processor wire format
type envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt json.RawMessage `json:"createdAt"`
	Data      envelopeData    `json:"data"`
}

type envelopeData struct {
	CustomerRef string `json:"customerRef"`
	Email       string `json:"email"`
	UserID      string `json:"userId"`
	Status      string `json:"status"`
}

// ParseEnvelope decodes `{id, type, data, createdAt}`. It must only be called
// on a payload whose signature was verified.
func ParseEnvelope(payload []byte) (*WebhookEvent, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&env); err != nil {
		return nil, NewValidationError("malformed webhook payload", map[string]any{"error": err.Error()})
	}

	if env.ID == "" || env.Type == "" {
		return nil, NewValidationError("webhook payload requires id and type", nil)
	}

	createdAt, err := parseEventTime(env.CreatedAt)
	if err != nil {
		return nil, NewValidationError("webhook payload has an invalid createdAt", map[string]any{"error": err.Error()})
	}

	hint := CustomerHint{
		Ref:    strings.TrimSpace(env.Data.CustomerRef),
		Email:  NormalizeEmail(env.Data.Email),
		UserID: strings.TrimSpace(env.Data.UserID),
	}

	return &WebhookEvent{
		ID:        env.ID,
		Type:      env.Type,
		CreatedAt: createdAt,
		Payload:   NewEventPayload(env.Type, hint, ProcessorStatus(env.Data.Status)),
	}, nil
}

// NewEventPayload builds the union member for a normalized event type.
func NewEventPayload(eventType string, hint CustomerHint, status ProcessorStatus) EventPayload {
	switch eventType {
	case EventCheckoutCompleted:
		return CheckoutCompleted{Customer: hint}
	case EventSubscriptionCreated:
		return SubscriptionCreated{Customer: hint, Status: status}
	case EventSubscriptionUpdated:
		return SubscriptionUpdated{Customer: hint, Status: status}
	case EventSubscriptionDeleted:
		return SubscriptionDeleted{Customer: hint}
	case EventInvoicePaymentSucceeded:
		return InvoicePaymentSucceeded{Customer: hint}
	default:
		return UnhandledEvent{Type: eventType}
	}
}

// parseEventTime accepts RFC3339 strings and unix seconds.
func parseEventTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}

	secs, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

func parseHintUserID(id string) (uuid.UUID, bool) {
	if id == "" {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}
