package lifecycle

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SubscriptionState is the lifecycle state of an account
type SubscriptionState string

const (
	// StatePendingEmail is the initial state, the email is not confirmed yet
	StatePendingEmail SubscriptionState = "pending_email"
	// StatePendingSubscription email confirmed, waiting for a checkout
	StatePendingSubscription SubscriptionState = "pending_subscription"
	// StateActive paid and current
	StateActive SubscriptionState = "active"
	// StatePastDue the processor reported a failed renewal
	StatePastDue SubscriptionState = "past_due"
	// StateCancelled subscription deleted, a new checkout re-activates it
	StateCancelled SubscriptionState = "cancelled"
)

// IsValid reports whether s is a known state.
func (s SubscriptionState) IsValid() bool {
	switch s {
	case StatePendingEmail, StatePendingSubscription, StateActive, StatePastDue, StateCancelled:
		return true
	}
	return false
}

func (s SubscriptionState) String() string {
	return string(s)
}

// TokenPurpose scopes a security token. Purposes are never cross-honored.
type TokenPurpose string

const (
	PurposeEmailVerification TokenPurpose = "email_verification"
	PurposePasswordReset     TokenPurpose = "password_reset"
)

// IsValid reports whether p is a known purpose.
func (p TokenPurpose) IsValid() bool {
	return p == PurposeEmailVerification || p == PurposePasswordReset
}

// EventOutcome is the recorded result of a webhook event
type EventOutcome string

const (
	OutcomeApplied EventOutcome = "applied"
	OutcomeIgnored EventOutcome = "ignored"
	OutcomeFailed  EventOutcome = "failed"
	// outcomePending only exists inside the transaction that claimed the event
	outcomePending EventOutcome = "pending"
)

// UserAccount is the identity anchor of the lifecycle engine
type UserAccount struct {
	bun.BaseModel      `bun:"table:user_accounts,alias:ua"`
	ID                 uuid.UUID         `bun:"id,pk,nullzero,type:uuid" json:"id"`
	Email              string            `bun:"email,notnull,unique" json:"email"`
	PasswordHash       string            `bun:"password_hash,notnull" json:"-"`
	EmailVerifiedAt    *time.Time        `bun:"email_verified_at,nullzero" json:"email_verified_at,omitempty"`
	SubscriptionState  SubscriptionState `bun:"subscription_state,notnull" json:"subscription_state"`
	PaymentCustomerRef *string           `bun:"payment_customer_ref,unique,nullzero" json:"payment_customer_ref,omitempty"`
	LastEventAt        *time.Time        `bun:"last_event_at,nullzero" json:"last_event_at,omitempty"`
	CreatedAt          time.Time         `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt          time.Time         `bun:"updated_at,notnull" json:"updated_at"`
}

// IsEmailVerified reports whether the email was confirmed
func (u *UserAccount) IsEmailVerified() bool {
	return u != nil && u.EmailVerifiedAt != nil
}

// CustomerRef returns the payment customer reference or an empty string
func (u *UserAccount) CustomerRef() string {
	if u == nil || u.PaymentCustomerRef == nil {
		return ""
	}
	return *u.PaymentCustomerRef
}

// SecurityToken is a hashed, single-use capability grant
type SecurityToken struct {
	bun.BaseModel `bun:"table:security_tokens,alias:st"`
	ID            uuid.UUID    `bun:"id,pk,nullzero,type:uuid" json:"id"`
	TokenHash     string       `bun:"token_hash,notnull,unique" json:"-"`
	Purpose       TokenPurpose `bun:"purpose,notnull" json:"purpose"`
	SubjectUserID uuid.UUID    `bun:"subject_user_id,notnull,type:uuid" json:"subject_user_id"`
	ExpiresAt     time.Time    `bun:"expires_at,notnull" json:"expires_at"`
	UsedAt        *time.Time   `bun:"used_at,nullzero" json:"used_at,omitempty"`
	CreatedAt     time.Time    `bun:"created_at,notnull" json:"created_at"`
}

// ProcessedWebhookEvent is the idempotency marker for a delivered event
type ProcessedWebhookEvent struct {
	bun.BaseModel  `bun:"table:processed_webhook_events,alias:pwe"`
	EventID        string            `bun:"event_id,pk" json:"event_id"`
	EventType      string            `bun:"event_type,notnull" json:"event_type"`
	ReceivedAt     time.Time         `bun:"received_at,notnull" json:"received_at"`
	EventCreatedAt *time.Time        `bun:"event_created_at,nullzero" json:"event_created_at,omitempty"`
	Outcome        EventOutcome      `bun:"outcome,notnull" json:"outcome"`
	Reason         string            `bun:"reason" json:"reason,omitempty"`
	UserID         *uuid.UUID        `bun:"user_id,type:uuid,nullzero" json:"user_id,omitempty"`
	FromState      SubscriptionState `bun:"from_state" json:"from_state,omitempty"`
	ToState        SubscriptionState `bun:"to_state" json:"to_state,omitempty"`
}

// RateLimitCounter counts attempts of an action by identifier within a window
type RateLimitCounter struct {
	bun.BaseModel `bun:"table:rate_limit_counters,alias:rlc"`
	Action        string    `bun:"action,pk" json:"action"`
	Identifier    string    `bun:"identifier,pk" json:"identifier"`
	WindowStart   time.Time `bun:"window_start,pk" json:"window_start"`
	AttemptCount  int       `bun:"attempt_count,notnull" json:"attempt_count"`
	ExpiresAt     time.Time `bun:"expires_at,notnull" json:"expires_at"`
}

// NormalizeEmail lower cases and trims an email so lookups are case-insensitive
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
