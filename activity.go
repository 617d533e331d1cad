package lifecycle

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityAccountRegistered    ActivityEventType = "account.registered"
	ActivityEmailVerified        ActivityEventType = "account.email.verified"
	ActivityTokenIssued          ActivityEventType = "token.issued"
	ActivityPasswordReset        ActivityEventType = "account.password.reset"
	ActivityLoginSuccess         ActivityEventType = "auth.login.success"
	ActivityLoginFailure         ActivityEventType = "auth.login.failure"
	ActivityStateChanged         ActivityEventType = "subscription.state.changed"
	ActivityReconcileApplied     ActivityEventType = "subscription.reconciled"
	ActivityWebhookRejected      ActivityEventType = "webhook.signature.rejected"
	ActivityWebhookEventRecorded ActivityEventType = "webhook.event.recorded"
)

// ActorRef identifies who/what triggered an action.
type ActorRef struct {
	ID   string
	Type string
}

var (
	actorSystem    = ActorRef{Type: "system"}
	actorProcessor = ActorRef{Type: "payment_processor"}
)

func actorUser(id string) ActorRef {
	return ActorRef{ID: id, Type: "user"}
}

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	Actor      ActorRef
	UserID     string
	FromState  SubscriptionState
	ToState    SubscriptionState
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// recordActivity is best effort, sink failures are only logged
func recordActivity(ctx context.Context, sink ActivitySink, logger Logger, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Actor.Type == "" {
		event.Actor = actorSystem
	}
	if err := normalizeActivitySink(sink).Record(ctx, event); err != nil {
		normalizeLogger(logger).Warn("activity sink error", "event", event.EventType, "error", err)
	}
}
