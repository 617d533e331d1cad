// Package activitymap flattens lifecycle activity into audit records. The
// subject of a record follows the event: accounts, security tokens,
// subscriptions or webhook deliveries.
package activitymap

import (
	"context"
	"fmt"
	"strings"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
)

// Object types of normalized records
const (
	ObjectAccount       = "account"
	ObjectSecurityToken = "security_token"
	ObjectSubscription  = "subscription"
	ObjectWebhookEvent  = "webhook_event"
)

// Severity of a record. Security relevant activity is SeverityWarn.
const (
	SeverityInfo = "info"
	SeverityWarn = "warn"
)

const defaultActorID = "system"

// Normalized is one audit record.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	ActorType  string         `json:"actor_type,omitempty"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel"`
	Severity   string         `json:"severity"`
	Transition string         `json:"transition,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type subject struct {
	objectType string
	channel    string
	// idKey is the metadata key holding the object id, empty uses the user id
	idKey    string
	severity string
}

var subjects = map[lifecycle.ActivityEventType]subject{
	lifecycle.ActivityAccountRegistered:    {ObjectAccount, "http", "", SeverityInfo},
	lifecycle.ActivityEmailVerified:        {ObjectAccount, "email", "", SeverityInfo},
	lifecycle.ActivityPasswordReset:        {ObjectAccount, "email", "", SeverityInfo},
	lifecycle.ActivityLoginSuccess:         {ObjectAccount, "http", "", SeverityInfo},
	lifecycle.ActivityLoginFailure:         {ObjectAccount, "http", "", SeverityWarn},
	lifecycle.ActivityTokenIssued:          {ObjectSecurityToken, "email", "token_id", SeverityInfo},
	lifecycle.ActivityStateChanged:         {ObjectSubscription, "billing", "", SeverityInfo},
	lifecycle.ActivityReconcileApplied:     {ObjectSubscription, "billing", "", SeverityInfo},
	lifecycle.ActivityWebhookEventRecorded: {ObjectWebhookEvent, "webhook", "event_id", SeverityInfo},
	lifecycle.ActivityWebhookRejected:      {ObjectWebhookEvent, "webhook", "event_id", SeverityWarn},
}

var fallbackSubject = subject{ObjectAccount, "lifecycle", "", SeverityInfo}

// Option customizes normalization.
type Option func(*options)

type options struct {
	clock         func() time.Time
	actorFallback string
	channel       string
}

// WithClock stamps records without an occurrence time.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithActorFallback sets the actor id used when neither actor nor user is known.
func WithActorFallback(actorID string) Option {
	return func(o *options) {
		if id := strings.TrimSpace(actorID); id != "" {
			o.actorFallback = id
		}
	}
}

// WithChannel forces a channel on every record, e.g. for a worker process.
func WithChannel(channel string) Option {
	return func(o *options) {
		o.channel = strings.TrimSpace(channel)
	}
}

// Normalize converts a lifecycle.ActivityEvent into an audit record. The
// source metadata is not modified.
func Normalize(event lifecycle.ActivityEvent, opts ...Option) Normalized {
	o := options{clock: time.Now, actorFallback: defaultActorID}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	subj, ok := subjects[event.EventType]
	if !ok {
		subj = fallbackSubject
	}
	if o.channel != "" {
		subj.channel = o.channel
	}

	userID := strings.TrimSpace(event.UserID)
	metadata := cloneMetadata(event.Metadata)

	objectID := userID
	if subj.idKey != "" {
		objectID = stringValue(metadata[subj.idKey])
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = o.clock()
	}

	return Normalized{
		ActorID:    firstNonEmpty(strings.TrimSpace(event.Actor.ID), userID, o.actorFallback),
		ActorType:  strings.TrimSpace(event.Actor.Type),
		Verb:       string(event.EventType),
		ObjectType: subj.objectType,
		ObjectID:   objectID,
		Channel:    subj.channel,
		Severity:   subj.severity,
		Transition: transition(event.FromState, event.ToState),
		UserID:     userID,
		Metadata:   metadata,
		OccurredAt: occurredAt.UTC(),
	}
}

// Sink adapts a consumer of records to a lifecycle.ActivitySink.
func Sink(consume func(ctx context.Context, record Normalized) error, opts ...Option) lifecycle.ActivitySink {
	return lifecycle.ActivitySinkFunc(func(ctx context.Context, event lifecycle.ActivityEvent) error {
		if consume == nil {
			return nil
		}
		return consume(ctx, Normalize(event, opts...))
	})
}

// transition renders "from->to". A bare target means the account was created in it.
func transition(from, to lifecycle.SubscriptionState) string {
	switch {
	case from == "" && to == "":
		return ""
	case from == "":
		return "->" + string(to)
	case to == "":
		return string(from) + "->"
	default:
		return string(from) + "->" + string(to)
	}
}

func cloneMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		if value == nil || value == "" {
			continue
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
