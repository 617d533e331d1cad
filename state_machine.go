package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Trigger is what moves an account between states
type Trigger string

const (
	TriggerEmailVerified         Trigger = "email_verified"
	TriggerCheckoutCompleted     Trigger = "checkout_completed"
	TriggerSubscriptionCreated   Trigger = "subscription_created"
	TriggerSubscriptionLapsed    Trigger = "subscription_lapsed"
	TriggerSubscriptionRecovered Trigger = "subscription_recovered"
	TriggerPaymentSucceeded      Trigger = "invoice_payment_succeeded"
	TriggerSubscriptionDeleted   Trigger = "subscription_deleted"
)

// Reasons recorded in the ledger for events that were not applied
const (
	ReasonUnhandledEventType   = "unhandled_event_type"
	ReasonMissingCustomer      = "missing_customer_reference"
	ReasonCustomerRefMismatch  = "customer_ref_mismatch"
	ReasonStaleEvent           = "stale_event"
	ReasonTransitionNotAllowed = "transition_not_allowed"
	ReasonEmailNotVerified     = "email_not_verified"
	ReasonNoTrigger            = "no_transition_for_status"
	ReasonNotPendingEmail      = "account_not_pending_email"
	ReasonNoPaymentCustomer    = "no_payment_customer"
	ReasonAccountNotFound      = "account_not_found"
)

// DefaultReconcileTimeout bounds the processor fetch of Reconcile
const DefaultReconcileTimeout = 10 * time.Second

// Outcome reports what ApplyWebhookEvent did with an event.
type Outcome struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	Outcome   EventOutcome      `json:"outcome"`
	Reason    string            `json:"reason,omitempty"`
	UserID    *uuid.UUID        `json:"user_id,omitempty"`
	From      SubscriptionState `json:"from,omitempty"`
	To        SubscriptionState `json:"to,omitempty"`
	Duplicate bool              `json:"duplicate"`
}

// ReconcileResult is the processor snapshot plus the local correction
type ReconcileResult struct {
	Snapshot SubscriptionSnapshot `json:"snapshot"`
	From     SubscriptionState    `json:"from"`
	To       SubscriptionState    `json:"to"`
	Changed  bool                 `json:"changed"`
	Reason   string               `json:"reason,omitempty"`
}

// SubscriptionStateMachine mediates every write to an account's lifecycle state.
type SubscriptionStateMachine interface {
	ApplyWebhookEvent(ctx context.Context, event *WebhookEvent) (Outcome, error)
	Reconcile(ctx context.Context, userID uuid.UUID) (ReconcileResult, error)
	MarkEmailVerified(ctx context.Context, userID uuid.UUID) (*UserAccount, error)
	MarkEmailVerifiedTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*UserAccount, error)
	CanTransition(from SubscriptionState, trigger Trigger) (SubscriptionState, bool)
}

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*subscriptionStateMachine)

// WithStateMachineClock injects a custom clock (useful for tests).
func WithStateMachineClock(clock func() time.Time) StateMachineOption {
	return func(sm *subscriptionStateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// WithStateMachineActivitySink sets the ActivitySink used to publish lifecycle events.
func WithStateMachineActivitySink(sink ActivitySink) StateMachineOption {
	return func(sm *subscriptionStateMachine) {
		sm.activitySink = normalizeActivitySink(sink)
	}
}

// WithStateMachineLogger overrides the logger.
func WithStateMachineLogger(logger Logger) StateMachineOption {
	return func(sm *subscriptionStateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithSubscriptionFetcher sets the processor client used by Reconcile.
func WithSubscriptionFetcher(fetcher SubscriptionFetcher) StateMachineOption {
	return func(sm *subscriptionStateMachine) {
		sm.fetcher = fetcher
	}
}

// WithReconcileTimeout bounds the processor fetch.
func WithReconcileTimeout(d time.Duration) StateMachineOption {
	return func(sm *subscriptionStateMachine) {
		if d > 0 {
			sm.reconcileTimeout = d
		}
	}
}

// WithStateMachineRetryBackoff sets the pause before retrying a transient failure.
func WithStateMachineRetryBackoff(d time.Duration) StateMachineOption {
	return func(sm *subscriptionStateMachine) {
		sm.backoff = d
	}
}

// NewSubscriptionStateMachine returns the default implementation.
func NewSubscriptionStateMachine(repo RepositoryManager, ledger *EventLedger, opts ...StateMachineOption) SubscriptionStateMachine {
	sm := &subscriptionStateMachine{
		repo:   repo,
		ledger: ledger,
		transitions: map[Trigger]map[SubscriptionState]SubscriptionState{
			TriggerEmailVerified: {
				StatePendingEmail: StatePendingSubscription,
			},
			TriggerCheckoutCompleted: {
				StatePendingSubscription: StateActive,
				StatePastDue:             StateActive,
				StateCancelled:           StateActive,
			},
			TriggerSubscriptionCreated: {
				StatePendingSubscription: StateActive,
			},
			TriggerSubscriptionLapsed: {
				StateActive: StatePastDue,
			},
			TriggerSubscriptionRecovered: {
				StatePastDue: StateActive,
			},
			TriggerPaymentSucceeded: {
				StatePastDue: StateActive,
			},
			TriggerSubscriptionDeleted: {
				StateActive:  StateCancelled,
				StatePastDue: StateCancelled,
			},
		},
		now:              time.Now,
		activitySink:     noopActivitySink{},
		logger:           defLogger{},
		reconcileTimeout: DefaultReconcileTimeout,
		backoff:          DefaultRetryBackoff,
	}

	if sm.ledger == nil && repo != nil {
		sm.ledger = NewEventLedger(repo.DB())
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

type subscriptionStateMachine struct {
	repo             RepositoryManager
	ledger           *EventLedger
	transitions      map[Trigger]map[SubscriptionState]SubscriptionState
	now              func() time.Time
	activitySink     ActivitySink
	logger           Logger
	fetcher          SubscriptionFetcher
	reconcileTimeout time.Duration
	backoff          time.Duration
}

func (sm *subscriptionStateMachine) CanTransition(from SubscriptionState, trigger Trigger) (SubscriptionState, bool) {
	targets, ok := sm.transitions[trigger]
	if !ok {
		return "", false
	}
	to, ok := targets[from]
	return to, ok
}

func (sm *subscriptionStateMachine) ApplyWebhookEvent(ctx context.Context, event *WebhookEvent) (Outcome, error) {
	if event == nil || event.ID == "" {
		return Outcome{}, NewValidationError("webhook event id is required", nil)
	}

	var out Outcome
	err := withTransientRetry(ctx, sm.backoff, sm.logger, "webhook.apply", func(ctx context.Context) error {
		return sm.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			var err error
			out, err = sm.applyTx(ctx, tx, event)
			return err
		})
	})

	if err != nil {
		if errors.Is(err, errAccountUnresolved) {
			sm.logger.Warn("webhook event account not found, asking for redelivery",
				"event_id", event.ID, "type", event.Type)
			return Outcome{}, NewUpstreamUnavailable(nil, "webhook event can not be matched to an account yet").
				WithMetadata(map[string]any{"event_id": event.ID})
		}
		return Outcome{}, asRichError(err, "failed to apply webhook event")
	}

	if out.Duplicate {
		sm.logger.Debug("duplicate webhook event", "event_id", out.EventID, "outcome", out.Outcome)
		return out, nil
	}

	sm.recordOutcome(ctx, out)
	return out, nil
}

func (sm *subscriptionStateMachine) applyTx(ctx context.Context, tx bun.IDB, event *WebhookEvent) (Outcome, error) {
	record, err := sm.ledger.RecordIfNew(ctx, tx, event.ID, event.Type, event.CreatedAt)
	if err != nil {
		return Outcome{}, err
	}
	if !record.IsNew {
		return duplicateOutcome(record.Existing), nil
	}

	out := Outcome{EventID: event.ID, EventType: event.Type}
	finish := func(outcome EventOutcome, reason string, account *UserAccount) (Outcome, error) {
		out.Outcome = outcome
		out.Reason = reason
		var userID *uuid.UUID
		if account != nil {
			id := account.ID
			userID = &id
			out.UserID = userID
			if out.From == "" {
				out.From = account.SubscriptionState
				out.To = account.SubscriptionState
			}
		}
		if err := sm.ledger.Finalize(ctx, tx, event.ID, LedgerResult{
			Outcome: outcome,
			Reason:  reason,
			UserID:  userID,
			From:    out.From,
			To:      out.To,
		}); err != nil {
			return Outcome{}, err
		}
		return out, nil
	}

	if _, unhandled := event.Payload.(UnhandledEvent); unhandled || event.Payload == nil {
		sm.logger.Info("unhandled webhook event type acknowledged", "event_id", event.ID, "type", event.Type)
		return finish(OutcomeIgnored, ReasonUnhandledEventType, nil)
	}

	hint := event.Hint()
	if hint.IsEmpty() {
		sm.logger.Error("webhook event has no customer reference", "event_id", event.ID, "type", event.Type)
		return finish(OutcomeFailed, ReasonMissingCustomer, nil)
	}

	account, err := sm.resolveAccount(ctx, tx, hint)
	if err != nil {
		return Outcome{}, err
	}

	from := account.SubscriptionState
	trigger, hasTrigger := event.Payload.trigger()
	rebind := hasTrigger && rebindsCustomer(from, trigger)

	if ref := account.CustomerRef(); ref != "" && hint.Ref != "" && ref != hint.Ref && !rebind {
		sm.logger.Warn("webhook customer reference does not match account",
			"event_id", event.ID, "user_id", account.ID)
		return finish(OutcomeIgnored, ReasonCustomerRefMismatch, account)
	}

	if account.LastEventAt != nil && !event.CreatedAt.IsZero() && event.CreatedAt.Before(*account.LastEventAt) {
		sm.logger.Info("stale webhook event recorded without state change",
			"event_id", event.ID, "event_at", event.CreatedAt, "last_event_at", *account.LastEventAt)
		return finish(OutcomeIgnored, ReasonStaleEvent, account)
	}

	// ignored from here on, the event still orders later ones and binds the customer
	ignore := func(reason string) (Outcome, error) {
		noted, err := sm.noteEvent(ctx, tx, account, event, hint)
		if err != nil {
			return Outcome{}, err
		}
		return finish(OutcomeIgnored, reason, noted)
	}

	if !hasTrigger {
		return ignore(ReasonNoTrigger)
	}

	to, allowed := sm.CanTransition(from, trigger)
	if !allowed {
		sm.logger.Info("webhook transition guard failed",
			"event_id", event.ID, "from", from, "trigger", trigger)
		return ignore(ReasonTransitionNotAllowed)
	}

	if to == StateActive && !account.IsEmailVerified() {
		return ignore(ReasonEmailNotVerified)
	}

	now := sm.now().UTC()
	eventAt := event.CreatedAt
	if eventAt.IsZero() {
		eventAt = now
	}

	write := StateWrite{
		ID:        account.ID,
		From:      from,
		To:        to,
		EventAt:   eventAt,
		WrittenAt: now,
	}
	switch current := account.CustomerRef(); {
	case current == "":
		write.BindRef = hint.Ref
	case rebind && hint.Ref != "" && hint.Ref != current:
		write.BindRef = hint.Ref
		write.ReplaceRef = true
		sm.logger.Info("re-checkout binds a new payment customer",
			"event_id", event.ID, "user_id", account.ID, "from", from)
	}

	updated, err := sm.repo.UserAccounts().TransitionStateTx(ctx, tx, write)
	if err != nil {
		return Outcome{}, err
	}

	out.From = from
	out.To = updated.SubscriptionState
	return finish(OutcomeApplied, "", updated)
}

// rebindsCustomer reports whether trigger may replace the account's payment
// customer. A lapsed or cancelled account can check out again as a new
// customer.
func rebindsCustomer(from SubscriptionState, trigger Trigger) bool {
	if trigger != TriggerCheckoutCompleted {
		return false
	}
	return from == StateCancelled || from == StatePastDue
}

// noteEvent records an ignored event on the account: last_event_at moves
// forward to the event time and an unbound account takes the customer ref.
func (sm *subscriptionStateMachine) noteEvent(ctx context.Context, tx bun.IDB, account *UserAccount, event *WebhookEvent, hint CustomerHint) (*UserAccount, error) {
	note := EventNote{ID: account.ID, WrittenAt: sm.now().UTC()}
	if account.CustomerRef() == "" {
		note.BindRef = hint.Ref
	}
	if !event.CreatedAt.IsZero() {
		at := event.CreatedAt.UTC()
		note.EventAt = &at
	}
	if note.BindRef == "" && note.EventAt == nil {
		return account, nil
	}
	return sm.repo.UserAccounts().NoteEventTx(ctx, tx, note)
}

// resolveAccount looks the account up by customer reference, then by the
// user id and email hints carried by the event.
func (sm *subscriptionStateMachine) resolveAccount(ctx context.Context, tx bun.IDB, hint CustomerHint) (*UserAccount, error) {
	users := sm.repo.UserAccounts()

	if hint.Ref != "" {
		account, err := users.FindByCustomerRefTx(ctx, tx, hint.Ref)
		if err == nil {
			return account, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}

	if id, ok := parseHintUserID(hint.UserID); ok {
		account, err := users.FindByIDTx(ctx, tx, id)
		if err == nil {
			return account, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}

	if hint.Email != "" {
		account, err := users.FindByEmailTx(ctx, tx, hint.Email)
		if err == nil {
			return account, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}

	return nil, errAccountUnresolved
}

func (sm *subscriptionStateMachine) Reconcile(ctx context.Context, userID uuid.UUID) (ReconcileResult, error) {
	if sm.fetcher == nil {
		return ReconcileResult{}, NewInternalError(nil, "no subscription fetcher configured")
	}

	account, err := sm.repo.UserAccounts().FindByIDTx(ctx, sm.repo.DB(), userID)
	if err != nil {
		if IsNotFound(err) {
			return ReconcileResult{}, NewNotFoundOrExpired(ReasonAccountNotFound)
		}
		return ReconcileResult{}, asRichError(err, "failed to load account")
	}

	ref := account.CustomerRef()
	if ref == "" {
		return ReconcileResult{}, NewConflictingState(ReasonNoPaymentCustomer)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, sm.reconcileTimeout)
	defer cancel()

	snapshot, err := sm.fetcher.FetchSubscriptionStatus(fetchCtx, ref)
	if err != nil {
		sm.logger.Error("subscription status fetch failed", "user_id", userID, "error", err)
		return ReconcileResult{}, NewUpstreamUnavailable(err, "payment processor is unavailable")
	}
	if snapshot.FetchedAt.IsZero() {
		snapshot.FetchedAt = sm.now().UTC()
	}
	if snapshot.CustomerRef == "" {
		snapshot.CustomerRef = ref
	}

	result := ReconcileResult{Snapshot: snapshot}
	err = withTransientRetry(ctx, sm.backoff, sm.logger, "reconcile", func(ctx context.Context) error {
		return sm.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			current, err := sm.repo.UserAccounts().FindByIDTx(ctx, tx, userID)
			if err != nil {
				return err
			}

			result.From = current.SubscriptionState
			result.To = current.SubscriptionState
			result.Changed = false
			result.Reason = ""

			desired := reconciledState(current.SubscriptionState, snapshot.Status)
			if desired == current.SubscriptionState {
				if current.SubscriptionState == StatePendingEmail && snapshot.Status.IsActive() {
					result.Reason = ReasonEmailNotVerified
				}
				return nil
			}
			if desired == StateActive && !current.IsEmailVerified() {
				result.Reason = ReasonEmailNotVerified
				return nil
			}

			// events created before the fetch can no longer regress the state
			eventAt := snapshot.FetchedAt
			if current.LastEventAt != nil && current.LastEventAt.After(eventAt) {
				eventAt = *current.LastEventAt
			}

			updated, err := sm.repo.UserAccounts().TransitionStateTx(ctx, tx, StateWrite{
				ID:        current.ID,
				From:      current.SubscriptionState,
				To:        desired,
				EventAt:   eventAt,
				WrittenAt: sm.now().UTC(),
			})
			if err != nil {
				return err
			}

			result.To = updated.SubscriptionState
			result.Changed = true
			return nil
		})
	})
	if err != nil {
		return ReconcileResult{}, asRichError(err, "failed to reconcile subscription state")
	}

	if result.Reason != "" {
		sm.logger.Warn("reconcile left state unchanged", "user_id", userID, "reason", result.Reason, "status", snapshot.Status)
	}

	if result.Changed {
		sm.logger.Info("reconcile corrected subscription state",
			"user_id", userID, "from", result.From, "to", result.To, "status", snapshot.Status)
		recordActivity(ctx, sm.activitySink, sm.logger, ActivityEvent{
			EventType:  ActivityReconcileApplied,
			Actor:      actorUser(userID.String()),
			UserID:     userID.String(),
			FromState:  result.From,
			ToState:    result.To,
			Metadata:   map[string]any{"processor_status": snapshot.Status},
			OccurredAt: sm.now(),
		})
	}

	return result, nil
}

// reconciledState maps the processor status onto a local state. Accounts
// that did not confirm their email never leave pending_email here.
func reconciledState(current SubscriptionState, status ProcessorStatus) SubscriptionState {
	if current == StatePendingEmail {
		return current
	}

	switch status {
	case ProcessorStatusActive, ProcessorStatusTrialing:
		return StateActive
	case ProcessorStatusPastDue, ProcessorStatusUnpaid, ProcessorStatusPaused:
		return StatePastDue
	case ProcessorStatusCanceled, ProcessorStatusIncompleteExpired, ProcessorStatusNone:
		if current == StateActive || current == StatePastDue {
			return StateCancelled
		}
	}
	return current
}

func (sm *subscriptionStateMachine) MarkEmailVerified(ctx context.Context, userID uuid.UUID) (*UserAccount, error) {
	var updated *UserAccount
	err := withTransientRetry(ctx, sm.backoff, sm.logger, "email.verified", func(ctx context.Context) error {
		var err error
		updated, err = sm.MarkEmailVerifiedTx(ctx, sm.repo.DB(), userID)
		return err
	})
	if err != nil {
		return nil, asRichError(err, "failed to mark email as verified")
	}

	sm.recordEmailVerified(ctx, updated)
	return updated, nil
}

// MarkEmailVerifiedTx moves pending_email to pending_subscription. Activity
// is not recorded, the caller does it after commit.
func (sm *subscriptionStateMachine) MarkEmailVerifiedTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*UserAccount, error) {
	to, _ := sm.CanTransition(StatePendingEmail, TriggerEmailVerified)
	if to != StatePendingSubscription {
		return nil, NewInternalError(nil, "email verification transition is not configured")
	}

	updated, err := sm.repo.UserAccounts().MarkEmailVerifiedTx(ctx, tx, userID, sm.now())
	if err != nil {
		if errors.Is(err, errConcurrentUpdate) {
			sm.logger.Warn("email verification ignored, account is not pending_email", "user_id", userID)
			return nil, NewConflictingState(ReasonNotPendingEmail).
				WithMetadata(map[string]any{"user_id": userID.String()})
		}
		return nil, err
	}
	return updated, nil
}

func (sm *subscriptionStateMachine) recordEmailVerified(ctx context.Context, account *UserAccount) {
	if account == nil {
		return
	}
	recordActivity(ctx, sm.activitySink, sm.logger, ActivityEvent{
		EventType:  ActivityEmailVerified,
		Actor:      actorUser(account.ID.String()),
		UserID:     account.ID.String(),
		FromState:  StatePendingEmail,
		ToState:    account.SubscriptionState,
		OccurredAt: sm.now(),
	})
}

func (sm *subscriptionStateMachine) recordOutcome(ctx context.Context, out Outcome) {
	userID := ""
	if out.UserID != nil {
		userID = out.UserID.String()
	}

	recordActivity(ctx, sm.activitySink, sm.logger, ActivityEvent{
		EventType: ActivityWebhookEventRecorded,
		Actor:     actorProcessor,
		UserID:    userID,
		FromState: out.From,
		ToState:   out.To,
		Metadata: map[string]any{
			"event_id":   out.EventID,
			"event_type": out.EventType,
			"outcome":    out.Outcome,
			"reason":     out.Reason,
		},
		OccurredAt: sm.now(),
	})

	if out.Outcome == OutcomeApplied && out.From != out.To {
		recordActivity(ctx, sm.activitySink, sm.logger, ActivityEvent{
			EventType:  ActivityStateChanged,
			Actor:      actorProcessor,
			UserID:     userID,
			FromState:  out.From,
			ToState:    out.To,
			Metadata:   map[string]any{"event_id": out.EventID},
			OccurredAt: sm.now(),
		})
	}
}

func duplicateOutcome(existing *ProcessedWebhookEvent) Outcome {
	if existing == nil {
		return Outcome{Duplicate: true}
	}
	return Outcome{
		EventID:   existing.EventID,
		EventType: existing.EventType,
		Outcome:   existing.Outcome,
		Reason:    existing.Reason,
		UserID:    existing.UserID,
		From:      existing.FromState,
		To:        existing.ToState,
		Duplicate: true,
	}
}
