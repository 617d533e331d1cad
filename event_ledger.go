package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// The insert is the race breaking primitive: a conflicting event id returns
// no row, so two concurrent deliveries can not both claim the event.
const claimEventSQL = `INSERT INTO processed_webhook_events (event_id, event_type, received_at, event_created_at, outcome, reason)
VALUES (?, ?, ?, ?, ?, '')
ON CONFLICT (event_id) DO NOTHING
RETURNING event_id`

const finalizeEventSQL = `UPDATE processed_webhook_events
SET outcome = ?, reason = ?, user_id = ?, from_state = ?, to_state = ?
WHERE event_id = ? AND outcome = ?`

const pruneEventsSQL = `DELETE FROM processed_webhook_events WHERE received_at < ?`

// LedgerResult is what Finalize stores for a claimed event. From and To are
// the account state around the event, equal when nothing changed.
type LedgerResult struct {
	Outcome EventOutcome
	Reason  string
	UserID  *uuid.UUID
	From    SubscriptionState
	To      SubscriptionState
}

// LedgerRecord is the result of RecordIfNew
type LedgerRecord struct {
	IsNew    bool
	Existing *ProcessedWebhookEvent
}

// EventLedger records which webhook events were durably processed.
type EventLedger struct {
	db  *bun.DB
	now func() time.Time
}

// EventLedgerOption customizes the ledger
type EventLedgerOption func(*EventLedger)

// WithEventLedgerClock injects a custom clock (useful for tests).
func WithEventLedgerClock(clock func() time.Time) EventLedgerOption {
	return func(l *EventLedger) {
		if clock != nil {
			l.now = clock
		}
	}
}

// NewEventLedger creates a ledger over processed_webhook_events
func NewEventLedger(db *bun.DB, opts ...EventLedgerOption) *EventLedger {
	l := &EventLedger{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// RecordIfNew claims eventID. When the event was seen before the stored row
// is returned in Existing. The claimed row stays pending until Finalize is
// called in the same transaction.
func (l *EventLedger) RecordIfNew(ctx context.Context, idb bun.IDB, eventID, eventType string, createdAt time.Time) (LedgerRecord, error) {
	if idb == nil {
		idb = l.db
	}
	if eventID == "" {
		return LedgerRecord{}, NewValidationError("webhook event id is required", nil)
	}

	var eventCreatedAt *time.Time
	if !createdAt.IsZero() {
		t := createdAt.UTC()
		eventCreatedAt = &t
	}

	var claimed string
	err := idb.NewRaw(claimEventSQL, eventID, eventType, l.now().UTC(), eventCreatedAt, outcomePending).Scan(ctx, &claimed)
	if err == nil {
		return LedgerRecord{IsNew: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return LedgerRecord{}, err
	}

	existing, err := l.Lookup(ctx, idb, eventID)
	if err != nil {
		return LedgerRecord{}, err
	}
	return LedgerRecord{IsNew: false, Existing: existing}, nil
}

// Finalize stores the outcome of a claimed event
func (l *EventLedger) Finalize(ctx context.Context, idb bun.IDB, eventID string, result LedgerResult) error {
	if idb == nil {
		idb = l.db
	}
	res, err := idb.ExecContext(ctx, finalizeEventSQL,
		result.Outcome, result.Reason, result.UserID, result.From, result.To, eventID, outcomePending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return NewInternalError(nil, "webhook event was not claimed before finalize")
	}
	return nil
}

// Lookup returns a ledger row
func (l *EventLedger) Lookup(ctx context.Context, idb bun.IDB, eventID string) (*ProcessedWebhookEvent, error) {
	if idb == nil {
		idb = l.db
	}
	record := &ProcessedWebhookEvent{}
	err := idb.NewSelect().
		Model(record).
		Where("?TableAlias.event_id = ?", eventID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Prune deletes rows received before the cutoff.
func (l *EventLedger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, pruneEventsSQL, cutoff.UTC())
	if err != nil {
		return 0, asRichError(err, "failed to prune webhook event ledger")
	}
	return res.RowsAffected()
}
