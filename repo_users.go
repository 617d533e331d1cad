package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var UpdatePasswordSQL = `UPDATE "user_accounts"
SET
	"password_hash" = ?,
	"updated_at" = ?
WHERE
	"id" = ?
RETURNING *;`

var MarkEmailVerifiedSQL = `UPDATE "user_accounts"
SET
	"subscription_state" = ?,
	"email_verified_at" = COALESCE("email_verified_at", ?),
	"updated_at" = ?
WHERE
	"id" = ?
AND "subscription_state" = ?
RETURNING *;`

// TransitionStateSQL is the conditional lifecycle write: it only matches when
// the row is still in the expected state and no newer event was applied.
var TransitionStateSQL = `UPDATE "user_accounts"
SET
	"subscription_state" = ?,
	"last_event_at" = ?,
	"payment_customer_ref" = COALESCE(?, "payment_customer_ref", ?),
	"updated_at" = ?
WHERE
	"id" = ?
AND "subscription_state" = ?
AND ("last_event_at" IS NULL OR "last_event_at" <= ?)
RETURNING *;`

// NoteEventSQL records an event that did not change the state. The event
// time only moves last_event_at forward and a bound customer is kept.
var NoteEventSQL = `UPDATE "user_accounts"
SET
	"last_event_at" = CASE
		WHEN "last_event_at" IS NULL OR "last_event_at" < ? THEN ?
		ELSE "last_event_at"
	END,
	"payment_customer_ref" = COALESCE("payment_customer_ref", ?),
	"updated_at" = ?
WHERE
	"id" = ?
RETURNING *;`

// StateWrite describes a conditional state change. BindRef fills an empty
// customer ref, with ReplaceRef it overwrites the current one.
type StateWrite struct {
	ID         uuid.UUID
	From       SubscriptionState
	To         SubscriptionState
	EventAt    time.Time
	BindRef    string
	ReplaceRef bool
	WrittenAt  time.Time
}

// EventNote describes an event recorded without a state change. A nil
// EventAt leaves last_event_at alone.
type EventNote struct {
	ID        uuid.UUID
	EventAt   *time.Time
	BindRef   string
	WrittenAt time.Time
}

type UserAccounts interface {
	repository.Repository[*UserAccount]

	RegisterTx(ctx context.Context, tx bun.IDB, record *UserAccount) (*UserAccount, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*UserAccount, error)
	FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*UserAccount, error)
	FindByCustomerRefTx(ctx context.Context, tx bun.IDB, ref string) (*UserAccount, error)

	UpdatePasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error
	MarkEmailVerifiedTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (*UserAccount, error)
	TransitionStateTx(ctx context.Context, tx bun.IDB, w StateWrite) (*UserAccount, error)
	NoteEventTx(ctx context.Context, tx bun.IDB, n EventNote) (*UserAccount, error)
}

type userAccounts struct {
	repository.Repository[*UserAccount]
	db *bun.DB
}

var (
	_ UserAccounts                        = (*userAccounts)(nil)
	_ repository.Repository[*UserAccount] = (*userAccounts)(nil)
)

func NewUserAccountsRepository(db *bun.DB) UserAccounts {
	repo := repository.NewRepository[*UserAccount](db, repository.ModelHandlers[*UserAccount]{
		NewRecord: func() *UserAccount { return &UserAccount{} },
		GetID: func(u *UserAccount) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *UserAccount, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &userAccounts{
		Repository: repo,
		db:         db,
	}
}

func (a *userAccounts) RegisterTx(ctx context.Context, tx bun.IDB, record *UserAccount) (*UserAccount, error) {
	if tx == nil {
		tx = a.db
	}
	prepareAccountDefaults(record, time.Now())
	// raw insert so callers can see the driver's unique violation
	if _, err := tx.NewInsert().Model(record).Returning("*").Exec(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

func (a *userAccounts) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*UserAccount, error) {
	return a.findOne(ctx, tx, "id", id)
}

func (a *userAccounts) FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*UserAccount, error) {
	return a.findOne(ctx, tx, "email", NormalizeEmail(email))
}

func (a *userAccounts) FindByCustomerRefTx(ctx context.Context, tx bun.IDB, ref string) (*UserAccount, error) {
	return a.findOne(ctx, tx, "payment_customer_ref", ref)
}

func (a *userAccounts) findOne(ctx context.Context, tx bun.IDB, column string, value any) (*UserAccount, error) {
	if tx == nil {
		tx = a.db
	}

	record := &UserAccount{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					column: value,
				})
		}
		return nil, err
	}
	return record, nil
}

func (a *userAccounts) UpdatePasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error {
	res, err := a.Repository.RawTx(ctx, tx, UpdatePasswordSQL, passwordHash, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	if len(res) == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}
	return nil
}

// MarkEmailVerifiedTx moves a pending_email account forward. It returns
// errConcurrentUpdate when the account is in any other state.
func (a *userAccounts) MarkEmailVerifiedTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (*UserAccount, error) {
	at = at.UTC()
	res, err := a.Repository.RawTx(ctx, tx, MarkEmailVerifiedSQL,
		StatePendingSubscription, at, at, id, StatePendingEmail)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, errConcurrentUpdate
	}
	return res[0], nil
}

// TransitionStateTx applies w only when the row still matches w.From and the
// event is not older than the last applied one.
func (a *userAccounts) TransitionStateTx(ctx context.Context, tx bun.IDB, w StateWrite) (*UserAccount, error) {
	var replaceRef, bindRef *string
	if w.BindRef != "" {
		if w.ReplaceRef {
			replaceRef = &w.BindRef
		} else {
			bindRef = &w.BindRef
		}
	}

	writtenAt := w.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now()
	}
	eventAt := w.EventAt.UTC()

	res, err := a.Repository.RawTx(ctx, tx, TransitionStateSQL,
		w.To, eventAt, replaceRef, bindRef, writtenAt.UTC(), w.ID, w.From, eventAt)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, errConcurrentUpdate
	}
	return res[0], nil
}

func (a *userAccounts) NoteEventTx(ctx context.Context, tx bun.IDB, n EventNote) (*UserAccount, error) {
	var eventAt *time.Time
	if n.EventAt != nil {
		at := n.EventAt.UTC()
		eventAt = &at
	}
	var bindRef *string
	if n.BindRef != "" {
		bindRef = &n.BindRef
	}

	writtenAt := n.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now()
	}

	res, err := a.Repository.RawTx(ctx, tx, NoteEventSQL,
		eventAt, eventAt, bindRef, writtenAt.UTC(), n.ID)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": n.ID.String(),
			})
	}
	return res[0], nil
}

func prepareAccountDefaults(record *UserAccount, now time.Time) {
	if record == nil {
		return
	}

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	record.Email = NormalizeEmail(record.Email)

	if record.SubscriptionState == "" {
		record.SubscriptionState = StatePendingEmail
	}

	now = now.UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
}

// IsNotFound reports a missing account
func IsNotFound(err error) bool {
	return err != nil && (repository.IsRecordNotFound(err) || errors.Is(err, sql.ErrNoRows))
}
