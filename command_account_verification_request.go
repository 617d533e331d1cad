package lifecycle

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccountVerificationMessage asks for a new verification link. Either the
// account id or the email identifies the account.
type AccountVerificationMessage struct {
	UserID uuid.UUID `json:"user_id,omitempty" doc:"Account id."`
	Email  string    `json:"email,omitempty" example:"pepe.rone@example.com" doc:"Account email."`
	IP     string    `json:"-"`
}

func (e AccountVerificationMessage) Type() string { return "account.verification_request" }

func (e AccountVerificationMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Email, validation.Length(0, 254), is.Email),
	)
}

func (e AccountVerificationMessage) identifier() string {
	if e.UserID != uuid.Nil {
		return e.UserID.String()
	}
	return e.Email
}

type AccountVerificationHandler struct {
	o *Orchestrator
}

func (h *AccountVerificationHandler) Execute(ctx context.Context, event AccountVerificationMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during account verification request")
	default:
		return h.execute(ctx, event)
	}
}

func (h *AccountVerificationHandler) execute(ctx context.Context, event AccountVerificationMessage) error {
	o := h.o

	event.Email = NormalizeEmail(event.Email)
	if event.UserID == uuid.Nil && event.Email == "" {
		return NewValidationError("account id or email is required", nil)
	}
	if err := event.Validate(); err != nil {
		return NewValidationError("invalid verification request", map[string]any{"fields": err.Error()})
	}

	if err := o.limit(ctx, o.cfg.Policies.ResendVerification, ActionResendVerification, event.identifier()); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HandlerTimeout)
	defer cancel()

	var account *UserAccount
	var issued IssuedToken

	err := o.inTx(ctx, "account.verification_request", func(ctx context.Context, tx bun.Tx) error {
		account = nil
		accounts := o.deps.Repo.UserAccounts()

		var err error
		if event.UserID != uuid.Nil {
			account, err = accounts.FindByIDTx(ctx, tx, event.UserID)
		} else {
			account, err = accounts.FindByEmailTx(ctx, tx, event.Email)
		}
		if err != nil {
			if IsNotFound(err) {
				account = nil
				return nil
			}
			return err
		}

		// verified accounts get the same answer as unknown ones
		if account.IsEmailVerified() || account.SubscriptionState != StatePendingEmail {
			account = nil
			return nil
		}

		issued, err = o.deps.Vault.IssueTx(ctx, tx, account.ID, PurposeEmailVerification, o.cfg.EmailVerificationTTL)
		if err != nil {
			return err
		}

		return o.send(ctx, TemplateVerifyEmail, account.Email, map[string]any{
			"verify_url": o.link("/verify-email", issued.Secret),
			"expires_at": issued.ExpiresAt,
		})
	})
	if err != nil {
		return asRichError(err, "failed to resend verification")
	}

	if account != nil {
		o.activity(ctx, ActivityEvent{
			EventType: ActivityTokenIssued,
			Actor:     actorUser(account.ID.String()),
			UserID:    account.ID.String(),
			Metadata: map[string]any{
				"purpose":    PurposeEmailVerification,
				"token_id":   issued.TokenID.String(),
				"expires_at": issued.ExpiresAt,
			},
		})
	}
	return nil
}
