package lifecycle

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type FinalizePasswordResetMessage struct {
	Token    string `json:"token" doc:"Secret from the reset link."`
	Password string `json:"password" example:"correct horse battery" doc:"New password."`
	IP       string `json:"-"`
}

func (e FinalizePasswordResetMessage) Type() string { return "account.password_reset.finalize" }

func (e FinalizePasswordResetMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Token, validation.Required),
		validation.Field(&e.Password, validation.Required, validation.Length(minPasswordLength, maxPasswordLength)),
	)
}

type FinalizePasswordResetHandler struct {
	o *Orchestrator
}

func (h *FinalizePasswordResetHandler) Execute(ctx context.Context, event FinalizePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during password reset")
	default:
		return h.execute(ctx, event)
	}
}

func (h *FinalizePasswordResetHandler) execute(ctx context.Context, event FinalizePasswordResetMessage) error {
	o := h.o

	if err := o.limit(ctx, o.cfg.Policies.ResetPassword, ActionResetPassword, event.IP); err != nil {
		return err
	}

	// validate before the token is consumed so a weak password keeps the link usable
	if err := event.Validate(); err != nil {
		return NewValidationError("invalid password reset", map[string]any{"fields": err.Error()})
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HandlerTimeout)
	defer cancel()

	passwordHash, err := o.deps.Hasher.HashPassword(event.Password)
	if err != nil {
		return NewInternalError(err, "failed to hash password")
	}

	var userID uuid.UUID
	var invalidated int64

	err = o.inTx(ctx, "account.password_reset.finalize", func(ctx context.Context, tx bun.Tx) error {
		validated, err := o.deps.Vault.ValidateTx(ctx, tx, event.Token, PurposePasswordReset)
		if err != nil {
			return err
		}
		userID = validated.SubjectUserID

		if err := o.deps.Repo.UserAccounts().UpdatePasswordTx(ctx, tx, userID, passwordHash); err != nil {
			if IsNotFound(err) {
				return NewNotFoundOrExpired(TokenReasonNotFound)
			}
			return err
		}

		invalidated, err = o.deps.Vault.InvalidateAllTx(ctx, tx, userID, PurposePasswordReset)
		return err
	})

	if err != nil {
		return asRichError(err, "failed to finalize password reset")
	}

	o.activity(ctx, ActivityEvent{
		EventType: ActivityPasswordReset,
		Actor:     actorUser(userID.String()),
		UserID:    userID.String(),
		Metadata: map[string]any{
			"invalidated_tokens": invalidated,
		},
	})
	return nil
}
