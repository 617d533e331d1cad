package lifecycle

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

type InitializePasswordResetMessage struct {
	Email string `json:"email" example:"pepe.rone@example.com" doc:"Account email."`
	IP    string `json:"-"`
}

func (p InitializePasswordResetMessage) Type() string { return "account.password_reset.init" }

func (p InitializePasswordResetMessage) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, validation.Length(6, 254), is.Email),
	)
}

// InitializePasswordResetHandler answers the same way for unknown emails.
type InitializePasswordResetHandler struct {
	o *Orchestrator
}

func (h *InitializePasswordResetHandler) Execute(ctx context.Context, event InitializePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password reset initialization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *InitializePasswordResetHandler) execute(ctx context.Context, event InitializePasswordResetMessage) error {
	o := h.o

	event.Email = NormalizeEmail(event.Email)
	if err := event.Validate(); err != nil {
		return NewValidationError("invalid password reset request", map[string]any{"fields": err.Error()})
	}

	// both ceilings apply before the account lookup
	if err := o.limit(ctx, o.cfg.Policies.ForgotPassword, ActionForgotPassword, event.Email); err != nil {
		return err
	}
	if err := o.limit(ctx, o.cfg.Policies.ForgotPasswordIP, ActionForgotPasswordIP, event.IP); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HandlerTimeout)
	defer cancel()

	var account *UserAccount
	var issued IssuedToken

	err := o.inTx(ctx, "account.password_reset.init", func(ctx context.Context, tx bun.Tx) error {
		var err error
		account, err = o.deps.Repo.UserAccounts().FindByEmailTx(ctx, tx, event.Email)
		if err != nil {
			account = nil
			if IsNotFound(err) {
				return nil
			}
			return err
		}

		issued, err = o.deps.Vault.IssueTx(ctx, tx, account.ID, PurposePasswordReset, o.cfg.PasswordResetTTL)
		if err != nil {
			return err
		}

		return o.send(ctx, TemplatePasswordReset, account.Email, map[string]any{
			"reset_url":  o.link("/reset-password", issued.Secret),
			"expires_at": issued.ExpiresAt,
		})
	})

	if err != nil {
		return asRichError(err, "failed to initialize password reset")
	}

	if account != nil {
		o.activity(ctx, ActivityEvent{
			EventType: ActivityTokenIssued,
			Actor:     actorUser(account.ID.String()),
			UserID:    account.ID.String(),
			Metadata: map[string]any{
				"purpose":    PurposePasswordReset,
				"token_id":   issued.TokenID.String(),
				"expires_at": issued.ExpiresAt,
			},
		})
	}
	return nil
}
