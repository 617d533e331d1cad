package lifecycle

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	minPasswordLength = 10
	maxPasswordLength = 128
)

type RegisterAccountMessage struct {
	Email      string `json:"email" example:"pepe.rone@example.com" doc:"Account email."`
	Password   string `json:"password" example:"correct horse battery" doc:"Account password."`
	IP         string `json:"-"`
	OnResponse func(resp *RegisterAccountResponse)
}

func (e RegisterAccountMessage) Type() string { return "account.register" }

func (e RegisterAccountMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Email, validation.Required, validation.Length(6, 254), is.Email),
		validation.Field(&e.Password, validation.Required, validation.Length(minPasswordLength, maxPasswordLength)),
	)
}

// RegisterAccountResponse is internal, transports must answer the same way
// whether or not the account was created.
type RegisterAccountResponse struct {
	Created bool
	UserID  uuid.UUID
}

type RegisterAccountHandler struct {
	o *Orchestrator
}

func (h *RegisterAccountHandler) Execute(ctx context.Context, event RegisterAccountMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during account registration")
	default:
		return h.execute(ctx, event)
	}
}

func (h *RegisterAccountHandler) execute(ctx context.Context, event RegisterAccountMessage) error {
	o := h.o

	if err := o.limit(ctx, o.cfg.Policies.Register, ActionRegister, event.IP); err != nil {
		return err
	}

	event.Email = NormalizeEmail(event.Email)
	if err := event.Validate(); err != nil {
		return NewValidationError("invalid registration request", map[string]any{"fields": err.Error()})
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HandlerTimeout)
	defer cancel()

	passwordHash, err := o.deps.Hasher.HashPassword(event.Password)
	if err != nil {
		return NewInternalError(err, "failed to hash password")
	}

	resp := &RegisterAccountResponse{}
	var issued IssuedToken

	err = o.inTx(ctx, "account.register", func(ctx context.Context, tx bun.Tx) error {
		*resp = RegisterAccountResponse{}
		accounts := o.deps.Repo.UserAccounts()

		existing, err := accounts.FindByEmailTx(ctx, tx, event.Email)
		if err == nil {
			resp.UserID = existing.ID
			return o.send(ctx, TemplateAccountExists, existing.Email, map[string]any{
				"login_url":  o.cfg.BaseURL + "/login",
				"forgot_url": o.cfg.BaseURL + "/forgot-password",
			})
		}
		if !IsNotFound(err) {
			return err
		}

		account, err := accounts.RegisterTx(ctx, tx, &UserAccount{
			Email:        event.Email,
			PasswordHash: passwordHash,
		})
		if err != nil {
			return err
		}

		issued, err = o.deps.Vault.IssueTx(ctx, tx, account.ID, PurposeEmailVerification, o.cfg.EmailVerificationTTL)
		if err != nil {
			return err
		}

		resp.Created = true
		resp.UserID = account.ID

		// last step, a failed send rolls the account back so the user can retry
		return o.send(ctx, TemplateVerifyEmail, account.Email, map[string]any{
			"verify_url": o.link("/verify-email", issued.Secret),
			"expires_at": issued.ExpiresAt,
		})
	})

	if err != nil {
		if isUniqueViolation(err) {
			// a concurrent registration of the same email won
			o.deps.Logger.Info("registration raced on existing email", "email", event.Email)
			if event.OnResponse != nil {
				event.OnResponse(&RegisterAccountResponse{})
			}
			return nil
		}
		return asRichError(err, "failed to register account")
	}

	if resp.Created {
		o.activity(ctx, ActivityEvent{
			EventType: ActivityAccountRegistered,
			Actor:     actorUser(resp.UserID.String()),
			UserID:    resp.UserID.String(),
			ToState:   StatePendingEmail,
		})
		o.activity(ctx, ActivityEvent{
			EventType: ActivityTokenIssued,
			Actor:     actorSystem,
			UserID:    resp.UserID.String(),
			Metadata: map[string]any{
				"purpose":    PurposeEmailVerification,
				"token_id":   issued.TokenID.String(),
				"expires_at": issued.ExpiresAt,
			},
		})
	}

	if event.OnResponse != nil {
		event.OnResponse(resp)
	}
	return nil
}
