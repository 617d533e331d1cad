package lifecycle

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

type LoginMessage struct {
	Email      string `json:"email" example:"pepe.rone@example.com" doc:"Account email."`
	Password   string `json:"password" doc:"Account password."`
	IP         string `json:"-"`
	OnResponse func(resp *LoginResponse)
}

func (e LoginMessage) Type() string { return "account.login" }

func (e LoginMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Email, validation.Required, validation.Length(3, 254)),
		validation.Field(&e.Password, validation.Required, validation.Length(1, maxPasswordLength)),
	)
}

type LoginResponse struct {
	UserID    uuid.UUID         `json:"user_id"`
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	State     SubscriptionState `json:"state"`
	Verified  bool              `json:"email_verified"`
}

type LoginHandler struct {
	o *Orchestrator
}

func (h *LoginHandler) Execute(ctx context.Context, event LoginMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during login")
	default:
		return h.execute(ctx, event)
	}
}

func (h *LoginHandler) execute(ctx context.Context, event LoginMessage) error {
	o := h.o

	if o.deps.Sessions == nil {
		return NewInternalError(nil, "login requires a session token service")
	}

	event.Email = NormalizeEmail(event.Email)

	if err := o.limit(ctx, o.cfg.Policies.LoginIP, ActionLoginIP, event.IP); err != nil {
		return err
	}
	if err := o.limit(ctx, o.cfg.Policies.LoginEmail, ActionLogin, event.Email); err != nil {
		return err
	}

	if err := event.Validate(); err != nil {
		return NewInvalidCredentials()
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HandlerTimeout)
	defer cancel()

	var account *UserAccount
	err := withTransientRetry(ctx, o.cfg.RetryBackoff, o.deps.Logger, "account.login", func(ctx context.Context) error {
		var err error
		account, err = o.deps.Repo.UserAccounts().FindByEmailTx(ctx, o.deps.Repo.DB(), event.Email)
		return err
	})

	if err != nil {
		if !IsNotFound(err) {
			return asRichError(err, "failed to load account")
		}
		// burn the same time as a real compare
		_ = o.deps.Hasher.ComparePasswordAndHash(event.Password, o.dummyPasswordHash())
		h.failed(ctx, "", "unknown_account")
		return NewInvalidCredentials()
	}

	if err := o.deps.Hasher.ComparePasswordAndHash(event.Password, account.PasswordHash); err != nil {
		h.failed(ctx, account.ID.String(), "password_mismatch")
		return NewInvalidCredentials()
	}

	token, expiresAt, err := o.deps.Sessions.Generate(account)
	if err != nil {
		return asRichError(err, "failed to create session")
	}

	o.activity(ctx, ActivityEvent{
		EventType: ActivityLoginSuccess,
		Actor:     actorUser(account.ID.String()),
		UserID:    account.ID.String(),
		ToState:   account.SubscriptionState,
	})

	if event.OnResponse != nil {
		event.OnResponse(&LoginResponse{
			UserID:    account.ID,
			Token:     token,
			ExpiresAt: expiresAt,
			State:     account.SubscriptionState,
			Verified:  account.IsEmailVerified(),
		})
	}
	return nil
}

func (h *LoginHandler) failed(ctx context.Context, userID, reason string) {
	h.o.deps.Logger.Warn("login failed", "reason", reason, "user_id", userID)
	h.o.activity(ctx, ActivityEvent{
		EventType: ActivityLoginFailure,
		Actor:     actorSystem,
		UserID:    userID,
		Metadata:  map[string]any{"reason": reason},
	})
}
