package lifecycle

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type VerifyEmailMessage struct {
	Token      string `json:"token" doc:"Secret from the verification link."`
	IP         string `json:"-"`
	OnResponse func(resp *VerifyEmailResponse)
}

func (e VerifyEmailMessage) Type() string { return "account.verify_email" }

type VerifyEmailResponse struct {
	UserID uuid.UUID         `json:"user_id"`
	State  SubscriptionState `json:"state"`
}

// VerifyEmailHandler consumes the token and moves the account forward in
// the same transaction, a conflict rolls the token consumption back.
type VerifyEmailHandler struct {
	o *Orchestrator
}

func (h *VerifyEmailHandler) Execute(ctx context.Context, event VerifyEmailMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during email verification")
	default:
		return h.execute(ctx, event)
	}
}

func (h *VerifyEmailHandler) execute(ctx context.Context, event VerifyEmailMessage) error {
	o := h.o

	if err := o.limit(ctx, o.cfg.Policies.VerifyEmail, ActionVerifyEmail, event.IP); err != nil {
		return err
	}

	if event.Token == "" {
		return NewValidationError("verification token is required", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HandlerTimeout)
	defer cancel()

	var account *UserAccount
	err := o.inTx(ctx, "account.verify_email", func(ctx context.Context, tx bun.Tx) error {
		validated, err := o.deps.Vault.ValidateTx(ctx, tx, event.Token, PurposeEmailVerification)
		if err != nil {
			return err
		}

		account, err = o.deps.StateMachine.MarkEmailVerifiedTx(ctx, tx, validated.SubjectUserID)
		return err
	})
	if err != nil {
		return asRichError(err, "failed to verify email")
	}

	o.activity(ctx, ActivityEvent{
		EventType: ActivityEmailVerified,
		Actor:     actorUser(account.ID.String()),
		UserID:    account.ID.String(),
		FromState: StatePendingEmail,
		ToState:   account.SubscriptionState,
	})

	if event.OnResponse != nil {
		event.OnResponse(&VerifyEmailResponse{
			UserID: account.ID,
			State:  account.SubscriptionState,
		})
	}
	return nil
}
