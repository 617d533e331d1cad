package lifecycle

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
)

// ReceiveWebhookMessage carries the raw body exactly as received, the
// signature covers these bytes.
type ReceiveWebhookMessage struct {
	Payload         []byte
	SignatureHeader string
	OnResponse      func(resp *Outcome)
}

func (e ReceiveWebhookMessage) Type() string { return "webhook.receive" }

type ReceiveWebhookHandler struct {
	o *Orchestrator
}

func (h *ReceiveWebhookHandler) Execute(ctx context.Context, event ReceiveWebhookMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during webhook processing")
	default:
		return h.execute(ctx, event)
	}
}

func (h *ReceiveWebhookHandler) execute(ctx context.Context, event ReceiveWebhookMessage) error {
	o := h.o

	if o.deps.Verifier == nil {
		return NewInternalError(nil, "webhook verifier is not configured")
	}

	parsed, err := o.deps.Verifier.Verify(event.Payload, event.SignatureHeader)
	if err != nil {
		kind := ClassifyError(err)
		if kind == KindValidation {
			// authentic but malformed, redelivery will not fix it
			o.deps.Logger.Error("malformed webhook payload", "error", err)
			return err
		}

		o.deps.Logger.Warn("webhook signature rejected", "error", err, "bytes", len(event.Payload))
		o.activity(ctx, ActivityEvent{
			EventType: ActivityWebhookRejected,
			Actor:     actorSystem,
			Metadata:  map[string]any{"bytes": len(event.Payload)},
		})
		if kind == KindSignatureInvalid {
			return err
		}
		return NewSignatureInvalid(err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HandlerTimeout)
	defer cancel()

	out, err := o.deps.StateMachine.ApplyWebhookEvent(ctx, parsed)
	if err != nil {
		return err
	}

	if event.OnResponse != nil {
		event.OnResponse(&out)
	}
	return nil
}
