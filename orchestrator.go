package lifecycle

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultHandlerTimeout = 10 * time.Second

// RateLimitPolicies are the ceilings of every guarded entry point
type RateLimitPolicies struct {
	LoginIP            RateLimitPolicy
	LoginEmail         RateLimitPolicy
	Register           RateLimitPolicy
	VerifyEmail        RateLimitPolicy
	ResendVerification RateLimitPolicy
	ForgotPassword     RateLimitPolicy
	ForgotPasswordIP   RateLimitPolicy
	ResetPassword      RateLimitPolicy
}

// OrchestratorConfig holds the non collaborator settings
type OrchestratorConfig struct {
	BaseURL              string
	EmailVerificationTTL time.Duration
	PasswordResetTTL     time.Duration
	Policies             RateLimitPolicies
	RetryBackoff         time.Duration
	HandlerTimeout       time.Duration
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.EmailVerificationTTL <= 0 {
		c.EmailVerificationTTL = 24 * time.Hour
	}
	if c.PasswordResetTTL <= 0 {
		c.PasswordResetTTL = time.Hour
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = defaultHandlerTimeout
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Dependencies are the collaborators composed by the orchestrator
type Dependencies struct {
	Repo         RepositoryManager
	Vault        *TokenVault
	Limiter      RateLimiter
	StateMachine SubscriptionStateMachine
	Mailer       Mailer
	Hasher       PasswordHasher
	Sessions     *SessionTokens
	Verifier     WebhookVerifier
	Activity     ActivitySink
	Logger       Logger
	Clock        func() time.Time
}

func (d Dependencies) validate() error {
	switch {
	case d.Repo == nil:
		return errors.New("orchestrator requires a repository manager")
	case d.Vault == nil:
		return errors.New("orchestrator requires a token vault")
	case d.Limiter == nil:
		return errors.New("orchestrator requires a rate limiter")
	case d.StateMachine == nil:
		return errors.New("orchestrator requires a subscription state machine")
	case d.Mailer == nil:
		return errors.New("orchestrator requires a mailer")
	case d.Hasher == nil:
		return errors.New("orchestrator requires a password hasher")
	}
	return d.Repo.Validate()
}

// Orchestrator is the entry point API: it composes the rate limiter, the
// token vault and the state machine into user visible operations.
type Orchestrator struct {
	deps Dependencies
	cfg  OrchestratorConfig

	register      *RegisterAccountHandler
	verify        *VerifyEmailHandler
	resend        *AccountVerificationHandler
	forgot        *InitializePasswordResetHandler
	reset         *FinalizePasswordResetHandler
	login         *LoginHandler
	receive       *ReceiveWebhookHandler
	dummyHashOnce sync.Once
	dummyHash     string
}

// NewOrchestrator validates the collaborators and builds the handlers.
func NewOrchestrator(deps Dependencies, cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, NewInternalError(err, "invalid orchestrator dependencies")
	}

	deps.Logger = normalizeLogger(deps.Logger)
	deps.Activity = normalizeActivitySink(deps.Activity)
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	cfg = cfg.withDefaults()

	o := &Orchestrator{deps: deps, cfg: cfg}
	o.register = &RegisterAccountHandler{o: o}
	o.verify = &VerifyEmailHandler{o: o}
	o.resend = &AccountVerificationHandler{o: o}
	o.forgot = &InitializePasswordResetHandler{o: o}
	o.reset = &FinalizePasswordResetHandler{o: o}
	o.login = &LoginHandler{o: o}
	o.receive = &ReceiveWebhookHandler{o: o}
	return o, nil
}

// Register creates an account and sends the verification link. The result
// is the same whether or not the email was already registered.
func (o *Orchestrator) Register(ctx context.Context, msg RegisterAccountMessage) (RegisterAccountResponse, error) {
	var out RegisterAccountResponse
	msg.OnResponse = func(r *RegisterAccountResponse) { out = *r }
	err := o.register.Execute(ctx, msg)
	return out, err
}

// VerifyEmail consumes an email_verification token.
func (o *Orchestrator) VerifyEmail(ctx context.Context, msg VerifyEmailMessage) (VerifyEmailResponse, error) {
	var out VerifyEmailResponse
	msg.OnResponse = func(r *VerifyEmailResponse) { out = *r }
	err := o.verify.Execute(ctx, msg)
	return out, err
}

// ResendVerification issues a fresh verification link.
func (o *Orchestrator) ResendVerification(ctx context.Context, msg AccountVerificationMessage) error {
	return o.resend.Execute(ctx, msg)
}

// ForgotPassword sends a reset link when the account exists.
func (o *Orchestrator) ForgotPassword(ctx context.Context, msg InitializePasswordResetMessage) error {
	return o.forgot.Execute(ctx, msg)
}

// ResetPassword consumes a password_reset token and sets the new password.
func (o *Orchestrator) ResetPassword(ctx context.Context, msg FinalizePasswordResetMessage) error {
	return o.reset.Execute(ctx, msg)
}

// Login verifies credentials and returns a session token.
func (o *Orchestrator) Login(ctx context.Context, msg LoginMessage) (LoginResponse, error) {
	var out LoginResponse
	msg.OnResponse = func(r *LoginResponse) { out = *r }
	err := o.login.Execute(ctx, msg)
	return out, err
}

// ReceiveWebhook authenticates and applies a raw processor payload.
func (o *Orchestrator) ReceiveWebhook(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	var out Outcome
	err := o.receive.Execute(ctx, ReceiveWebhookMessage{
		Payload:         payload,
		SignatureHeader: signatureHeader,
		OnResponse:      func(r *Outcome) { out = *r },
	})
	return out, err
}

// Reconcile fetches the processor status and corrects local state.
func (o *Orchestrator) Reconcile(ctx context.Context, userID uuid.UUID) (ReconcileResult, error) {
	result, err := o.deps.StateMachine.Reconcile(ctx, userID)
	if err != nil {
		return ReconcileResult{}, err
	}
	return result, nil
}

// SessionTokens exposes the session service for transports
func (o *Orchestrator) SessionTokens() *SessionTokens {
	return o.deps.Sessions
}

func (o *Orchestrator) now() time.Time {
	return o.deps.Clock().UTC()
}

func (o *Orchestrator) link(path string, token string) string {
	return o.cfg.BaseURL + path + "?token=" + url.QueryEscape(token)
}

func (o *Orchestrator) activity(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = o.now()
	}
	recordActivity(ctx, o.deps.Activity, o.deps.Logger, event)
}

// send delivers a transactional email. Failures are upstream errors so the
// enclosing transaction rolls back and the caller may retry.
func (o *Orchestrator) send(ctx context.Context, templateID, recipient string, vars map[string]any) error {
	if err := o.deps.Mailer.SendTransactionalEmail(ctx, templateID, recipient, vars); err != nil {
		o.deps.Logger.Error("failed to send transactional email", "template", templateID, "error", err)
		return NewUpstreamUnavailable(err, "failed to send email").
			WithMetadata(map[string]any{"template": templateID})
	}
	return nil
}

func (o *Orchestrator) limit(ctx context.Context, policy RateLimitPolicy, action, identifier string) error {
	return checkRateLimit(ctx, o.deps.Limiter, policy, action, identifier)
}

// inTx runs fn in a transaction and retries it once on a transient failure.
func (o *Orchestrator) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx bun.Tx) error) error {
	return withTransientRetry(ctx, o.cfg.RetryBackoff, o.deps.Logger, op, func(ctx context.Context) error {
		return o.deps.Repo.RunInTx(ctx, nil, fn)
	})
}

// dummyPasswordHash is compared against when an account does not exist.
func (o *Orchestrator) dummyPasswordHash() string {
	o.dummyHashOnce.Do(func() {
		o.dummyHash = o.deps.Hasher.RandomPasswordHash()
	})
	return o.dummyHash
}
