package lifecycle

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// DefaultSignatureHeader is read when the verifier is not Stripe
const DefaultSignatureHeader = "X-Signature"

// StripeSignatureHeader carries Stripe webhook signatures
const StripeSignatureHeader = "Stripe-Signature"

type LifecycleControllerRoutes struct {
	Register           string
	VerifyEmail        string
	ResendVerification string
	ForgotPassword     string
	ResetPassword      string
	Login              string
	Webhook            string
	Reconcile          string
}

type LifecycleController struct {
	Orchestrator    *Orchestrator
	Logger          Logger
	Routes          *LifecycleControllerRoutes
	SignatureHeader string
	MaxBodyBytes    int
	ErrorHandler    func(c *fiber.Ctx, err error) error

	// SessionMiddleware runs before handlers that need a session
	SessionMiddleware []fiber.Handler
}

type LifecycleControllerOption func(*LifecycleController) *LifecycleController

func WithControllerLogger(logger Logger) LifecycleControllerOption {
	return func(lc *LifecycleController) *LifecycleController {
		if logger != nil {
			lc.Logger = logger
		}
		return lc
	}
}

func WithControllerRoutes(routes *LifecycleControllerRoutes) LifecycleControllerOption {
	return func(lc *LifecycleController) *LifecycleController {
		if routes != nil {
			lc.Routes = routes
		}
		return lc
	}
}

func WithSignatureHeader(header string) LifecycleControllerOption {
	return func(lc *LifecycleController) *LifecycleController {
		if header != "" {
			lc.SignatureHeader = header
		}
		return lc
	}
}

func WithMaxBodyBytes(n int) LifecycleControllerOption {
	return func(lc *LifecycleController) *LifecycleController {
		if n > 0 {
			lc.MaxBodyBytes = n
		}
		return lc
	}
}

func WithControllerErrorHandler(handler func(c *fiber.Ctx, err error) error) LifecycleControllerOption {
	return func(lc *LifecycleController) *LifecycleController {
		if handler != nil {
			lc.ErrorHandler = handler
		}
		return lc
	}
}

// WithSessionMiddleware puts handlers, usually jwtware, in front of session routes.
func WithSessionMiddleware(handlers ...fiber.Handler) LifecycleControllerOption {
	return func(lc *LifecycleController) *LifecycleController {
		for _, h := range handlers {
			if h != nil {
				lc.SessionMiddleware = append(lc.SessionMiddleware, h)
			}
		}
		return lc
	}
}

func NewLifecycleController(o *Orchestrator, opts ...LifecycleControllerOption) *LifecycleController {
	lc := &LifecycleController{
		Orchestrator:    o,
		Logger:          defLogger{},
		SignatureHeader: DefaultSignatureHeader,
		MaxBodyBytes:    64 * 1024,
		ErrorHandler:    WriteError,
		Routes: &LifecycleControllerRoutes{
			Register:           "/register",
			VerifyEmail:        "/verify-email",
			ResendVerification: "/verify-email/resend",
			ForgotPassword:     "/forgot-password",
			ResetPassword:      "/reset-password",
			Login:              "/login",
			Webhook:            "/webhooks/payments",
			Reconcile:          "/accounts/:id/reconcile",
		},
	}

	for _, opt := range opts {
		if opt != nil {
			lc = opt(lc)
		}
	}
	return lc
}

// RegisterLifecycleRoutes mounts the controller on a fiber router
func RegisterLifecycleRoutes(app fiber.Router, lc *LifecycleController) {
	app.Post(lc.Routes.Register, lc.RegisterPost)
	app.Get(lc.Routes.VerifyEmail, lc.VerifyEmailGet)
	app.Post(lc.Routes.ResendVerification, lc.ResendVerificationPost)
	app.Post(lc.Routes.ForgotPassword, lc.ForgotPasswordPost)
	app.Post(lc.Routes.ResetPassword, lc.ResetPasswordPost)
	app.Post(lc.Routes.Login, lc.LoginPost)
	app.Post(lc.Routes.Webhook, lc.WebhookPost)

	reconcile := make([]fiber.Handler, 0, len(lc.SessionMiddleware)+1)
	reconcile = append(reconcile, lc.SessionMiddleware...)
	reconcile = append(reconcile, lc.ReconcilePost)
	app.Post(lc.Routes.Reconcile, reconcile...)
}

type credentialsPayload struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

type tokenPayload struct {
	Token    string `json:"token" form:"token"`
	Password string `json:"password" form:"password"`
}

type resendPayload struct {
	UserID string `json:"user_id" form:"user_id"`
	Email  string `json:"email" form:"email"`
}

// acceptedBody is identical for known and unknown accounts
var acceptedBody = fiber.Map{
	"status":  "accepted",
	"message": "if the address can receive email, a message is on its way",
}

func (lc *LifecycleController) RegisterPost(c *fiber.Ctx) error {
	payload := credentialsPayload{}
	if err := c.BodyParser(&payload); err != nil {
		return lc.fail(c, NewValidationError("invalid request body", nil))
	}

	_, err := lc.Orchestrator.Register(c.UserContext(), RegisterAccountMessage{
		Email:    payload.Email,
		Password: payload.Password,
		IP:       c.IP(),
	})
	if err != nil {
		return lc.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(acceptedBody)
}

func (lc *LifecycleController) VerifyEmailGet(c *fiber.Ctx) error {
	resp, err := lc.Orchestrator.VerifyEmail(c.UserContext(), VerifyEmailMessage{
		Token: c.Query("token"),
		IP:    c.IP(),
	})
	if err != nil {
		return lc.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"status": "verified",
		"state":  resp.State,
	})
}

func (lc *LifecycleController) ResendVerificationPost(c *fiber.Ctx) error {
	payload := resendPayload{}
	if err := c.BodyParser(&payload); err != nil {
		return lc.fail(c, NewValidationError("invalid request body", nil))
	}

	msg := AccountVerificationMessage{Email: payload.Email, IP: c.IP()}
	if payload.UserID != "" {
		id, err := uuid.Parse(payload.UserID)
		if err != nil {
			return lc.fail(c, NewValidationError("invalid account id", nil))
		}
		msg.UserID = id
	}

	if err := lc.Orchestrator.ResendVerification(c.UserContext(), msg); err != nil {
		return lc.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(acceptedBody)
}

func (lc *LifecycleController) ForgotPasswordPost(c *fiber.Ctx) error {
	payload := credentialsPayload{}
	if err := c.BodyParser(&payload); err != nil {
		return lc.fail(c, NewValidationError("invalid request body", nil))
	}

	err := lc.Orchestrator.ForgotPassword(c.UserContext(), InitializePasswordResetMessage{
		Email: payload.Email,
		IP:    c.IP(),
	})
	if err != nil {
		return lc.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(acceptedBody)
}

func (lc *LifecycleController) ResetPasswordPost(c *fiber.Ctx) error {
	payload := tokenPayload{}
	if err := c.BodyParser(&payload); err != nil {
		return lc.fail(c, NewValidationError("invalid request body", nil))
	}
	if payload.Token == "" {
		payload.Token = c.Query("token")
	}

	err := lc.Orchestrator.ResetPassword(c.UserContext(), FinalizePasswordResetMessage{
		Token:    payload.Token,
		Password: payload.Password,
		IP:       c.IP(),
	})
	if err != nil {
		return lc.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "password_updated"})
}

func (lc *LifecycleController) LoginPost(c *fiber.Ctx) error {
	payload := credentialsPayload{}
	if err := c.BodyParser(&payload); err != nil {
		return lc.fail(c, NewValidationError("invalid request body", nil))
	}

	resp, err := lc.Orchestrator.Login(c.UserContext(), LoginMessage{
		Email:    payload.Email,
		Password: payload.Password,
		IP:       c.IP(),
	})
	if err != nil {
		return lc.fail(c, err)
	}
	return c.JSON(resp)
}

// WebhookPost hands the untouched body to the verifier.
func (lc *LifecycleController) WebhookPost(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) > lc.MaxBodyBytes {
		return lc.fail(c, NewValidationError("webhook payload too large", map[string]any{"bytes": len(body)}))
	}

	// fiber reuses the request buffer once the handler returns
	payload := append([]byte(nil), body...)

	out, err := lc.Orchestrator.ReceiveWebhook(c.UserContext(), payload, c.Get(lc.SignatureHeader))
	if err != nil {
		return lc.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"received":  true,
		"outcome":   out.Outcome,
		"duplicate": out.Duplicate,
	})
}

// ReconcilePost requires a session whose subject is the account reconciled.
func (lc *LifecycleController) ReconcilePost(c *fiber.Ctx) error {
	userID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return lc.fail(c, NewValidationError("invalid account id", nil))
	}

	claims, ok := requestClaims(c)
	if !ok {
		sessions := lc.Orchestrator.SessionTokens()
		if sessions == nil {
			return lc.fail(c, NewInternalError(nil, "session token service is not configured"))
		}
		claims, err = sessions.Validate(bearerToken(c.Get(fiber.HeaderAuthorization)))
		if err != nil {
			return lc.fail(c, err)
		}
	}
	if subject, err := claims.UserID(); err != nil || subject != userID {
		return lc.fail(c, NewInvalidCredentials())
	}

	result, err := lc.Orchestrator.Reconcile(c.UserContext(), userID)
	if err != nil {
		return lc.fail(c, err)
	}
	return c.JSON(result)
}

func (lc *LifecycleController) fail(c *fiber.Ctx, err error) error {
	kind := ClassifyError(err)
	switch kind {
	case KindInternal, KindUpstreamUnavailable:
		lc.Logger.Error("request failed", "path", c.Path(), "kind", kind, "error", err)
	case KindSignatureInvalid:
		lc.Logger.Warn("request rejected", "path", c.Path(), "kind", kind)
	default:
		lc.Logger.Debug("request failed", "path", c.Path(), "kind", kind, "error", err)
	}
	return lc.ErrorHandler(c, err)
}

// WriteError renders err as {"error":{"code","message"}} with the status of
// its kind. Internal details are never written.
func WriteError(c *fiber.Ctx, err error) error {
	kind := ClassifyError(err)
	status := HTTPStatus(kind)

	code := TextCodeInternal
	message := "internal error"

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && kind != KindInternal {
		if richErr.TextCode != "" {
			code = richErr.TextCode
		}
		message = richErr.Message
	}
	if kind == KindUpstreamUnavailable {
		code = TextCodeUpstreamUnavailable
		message = "service temporarily unavailable, try again later"
	}

	body := fiber.Map{
		"code":    code,
		"message": message,
	}

	if kind == KindRateLimited {
		seconds := RetryAfterSeconds(RetryAfter(err))
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
		body["retryAfterSeconds"] = seconds
	}

	return c.Status(status).JSON(fiber.Map{"error": body})
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

var errNoOrchestrator = errors.New("lifecycle controller requires an orchestrator")

// Validate reports a controller that can not serve requests
func (lc *LifecycleController) Validate() error {
	if lc.Orchestrator == nil {
		return errNoOrchestrator
	}
	return nil
}
