package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is satisfied by glog.Logger and slog style loggers.
// Arguments are key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Mailer is the outbound transactional email capability
type Mailer interface {
	SendTransactionalEmail(ctx context.Context, templateID, recipient string, vars map[string]any) error
}

// MailerFunc adapts a function to the Mailer interface.
type MailerFunc func(ctx context.Context, templateID, recipient string, vars map[string]any) error

// SendTransactionalEmail implements Mailer.
func (f MailerFunc) SendTransactionalEmail(ctx context.Context, templateID, recipient string, vars map[string]any) error {
	if f == nil {
		return nil
	}
	return f(ctx, templateID, recipient, vars)
}

// Email template identifiers
const (
	TemplateVerifyEmail   = "verify_email"
	TemplateAccountExists = "account_exists"
	TemplatePasswordReset = "password_reset"
)

// ProcessorStatus is the subscription status as reported by the payment processor
type ProcessorStatus string

const (
	ProcessorStatusActive            ProcessorStatus = "active"
	ProcessorStatusTrialing          ProcessorStatus = "trialing"
	ProcessorStatusPastDue           ProcessorStatus = "past_due"
	ProcessorStatusUnpaid            ProcessorStatus = "unpaid"
	ProcessorStatusIncomplete        ProcessorStatus = "incomplete"
	ProcessorStatusIncompleteExpired ProcessorStatus = "incomplete_expired"
	ProcessorStatusCanceled          ProcessorStatus = "canceled"
	ProcessorStatusPaused            ProcessorStatus = "paused"
	// ProcessorStatusNone means the customer has no subscription at all
	ProcessorStatusNone ProcessorStatus = "none"
)

// IsActive reports whether the processor considers the subscription in good standing
func (s ProcessorStatus) IsActive() bool {
	return s == ProcessorStatusActive || s == ProcessorStatusTrialing
}

// SubscriptionSnapshot is the authoritative status fetched from the processor
type SubscriptionSnapshot struct {
	CustomerRef      string          `json:"customer_ref"`
	SubscriptionRef  string          `json:"subscription_ref,omitempty"`
	Status           ProcessorStatus `json:"status"`
	CurrentPeriodEnd *time.Time      `json:"current_period_end,omitempty"`
	FetchedAt        time.Time       `json:"fetched_at"`
}

// SubscriptionFetcher reads subscription status from the payment processor
type SubscriptionFetcher interface {
	FetchSubscriptionStatus(ctx context.Context, customerRef string) (SubscriptionSnapshot, error)
}

// WebhookVerifier authenticates a raw webhook payload and decodes it.
// Implementations must not parse the body before the signature check passes.
type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string) (*WebhookEvent, error)
}

// PasswordHasher hashes and compares passwords. RandomPasswordHash returns
// a hash of the same cost that no password is known for.
type PasswordHasher interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
	RandomPasswordHash() string
}

type defLogger struct{}

func (d defLogger) Debug(msg string, args ...any) {
	fmt.Print(formatLine("DBG", msg, args))
}

func (d defLogger) Info(msg string, args ...any) {
	fmt.Print(formatLine("INF", msg, args))
}

func (d defLogger) Warn(msg string, args ...any) {
	fmt.Print(formatLine("WRN", msg, args))
}

func (d defLogger) Error(msg string, args ...any) {
	fmt.Print(formatLine("ERR", msg, args))
}

func formatLine(level, msg string, args []any) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(level)
	b.WriteString("] LIFECYCLE ")
	b.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
		} else {
			fmt.Fprintf(&b, " %v", args[i])
		}
	}
	b.WriteString("\n")
	return b.String()
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
