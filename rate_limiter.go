package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// Rate limited actions
const (
	ActionLogin              = "login"
	ActionLoginIP            = "login_ip"
	ActionRegister           = "register"
	ActionVerifyEmail        = "verify_email"
	ActionResendVerification = "resend_verification"
	ActionForgotPassword     = "forgot_password"
	ActionForgotPasswordIP   = "forgot_password_ip"
	ActionResetPassword      = "reset_password"
)

// Decision is the result of a rate limit check
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter counts attempts per (action, identifier) in fixed windows.
type RateLimiter interface {
	Check(ctx context.Context, action, identifier string, limit int, window time.Duration) (Decision, error)
}

// RateLimitPolicy is the ceiling of one action
type RateLimitPolicy struct {
	Limit  int           `koanf:"limit" json:"limit"`
	Window time.Duration `koanf:"window" json:"window"`
}

// Enabled reports whether the policy limits anything
func (p RateLimitPolicy) Enabled() bool {
	return p.Limit > 0 && p.Window > 0
}

// The conditional DO UPDATE only fires below the ceiling, a denied attempt
// returns no row and leaves the counter untouched.
const incrementCounterSQL = `INSERT INTO rate_limit_counters (action, identifier, window_start, attempt_count, expires_at)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT (action, identifier, window_start) DO UPDATE
SET attempt_count = rate_limit_counters.attempt_count + 1
WHERE rate_limit_counters.attempt_count < ?
RETURNING attempt_count`

const sweepCountersSQL = `DELETE FROM rate_limit_counters WHERE expires_at < ?`

// StoreRateLimiterOption customizes the store backed limiter
type StoreRateLimiterOption func(*StoreRateLimiter)

// WithRateLimiterClock injects a custom clock (useful for tests).
func WithRateLimiterClock(clock func() time.Time) StoreRateLimiterOption {
	return func(l *StoreRateLimiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithRateLimiterLogger sets the logger.
func WithRateLimiterLogger(logger Logger) StoreRateLimiterOption {
	return func(l *StoreRateLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// StoreRateLimiter keeps counters in the relational store so every
// instance shares the same ceiling.
type StoreRateLimiter struct {
	db      bun.IDB
	now     func() time.Time
	logger  Logger
	backoff time.Duration
}

// NewStoreRateLimiter creates a limiter over the rate_limit_counters table.
func NewStoreRateLimiter(db bun.IDB, opts ...StoreRateLimiterOption) *StoreRateLimiter {
	l := &StoreRateLimiter{
		db:      db,
		now:     time.Now,
		logger:  defLogger{},
		backoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Check records an attempt and reports whether it is within the ceiling.
func (l *StoreRateLimiter) Check(ctx context.Context, action, identifier string, limit int, window time.Duration) (Decision, error) {
	if err := validateCheck(action, limit, window); err != nil {
		return Decision{}, err
	}

	now := l.now().UTC()
	start, retryAfter := windowBounds(now, window)
	key := normalizeIdentifier(identifier)

	var count int
	err := withTransientRetry(ctx, l.backoff, l.logger, "rate_limit.check", func(ctx context.Context) error {
		return l.db.NewRaw(incrementCounterSQL, action, key, start, start.Add(window), limit).Scan(ctx, &count)
	})

	if errors.Is(err, sql.ErrNoRows) {
		l.logger.Warn("rate limit exceeded", "action", action, "retry_after", retryAfter.String())
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}
	if err != nil {
		return Decision{}, asRichError(err, "failed to check rate limit")
	}

	return Decision{
		Allowed:   true,
		Remaining: limit - count,
	}, nil
}

// Sweep deletes counters of elapsed windows.
func (l *StoreRateLimiter) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, sweepCountersSQL, cutoff.UTC())
	if err != nil {
		return 0, asRichError(err, "failed to sweep rate limit counters")
	}
	return res.RowsAffected()
}

func validateCheck(action string, limit int, window time.Duration) error {
	if action == "" {
		return NewValidationError("rate limit action is required", nil)
	}
	if limit <= 0 || window <= 0 {
		return NewValidationError("rate limit needs a positive limit and window", map[string]any{
			"action": action,
			"limit":  limit,
			"window": window.String(),
		})
	}
	return nil
}

// windowBounds returns the start of the fixed window holding now and the
// time left until it closes.
func windowBounds(now time.Time, window time.Duration) (time.Time, time.Duration) {
	start := now.Truncate(window)
	return start, start.Add(window).Sub(now)
}

func normalizeIdentifier(identifier string) string {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if identifier == "" {
		return "unknown"
	}
	return identifier
}

// checkRateLimit turns a denied decision into a RateLimited error. A policy
// without a limit or window is disabled.
func checkRateLimit(ctx context.Context, limiter RateLimiter, policy RateLimitPolicy, action, identifier string) error {
	if !policy.Enabled() {
		return nil
	}
	decision, err := limiter.Check(ctx, action, identifier, policy.Limit, policy.Window)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return NewRateLimited(decision.RetryAfter)
	}
	return nil
}
