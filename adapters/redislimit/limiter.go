package redislimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces the counter keys
const DefaultPrefix = "lifecycle:rl"

// incrementScript increments only below the ceiling and returns -1 when the
// attempt is denied. The key expires with its window.
var incrementScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return -1
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return current
`)

// Limiter is a fixed window lifecycle.RateLimiter shared by every instance
// talking to the same Redis.
type Limiter struct {
	client redis.Scripter
	prefix string
	now    func() time.Time
}

var _ lifecycle.RateLimiter = (*Limiter)(nil)

// Option customizes the limiter
type Option func(*Limiter)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(l *Limiter) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// New creates a limiter over a redis client
func New(client redis.Scripter, opts ...Option) *Limiter {
	l := &Limiter{
		client: client,
		prefix: DefaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Check implements lifecycle.RateLimiter.
func (l *Limiter) Check(ctx context.Context, action, identifier string, limit int, window time.Duration) (lifecycle.Decision, error) {
	if action == "" || limit <= 0 || window <= 0 {
		return lifecycle.Decision{}, lifecycle.NewValidationError("rate limit needs an action, a positive limit and window", map[string]any{
			"action": action,
			"limit":  limit,
			"window": window.String(),
		})
	}

	now := l.now().UTC()
	start := now.Truncate(window)
	retryAfter := start.Add(window).Sub(now)

	key := l.key(action, identifier, start)
	ttl := retryAfter + time.Second

	count, err := incrementScript.Run(ctx, l.client, []string{key}, limit, ttl.Milliseconds()).Int64()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return lifecycle.Decision{}, err
		}
		return lifecycle.Decision{}, lifecycle.NewUpstreamUnavailable(err, "rate limit store unavailable")
	}

	if count < 0 {
		return lifecycle.Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}
	return lifecycle.Decision{Allowed: true, Remaining: limit - int(count)}, nil
}

func (l *Limiter) key(action, identifier string, start time.Time) string {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if identifier == "" {
		identifier = "unknown"
	}
	return l.prefix + ":" + action + ":" + identifier + ":" + strconv.FormatInt(start.Unix(), 10)
}
