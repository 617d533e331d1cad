package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// SessionClaims are the claims of a session token issued after login
type SessionClaims struct {
	jwt.RegisteredClaims
	State SubscriptionState `json:"state,omitempty"`
}

// UserID returns the subject as a uuid
func (c *SessionClaims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// SessionTokens signs and validates session JWTs. Security tokens sent by
// email are never JWTs, see TokenVault.
type SessionTokens struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
	audience   jwt.ClaimStrings
	now        func() time.Time
	logger     Logger
}

// NewSessionTokens creates the HS256 session service
func NewSessionTokens(signingKey []byte, ttl time.Duration, issuer string, audience []string, logger Logger) *SessionTokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionTokens{
		signingKey: signingKey,
		ttl:        ttl,
		issuer:     issuer,
		audience:   audience,
		now:        time.Now,
		logger:     normalizeLogger(logger),
	}
}

// WithClock injects a custom clock (useful for tests).
func (ts *SessionTokens) WithClock(clock func() time.Time) *SessionTokens {
	if clock != nil {
		ts.now = clock
	}
	return ts
}

// Generate creates a session for the account
func (ts *SessionTokens) Generate(account *UserAccount) (string, time.Time, error) {
	if account == nil || account.ID == uuid.Nil {
		return "", time.Time{}, NewInternalError(nil, "session requires an account")
	}

	now := ts.now()
	expiresAt := now.Add(ts.ttl)
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ts.issuer,
			Subject:   account.ID.String(),
			Audience:  ts.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		State: account.SubscriptionState,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.signingKey)
	if err != nil {
		return "", time.Time{}, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign JWT")
	}
	return signed, expiresAt, nil
}

// Validate parses and validates a session token
func (ts *SessionTokens) Validate(tokenString string) (*SessionClaims, error) {
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(ts.now),
	}
	if ts.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ts.issuer))
	}
	if len(ts.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(ts.audience...))
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			ts.logger.Error("session validate encountered unexpected signing method", "alg", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	}, parserOptions...)

	if err != nil {
		msg := "invalid session token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "session token expired"
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryAuth, msg).
			WithTextCode(TextCodeInvalidCredentials).
			WithCode(goerrors.CodeUnauthorized)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, NewInvalidCredentials()
	}
	return claims, nil
}
