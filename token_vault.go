package lifecycle

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TokenSecretBytes is the entropy of an issued secret (256 bits)
const TokenSecretBytes = 32

// Token failure reasons, only used in logs and metadata
const (
	TokenReasonNotFound        = "not_found"
	TokenReasonExpired         = "expired"
	TokenReasonAlreadyUsed     = "already_used"
	TokenReasonPurposeMismatch = "purpose_mismatch"
)

const (
	supersedeTokensSQL = `UPDATE security_tokens SET used_at = ?
WHERE subject_user_id = ? AND purpose = ? AND used_at IS NULL`

	consumeTokenSQL = `UPDATE security_tokens SET used_at = ?
WHERE token_hash = ? AND purpose = ? AND used_at IS NULL AND expires_at > ?
RETURNING *`

	invalidateTokensSQL = `UPDATE security_tokens SET used_at = ?
WHERE subject_user_id = ? AND used_at IS NULL`

	sweepTokensSQL = `DELETE FROM security_tokens WHERE expires_at < ?`
)

// IssuedToken is returned exactly once; only the hash is stored.
type IssuedToken struct {
	Secret    string
	ExpiresAt time.Time
	TokenID   uuid.UUID
}

// ValidatedToken identifies the subject of a consumed token
type ValidatedToken struct {
	SubjectUserID uuid.UUID
	TokenID       uuid.UUID
	Purpose       TokenPurpose
}

// TokenVaultOption customizes the vault
type TokenVaultOption func(*TokenVault)

// WithTokenVaultClock injects a custom clock (useful for tests).
func WithTokenVaultClock(clock func() time.Time) TokenVaultOption {
	return func(v *TokenVault) {
		if clock != nil {
			v.now = clock
		}
	}
}

// WithTokenVaultLogger sets the logger used to report validation failures.
func WithTokenVaultLogger(logger Logger) TokenVaultOption {
	return func(v *TokenVault) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithTokenVaultRetryBackoff sets the pause before retrying a transient store failure.
func WithTokenVaultRetryBackoff(d time.Duration) TokenVaultOption {
	return func(v *TokenVault) {
		v.backoff = d
	}
}

// WithTokenVaultRandom overrides the entropy source.
func WithTokenVaultRandom(fn func([]byte) (int, error)) TokenVaultOption {
	return func(v *TokenVault) {
		if fn != nil {
			v.random = fn
		}
	}
}

// TokenVault issues, validates and invalidates purpose scoped tokens
type TokenVault struct {
	db      *bun.DB
	hashKey []byte
	now     func() time.Time
	random  func([]byte) (int, error)
	backoff time.Duration
	logger  Logger
}

// NewTokenVault creates a vault. Secrets are hashed with HMAC-SHA256 under hashKey.
func NewTokenVault(db *bun.DB, hashKey []byte, opts ...TokenVaultOption) *TokenVault {
	v := &TokenVault{
		db:      db,
		hashKey: hashKey,
		now:     time.Now,
		random:  rand.Read,
		backoff: DefaultRetryBackoff,
		logger:  defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// HashSecret returns the stored form of a secret.
func (v *TokenVault) HashSecret(secret string) string {
	mac := hmac.New(sha256.New, v.hashKey)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue supersedes any unused token of the same purpose and stores a new one.
func (v *TokenVault) Issue(ctx context.Context, subjectUserID uuid.UUID, purpose TokenPurpose, ttl time.Duration) (IssuedToken, error) {
	var issued IssuedToken
	err := withTransientRetry(ctx, v.backoff, v.logger, "token.issue", func(ctx context.Context) error {
		return v.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			var err error
			issued, err = v.IssueTx(ctx, tx, subjectUserID, purpose, ttl)
			return err
		})
	})
	if err != nil {
		return IssuedToken{}, asRichError(err, "failed to issue security token")
	}
	return issued, nil
}

// IssueTx is Issue inside a caller owned transaction.
func (v *TokenVault) IssueTx(ctx context.Context, idb bun.IDB, subjectUserID uuid.UUID, purpose TokenPurpose, ttl time.Duration) (IssuedToken, error) {
	if !purpose.IsValid() {
		return IssuedToken{}, NewValidationError("unknown token purpose", map[string]any{"purpose": purpose})
	}
	if ttl <= 0 {
		return IssuedToken{}, NewValidationError("token ttl must be positive", map[string]any{"ttl": ttl.String()})
	}
	if subjectUserID == uuid.Nil {
		return IssuedToken{}, NewValidationError("token subject is required", nil)
	}

	secret, err := v.newSecret()
	if err != nil {
		return IssuedToken{}, NewInternalError(err, "failed to generate token secret")
	}

	now := v.now().UTC()
	if _, err := idb.ExecContext(ctx, supersedeTokensSQL, now, subjectUserID, purpose); err != nil {
		return IssuedToken{}, err
	}

	token := &SecurityToken{
		ID:            uuid.New(),
		TokenHash:     v.HashSecret(secret),
		Purpose:       purpose,
		SubjectUserID: subjectUserID,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
	if _, err := idb.NewInsert().Model(token).Exec(ctx); err != nil {
		return IssuedToken{}, err
	}

	return IssuedToken{
		Secret:    secret,
		ExpiresAt: token.ExpiresAt,
		TokenID:   token.ID,
	}, nil
}

// Validate consumes the token when it is unused, unexpired and of the given purpose.
func (v *TokenVault) Validate(ctx context.Context, secret string, purpose TokenPurpose) (ValidatedToken, error) {
	var out ValidatedToken
	err := withTransientRetry(ctx, v.backoff, v.logger, "token.validate", func(ctx context.Context) error {
		var err error
		out, err = v.ValidateTx(ctx, v.db, secret, purpose)
		return err
	})
	if err != nil {
		return ValidatedToken{}, asRichError(err, "failed to validate security token")
	}
	return out, nil
}

// ValidateTx is Validate inside a caller owned transaction. The check and the
// mark-used write are a single conditional update.
func (v *TokenVault) ValidateTx(ctx context.Context, idb bun.IDB, secret string, purpose TokenPurpose) (ValidatedToken, error) {
	if secret == "" || !purpose.IsValid() {
		return ValidatedToken{}, NewNotFoundOrExpired(TokenReasonNotFound)
	}

	hash := v.HashSecret(secret)
	now := v.now().UTC()

	token := &SecurityToken{}
	err := idb.NewRaw(consumeTokenSQL, now, hash, purpose, now).Scan(ctx, token)
	if err == nil {
		return ValidatedToken{
			SubjectUserID: token.SubjectUserID,
			TokenID:       token.ID,
			Purpose:       token.Purpose,
		}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ValidatedToken{}, err
	}

	reason, err := v.diagnose(ctx, idb, hash, purpose, now)
	if err != nil {
		return ValidatedToken{}, err
	}
	v.logger.Warn("security token rejected", "purpose", purpose, "reason", reason)
	return ValidatedToken{}, NewNotFoundOrExpired(reason)
}

func (v *TokenVault) diagnose(ctx context.Context, idb bun.IDB, hash string, purpose TokenPurpose, now time.Time) (string, error) {
	token := &SecurityToken{}
	err := idb.NewSelect().
		Model(token).
		Where("?TableAlias.token_hash = ?", hash).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenReasonNotFound, nil
		}
		return "", err
	}

	switch {
	case token.Purpose != purpose:
		return TokenReasonPurposeMismatch, nil
	case token.UsedAt != nil:
		return TokenReasonAlreadyUsed, nil
	case !token.ExpiresAt.After(now):
		return TokenReasonExpired, nil
	}
	// lost a race against a concurrent validation
	return TokenReasonAlreadyUsed, nil
}

// InvalidateAll marks every unused token of the user as used. With no
// purposes given all purposes are invalidated.
func (v *TokenVault) InvalidateAll(ctx context.Context, subjectUserID uuid.UUID, purposes ...TokenPurpose) (int64, error) {
	var n int64
	err := withTransientRetry(ctx, v.backoff, v.logger, "token.invalidate", func(ctx context.Context) error {
		var err error
		n, err = v.InvalidateAllTx(ctx, v.db, subjectUserID, purposes...)
		return err
	})
	if err != nil {
		return 0, asRichError(err, "failed to invalidate security tokens")
	}
	return n, nil
}

// InvalidateAllTx is InvalidateAll inside a caller owned transaction.
func (v *TokenVault) InvalidateAllTx(ctx context.Context, idb bun.IDB, subjectUserID uuid.UUID, purposes ...TokenPurpose) (int64, error) {
	query := invalidateTokensSQL
	args := []any{v.now().UTC(), subjectUserID}
	if len(purposes) > 0 {
		query += " AND purpose IN (?)"
		args = append(args, bun.In(purposes))
	}

	res, err := idb.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Sweep deletes tokens that expired before the cutoff.
func (v *TokenVault) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := v.db.ExecContext(ctx, sweepTokensSQL, cutoff.UTC())
	if err != nil {
		return 0, asRichError(err, "failed to sweep security tokens")
	}
	return res.RowsAffected()
}

func (v *TokenVault) newSecret() (string, error) {
	b := make([]byte, TokenSecretBytes)
	if _, err := v.random(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
