package lifecycle

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/jackc/pgx/v5/pgconn"
)

// Stable text codes, clients can switch on these.
const (
	TextCodeValidation          = "VALIDATION_ERROR"
	TextCodeNotFoundOrExpired   = "NOT_FOUND_OR_EXPIRED"
	TextCodeRateLimited         = "RATE_LIMITED"
	TextCodeConflictingState    = "CONFLICTING_STATE"
	TextCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	TextCodeSignatureInvalid    = "SIGNATURE_INVALID"
	TextCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	TextCodeInternal            = "INTERNAL_ERROR"
)

const (
	metaRetryAfterMS = "retry_after_ms"
	metaReason       = "reason"
)

// ErrorKind is the external classification of a failure
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindValidation          ErrorKind = "validation"
	KindNotFoundOrExpired   ErrorKind = "not_found_or_expired"
	KindRateLimited         ErrorKind = "rate_limited"
	KindConflictingState    ErrorKind = "conflicting_state"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindSignatureInvalid    ErrorKind = "signature_invalid"
	KindInvalidCredentials  ErrorKind = "invalid_credentials"
	KindInternal            ErrorKind = "internal"
)

// errConcurrentUpdate is returned when a conditional write matched no row
// because another writer moved the row first.
var errConcurrentUpdate = errors.New("conditional update lost a race")

// errAccountUnresolved means an event could not be matched to an account yet
var errAccountUnresolved = errors.New("webhook event account not resolved")

// NewValidationError is a user correctable input error
func NewValidationError(message string, fields map[string]any) *goerrors.Error {
	err := goerrors.New(message, goerrors.CategoryValidation).
		WithTextCode(TextCodeValidation).
		WithCode(goerrors.CodeBadRequest)
	if len(fields) > 0 {
		err = err.WithMetadata(fields)
	}
	return err
}

// NewNotFoundOrExpired merges absent, expired, used and mismatched tokens
// into one message. The reason is kept in metadata for logs only.
func NewNotFoundOrExpired(reason string) *goerrors.Error {
	return goerrors.New("the link is invalid or has expired", goerrors.CategoryNotFound).
		WithTextCode(TextCodeNotFoundOrExpired).
		WithCode(goerrors.CodeBadRequest).
		WithMetadata(map[string]any{metaReason: reason})
}

// NewRateLimited carries the time the caller has to wait
func NewRateLimited(retryAfter time.Duration) *goerrors.Error {
	return goerrors.New("too many requests, try again later", goerrors.CategoryRateLimit).
		WithTextCode(TextCodeRateLimited).
		WithCode(http.StatusTooManyRequests).
		WithMetadata(map[string]any{metaRetryAfterMS: retryAfter.Milliseconds()})
}

// NewConflictingState is returned when a transition guard fails
func NewConflictingState(reason string) *goerrors.Error {
	return goerrors.New("the request can't be processed right now", goerrors.CategoryConflict).
		WithTextCode(TextCodeConflictingState).
		WithCode(goerrors.CodeConflict).
		WithMetadata(map[string]any{metaReason: reason})
}

// NewUpstreamUnavailable wraps store or payment processor failures that
// are expected to succeed on retry.
func NewUpstreamUnavailable(err error, message string) *goerrors.Error {
	if err == nil {
		return goerrors.New(message, goerrors.CategoryOperation).
			WithTextCode(TextCodeUpstreamUnavailable).
			WithCode(http.StatusServiceUnavailable)
	}
	return goerrors.Wrap(err, goerrors.CategoryOperation, message).
		WithTextCode(TextCodeUpstreamUnavailable).
		WithCode(http.StatusServiceUnavailable)
}

// NewSignatureInvalid rejects an unauthenticated webhook
func NewSignatureInvalid(err error) *goerrors.Error {
	msg := "webhook signature verification failed"
	if err == nil {
		return goerrors.New(msg, goerrors.CategoryAuth).
			WithTextCode(TextCodeSignatureInvalid).
			WithCode(goerrors.CodeBadRequest)
	}
	return goerrors.Wrap(err, goerrors.CategoryAuth, msg).
		WithTextCode(TextCodeSignatureInvalid).
		WithCode(goerrors.CodeBadRequest)
}

// NewInvalidCredentials is the single login failure message
func NewInvalidCredentials() *goerrors.Error {
	return goerrors.New("invalid email or password", goerrors.CategoryAuth).
		WithTextCode(TextCodeInvalidCredentials).
		WithCode(goerrors.CodeUnauthorized)
}

// NewInternalError wraps anything we do not expect callers to handle
func NewInternalError(err error, message string) *goerrors.Error {
	if err == nil {
		return goerrors.New(message, goerrors.CategoryInternal).
			WithTextCode(TextCodeInternal).
			WithCode(goerrors.CodeInternal)
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, message).
		WithTextCode(TextCodeInternal).
		WithCode(goerrors.CodeInternal)
}

// ClassifyError maps any error to its stable kind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.TextCode {
		case TextCodeValidation:
			return KindValidation
		case TextCodeNotFoundOrExpired:
			return KindNotFoundOrExpired
		case TextCodeRateLimited:
			return KindRateLimited
		case TextCodeConflictingState:
			return KindConflictingState
		case TextCodeUpstreamUnavailable:
			return KindUpstreamUnavailable
		case TextCodeSignatureInvalid:
			return KindSignatureInvalid
		case TextCodeInvalidCredentials:
			return KindInvalidCredentials
		}

		switch richErr.Category {
		case goerrors.CategoryValidation, goerrors.CategoryBadInput:
			return KindValidation
		case goerrors.CategoryRateLimit:
			return KindRateLimited
		case goerrors.CategoryConflict:
			return KindConflictingState
		}
		return KindInternal
	}

	if isTransient(err) {
		return KindUpstreamUnavailable
	}

	return KindInternal
}

// RetryAfter returns the wait attached to a rate limited error, zero otherwise.
func RetryAfter(err error) time.Duration {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return 0
	}

	switch v := richErr.Metadata[metaRetryAfterMS].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	}
	return 0
}

// RetryAfterSeconds rounds up so a positive wait never reports zero.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// FailureReason returns the internal reason recorded on a failure, if any.
func FailureReason(err error) string {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return ""
	}
	reason, _ := richErr.Metadata[metaReason].(string)
	return reason
}

// HTTPStatus maps an error kind to a response status.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindNone:
		return http.StatusOK
	case KindValidation, KindNotFoundOrExpired, KindSignatureInvalid:
		return http.StatusBadRequest
	case KindInvalidCredentials:
		return http.StatusUnauthorized
	case KindConflictingState:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// isTransient reports failures that a single retry may fix.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, errConcurrentUpdate) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case pgErr.Code == "57P01", pgErr.Code == "53300":
			return true
		}
		return false
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// asRichError keeps taxonomy errors as they are and wraps everything else.
func asRichError(err error, message string) error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr
	}
	if isTransient(err) {
		return NewUpstreamUnavailable(err, message)
	}
	return NewInternalError(err, message)
}

// isUniqueViolation reports a duplicate key on insert.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
