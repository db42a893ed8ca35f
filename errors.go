package magiclink

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation classifies malformed input. Match with errors.Is.
	ErrValidation = errors.New("validation error")
	// ErrPreconditionFailed classifies purpose preconditions that did not hold.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrRateLimited classifies requests over budget. The concrete error is *RateLimitError.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedemptionFailed classifies every token that could not be redeemed.
	// Its message is the public text for the verify path.
	ErrRedemptionFailed = errors.New("invalid or expired link")
)

var (
	// ErrInvalidEmail is returned for a missing or malformed address.
	ErrInvalidEmail = classed(ErrValidation, "invalid email")
	// ErrInvalidPurpose is returned for a purpose outside LOGIN and REGISTRATION.
	ErrInvalidPurpose = classed(ErrValidation, "invalid purpose")
	// ErrInvalidToken is returned for an empty token on the verify path.
	ErrInvalidToken = classed(ErrValidation, "token is required")

	// ErrAccountAlreadyExists rejects REGISTRATION for an existing account.
	ErrAccountAlreadyExists = classed(ErrPreconditionFailed, "account already exists")
	// ErrAccountNotFound rejects LOGIN when no active account exists.
	ErrAccountNotFound = classed(ErrPreconditionFailed, "account not found")
	// ErrAccountDisabled rejects LOGIN for a disabled account.
	ErrAccountDisabled = classed(ErrPreconditionFailed, "account disabled")

	// ErrTokenInvalid covers unknown tokens and email mismatches.
	ErrTokenInvalid = classed(ErrRedemptionFailed, "invalid token")
	// ErrTokenExpired covers tokens redeemed at or after their expiry.
	ErrTokenExpired = classed(ErrRedemptionFailed, "token expired")
	// ErrTokenAlreadyUsed covers replays of a redeemed token.
	ErrTokenAlreadyUsed = classed(ErrRedemptionFailed, "token already used")

	// ErrDeliveryFailed is reported when the deliverer could not send a link.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrInternal hides store and signing failures from callers.
	ErrInternal = errors.New("internal error")
	// ErrEngineNotReady is returned by methods on a nil or closed Engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

var (
	// ErrUserExists must be returned by UserStore.Create for a duplicate email.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound must be returned by UserStore lookups that match nothing.
	ErrUserNotFound = errors.New("user not found")
)

type classedError struct {
	msg   string
	class error
}

func classed(class error, msg string) error {
	return &classedError{msg: msg, class: class}
}

func (e *classedError) Error() string { return e.msg }

func (e *classedError) Is(target error) bool { return target == e.class }

// RateLimitError is returned when a send or verify budget is exhausted.
type RateLimitError struct {
	// Scope is "send" or "verify".
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited: retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter extracts the wait hint from a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Stable machine-readable error codes.
const (
	CodeValidation          = "validation_error"
	CodeAccountExists       = "account_already_exists"
	CodeAccountNotFound     = "account_not_found"
	CodeAccountDisabled     = "account_disabled"
	CodeRateLimited         = "rate_limited"
	CodeTokenInvalid        = "token_invalid"
	CodeTokenExpired        = "token_expired"
	CodeTokenAlreadyUsed    = "token_already_used"
	CodeRedemptionFailed    = "redemption_failed"
	CodeDeliveryFailed      = "delivery_failed"
	CodeInternal            = "internal_error"
	CodeServiceNotAvailable = "service_unavailable"
)

// ErrorCode maps err to its stable code. Unknown errors map to internal_error.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrAccountAlreadyExists):
		return CodeAccountExists
	case errors.Is(err, ErrAccountNotFound):
		return CodeAccountNotFound
	case errors.Is(err, ErrAccountDisabled):
		return CodeAccountDisabled
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTokenInvalid):
		return CodeTokenInvalid
	case errors.Is(err, ErrTokenExpired):
		return CodeTokenExpired
	case errors.Is(err, ErrTokenAlreadyUsed):
		return CodeTokenAlreadyUsed
	case errors.Is(err, ErrRedemptionFailed):
		return CodeRedemptionFailed
	case errors.Is(err, ErrDeliveryFailed):
		return CodeDeliveryFailed
	case errors.Is(err, ErrEngineNotReady):
		return CodeServiceNotAvailable
	default:
		return CodeInternal
	}
}
