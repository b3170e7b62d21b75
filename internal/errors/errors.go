// Package errors defines the error taxonomy shared by the licensing core.
//
// Expected business outcomes (NotFound, InvalidState, PolicyViolation) are
// returned to callers as typed results and are never logged as system
// errors. Transient covers storage I/O failures and is the only kind the
// compensation path retries.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that dispatch on category rather
// than identity.
type Kind int

const (
	// KindUnknown is the zero value for errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindNotFound - license/user/referral missing.
	KindNotFound
	// KindInvalidState - blocked, expired, already linked to another owner.
	KindInvalidState
	// KindPolicyViolation - withdrawal disallowed, insufficient balance,
	// self-referral, bad argument.
	KindPolicyViolation
	// KindTransient - storage I/O failure; retryable.
	KindTransient
)

// String returns the kind's wire-friendly name.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindPolicyViolation:
		return "policy_violation"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a classified domain error with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is matches two taxonomy errors by code, so wrapped copies of a sentinel
// still satisfy errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause to a copy of the sentinel err.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: sentinel.Message, Err: cause}
}

// Transient wraps a storage failure so callers can detect retryability.
func Transient(op string, cause error) *Error {
	return &Error{Kind: KindTransient, Code: "STORAGE_FAILURE", Message: "storage failure during " + op, Err: cause}
}

// Invalid creates a PolicyViolation for a rejected argument.
func Invalid(message string) *Error {
	return &Error{Kind: KindPolicyViolation, Code: "INVALID_ARGUMENT", Message: message}
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is a retryable storage failure.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// Sentinels for the licensing domain.
var (
	// NotFound
	ErrLicenseNotFound  = New(KindNotFound, "LICENSE_NOT_FOUND", "license not found")
	ErrUserNotFound     = New(KindNotFound, "USER_NOT_FOUND", "user not found")
	ErrReferralNotFound = New(KindNotFound, "REFERRAL_NOT_FOUND", "referral not found")

	// InvalidState
	ErrLicenseInvalid       = New(KindInvalidState, "LICENSE_INVALID", "license is blocked or expired")
	ErrLicenseAlreadyLinked = New(KindInvalidState, "LICENSE_ALREADY_LINKED", "license is linked to another user")
	ErrReferralCodeTaken    = New(KindInvalidState, "REFERRAL_CODE_TAKEN", "referral code already taken")

	// PolicyViolation
	ErrInsufficientBalance  = New(KindPolicyViolation, "INSUFFICIENT_BALANCE", "insufficient balance")
	ErrWithdrawalNotAllowed = New(KindPolicyViolation, "WITHDRAWAL_NOT_ALLOWED", "withdrawal requires creator or admin role")
	ErrSelfReferral         = New(KindPolicyViolation, "SELF_REFERRAL", "cannot refer yourself")
)
