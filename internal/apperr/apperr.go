// Package apperr provides the coded errors returned by the game core.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeInvalidStake       Code = "INVALID_STAKE"
	CodeInvalidDifficulty  Code = "INVALID_DIFFICULTY"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeDifficultyMismatch Code = "DIFFICULTY_MISMATCH"

	// Conflict errors
	CodeRoundInProgress  Code = "ROUND_IN_PROGRESS"
	CodeRoundNotActive   Code = "ROUND_NOT_ACTIVE"
	CodeRoundStillActive Code = "ROUND_STILL_ACTIVE"
	CodeMaxStepsReached  Code = "MAX_STEPS_REACHED"
	CodeAlreadySettled   Code = "ALREADY_SETTLED"
	CodeNotOwner         Code = "NOT_OWNER"
	CodeConflict         Code = "CONFLICT"

	// Resource errors
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeUserNotFound      Code = "USER_NOT_FOUND"
	CodeRoundNotFound     Code = "ROUND_NOT_FOUND"

	// Access errors
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeRateLimited  Code = "RATE_LIMITED"

	// Integrity errors
	CodeStorage Code = "STORAGE"
)

// Kind groups codes by how a client should react to them.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindResource   Kind = "resource"
	KindAccess     Kind = "access"
	KindIntegrity  Kind = "integrity"
)

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidStake       = New(CodeInvalidStake, "invalid stake")
	ErrInvalidDifficulty  = New(CodeInvalidDifficulty, "invalid difficulty")
	ErrInvalidInput       = New(CodeInvalidInput, "invalid input")
	ErrDifficultyMismatch = New(CodeDifficultyMismatch, "difficulty does not match round")
	ErrRoundInProgress    = New(CodeRoundInProgress, "round already in progress")
	ErrRoundNotActive     = New(CodeRoundNotActive, "round not active")
	ErrRoundStillActive   = New(CodeRoundStillActive, "round still active")
	ErrMaxStepsReached    = New(CodeMaxStepsReached, "maximum steps reached, cash out")
	ErrAlreadySettled     = New(CodeAlreadySettled, "round already settled")
	ErrNotOwner           = New(CodeNotOwner, "round belongs to another user")
	ErrConflict           = New(CodeConflict, "concurrent update, retry")
	ErrInsufficientFunds  = New(CodeInsufficientFunds, "insufficient funds")
	ErrUserNotFound       = New(CodeUserNotFound, "user not found")
	ErrRoundNotFound      = New(CodeRoundNotFound, "round not found")
)

func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidStake, CodeInvalidDifficulty, CodeInvalidInput, CodeDifficultyMismatch:
		return KindValidation
	case CodeRoundInProgress, CodeRoundNotActive, CodeRoundStillActive, CodeMaxStepsReached,
		CodeAlreadySettled, CodeNotOwner, CodeConflict:
		return KindConflict
	case CodeInsufficientFunds, CodeUserNotFound, CodeRoundNotFound:
		return KindResource
	case CodeUnauthorized, CodeForbidden, CodeRateLimited:
		return KindAccess
	default:
		return KindIntegrity
	}
}

// HTTPStatus maps a code to the status the HTTP layer responds with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidStake, CodeInvalidDifficulty, CodeInvalidInput, CodeDifficultyMismatch:
		return http.StatusBadRequest
	case CodeNotOwner:
		return http.StatusForbidden
	case CodeRoundInProgress, CodeRoundNotActive, CodeRoundStillActive, CodeMaxStepsReached,
		CodeAlreadySettled, CodeConflict:
		return http.StatusConflict
	case CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case CodeUserNotFound, CodeRoundNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf extracts the code of err, or CodeUnknown when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
