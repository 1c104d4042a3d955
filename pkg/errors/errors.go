package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

// Code classifies a failure for the HTTP surface and for retry decisions.
type Code string

// Generic request and infrastructure failures.
const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeIdempotency   Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit     Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"
)

// Ledger and gateway failures.
const (
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"
	CodeRefundExceedsPaid  Code = "REFUND_EXCEEDS_PAID"
	CodeGatewayDeclined    Code = "GATEWAY_DECLINED"
	CodeGatewayUnavailable Code = "GATEWAY_UNAVAILABLE"
)

// Metadata describes how a code is rendered to API clients.
// ExposeMessage lets the caller's own message replace PublicMessage.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
	ExposeMessage  bool
}

const (
	retryable   = 1 << iota
	withDetails
	exposed
)

func meta(status int, public string, flags int) Metadata {
	return Metadata{
		HTTPStatus:     status,
		PublicMessage:  public,
		Retryable:      flags&retryable != 0,
		DetailsAllowed: flags&withDetails != 0,
		ExposeMessage:  flags&exposed != 0,
	}
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:    meta(http.StatusBadRequest, "validation failed", withDetails|exposed),
	CodeUnauthorized:  meta(http.StatusUnauthorized, "authentication required", exposed),
	CodeForbidden:     meta(http.StatusForbidden, "access denied", exposed),
	CodeNotFound:      meta(http.StatusNotFound, "resource not found", exposed),
	CodeConflict:      meta(http.StatusConflict, "conflict detected", retryable|exposed),
	CodeStateConflict: meta(http.StatusUnprocessableEntity, "state transition disallowed", withDetails|exposed),
	CodeIdempotency:   meta(http.StatusConflict, "idempotency key reused", withDetails|exposed),
	CodeRateLimit:     meta(http.StatusTooManyRequests, "rate limit exceeded", exposed),
	CodeInternal:      meta(http.StatusInternalServerError, "internal server error", retryable),
	CodeDependency:    meta(http.StatusServiceUnavailable, "dependency unavailable", retryable|withDetails),

	CodeInvariantViolation: meta(http.StatusInternalServerError, "balance invariant violated", withDetails),
	CodeRefundExceedsPaid:  meta(http.StatusUnprocessableEntity, "refund amount exceeds amount paid", withDetails|exposed),
	CodeGatewayDeclined:    meta(http.StatusPaymentRequired, "payment gateway declined the request", withDetails|exposed),
	CodeGatewayUnavailable: meta(http.StatusServiceUnavailable, "payment gateway unavailable", retryable|withDetails),
}

// MetadataFor falls back to CodeInternal for unknown codes.
func MetadataFor(code Code) Metadata {
	if m, ok := metadataByCode[code]; ok {
		return m
	}
	return metadataByCode[CodeInternal]
}

// Error is the typed error carried from repositories up to the HTTP layer.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

// WithDetails attaches client-visible context and returns e.
func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

// PublicMessage is the message safe to return to API clients.
func (e *Error) PublicMessage() string {
	m := MetadataFor(e.Code())
	if m.ExposeMessage && e.Message() != "" {
		return e.message
	}
	return m.PublicMessage
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the outermost *Error in err's chain, or nil.
func As(err error) *Error {
	var typed *Error
	if err != nil && stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether the first typed error in err's chain carries code.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

// IsRetryable reports whether a caller may retry the failed operation.
func IsRetryable(err error) bool {
	typed := As(err)
	return typed != nil && MetadataFor(typed.code).Retryable
}
