// Package apierr defines the typed error kinds the dashboard and ingestion
// APIs propagate, and the single envelope every non-2xx response uses.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the error categories the API propagates.
type Kind int

const (
	KindValidation Kind = iota
	KindAuth
	KindNotFound
	KindQuota
	KindPersistenceTransient
	KindPersistencePermanent
	KindScheduling
)

// FieldError is one per-field reason attached to a ValidationError.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Error is the typed error every handler should return. Never wraps a
// stack trace or internal path into its Message.
type Error struct {
	Kind       Kind
	Message    string
	Details    []FieldError
	RetryAfter int // seconds; only meaningful for KindQuota
	Retryable  bool
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap attaches an underlying cause for logging, without leaking it to clients.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// Validation builds a 422 with per-field details.
func Validation(message string, details ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

// Auth builds an auth failure. Callers choose whether it surfaces as 401 or
// 403 at the HTTP boundary (see StatusForAuth); the failure reason itself
// never distinguishes "missing" from "insufficient role" in the response.
func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// NotFound builds a 404. Used uniformly for "doesn't exist" and "exists in
// another tenant" so probing can't distinguish the two.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Quota builds a 429 with a Retry-After hint in seconds.
func Quota(message string, retryAfterSeconds int) *Error {
	return &Error{Kind: KindQuota, Message: message, RetryAfter: retryAfterSeconds}
}

// PersistenceTransient builds a transient storage failure. The ingestion
// path turns this into 202/dropped; the dashboard path turns it into 503.
func PersistenceTransient(message string) *Error {
	return &Error{Kind: KindPersistenceTransient, Message: message, Retryable: true}
}

// PersistencePermanent builds a 500, logged with a request id by the caller.
func PersistencePermanent(message string) *Error {
	return &Error{Kind: KindPersistencePermanent, Message: message}
}

// Scheduling marks a report run as failed; retried on the next cadence tick.
func Scheduling(message string) *Error {
	return &Error{Kind: KindScheduling, Message: message}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusForAuth returns the coarse HTTP status for an auth failure: 401 when
// unauthenticated, 403 only when the caller is authenticated but
// under-privileged. authenticated is supplied by the handler since Error
// itself never distinguishes the two reasons.
func StatusForAuth(authenticated bool) int {
	if authenticated {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// HTTPStatus maps a Kind to its default HTTP status code (ignoring the
// auth 401/403 split, which the handler resolves via StatusForAuth).
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindQuota:
		return http.StatusTooManyRequests
	case KindPersistenceTransient:
		return http.StatusServiceUnavailable
	case KindPersistencePermanent:
		return http.StatusInternalServerError
	case KindScheduling:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the JSON shape of every non-2xx response.
type Envelope struct {
	Error struct {
		Message string       `json:"message"`
		Details []FieldError `json:"details,omitempty"`
	} `json:"error"`
}

// NewEnvelope builds the response envelope for e.
func NewEnvelope(e *Error) Envelope {
	var env Envelope
	env.Error.Message = e.Message
	env.Error.Details = e.Details
	return env
}
