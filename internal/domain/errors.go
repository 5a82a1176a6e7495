package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the relay domain.
var (
	// ErrAuthInvalid means the shared gateway secret did not match. Fatal for
	// the connection attempt; the caller closes the transport.
	ErrAuthInvalid = fmt.Errorf("gateway authentication failed")

	// ErrBackendAuthRejected means a backend declined a client's API key.
	// Recoverable; the client may retry with a different key.
	ErrBackendAuthRejected = fmt.Errorf("backend rejected api key")

	// ErrBackendUnavailable means the target backend holds no live connection.
	ErrBackendUnavailable = fmt.Errorf("backend not available")

	// ErrRequestTimeout means no correlated response arrived within the deadline.
	ErrRequestTimeout = fmt.Errorf("request timed out")

	// ErrMalformedMessage means a frame matched none of the known shapes.
	// The frame is dropped and logged; the connection stays open.
	ErrMalformedMessage = fmt.Errorf("malformed message")

	// ErrNotAuthenticated means a client tried to reach a backend it never
	// completed backend authentication for.
	ErrNotAuthenticated = fmt.Errorf("not authenticated to backend")

	ErrClientNotFound  = fmt.Errorf("client not found")
	ErrBackendNotFound = fmt.Errorf("backend not found")

	// ErrIdentityStore wraps durable-storage failures in the identity store.
	ErrIdentityStore = fmt.Errorf("identity store operation failed")

	// ErrIdentityExhausted means backend ID generation kept colliding.
	ErrIdentityExhausted = fmt.Errorf("backend id space exhausted")

	// ErrCircuitOpen means the per-backend circuit breaker is rejecting
	// proxy traffic after repeated failures.
	ErrCircuitOpen = fmt.Errorf("backend circuit open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Backends.Register")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category surfaced to relay peers
// and HTTP proxy callers.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeBackendAuthRejected ErrorCode = "BACKEND_AUTH_REJECTED"
	CodeBackendUnavailable  ErrorCode = "BACKEND_UNAVAILABLE"
	CodeRequestTimeout      ErrorCode = "REQUEST_TIMEOUT"
	CodeMalformedMessage    ErrorCode = "MALFORMED_MESSAGE"
	CodeNotAuthenticated    ErrorCode = "NOT_AUTHENTICATED"
	CodeClientNotFound      ErrorCode = "CLIENT_NOT_FOUND"
	CodeBackendNotFound     ErrorCode = "BACKEND_NOT_FOUND"
	CodeIdentityStore       ErrorCode = "IDENTITY_STORE"
	CodeIdentityExhausted   ErrorCode = "IDENTITY_EXHAUSTED"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrBackendAuthRejected: CodeBackendAuthRejected,
	ErrBackendUnavailable:  CodeBackendUnavailable,
	ErrRequestTimeout:      CodeRequestTimeout,
	ErrMalformedMessage:    CodeMalformedMessage,
	ErrNotAuthenticated:    CodeNotAuthenticated,
	ErrClientNotFound:      CodeClientNotFound,
	ErrBackendNotFound:     CodeBackendNotFound,
	ErrIdentityStore:       CodeIdentityStore,
	ErrIdentityExhausted:   CodeIdentityExhausted,
	ErrCircuitOpen:         CodeCircuitOpen,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
