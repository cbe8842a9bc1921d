package types

import "fmt"

// ErrorKind is the closed taxonomy of structured errors returned by the
// tool surface.
type ErrorKind string

const (
	ErrInvalidArgument ErrorKind = "invalid_argument"
	ErrNotFound        ErrorKind = "not_found"
	ErrConflict        ErrorKind = "conflict"
	ErrCycle           ErrorKind = "cycle"
	ErrStateViolation  ErrorKind = "state_violation"
	ErrGateRejected    ErrorKind = "gate_rejected"
	ErrGateBlocked     ErrorKind = "gate_blocked"
	ErrClaimLimit      ErrorKind = "claim_limit"
	ErrAffinity        ErrorKind = "affinity"
	ErrStaleSession    ErrorKind = "stale_session"
	ErrSchemaMigration ErrorKind = "schema_migration"
	ErrStorage         ErrorKind = "storage"
)

// Error is a structured error with a kind from the closed taxonomy and
// optional machine-readable fields.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WithField attaches a field to the error and returns it.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// Errf constructs an Error of the given kind.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgument(format string, args ...any) *Error {
	return Errf(ErrInvalidArgument, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return Errf(ErrNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return Errf(ErrConflict, format, args...)
}

func StateViolation(format string, args ...any) *Error {
	return Errf(ErrStateViolation, format, args...)
}

func Affinity(format string, args ...any) *Error {
	return Errf(ErrAffinity, format, args...)
}

func StorageError(err error) *Error {
	return &Error{
		Kind:    ErrStorage,
		Message: err.Error(),
		Fields:  map[string]any{"retryable": false},
	}
}

// AsError returns err as *Error, wrapping unknown errors as storage
// failures so every error leaving the tool surface carries a kind.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return StorageError(err)
}
