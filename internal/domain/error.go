package domain

import (
	"errors"
	"fmt"
)

// Application error codes.
// They drive retry behavior and map onto HTTP statuses at the edge.
const (
	ECONFLICT   = "conflict"        // 409 - Lifecycle conflict (already submitted, already terminal)
	EINTERNAL   = "internal"        // 500 - Internal error (hide details)
	ENOTFOUND   = "not_found"       // 404 - Document or counter not found
	EVALIDATION = "validation"      // 400 - Business-rule violation, surfaced synchronously, never queued
	ESIGNING    = "signing"         // 503 - Certificate missing/expired; issuance halted, never retried
	ENETWORK    = "network"         // transient authority/transport failure, retried with backoff
	EREJECTED   = "rejected"        // durable authority rejection, needs a correction document
	EATTENTION  = "needs_attention" // retry ceiling exhausted, escalated to an operator
)

// Error represents an application error with a code and message.
// It implements the error interface and supports error wrapping.
type Error struct {
	// Code is a machine-readable error code (e.g., EVALIDATION, ENETWORK).
	Code string

	// Message is a human-readable message safe to surface to collaborators.
	Message string

	// Op is the operation where the error occurred (e.g., "issuer.issue").
	// Used for debugging and logging.
	Op string

	// Err is the underlying error, if any. Used for error wrapping.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode extracts the error code from an error.
// Returns EINTERNAL for non-domain errors.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return EINTERNAL
}

// ErrorMessage extracts a user-facing message from an error.
// For internal errors, returns a generic message to avoid leaking details.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Code == EINTERNAL {
			return "An internal error occurred. Please try again later."
		}
		return e.Message
	}

	return "An internal error occurred. Please try again later."
}

// Errorf creates a new domain error with formatted message.
// Example: domain.Errorf(domain.EVALIDATION, "builder.build", "line %d: missing tax rate", i)
func Errorf(code, op, format string, args ...interface{}) error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with a domain error code and operation.
// Preserves the underlying error for logging while providing structure.
// Returns nil if err is nil.
func WrapError(err error, code, op, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// IsCode returns true if err has the given error code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// Validation creates a business-rule violation error. These surface
// synchronously to the originating caller and never reach the outbox.
func Validation(op, message string) error {
	return &Error{Code: EVALIDATION, Op: op, Message: message}
}

// Signing creates a fatal signing error. Issuance for the affected
// branch/type is halted until the certificate is fixed.
func Signing(op, message string, err error) error {
	return &Error{Code: ESIGNING, Op: op, Message: message, Err: err}
}

// Network creates a transient delivery error eligible for retry.
func Network(op, message string, err error) error {
	return &Error{Code: ENETWORK, Op: op, Message: message, Err: err}
}

// NotFound creates a not found error for a resource.
func NotFound(op, resource, identifier string) error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("%s not found: %s", resource, identifier),
	}
}

// Conflict creates a lifecycle conflict error.
func Conflict(op, message string) error {
	return &Error{Code: ECONFLICT, Op: op, Message: message}
}

// Internal creates an internal error (wraps underlying error).
// The message shown to callers will be generic; the underlying error is for logging.
func Internal(err error, op, message string) error {
	return &Error{Code: EINTERNAL, Op: op, Message: message, Err: err}
}
