package domain

import (
	"errors"
	"fmt"
	"time"
)

// Stable error codes returned to callers. These values are part of the API
// contract and must not change.
const (
	ERATELIMITED          = "RATE_LIMITED"             // Too many attempts in the trailing window
	EMISSINGSESSION       = "MISSING_SESSION"          // Free allowance used, no paid session presented
	EVERIFICATIONFAILED   = "VERIFICATION_FAILED"      // Payment provider rejected the session
	EVERIFICATIONUNAVAIL  = "VERIFICATION_UNAVAILABLE" // Payment provider unreachable
	EPAYMENTNOTFOUND      = "PAYMENT_NOT_FOUND"        // No entitlement recorded for the session
	EPAYMENTUSED          = "PAYMENT_ALREADY_USED"     // Entitlement already consumed
	EEMAILMISMATCH        = "EMAIL_MISMATCH"           // Session belongs to a different email
	EEXTRACTIONFAILED     = "EXTRACTION_FAILED"        // Document text could not be read
	ECONTENTNOTADMISSIBLE = "CONTENT_NOT_ADMISSIBLE"   // Content failed the admissibility gate
	EANALYSISFAILED       = "ANALYSIS_FAILED"          // Downstream analysis failed after consumption
	EDELIVERYFAILED       = "DELIVERY_FAILED"          // Result generated but not delivered
	EINVALID              = "INVALID_INPUT"            // Missing or malformed request fields
	ETOOLARGE             = "TOO_LARGE"                // Upload exceeds size limit
	ENOTFOUND             = "NOT_FOUND"                // Resource not found
	EUNAUTHORIZED         = "UNAUTHORIZED"             // Operator credentials missing or wrong
	EINTERNAL             = "INTERNAL"                 // Internal error, details hidden
)

// Error represents an application error with structured information.
type Error struct {
	Code    string // Machine-readable error code
	Op      string // Operation that failed (e.g., "pipeline.submit")
	Message string // Human-readable message
	Err     error  // Underlying error

	// Confidence is the admissibility score (0-100) when the gate computed one.
	Confidence *int

	// RetryAfter tells rate limited callers when to try again.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new Error with the given code, operation, and formatted message.
func Errorf(code, op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code, op, message string) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// ErrorCode returns the code of the root error, or EINTERNAL if none.
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

// ErrorMessage returns the human-readable message of the error.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Code != EINTERNAL {
		return e.Message
	}
	return "An internal error occurred. Please try again later."
}

// ErrorOp returns the operation of the root error, if any.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// ErrorConfidence returns the admissibility confidence attached to err, if any.
func ErrorConfidence(err error) *int {
	var e *Error
	if errors.As(err, &e) {
		return e.Confidence
	}
	return nil
}

// ErrorRetryAfter returns the retry hint attached to err, or zero.
func ErrorRetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Invalid creates a client input error.
func Invalid(op, message string) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: message,
	}
}

// NotFound creates a not found error.
func NotFound(op, resource, id string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("%s %q not found", resource, id),
	}
}

// Internal creates an internal error, wrapping the underlying error.
func Internal(err error, op, message string) *Error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// RateLimited creates a rate limit error carrying a retry hint.
func RateLimited(op string, retryAfter time.Duration) *Error {
	return &Error{
		Code:       ERATELIMITED,
		Op:         op,
		Message:    "Too many upload attempts. Please wait a minute and try again.",
		RetryAfter: retryAfter,
	}
}

// Denied creates an entitlement denial with the given code.
func Denied(code, op, message string) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
	}
}

// ValidationError represents field-level validation errors.
type ValidationError struct {
	Op     string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation failed", e.Op)
}

// NewValidationError creates a new validation error with the first field error.
func NewValidationError(op, field, message string) *ValidationError {
	return &ValidationError{
		Op: op,
		Fields: map[string]string{
			field: message,
		},
	}
}

// AddFieldError adds a field error to an existing validation error.
// If err is not a ValidationError, returns a new one.
func AddFieldError(err error, field, message string) *ValidationError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		ve.Fields[field] = message
		return ve
	}
	return NewValidationError("", field, message)
}
