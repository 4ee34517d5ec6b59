// Package errors provides the unified error type used across the
// collaboration service. Every client-visible failure carries a type, a
// stable code and a retryable signal so transports can render it uniformly.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// ERROR TYPES
// ============================================================================

// ErrorType is the category of an error. It decides the HTTP status and
// the default retryable signal.
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeForbidden    ErrorType = "FORBIDDEN"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"

	ErrorTypeCapacity  ErrorType = "CAPACITY"
	ErrorTypeRateLimit ErrorType = "RATE_LIMIT"
	ErrorTypeSession   ErrorType = "SESSION"
	ErrorTypeTimeout   ErrorType = "TIMEOUT"

	ErrorTypePersistence ErrorType = "PERSISTENCE"
	ErrorTypeTransport   ErrorType = "TRANSPORT"
	ErrorTypeInternal    ErrorType = "INTERNAL"
)

// retryableByDefault lists the types a client may simply retry.
var retryableByDefault = map[ErrorType]bool{
	ErrorTypeConflict:    true,
	ErrorTypeCapacity:    true,
	ErrorTypeRateLimit:   true,
	ErrorTypeTimeout:     true,
	ErrorTypePersistence: true,
	ErrorTypeTransport:   true,
}

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:   http.StatusBadRequest,
	ErrorTypeNotFound:     http.StatusNotFound,
	ErrorTypeConflict:     http.StatusConflict,
	ErrorTypeSession:      http.StatusConflict,
	ErrorTypeForbidden:    http.StatusForbidden,
	ErrorTypeUnauthorized: http.StatusUnauthorized,
	ErrorTypeCapacity:     http.StatusServiceUnavailable,
	ErrorTypeRateLimit:    http.StatusTooManyRequests,
	ErrorTypeTimeout:      http.StatusGatewayTimeout,
	ErrorTypePersistence:  http.StatusBadGateway,
	ErrorTypeTransport:    http.StatusBadGateway,
}

// ============================================================================
// UNIFIED ERROR
// ============================================================================

// UnifiedError is the single error type returned by session, transport and
// persistence code.
type UnifiedError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`

	Resource  string `json:"resource,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`

	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Cause      error         `json:"-"`
}

func (e *UnifiedError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Type, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

func (e *UnifiedError) Unwrap() error {
	return e.Cause
}

// Is matches another UnifiedError with the same type and code, so package
// level sentinels built with Build() can be compared with errors.Is.
func (e *UnifiedError) Is(target error) bool {
	var other *UnifiedError
	if !errors.As(target, &other) {
		return false
	}
	return other.Type == e.Type && other.Code == e.Code
}

// HTTPStatus maps the error type to a response status code.
func (e *UnifiedError) HTTPStatus() int {
	if status, ok := statusByType[e.Type]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ============================================================================
// BUILDER
// ============================================================================

// ErrorBuilder constructs a UnifiedError fluently.
type ErrorBuilder struct {
	err *UnifiedError
}

// NewError starts an error of errType. Retryable defaults from the type.
func NewError(errType ErrorType, code, message string) *ErrorBuilder {
	return &ErrorBuilder{err: &UnifiedError{
		Type:      errType,
		Code:      code,
		Message:   message,
		Retryable: retryableByDefault[errType],
	}}
}

func (b *ErrorBuilder) WithDetails(details string) *ErrorBuilder {
	b.err.Details = details
	return b
}

// WithResource names the graph, session or element the error is about.
func (b *ErrorBuilder) WithResource(resource string) *ErrorBuilder {
	b.err.Resource = resource
	return b
}

func (b *ErrorBuilder) WithSessionID(sessionID string) *ErrorBuilder {
	b.err.SessionID = sessionID
	return b
}

func (b *ErrorBuilder) WithUserID(userID string) *ErrorBuilder {
	b.err.UserID = userID
	return b
}

func (b *ErrorBuilder) WithRetryable(retryable bool) *ErrorBuilder {
	b.err.Retryable = retryable
	return b
}

func (b *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	b.err.Cause = cause
	return b
}

// WithRetryAfter sets how long to wait before retrying and marks the error
// retryable.
func (b *ErrorBuilder) WithRetryAfter(d time.Duration) *ErrorBuilder {
	b.err.RetryAfter = d
	b.err.Retryable = true
	return b
}

func (b *ErrorBuilder) Build() *UnifiedError {
	return b.err
}

// ============================================================================
// CONSTRUCTORS
// ============================================================================

func Validation(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeValidation, code, message)
}

func NotFound(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeNotFound, code, message)
}

// Conflict is retryable: a client resolves it by resyncing or by a
// decision on the pending operation.
func Conflict(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeConflict, code, message)
}

func Forbidden(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeForbidden, code, message)
}

func Unauthorized(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeUnauthorized, code, message)
}

func Capacity(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeCapacity, code, message)
}

func RateLimit(code, message string, retryAfter time.Duration) *ErrorBuilder {
	return NewError(ErrorTypeRateLimit, code, message).WithRetryAfter(retryAfter)
}

func Session(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeSession, code, message)
}

func Timeout(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeTimeout, code, message)
}

func Persistence(code, message string) *ErrorBuilder {
	return NewError(ErrorTypePersistence, code, message)
}

func Transport(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeTransport, code, message)
}

func Internal(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeInternal, code, message)
}

// ============================================================================
// INSPECTION
// ============================================================================

// IsRetryable reports whether err is a UnifiedError marked retryable.
func IsRetryable(err error) bool {
	var ue *UnifiedError
	return errors.As(err, &ue) && ue.Retryable
}

// CodeOf returns the error code, or CodeInternalError for foreign errors.
func CodeOf(err error) string {
	var ue *UnifiedError
	if errors.As(err, &ue) {
		return ue.Code
	}
	return CodeInternalError.String()
}

// As extracts a UnifiedError, converting foreign errors to internal ones.
func As(err error) *UnifiedError {
	if err == nil {
		return nil
	}
	var ue *UnifiedError
	if errors.As(err, &ue) {
		return ue
	}
	return Internal(CodeInternalError.String(), "internal error").
		WithDetails(err.Error()).
		WithCause(err).
		Build()
}
