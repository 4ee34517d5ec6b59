package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnifiedError_Creation(t *testing.T) {
	tests := []struct {
		name     string
		builder  func() *UnifiedError
		expected *UnifiedError
	}{
		{
			name: "validation error",
			builder: func() *UnifiedError {
				return Validation(CodeUnknownTarget.String(), "unknown target").
					WithDetails("node n-1 does not exist").
					Build()
			},
			expected: &UnifiedError{
				Type:      ErrorTypeValidation,
				Code:      "UNKNOWN_TARGET",
				Message:   "unknown target",
				Details:   "node n-1 does not exist",
				Retryable: false,
			},
		},
		{
			name: "capacity error is retryable",
			builder: func() *UnifiedError {
				return Capacity(CodeSessionFull.String(), "session is full").Build()
			},
			expected: &UnifiedError{
				Type:      ErrorTypeCapacity,
				Code:      "SESSION_FULL",
				Message:   "session is full",
				Retryable: true,
			},
		},
		{
			name: "rate limit carries retry after",
			builder: func() *UnifiedError {
				return RateLimit(CodeRateLimited.String(), "too many operations", 2*time.Second).Build()
			},
			expected: &UnifiedError{
				Type:       ErrorTypeRateLimit,
				Code:       "RATE_LIMITED",
				Message:    "too many operations",
				Retryable:  true,
				RetryAfter: 2 * time.Second,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.builder()

			assert.Equal(t, tt.expected.Type, err.Type)
			assert.Equal(t, tt.expected.Code, err.Code)
			assert.Equal(t, tt.expected.Message, err.Message)
			assert.Equal(t, tt.expected.Details, err.Details)
			assert.Equal(t, tt.expected.Retryable, err.Retryable)
			assert.Equal(t, tt.expected.RetryAfter, err.RetryAfter)
		})
	}
}

func TestUnifiedError_Is(t *testing.T) {
	sentinel := Session(CodeSessionClosed.String(), "session closed").Build()
	other := Session(CodeSessionClosed.String(), "session closed").WithSessionID("s-1").Build()

	assert.True(t, errors.Is(other, sentinel))
	assert.True(t, errors.Is(fmt.Errorf("submit: %w", other), sentinel))
	assert.False(t, errors.Is(Session(CodeSessionPaused.String(), "paused").Build(), sentinel))
}

func TestUnifiedError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Persistence(CodePersistenceFailed.String(), "save failed").WithCause(cause).Build()

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "[PERSISTENCE:PERSISTENCE_FAILED] save failed", err.Error())
}

func TestAs(t *testing.T) {
	assert.Nil(t, As(nil))

	plain := As(errors.New("boom"))
	require.NotNil(t, plain)
	assert.Equal(t, ErrorTypeInternal, plain.Type)
	assert.Equal(t, "boom", plain.Details)

	ue := Forbidden(CodeForbidden.String(), "owner only").Build()
	assert.Same(t, ue, As(fmt.Errorf("pause: %w", ue)))
}

func TestClassification(t *testing.T) {
	assert.True(t, IsRetryable(Capacity(CodeSessionFull.String(), "full").Build()))
	assert.True(t, IsRetryable(RateLimit(CodeRateLimited.String(), "slow down", time.Second).Build()))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(Timeout(CodeSubmitTimeout.String(), "busy").Build()))
	assert.False(t, IsRetryable(Validation(CodeInvalidOperation.String(), "bad").Build()))
	assert.Equal(t, "INTERNAL_ERROR", CodeOf(errors.New("plain")))
	assert.Equal(t, "SESSION_FULL", CodeOf(Capacity(CodeSessionFull.String(), "full").Build()))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		errType  ErrorType
		expected int
	}{
		{ErrorTypeValidation, http.StatusBadRequest},
		{ErrorTypeNotFound, http.StatusNotFound},
		{ErrorTypeForbidden, http.StatusForbidden},
		{ErrorTypeSession, http.StatusConflict},
		{ErrorTypePersistence, http.StatusBadGateway},
		{ErrorTypeCapacity, http.StatusServiceUnavailable},
		{ErrorTypeRateLimit, http.StatusTooManyRequests},
		{ErrorTypeTimeout, http.StatusGatewayTimeout},
		{ErrorTypeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := NewError(tt.errType, "CODE", "message").Build()
			assert.Equal(t, tt.expected, err.HTTPStatus())
		})
	}
}
