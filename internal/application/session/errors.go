package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/KlikkAI/reporunner-sub010/internal/application/transform"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
)

func errClosed(sessionID string) *apperrors.UnifiedError {
	return apperrors.Session(apperrors.CodeSessionClosed.String(), "session has ended").
		WithSessionID(sessionID).
		Build()
}

func errPaused(sessionID string) *apperrors.UnifiedError {
	return apperrors.Session(apperrors.CodeSessionPaused.String(), "session is paused").
		WithSessionID(sessionID).
		WithRetryable(true).
		Build()
}

func errNotParticipant(sessionID, userID string) *apperrors.UnifiedError {
	return apperrors.Forbidden(apperrors.CodeNotParticipant.String(), "not a participant of this session").
		WithSessionID(sessionID).
		WithUserID(userID).
		Build()
}

func errForbidden(sessionID, userID, action string) *apperrors.UnifiedError {
	return apperrors.Forbidden(apperrors.CodeForbidden.String(), "not allowed to "+action).
		WithSessionID(sessionID).
		WithUserID(userID).
		Build()
}

func errSubmitTimeout(sessionID string, timeout time.Duration) *apperrors.UnifiedError {
	return apperrors.Timeout(apperrors.CodeSubmitTimeout.String(), "session did not accept the request in time").
		WithDetails(fmt.Sprintf("waited %s", timeout)).
		WithSessionID(sessionID).
		Build()
}

func errCancelled(sessionID string, cause error) *apperrors.UnifiedError {
	return apperrors.Session(apperrors.CodeSubmitCancelled.String(), "request cancelled before processing").
		WithSessionID(sessionID).
		WithCause(cause).
		Build()
}

func errSessionFull(sessionID string, max int) *apperrors.UnifiedError {
	return apperrors.Capacity(apperrors.CodeSessionFull.String(), "session is full").
		WithDetails(fmt.Sprintf("max %d participants", max)).
		WithSessionID(sessionID).
		Build()
}

func errServerFull(max int) *apperrors.UnifiedError {
	return apperrors.Capacity(apperrors.CodeServerFull.String(), "too many open sessions").
		WithDetails(fmt.Sprintf("max %d sessions", max)).
		Build()
}

func errRateLimited(sessionID, userID string, retryAfter time.Duration) *apperrors.UnifiedError {
	return apperrors.RateLimit(apperrors.CodeRateLimited.String(), "too many operations", retryAfter).
		WithSessionID(sessionID).
		WithUserID(userID).
		Build()
}

func errNothingToUndo(sessionID, userID string) *apperrors.UnifiedError {
	return apperrors.Validation(apperrors.CodeNothingToUndo.String(), "nothing to undo").
		WithSessionID(sessionID).
		WithUserID(userID).
		Build()
}

func errConnectionLost(sessionID, userID string) *apperrors.UnifiedError {
	return apperrors.Transport(apperrors.CodeConnectionLost.String(), "connection refused the session snapshot").
		WithSessionID(sessionID).
		WithUserID(userID).
		Build()
}

func errSessionNotFound(id string) *apperrors.UnifiedError {
	return apperrors.NotFound(apperrors.CodeSessionNotFound.String(), "session not found").
		WithResource(id).
		Build()
}

// classify maps domain and engine errors onto client-visible errors.
func classify(sessionID string, err error) *apperrors.UnifiedError {
	var ue *apperrors.UnifiedError
	switch {
	case errors.As(err, &ue):
		return ue
	case errors.Is(err, transform.ErrResyncRequired):
		return apperrors.Session(apperrors.CodeResyncRequired.String(), "base version too old, resync required").
			WithDetails(err.Error()).
			WithSessionID(sessionID).
			WithRetryable(true).
			Build()
	case errors.Is(err, transform.ErrConflictNotFound):
		return apperrors.NotFound(apperrors.CodeConflictNotFound.String(), "no pending conflict with that id").
			WithSessionID(sessionID).
			Build()
	case errors.Is(err, operation.ErrUnknownTarget):
		return apperrors.Validation(apperrors.CodeUnknownTarget.String(), "target does not exist").
			WithDetails(err.Error()).
			WithSessionID(sessionID).
			Build()
	case errors.Is(err, transform.ErrFutureBase),
		errors.Is(err, transform.ErrInvalidChoice),
		errors.Is(err, operation.ErrInvalid):
		return apperrors.Validation(apperrors.CodeInvalidOperation.String(), "invalid operation").
			WithDetails(err.Error()).
			WithSessionID(sessionID).
			Build()
	default:
		return apperrors.Internal(apperrors.CodeInternalError.String(), "internal error").
			WithDetails(err.Error()).
			WithCause(err).
			WithSessionID(sessionID).
			Build()
	}
}
