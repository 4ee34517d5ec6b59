package errors

// ErrorCode represents a unique error code for specific error scenarios
type ErrorCode string

const (
	// Operation errors
	CodeInvalidOperation ErrorCode = "INVALID_OPERATION"
	CodeUnknownTarget    ErrorCode = "UNKNOWN_TARGET"
	CodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	CodeNothingToUndo    ErrorCode = "NOTHING_TO_UNDO"

	// Conflict errors
	CodeConflictPending  ErrorCode = "CONFLICT_PENDING"
	CodeConflictNotFound ErrorCode = "CONFLICT_NOT_FOUND"

	// Capacity errors
	CodeSessionFull   ErrorCode = "SESSION_FULL"
	CodeRateLimited   ErrorCode = "RATE_LIMITED"
	CodeServerFull    ErrorCode = "SERVER_FULL"
	CodeSubmitTimeout ErrorCode = "SUBMIT_TIMEOUT"

	// Session errors
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionPaused   ErrorCode = "SESSION_PAUSED"
	CodeSessionClosed   ErrorCode = "SESSION_CLOSED"
	CodeResyncRequired  ErrorCode = "RESYNC_REQUIRED"
	CodeNotParticipant  ErrorCode = "NOT_PARTICIPANT"
	CodeSubmitCancelled ErrorCode = "SUBMIT_CANCELLED"

	// Authorization errors
	CodeForbidden    ErrorCode = "FORBIDDEN"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Infrastructure errors
	CodePersistenceFailed ErrorCode = "PERSISTENCE_FAILED"
	CodeStaleVersion      ErrorCode = "STALE_VERSION"
	CodeLockHeld          ErrorCode = "LOCK_HELD"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeConnectionLost    ErrorCode = "CONNECTION_LOST"
	CodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// String returns the string representation of the error code
func (c ErrorCode) String() string {
	return string(c)
}
