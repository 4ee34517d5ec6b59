// Package dispatch routes inbound participant envelopes to the session they
// belong to. Every transport shares it, so a message means the same thing
// over a WebSocket as over an API Gateway connection.
package dispatch

import (
	"context"
	"time"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/application/session"
	"github.com/KlikkAI/reporunner-sub010/internal/application/transform"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
)

// Result tells the transport what to do after a message.
type Result int

const (
	// Continue reading.
	Continue Result = iota
	// Left means the participant left; the transport should close.
	Left
)

// Handle applies one raw inbound frame from identity on conn to s. Failures
// are reported to conn as error envelopes; outcomes the session decides are
// acked by the session itself.
func Handle(ctx context.Context, s *session.Session, identity session.Identity, conn ports.Connection, raw []byte) Result {
	env, err := events.ParseEnvelope(raw)
	if err != nil {
		SendError(conn, s.ID(), malformed(err), "")
		return Continue
	}

	userID := identity.UserID
	switch env.Type {
	case events.TypeOperation:
		var msg events.OperationMessage
		if err := env.Decode(&msg); err != nil {
			SendError(conn, s.ID(), malformed(err), "")
			return Continue
		}
		op, err := msg.ToOperation(userID)
		if err != nil {
			SendError(conn, s.ID(), apperrors.Validation(apperrors.CodeInvalidOperation.String(), err.Error()).
				WithSessionID(s.ID()).
				Build(), msg.OperationID)
			return Continue
		}
		if _, err := s.Submit(ctx, userID, op); err != nil {
			SendError(conn, s.ID(), err, op.ID)
		}

	case events.TypePresence:
		var msg events.PresenceMessage
		if err := env.Decode(&msg); err != nil {
			SendError(conn, s.ID(), malformed(err), "")
			return Continue
		}
		msg.UserID = userID
		msg.DisplayName = identity.DisplayName
		msg.Timestamp = time.Now().UTC()
		s.Presence(userID, msg)

	case events.TypeResync:
		reply(conn, s, s.Resync(ctx, userID))

	case events.TypeConflictResolve:
		var msg events.ResolveMessage
		if err := env.Decode(&msg); err != nil {
			SendError(conn, s.ID(), malformed(err), "")
			return Continue
		}
		if _, err := s.ResolveConflict(ctx, userID, msg.OperationID, transform.Choice(msg.Choice)); err != nil {
			SendError(conn, s.ID(), err, msg.OperationID)
		}

	case events.TypeUndo:
		var msg events.UndoMessage
		if err := env.Decode(&msg); err != nil {
			SendError(conn, s.ID(), malformed(err), "")
			return Continue
		}
		if _, err := s.Undo(ctx, userID, msg.ClientID, msg.OperationID); err != nil {
			SendError(conn, s.ID(), err, msg.OperationID)
		}

	case events.TypeLeave:
		reply(conn, s, s.Leave(ctx, userID))
		return Left

	case events.TypeSessionPause:
		reply(conn, s, s.Pause(ctx, userID))
	case events.TypeSessionResume:
		reply(conn, s, s.Resume(ctx, userID))
	case events.TypeSessionEnd:
		reply(conn, s, s.End(ctx, userID))

	default:
		SendError(conn, s.ID(), apperrors.Validation(apperrors.CodeMalformedMessage.String(), "unknown message type").
			WithDetails(env.Type).
			Build(), "")
	}
	return Continue
}

func reply(conn ports.Connection, s *session.Session, err error) {
	if err != nil {
		SendError(conn, s.ID(), err, "")
	}
}

// SendError reports err to conn as an error envelope.
func SendError(conn ports.Connection, sessionID string, err error, operationID string) {
	conn.Send(events.MustEnvelope(events.TypeError, sessionID, session.ErrorMessage(err, operationID)))
}

func malformed(err error) error {
	return apperrors.Validation(apperrors.CodeMalformedMessage.String(), "malformed message").
		WithDetails(err.Error()).
		WithCause(err).
		Build()
}
