package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports/portstest"
	"github.com/KlikkAI/reporunner-sub010/internal/application/session"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
)

func openSession(t *testing.T) *session.Session {
	t.Helper()
	store := portstest.NewStore()
	snap := graph.New()
	snap.Nodes = []graph.Element{{ID: "n1", Attrs: map[string]any{"label": "Start"}}}
	store.Put("g1", snap, 3)

	reg := session.NewRegistry(session.Deps{Store: store, Logger: zap.NewNop()}, session.Settings{
		MaxParticipants:   4,
		AutosaveInterval:  time.Hour,
		ConflictMode:      operation.ModeOperationalTransform,
		InactivityTimeout: time.Hour,
		GraceWindow:       time.Hour,
		SubmitTimeout:     time.Second,
		MaxRebaseWindow:   50,
		LogRetention:      100,
		PresenceLiveness:  time.Minute,
		CommandBuffer:     8,
		FlushTimeout:      time.Second,
	}, "test")
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	s, err := reg.Open(context.Background(), "g1", "alice")
	require.NoError(t, err)
	return s
}

func join(t *testing.T, s *session.Session, user string) (session.Identity, *portstest.Conn) {
	t.Helper()
	id := session.Identity{UserID: user, DisplayName: "User " + user, Role: session.RoleEditor}
	conn := portstest.NewConn(user)
	_, err := s.Join(context.Background(), id, conn)
	require.NoError(t, err)
	return id, conn
}

func frame(t *testing.T, typ string, data any) []byte {
	t.Helper()
	b, err := json.Marshal(events.MustEnvelope(typ, "", data))
	require.NoError(t, err)
	return b
}

func lastError(t *testing.T, conn *portstest.Conn) events.ErrorMessage {
	t.Helper()
	env, ok := conn.Last(events.TypeError)
	require.True(t, ok, "no error envelope")
	return portstest.Decode[events.ErrorMessage](env)
}

func TestHandle_Operation(t *testing.T) {
	s := openSession(t)
	alice, conn := join(t, s, "alice")

	msg := events.OperationMessage{
		OperationID: "op-1",
		Type:        operation.TypeUpdate,
		Target:      operation.Target{Type: operation.TargetNode, ID: "n1"},
		Data:        events.OperationData{Delta: json.RawMessage(`{"changes":[{"path":"label","after":"Go"}]}`)},
		BaseVersion: 3,
		ClientID:    "tab",
	}
	res := Handle(context.Background(), s, alice, conn, frame(t, events.TypeOperation, msg))
	assert.Equal(t, Continue, res)

	env, ok := conn.Last(events.TypeOperationAck)
	require.True(t, ok)
	ack := portstest.Decode[events.AckMessage](env)
	assert.Equal(t, operation.StatusApplied, ack.Status)
	assert.Equal(t, int64(4), ack.AppliedVersion)
}

func TestHandle_Rejections(t *testing.T) {
	s := openSession(t)
	_, _ = join(t, s, "alice")
	bob, conn := join(t, s, "bob")

	tests := []struct {
		name string
		raw  []byte
		code apperrors.ErrorCode
	}{
		{"not json", []byte(`{`), apperrors.CodeMalformedMessage},
		{"no type", []byte(`{"data":{}}`), apperrors.CodeMalformedMessage},
		{"unknown type", frame(t, "teleport", map[string]int{"x": 1}), apperrors.CodeMalformedMessage},
		{"bad choice", frame(t, events.TypeConflictResolve, events.ResolveMessage{OperationID: "x", Choice: "maybe"}), apperrors.CodeMalformedMessage},
		{"pause by non-owner", frame(t, events.TypeSessionPause, nil), apperrors.CodeForbidden},
		{"end by non-owner", frame(t, events.TypeSessionEnd, nil), apperrors.CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn.Reset()
			assert.Equal(t, Continue, Handle(context.Background(), s, bob, conn, tt.raw))
			assert.Equal(t, tt.code.String(), lastError(t, conn).Code)
		})
	}
}

func TestHandle_PresenceIsStampedWithIdentity(t *testing.T) {
	s := openSession(t)
	alice, aliceConn := join(t, s, "alice")
	_, bobConn := join(t, s, "bob")

	forged := events.PresenceMessage{UserID: "mallory", Cursor: &events.Cursor{X: 1, Y: 2}}
	Handle(context.Background(), s, alice, aliceConn, frame(t, events.TypePresence, forged))

	env, ok := bobConn.WaitFor(events.TypePresence, 2*time.Second)
	require.True(t, ok)
	got := portstest.Decode[events.PresenceMessage](env)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "User alice", got.DisplayName)
	assert.Equal(t, 1.0, got.Cursor.X)
}

func TestHandle_LeaveAndResync(t *testing.T) {
	s := openSession(t)
	alice, conn := join(t, s, "alice")

	conn.Reset()
	assert.Equal(t, Continue, Handle(context.Background(), s, alice, conn, frame(t, events.TypeResync, nil)))
	_, ok := conn.Last(events.TypeSessionSnapshot)
	assert.True(t, ok)

	assert.Equal(t, Left, Handle(context.Background(), s, alice, conn, frame(t, events.TypeLeave, nil)))

	conn.Reset()
	Handle(context.Background(), s, alice, conn, frame(t, events.TypeResync, nil))
	assert.Equal(t, apperrors.CodeNotParticipant.String(), lastError(t, conn).Code)
}
