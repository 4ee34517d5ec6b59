package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports/portstest"
	"github.com/KlikkAI/reporunner-sub010/internal/application/session"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
	"github.com/KlikkAI/reporunner-sub010/pkg/auth"
)

type fixture struct {
	t        *testing.T
	server   *httptest.Server
	registry *session.Registry
	hub      *Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := portstest.NewStore()
	snap := graph.New()
	snap.Nodes = []graph.Element{{ID: "n1", Attrs: map[string]any{"label": "Start"}}}
	store.Put("g1", snap, 7)

	registry := session.NewRegistry(session.Deps{Store: store, Logger: zap.NewNop()}, session.Settings{
		MaxParticipants:   5,
		AutosaveInterval:  time.Hour,
		ConflictMode:      operation.ModeOperationalTransform,
		InactivityTimeout: time.Hour,
		GraceWindow:       time.Hour,
		SubmitTimeout:     time.Second,
		MaxRebaseWindow:   100,
		LogRetention:      1000,
		PresenceLiveness:  time.Minute,
		CommandBuffer:     16,
		FlushTimeout:      time.Second,
		Retry:             config.Retry{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxTries: 1},
	}, "test")

	authService, err := auth.NewService(config.Auth{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(zap.NewNop())
	go hub.Run(ctx)

	cfg := config.Server{
		WriteWait:      time.Second,
		PongWait:       time.Minute,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     64,
		MaxConnections: 100,
	}
	server := httptest.NewServer(NewHandler(registry, authService, hub, cfg, zap.NewNop()))

	t.Cleanup(func() {
		server.Close()
		_ = registry.Shutdown(context.Background())
		cancel()
		<-hub.Stopped()
	})
	return &fixture{t: t, server: server, registry: registry, hub: hub}
}

func (f *fixture) url(query string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?" + query
}

func (f *fixture) dial(user string) *websocket.Conn {
	f.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url("graphId=g1&user="+user), nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(events.MustEnvelope(typ, "", data)))
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) events.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env events.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", typ)
		if env.Type == typ {
			return env
		}
	}
}

func decode[T any](t *testing.T, env events.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func labelOperation(id, value string, base int64) events.OperationMessage {
	return events.OperationMessage{
		OperationID: id,
		Type:        operation.TypeUpdate,
		Target:      operation.Target{Type: operation.TargetNode, ID: "n1"},
		Data:        events.OperationData{Delta: json.RawMessage(`{"changes":[{"path":"label","after":"` + value + `"}]}`)},
		BaseVersion: base,
		ClientID:    "tab-1",
	}
}

func TestHandler_SnapshotThenAck(t *testing.T) {
	f := newFixture(t)
	alice := f.dial("alice")

	var first events.Envelope
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, alice.ReadJSON(&first))
	require.Equal(t, events.TypeSessionSnapshot, first.Type)
	snap := decode[events.SnapshotMessage](t, first)
	assert.Equal(t, int64(7), snap.Version)
	assert.Equal(t, "g1", snap.GraphID)

	send(t, alice, events.TypeOperation, labelOperation("op-1", "Begin", 7))

	ack := decode[events.AckMessage](t, readUntil(t, alice, events.TypeOperationAck))
	assert.Equal(t, "op-1", ack.OperationID)
	assert.Equal(t, operation.StatusApplied, ack.Status)
	assert.Equal(t, int64(8), ack.AppliedVersion)
}

func TestHandler_BroadcastsToOtherParticipants(t *testing.T) {
	f := newFixture(t)
	alice := f.dial("alice")
	readUntil(t, alice, events.TypeSessionSnapshot)
	bob := f.dial("bob")
	readUntil(t, bob, events.TypeSessionSnapshot)

	send(t, alice, events.TypeOperation, labelOperation("op-1", "Begin", 7))

	applied := decode[events.AppliedMessage](t, readUntil(t, bob, events.TypeOperationApplied))
	assert.Equal(t, "op-1", applied.OperationID)
	assert.Equal(t, "alice", applied.UserID)
	assert.Equal(t, int64(8), applied.AppliedVersion)
}

func TestHandler_MalformedMessagesGetErrors(t *testing.T) {
	f := newFixture(t)
	alice := f.dial("alice")
	readUntil(t, alice, events.TypeSessionSnapshot)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	msg := decode[events.ErrorMessage](t, readUntil(t, alice, events.TypeError))
	assert.Equal(t, apperrors.CodeMalformedMessage.String(), msg.Code)

	send(t, alice, "teleport", map[string]string{"to": "mars"})
	msg = decode[events.ErrorMessage](t, readUntil(t, alice, events.TypeError))
	assert.Equal(t, apperrors.CodeMalformedMessage.String(), msg.Code)

	bad := labelOperation("op-2", "x", 7)
	bad.Target.ID = ""
	send(t, alice, events.TypeOperation, bad)
	msg = decode[events.ErrorMessage](t, readUntil(t, alice, events.TypeError))
	assert.Equal(t, apperrors.CodeInvalidOperation.String(), msg.Code)
	assert.Equal(t, "op-2", msg.OperationID)
}

func TestHandler_LeaveClosesSocket(t *testing.T) {
	f := newFixture(t)
	alice := f.dial("alice")
	readUntil(t, alice, events.TypeSessionSnapshot)

	send(t, alice, events.TypeLeave, nil)

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}

	s, ok := f.registry.ForGraph("g1")
	require.True(t, ok)
	info, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.Empty(t, info.Participants)
}

func TestHandler_RejectsBeforeUpgrade(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"no identity", "graphId=g1", http.StatusUnauthorized},
		{"no graph", "user=alice", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(f.url(tt.query), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(r), "requests without an Origin are not browsers")

	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(r))

	assert.True(t, originChecker([]string{"*"})(r))
}
