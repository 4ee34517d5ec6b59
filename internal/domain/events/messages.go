// Package events defines the messages exchanged with session participants
// and the lifecycle events published about sessions.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
)

// ErrMalformed wraps every decoding failure of an inbound message.
var ErrMalformed = errors.New("malformed message")

// Envelope frames every message on the real-time transport.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope encodes data into an envelope of the given type.
func NewEnvelope(typ, sessionID string, data any) (Envelope, error) {
	env := Envelope{Type: typ, SessionID: sessionID, Timestamp: time.Now().UTC()}
	if data == nil {
		return env, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	env.Data = b
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads built by the server itself,
// which always encode.
func MustEnvelope(typ, sessionID string, data any) Envelope {
	env, err := NewEnvelope(typ, sessionID, data)
	if err != nil {
		panic(err)
	}
	return env
}

// ParseEnvelope decodes a frame received from a participant.
func ParseEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// Decode unmarshals the payload into v and checks its validate tags.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Type, err)
	}
	if err := ValidateStruct(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// ============================================================================
// OPERATION PIPELINE
// ============================================================================

// OperationData carries the structural delta.
type OperationData struct {
	Delta json.RawMessage `json:"delta"`
}

// OperationMessage is an operation submitted by a client.
type OperationMessage struct {
	OperationID       string           `json:"operationId" validate:"required,max=128"`
	ParentOperationID string           `json:"parentOperationId,omitempty" validate:"omitempty,max=128"`
	Type              operation.Type   `json:"type" validate:"required,oneof=create delete update"`
	Target            operation.Target `json:"target"`
	Data              OperationData    `json:"data"`
	BaseVersion       int64            `json:"baseVersion" validate:"gte=0"`
	ClientID          string           `json:"clientId" validate:"required,max=128"`
	Timestamp         time.Time        `json:"timestamp"`
	RetryCount        int              `json:"retryCount,omitempty" validate:"gte=0"`
}

// ToOperation builds the pending operation authored by userID.
func (m OperationMessage) ToOperation(userID string) (operation.Operation, error) {
	delta, err := operation.DecodeDelta(m.Type, m.Data.Delta)
	if err != nil {
		return operation.Operation{}, err
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	op := operation.Operation{
		ID:          m.OperationID,
		ParentID:    m.ParentOperationID,
		Type:        m.Type,
		Target:      m.Target,
		Delta:       delta,
		BaseVersion: m.BaseVersion,
		Status:      operation.StatusPending,
		Origin: operation.Origin{
			ClientID:   m.ClientID,
			UserID:     userID,
			Timestamp:  ts,
			RetryCount: m.RetryCount,
		},
	}
	op = op.Normalize()
	if err := op.Validate(); err != nil {
		return operation.Operation{}, err
	}
	return op, nil
}

// AckMessage answers the originator of an operation.
type AckMessage struct {
	OperationID    string                     `json:"operationId"`
	AppliedVersion int64                      `json:"appliedVersion,omitempty"`
	Status         operation.Status           `json:"status"`
	Conflicts      []operation.ConflictRecord `json:"conflicts,omitempty"`
	Error          *ErrorMessage              `json:"error,omitempty"`
}

// AppliedMessage tells other participants about an accepted operation.
type AppliedMessage struct {
	OperationID     string                           `json:"operationId"`
	AppliedVersion  int64                            `json:"appliedVersion"`
	Type            operation.Type                   `json:"type"`
	Target          operation.Target                 `json:"target"`
	Data            AppliedData                      `json:"data"`
	Transformations []operation.TransformationRecord `json:"transformations,omitempty"`
	Status          operation.Status                 `json:"status"`
	UserID          string                           `json:"userId,omitempty"`
	ClientID        string                           `json:"clientId,omitempty"`
}

// AppliedData carries the delta as applied, including captured prior state.
type AppliedData struct {
	Delta operation.Delta `json:"delta"`
}

// UnmarshalJSON decodes data.delta into the shape fixed by Type.
func (m *AppliedMessage) UnmarshalJSON(data []byte) error {
	type alias AppliedMessage
	var w struct {
		alias
		Data struct {
			Delta json.RawMessage `json:"delta"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	delta, err := operation.DecodeDelta(w.Type, w.Data.Delta)
	if err != nil {
		return err
	}
	*m = AppliedMessage(w.alias)
	m.Data = AppliedData{Delta: delta}
	return nil
}

// NewAppliedMessage describes an applied operation.
func NewAppliedMessage(op operation.Operation) AppliedMessage {
	return AppliedMessage{
		OperationID:     op.ID,
		AppliedVersion:  op.AppliedVersion,
		Type:            op.Type,
		Target:          op.Target,
		Data:            AppliedData{Delta: op.Delta},
		Transformations: op.Transformations,
		Status:          op.Status,
		UserID:          op.Origin.UserID,
		ClientID:        op.Origin.ClientID,
	}
}

// SupersededMessage tells a client that a later operation overwrote the
// value its applied operation wrote.
type SupersededMessage struct {
	OperationID string                   `json:"operationId"`
	Version     int64                    `json:"version"`
	Status      operation.Status         `json:"status"`
	Conflict    operation.ConflictRecord `json:"conflict"`
}

// ConflictPendingMessage announces an operation held for manual resolution.
type ConflictPendingMessage struct {
	OperationID    string `json:"operationId"`
	AgainstID      string `json:"againstId"`
	AgainstVersion int64  `json:"againstVersion"`
	Path           string `json:"path"`
	UserID         string `json:"userId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
}

// ResolveMessage settles a pending conflict.
type ResolveMessage struct {
	OperationID string `json:"operationId" validate:"required"`
	Choice      string `json:"choice" validate:"required,oneof=apply discard"`
}

// ConflictResolvedMessage announces how a pending conflict was settled.
type ConflictResolvedMessage struct {
	OperationID    string           `json:"operationId"`
	Choice         string           `json:"choice"`
	Status         operation.Status `json:"status"`
	AppliedVersion int64            `json:"appliedVersion,omitempty"`
	ResolvedBy     string           `json:"resolvedBy"`
}

// UndoMessage asks to revert the sender's latest applied operation, or
// OperationID when given.
type UndoMessage struct {
	OperationID string `json:"operationId,omitempty" validate:"omitempty,max=128"`
	ClientID    string `json:"clientId" validate:"required,max=128"`
}

// ============================================================================
// PRESENCE
// ============================================================================

// Cursor is a pointer position in canvas coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Region is a rectangle in canvas coordinates.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width" validate:"gte=0"`
	Height float64 `json:"height" validate:"gte=0"`
}

// PresenceMessage is ephemeral participant state.
type PresenceMessage struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	Cursor      *Cursor   `json:"cursor,omitempty"`
	Selection   []string  `json:"selection,omitempty" validate:"max=500"`
	ActiveArea  *Region   `json:"activeArea,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ============================================================================
// SESSION LIFECYCLE
// ============================================================================

// ParticipantInfo describes a session member.
type ParticipantInfo struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	Role        string    `json:"role"`
	Connected   bool      `json:"connected"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// SnapshotMessage is sent on join and on resync.
type SnapshotMessage struct {
	SessionID    string            `json:"sessionId"`
	GraphID      string            `json:"graphId"`
	Version      int64             `json:"version"`
	Status       string            `json:"status"`
	ConflictMode operation.Mode    `json:"conflictMode"`
	Snapshot     *graph.Snapshot   `json:"snapshot"`
	Checksum     string            `json:"checksum"`
	Participants []ParticipantInfo `json:"participants"`
	Degraded     bool              `json:"degraded,omitempty"`
}

// ParticipantMessage announces a join, leave or idle transition.
type ParticipantMessage struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// SessionStateMessage announces pause, resume and end.
type SessionStateMessage struct {
	Status  string `json:"status"`
	Version int64  `json:"version"`
	By      string `json:"by,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// DegradedMessage announces that snapshots are not reaching the graph store,
// or that they are again.
type DegradedMessage struct {
	Degraded         bool      `json:"degraded"`
	Reason           string    `json:"reason,omitempty"`
	LastSavedVersion int64     `json:"lastSavedVersion"`
	Since            time.Time `json:"since,omitempty"`
}

// ErrorMessage is a client-visible failure.
type ErrorMessage struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	OperationID  string `json:"operationId,omitempty"`
}

// ============================================================================
// PUBLISHED EVENTS
// ============================================================================

// LifecycleEvent is published to the event bus when a session changes state.
type LifecycleEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	GraphID   string    `json:"graphId"`
	UserID    string    `json:"userId,omitempty"`
	Version   int64     `json:"version"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
