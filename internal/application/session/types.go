// Package session runs collaborative editing sessions. Each session owns a
// single goroutine that serializes every mutation: operations, joins,
// leaves, lifecycle changes and conflict resolutions all reach it as
// commands on one channel. Presence and persistence run beside it on their
// own schedules.
package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnded  Status = "ended"
)

// Role is a participant's permission level.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanEdit reports whether the role may submit operations.
func (r Role) CanEdit() bool { return r == RoleOwner || r == RoleEditor }

// Identity is who a participant is, as established by the transport.
type Identity struct {
	UserID      string
	DisplayName string
	Role        Role
}

// Settings are the per-session limits and timings.
type Settings struct {
	MaxParticipants   int
	AutosaveInterval  time.Duration
	ConflictMode      operation.Mode
	InactivityTimeout time.Duration
	GraceWindow       time.Duration
	SubmitTimeout     time.Duration
	MaxRebaseWindow   int64
	LogRetention      int
	PresenceLiveness  time.Duration
	RateLimitBurst    int
	RateLimitPerSec   float64
	CommandBuffer     int
	MaxSessions       int
	FlushTimeout      time.Duration
	LeaseTTL          time.Duration
	Retry             config.Retry
}

// SettingsFromConfig extracts session settings from the service config.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := cfg.Session
	return Settings{
		MaxParticipants:   s.MaxParticipants,
		AutosaveInterval:  s.AutosaveInterval,
		ConflictMode:      s.ConflictMode,
		InactivityTimeout: s.InactivityTimeout,
		GraceWindow:       s.GraceWindow,
		SubmitTimeout:     s.SubmitTimeout,
		MaxRebaseWindow:   s.MaxRebaseWindow,
		LogRetention:      s.LogRetention,
		PresenceLiveness:  s.PresenceLiveness,
		RateLimitBurst:    s.RateLimitBurst,
		RateLimitPerSec:   s.RateLimitPerSec,
		CommandBuffer:     s.CommandBuffer,
		MaxSessions:       s.MaxSessions,
		FlushTimeout:      cfg.Server.ShutdownTimeout,
		LeaseTTL:          cfg.Store.LockTTL,
		Retry:             cfg.Retry,
	}
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Store     ports.GraphStore
	Locker    ports.Locker
	Publisher ports.EventPublisher
	Metrics   ports.Metrics
	Logger    *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Publisher == nil {
		d.Publisher = ports.NopPublisher{}
	}
	if d.Metrics == nil {
		d.Metrics = ports.NopMetrics{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// Outcome is the decision on one submitted operation.
type Outcome struct {
	OperationID     string
	Status          operation.Status
	AppliedVersion  int64
	Conflicts       []operation.ConflictRecord
	Transformations []operation.TransformationRecord
	Err             *apperrors.UnifiedError
}

// Ack renders the outcome for the originator.
func (o Outcome) Ack() events.AckMessage {
	ack := events.AckMessage{
		OperationID:    o.OperationID,
		AppliedVersion: o.AppliedVersion,
		Status:         o.Status,
		Conflicts:      o.Conflicts,
	}
	if o.Err != nil {
		ack.Error = ErrorMessage(o.Err, o.OperationID)
	}
	return ack
}

// Info is a point-in-time description of a session.
type Info struct {
	ID               string                   `json:"id"`
	GraphID          string                   `json:"graphId"`
	OwnerID          string                   `json:"ownerId"`
	Status           Status                   `json:"status"`
	Version          int64                    `json:"version"`
	ConflictMode     operation.Mode           `json:"conflictMode"`
	Participants     []events.ParticipantInfo `json:"participants"`
	Presence         []events.PresenceMessage `json:"presence,omitempty"`
	PendingConflicts int                      `json:"pendingConflicts"`
	Degraded         bool                     `json:"degraded"`
	LastSavedVersion int64                    `json:"lastSavedVersion"`
	CreatedAt        time.Time                `json:"createdAt"`
	LastActivity     time.Time                `json:"lastActivity"`
}

// ErrorMessage renders err for a participant. It returns nil for nil.
func ErrorMessage(err error, operationID string) *events.ErrorMessage {
	if err == nil {
		return nil
	}
	ue := apperrors.As(err)
	if ue == nil {
		return nil
	}
	return &events.ErrorMessage{
		Code:         ue.Code,
		Message:      ue.Message,
		Retryable:    ue.Retryable,
		RetryAfterMs: ue.RetryAfter.Milliseconds(),
		OperationID:  operationID,
	}
}
