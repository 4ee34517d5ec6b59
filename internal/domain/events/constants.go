package events

// Event sources for published lifecycle events.
const (
	SourceCollab = "reporunner.collab"
)

// Inbound message types, client to server.
const (
	TypeOperation       = "operation"
	TypePresence        = "presence"
	TypeResync          = "resync"
	TypeConflictResolve = "conflict.resolve"
	TypeUndo            = "undo"
	TypeLeave           = "leave"
	TypeSessionPause    = "session.pause"
	TypeSessionResume   = "session.resume"
	TypeSessionEnd      = "session.end"
)

// Outbound message types, server to client.
const (
	// Operation pipeline
	TypeOperationAck        = "operation.ack"
	TypeOperationApplied    = "operation.applied"
	TypeOperationSuperseded = "operation.superseded"
	TypeConflictPending     = "conflict.pending"
	TypeConflictResolved    = "conflict.resolved"

	// Session lifecycle
	TypeSessionSnapshot   = "session.snapshot"
	TypeParticipantJoined = "participant.joined"
	TypeParticipantLeft   = "participant.left"
	TypeParticipantIdle   = "participant.idle"
	TypeSessionPaused     = "session.paused"
	TypeSessionResumed    = "session.resumed"
	TypeSessionEnded      = "session.ended"
	TypeSessionDegraded   = "session.degraded"
	TypeSessionRecovered  = "session.recovered"

	TypeError = "error"
)

// Published-only event types.
const (
	EventSessionOpened = "session.opened"
)

// Reasons attached to participant.left and session.ended.
const (
	ReasonExplicit   = "explicit"
	ReasonDisconnect = "disconnect"
	ReasonOwner      = "owner"
	ReasonInactivity = "inactivity"
	ReasonShutdown   = "shutdown"
	ReasonGraceLapse = "grace-expired"
	ReasonLeaseLost  = "lease-lost"
	ReasonReplaced   = "replaced"
	ReasonSlowPeer   = "slow-consumer"
)

// Event detail keys used by the lifecycle publisher.
const (
	DetailSessionID = "sessionId"
	DetailGraphID   = "graphId"
	DetailUserID    = "userId"
	DetailVersion   = "version"
)
