package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/bridge"
	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/application/transform"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/versionlog"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
)

const (
	maxOutcomes      = 4096
	minSweepInterval = 10 * time.Millisecond
	maxSweepInterval = 5 * time.Second
	releaseTimeout   = 5 * time.Second
)

type participant struct {
	Identity
	conn           ports.Connection
	connected      bool
	joinedAt       time.Time
	disconnectedAt time.Time
}

// worker holds everything only the session goroutine may touch.
type worker struct {
	s       *Session
	logger  *zap.Logger
	metrics ports.Metrics
	now     func() time.Time

	status       Status
	snap         *graph.Snapshot
	log          *versionlog.Log
	engine       *transform.Engine
	participants map[string]*participant
	limiter      *tokenBucketLimiter

	// outcomes remembers decisions by operation id so a resubmitted
	// operation gets the same answer instead of being applied twice.
	outcomes     map[string]*Outcome
	outcomeOrder []string
	outcomeLimit int

	undone       map[string]bool
	degraded     bool
	everJoined   bool
	lastActivity time.Time
}

func (w *worker) run() {
	defer close(w.s.done)

	ticker := time.NewTicker(w.sweepInterval())
	defer ticker.Stop()

	for w.status != StatusEnded {
		select {
		case cmd := <-w.s.cmds:
			w.dispatch(cmd)
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *worker) dispatch(cmd command) {
	if err := cmd.ctx.Err(); err != nil {
		cmd.fail(errCancelled(w.s.id, err))
		return
	}
	if !cmd.deadline.IsZero() && w.now().After(cmd.deadline) {
		cmd.fail(errSubmitTimeout(w.s.id, w.s.settings.SubmitTimeout))
		return
	}
	cmd.run(w)
}

func (w *worker) sweepInterval() time.Duration {
	d := w.s.settings.GraceWindow
	if it := w.s.settings.InactivityTimeout; it > 0 && (d <= 0 || it < d) {
		d = it
	}
	d /= 4
	switch {
	case d <= 0 || d > maxSweepInterval:
		return maxSweepInterval
	case d < minSweepInterval:
		return minSweepInterval
	}
	return d
}

// sweep purges participants whose grace window lapsed and ends the session
// when it is empty or inactive.
func (w *worker) sweep() {
	now := w.now()
	for id, p := range w.participants {
		if !p.connected && now.Sub(p.disconnectedAt) >= w.s.settings.GraceWindow {
			w.purge(id)
		}
	}
	if w.everJoined && len(w.participants) == 0 {
		w.end(events.ReasonGraceLapse, "")
		return
	}
	if it := w.s.settings.InactivityTimeout; it > 0 && now.Sub(w.activity()) >= it {
		w.end(events.ReasonInactivity, "")
	}
}

func (w *worker) touch() { w.lastActivity = w.now() }

func (w *worker) activity() time.Time {
	last := w.lastActivity
	if ns := w.s.lastPresence.Load(); ns > 0 {
		if p := time.Unix(0, ns); p.After(last) {
			last = p
		}
	}
	return last
}

// ============================================================================
// MEMBERSHIP
// ============================================================================

func (w *worker) roleFor(id Identity) Role {
	switch {
	case id.UserID == w.s.ownerID:
		return RoleOwner
	case id.Role == RoleViewer:
		return RoleViewer
	default:
		return RoleEditor
	}
}

func (w *worker) join(id Identity, conn ports.Connection) (Role, error) {
	if id.UserID == "" || conn == nil {
		return "", apperrors.Validation(apperrors.CodeValidationFailed.String(), "user id and connection are required").
			WithSessionID(w.s.id).
			Build()
	}

	now := w.now()
	p, rejoin := w.participants[id.UserID]
	if !rejoin {
		if max := w.s.settings.MaxParticipants; max > 0 && len(w.participants) >= max {
			return "", errSessionFull(w.s.id, max)
		}
		p = &participant{
			Identity: Identity{UserID: id.UserID, DisplayName: id.DisplayName, Role: w.roleFor(id)},
			joinedAt: now,
		}
		w.participants[id.UserID] = p
		w.metrics.ParticipantsChanged(1)
	} else {
		if p.conn != nil && p.conn != conn {
			p.conn.Close(events.ReasonReplaced)
		}
		if id.DisplayName != "" {
			p.DisplayName = id.DisplayName
		}
	}
	p.conn = conn
	p.connected = true
	p.disconnectedAt = time.Time{}
	w.everJoined = true
	w.touch()

	if !w.sendSnapshot(p) {
		return "", errConnectionLost(w.s.id, p.UserID)
	}
	w.s.presence.Register(p.UserID, p.DisplayName, conn)
	w.broadcast(events.TypeParticipantJoined, events.ParticipantMessage{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Role:        string(p.Role),
	}, p.UserID)
	w.s.publish(events.TypeParticipantJoined, p.UserID, "", w.log.Current())

	w.logger.Info("Participant joined",
		zap.String("userID", p.UserID),
		zap.String("role", string(p.Role)),
		zap.Bool("rejoin", rejoin),
		zap.Int("participants", len(w.participants)),
	)
	return p.Role, nil
}

func (w *worker) leave(userID string) error {
	p, ok := w.participants[userID]
	if !ok {
		return errNotParticipant(w.s.id, userID)
	}
	w.s.presence.Unregister(userID)
	w.limiter.reset(userID)
	delete(w.participants, userID)
	w.metrics.ParticipantsChanged(-1)
	w.touch()

	w.broadcast(events.TypeParticipantLeft, events.ParticipantMessage{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Reason:      events.ReasonExplicit,
	}, userID)
	w.s.publish(events.TypeParticipantLeft, userID, events.ReasonExplicit, w.log.Current())
	w.logger.Info("Participant left", zap.String("userID", userID))
	return nil
}

func (w *worker) disconnect(userID string, conn ports.Connection) {
	w.detach(userID, conn, events.ReasonDisconnect)
}

// detach marks a participant disconnected and starts its grace window.
func (w *worker) detach(userID string, conn ports.Connection, reason string) {
	p, ok := w.participants[userID]
	if !ok || !p.connected || (conn != nil && p.conn != conn) {
		return
	}
	p.connected = false
	p.conn = nil
	p.disconnectedAt = w.now()
	w.s.presence.Unregister(userID)

	w.broadcast(events.TypeParticipantLeft, events.ParticipantMessage{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Reason:      reason,
	}, userID)
	w.logger.Info("Participant disconnected",
		zap.String("userID", userID),
		zap.String("reason", reason),
	)
}

// purge drops a disconnected participant whose grace window lapsed.
func (w *worker) purge(userID string) {
	delete(w.participants, userID)
	w.limiter.reset(userID)
	w.metrics.ParticipantsChanged(-1)
	w.s.publish(events.TypeParticipantLeft, userID, events.ReasonGraceLapse, w.log.Current())
	w.logger.Debug("Participant purged after grace window", zap.String("userID", userID))
}

func (w *worker) participantInfos() []events.ParticipantInfo {
	out := make([]events.ParticipantInfo, 0, len(w.participants))
	for _, p := range w.participants {
		out = append(out, events.ParticipantInfo{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Role:        string(p.Role),
			Connected:   p.connected,
			JoinedAt:    p.joinedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// ============================================================================
// DELIVERY
// ============================================================================

func (w *worker) send(p *participant, typ string, data any) bool {
	if p == nil || !p.connected || p.conn == nil {
		return false
	}
	if p.conn.Send(events.MustEnvelope(typ, w.s.id, data)) {
		return true
	}
	w.metrics.BroadcastDropped(typ)
	w.dropSlow(p, typ)
	return false
}

// broadcast sends to every connected participant except the given user.
func (w *worker) broadcast(typ string, data any, except string) {
	env := events.MustEnvelope(typ, w.s.id, data)
	var slow []*participant
	for id, p := range w.participants {
		if id == except || !p.connected || p.conn == nil {
			continue
		}
		if !p.conn.Send(env) {
			w.metrics.BroadcastDropped(typ)
			slow = append(slow, p)
		}
	}
	for _, p := range slow {
		w.dropSlow(p, typ)
	}
}

// dropSlow closes a connection that refused a message. Every message the
// worker sends is part of the ordered stream, so the peer cannot continue
// after a gap; it reconnects and resyncs from a snapshot instead.
func (w *worker) dropSlow(p *participant, typ string) {
	if w.status == StatusEnded || !p.connected || p.conn == nil {
		return
	}
	conn := p.conn
	w.logger.Warn("Dropping slow participant",
		zap.String("userID", p.UserID),
		zap.String("type", typ),
	)
	conn.Close(events.ReasonSlowPeer)
	w.detach(p.UserID, conn, events.ReasonSlowPeer)
}

func (w *worker) sendSnapshot(p *participant) bool {
	checksum, err := w.snap.Checksum()
	if err != nil {
		w.logger.Error("Failed to checksum snapshot", zap.Error(err))
	}
	return w.send(p, events.TypeSessionSnapshot, events.SnapshotMessage{
		SessionID:    w.s.id,
		GraphID:      w.s.graphID,
		Version:      w.log.Current(),
		Status:       string(w.status),
		ConflictMode: w.engine.Mode(),
		Snapshot:     w.snap,
		Checksum:     checksum,
		Participants: w.participantInfos(),
		Degraded:     w.degraded,
	})
}

func (w *worker) reply(p *participant, out Outcome) {
	w.send(p, events.TypeOperationAck, out.Ack())
}

// ============================================================================
// OPERATION PIPELINE
// ============================================================================

func (w *worker) submit(userID string, op operation.Operation) (Outcome, error) {
	p, ok := w.participants[userID]
	if !ok {
		return Outcome{}, errNotParticipant(w.s.id, userID)
	}
	start := time.Now()
	out := w.process(p, op)
	w.reply(p, out)
	w.metrics.OperationProcessed(string(w.engine.Mode()), string(out.Status), time.Since(start))
	return out, nil
}

// process decides one operation: reject it, queue it, drop it, or apply
// it and tell everyone.
func (w *worker) process(p *participant, op operation.Operation) Outcome {
	if prev, ok := w.outcomes[op.ID]; ok {
		return *prev
	}
	// The outcome cache is bounded; the log still knows every applied id.
	if v, ok := w.log.AppliedAt(op.ID); ok {
		out := Outcome{OperationID: op.ID, Status: operation.StatusApplied, AppliedVersion: v}
		if logged, ok := w.log.Lookup(op.ID); ok {
			out.Conflicts = logged.Conflicts
			out.Transformations = logged.Transformations
		}
		w.record(out)
		return out
	}
	if w.status == StatusPaused {
		return w.reject(op.ID, errPaused(w.s.id))
	}
	if !p.Role.CanEdit() {
		return w.reject(op.ID, errForbidden(w.s.id, p.UserID, "edit this graph"))
	}
	if ok, wait := w.limiter.allow(p.UserID, w.now()); !ok {
		return w.reject(op.ID, errRateLimited(w.s.id, p.UserID, wait))
	}

	op.Origin.UserID = p.UserID
	op.Status = operation.StatusPending
	if err := op.Validate(); err != nil {
		return w.reject(op.ID, classify(w.s.id, err))
	}

	res, err := w.engine.Rebase(op, w.log)
	if err != nil {
		out := w.reject(op.ID, classify(w.s.id, err))
		if errors.Is(err, transform.ErrResyncRequired) {
			w.sendSnapshot(p)
		}
		return out
	}

	if pc := res.Pending; pc != nil {
		out := Outcome{OperationID: op.ID, Status: operation.StatusPending}
		w.record(out)
		w.metrics.ConflictRecorded(string(operation.ModeManual), "queued")
		w.broadcast(events.TypeConflictPending, events.ConflictPendingMessage{
			OperationID:    op.ID,
			AgainstID:      pc.AgainstID,
			AgainstVersion: pc.AgainstVersion,
			Path:           pc.Path,
			UserID:         p.UserID,
			ClientID:       op.Origin.ClientID,
		}, "")
		return out
	}

	if res.Op.Dropped() {
		out := Outcome{
			OperationID:     op.ID,
			Status:          operation.StatusTransformed,
			Conflicts:       res.Op.Conflicts,
			Transformations: res.Op.Transformations,
		}
		w.record(out)
		w.recordConflicts(res.Op.Conflicts)
		return out
	}

	return w.commit(res.Op, res.Superseded)
}

// commit applies a rebased operation, appends it to the log and broadcasts
// it to everyone but its author.
func (w *worker) commit(op operation.Operation, superseded []transform.Supersession) Outcome {
	applied, err := operation.Apply(w.snap, op)
	if err != nil {
		return w.reject(op.ID, classify(w.s.id, err))
	}
	applied.Status = operation.StatusApplied
	applied.AppliedVersion = w.log.Current() + 1
	if _, err := w.log.Append(applied); err != nil {
		w.logger.Error("Version log rejected applied operation", zap.Error(err))
		return w.reject(op.ID, classify(w.s.id, err))
	}
	if keep := w.s.settings.LogRetention; keep > 0 && w.log.Len() > keep {
		if err := w.log.Compact(keep); err != nil {
			w.logger.Error("Failed to compact version log", zap.Error(err))
		}
	}
	w.touch()

	out := Outcome{
		OperationID:     applied.ID,
		Status:          operation.StatusApplied,
		AppliedVersion:  applied.AppliedVersion,
		Conflicts:       applied.Conflicts,
		Transformations: applied.Transformations,
	}
	w.record(out)
	w.recordConflicts(applied.Conflicts)
	w.notifySuperseded(superseded, applied.AppliedVersion)
	w.broadcast(events.TypeOperationApplied, events.NewAppliedMessage(applied), applied.Origin.UserID)

	w.logger.Debug("Operation applied",
		zap.String("operationID", applied.ID),
		zap.String("userID", applied.Origin.UserID),
		zap.Int64("version", applied.AppliedVersion),
		zap.Int("transformations", len(applied.Transformations)),
	)
	return out
}

// notifySuperseded tells authors of earlier operations that a later write
// replaced their value.
func (w *worker) notifySuperseded(sups []transform.Supersession, winnerVersion int64) {
	for _, sup := range sups {
		record := operation.ConflictRecord{
			OperationID: sup.WinnerID,
			Version:     winnerVersion,
			Path:        sup.Path,
			Mode:        operation.ModeLastWriteWins,
			Resolution:  operation.ResolutionLastWriteWins,
			WinnerID:    sup.WinnerID,
		}
		if prev, ok := w.outcomes[sup.OperationID]; ok {
			prev.Status = operation.StatusTransformed
			prev.AppliedVersion = 0
			prev.Conflicts = append(prev.Conflicts, record)
		}
		if p, ok := w.participants[sup.UserID]; ok {
			w.send(p, events.TypeOperationSuperseded, events.SupersededMessage{
				OperationID: sup.OperationID,
				Version:     sup.Version,
				Status:      operation.StatusTransformed,
				Conflict:    record,
			})
		}
	}
}

func (w *worker) reject(opID string, ue *apperrors.UnifiedError) Outcome {
	if ue.Type != apperrors.ErrorTypeValidation {
		w.logger.Debug("Operation rejected",
			zap.String("operationID", opID),
			zap.String("code", ue.Code),
		)
	}
	return Outcome{OperationID: opID, Status: operation.StatusRejected, Err: ue}
}

func (w *worker) record(out Outcome) {
	if out.OperationID == "" {
		return
	}
	if prev, ok := w.outcomes[out.OperationID]; ok {
		*prev = out
		return
	}
	w.outcomes[out.OperationID] = &out
	w.outcomeOrder = append(w.outcomeOrder, out.OperationID)
	if len(w.outcomeOrder) > w.outcomeLimit {
		delete(w.outcomes, w.outcomeOrder[0])
		w.outcomeOrder = w.outcomeOrder[1:]
	}
}

func (w *worker) recordConflicts(conflicts []operation.ConflictRecord) {
	for _, c := range conflicts {
		w.metrics.ConflictRecorded(string(c.Mode), c.Resolution)
	}
}

// ============================================================================
// MANUAL RESOLUTION
// ============================================================================

func (w *worker) resolve(userID, opID string, choice transform.Choice) (Outcome, error) {
	p, ok := w.participants[userID]
	if !ok {
		return Outcome{}, errNotParticipant(w.s.id, userID)
	}
	if w.status == StatusPaused {
		return Outcome{}, errPaused(w.s.id)
	}
	if !p.Role.CanEdit() {
		return Outcome{}, errForbidden(w.s.id, userID, "resolve conflicts")
	}

	var author string
	for _, pc := range w.engine.Pending() {
		if pc.Op.ID == opID {
			author = pc.Op.Origin.UserID
			break
		}
	}

	res, err := w.engine.ResolveConflict(opID, choice, w.log)
	var out Outcome
	switch {
	case errors.Is(err, transform.ErrConflictNotFound), errors.Is(err, transform.ErrInvalidChoice):
		return Outcome{}, classify(w.s.id, err)
	case err != nil:
		out = w.reject(opID, classify(w.s.id, err))
	case res.Op.Status == operation.StatusRejected:
		out = Outcome{OperationID: opID, Status: operation.StatusRejected, Conflicts: res.Op.Conflicts}
	case res.Op.Dropped():
		out = Outcome{
			OperationID:     opID,
			Status:          operation.StatusTransformed,
			Conflicts:       res.Op.Conflicts,
			Transformations: res.Op.Transformations,
		}
	default:
		out = w.commit(res.Op, res.Superseded)
	}
	w.record(out)
	w.metrics.ConflictRecorded(string(operation.ModeManual), string(choice))

	if origin, ok := w.participants[author]; ok {
		w.reply(origin, out)
	}
	w.broadcast(events.TypeConflictResolved, events.ConflictResolvedMessage{
		OperationID:    opID,
		Choice:         string(choice),
		Status:         out.Status,
		AppliedVersion: out.AppliedVersion,
		ResolvedBy:     userID,
	}, "")

	w.logger.Info("Conflict resolved",
		zap.String("operationID", opID),
		zap.String("choice", string(choice)),
		zap.String("resolvedBy", userID),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

// ============================================================================
// UNDO
// ============================================================================

func (w *worker) undo(userID, clientID, opID string) (Outcome, error) {
	p, ok := w.participants[userID]
	if !ok {
		return Outcome{}, errNotParticipant(w.s.id, userID)
	}
	target, err := w.undoTarget(userID, opID)
	if err != nil {
		return Outcome{}, err
	}

	// Fold in the user's earlier edits of the same target while they
	// compose, so one undo reverts a drag or a typing burst as a whole.
	chain := []string{target.ID}
	composed := target
	for composed.ParentID != "" {
		parent, ok := w.log.Lookup(composed.ParentID)
		if !ok || !w.undoable(parent, userID) {
			break
		}
		merged, err := operation.Compose(parent, composed)
		if err != nil {
			break
		}
		composed = merged
		chain = append(chain, parent.ID)
	}

	inv, err := operation.Invert(composed)
	if err != nil {
		return Outcome{}, errNothingToUndo(w.s.id, userID)
	}
	inv.Origin = operation.Origin{ClientID: clientID, UserID: userID, Timestamp: w.now().UTC()}

	start := time.Now()
	out := w.process(p, inv)
	if out.Status == operation.StatusApplied {
		for _, id := range chain {
			w.undone[id] = true
		}
	}
	w.reply(p, out)
	w.metrics.OperationProcessed(string(w.engine.Mode()), string(out.Status), time.Since(start))
	return out, nil
}

func (w *worker) undoable(op operation.Operation, userID string) bool {
	return op.Origin.UserID == userID &&
		!w.undone[op.ID] &&
		!strings.HasPrefix(op.ID, operation.InversePrefix)
}

func (w *worker) undoTarget(userID, opID string) (operation.Operation, error) {
	if opID != "" {
		op, ok := w.log.Lookup(opID)
		if !ok || w.undone[opID] {
			return operation.Operation{}, errNothingToUndo(w.s.id, userID)
		}
		if op.Origin.UserID != userID {
			return operation.Operation{}, errForbidden(w.s.id, userID, "undo another participant's operation")
		}
		return op, nil
	}
	for v := w.log.Current(); v > w.log.Base(); v-- {
		op, ok := w.log.Entry(v)
		if ok && w.undoable(op, userID) {
			return op, nil
		}
	}
	return operation.Operation{}, errNothingToUndo(w.s.id, userID)
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func (w *worker) setStatus(userID string, to Status) error {
	if userID != w.s.ownerID {
		return errForbidden(w.s.id, userID, "change the session state")
	}
	if w.status == to {
		return nil
	}
	w.status = to
	w.touch()

	typ := events.TypeSessionPaused
	if to == StatusActive {
		typ = events.TypeSessionResumed
	}
	w.broadcast(typ, events.SessionStateMessage{
		Status:  string(to),
		Version: w.log.Current(),
		By:      userID,
	}, "")
	w.s.publish(typ, userID, "", w.log.Current())
	w.logger.Info("Session state changed", zap.String("status", string(to)), zap.String("by", userID))
	return nil
}

func (w *worker) persistenceChanged(st bridge.Status) {
	if w.degraded == st.Degraded {
		return
	}
	w.degraded = st.Degraded
	typ := events.TypeSessionRecovered
	if st.Degraded {
		typ = events.TypeSessionDegraded
	}
	w.broadcast(typ, events.DegradedMessage{
		Degraded:         st.Degraded,
		Reason:           st.LastError,
		LastSavedVersion: st.LastSavedVersion,
		Since:            st.Since,
	}, "")
	w.s.publish(typ, "", st.LastError, w.log.Current())
}

// end terminates the session. Commands still queued fail with
// SESSION_CLOSED and the live snapshot is flushed before connections close.
func (w *worker) end(reason, by string) {
	if w.status == StatusEnded {
		return
	}
	w.status = StatusEnded
	w.s.markEnded()
	closed := errClosed(w.s.id)

	for _, pc := range w.engine.Discard() {
		out := Outcome{OperationID: pc.Op.ID, Status: operation.StatusRejected, Err: closed}
		w.record(out)
		if p, ok := w.participants[pc.Op.Origin.UserID]; ok {
			w.reply(p, out)
		}
	}
	w.drain(closed)

	version := w.log.Current()
	w.broadcast(events.TypeSessionEnded, events.SessionStateMessage{
		Status:  string(StatusEnded),
		Version: version,
		By:      by,
		Reason:  reason,
	}, "")

	w.s.bridge.Stop()
	flushCtx, cancel := context.WithTimeout(context.Background(), w.flushTimeout())
	if err := w.s.bridge.Flush(flushCtx, w.snap, version); err != nil {
		w.logger.Error("Final snapshot flush failed",
			zap.Error(err),
			zap.Int64("version", version),
			zap.Int64("lastSavedVersion", w.s.bridge.LastSaved()),
		)
	}
	cancel()
	w.s.presence.Stop()

	if w.s.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		if err := w.s.lease.Release(ctx); err != nil {
			w.logger.Warn("Failed to release session lease", zap.Error(err))
		}
		cancel()
	}

	for _, p := range w.participants {
		if p.conn != nil {
			p.conn.Close(reason)
		}
	}
	w.metrics.ParticipantsChanged(-len(w.participants))
	w.metrics.SessionClosed(reason)

	w.s.publish(events.TypeSessionEnded, by, reason, version)
	close(w.s.publishCh)

	w.logger.Info("Session ended",
		zap.String("reason", reason),
		zap.String("by", by),
		zap.Int64("version", version),
	)
	if w.s.onEnded != nil {
		w.s.onEnded(w.s)
	}
}

func (w *worker) drain(err error) {
	for {
		select {
		case cmd := <-w.s.cmds:
			cmd.fail(err)
		default:
			return
		}
	}
}

func (w *worker) flushTimeout() time.Duration {
	if t := w.s.settings.FlushTimeout; t > 0 {
		return t
	}
	return 30 * time.Second
}

func (w *worker) info() Info {
	pending := w.engine.Pending()
	st := w.s.bridge.Status()
	return Info{
		ID:               w.s.id,
		GraphID:          w.s.graphID,
		OwnerID:          w.s.ownerID,
		Status:           w.status,
		Version:          w.log.Current(),
		ConflictMode:     w.engine.Mode(),
		Participants:     w.participantInfos(),
		Presence:         w.s.presence.States(),
		PendingConflicts: len(pending),
		Degraded:         st.Degraded,
		LastSavedVersion: st.LastSavedVersion,
		CreatedAt:        w.s.createdAt,
		LastActivity:     w.activity().UTC(),
	}
}
