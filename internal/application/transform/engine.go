// Package transform rebases incoming operations over the part of a
// session's version log their author had not seen, and keeps the queue of
// manual-mode conflicts awaiting a decision.
package transform

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/versionlog"
)

var (
	// ErrResyncRequired means the base version is outside the rebase window.
	ErrResyncRequired = errors.New("base version outside rebase window")
	// ErrFutureBase means the client claims a version the session has not reached.
	ErrFutureBase = errors.New("base version ahead of session")
	// ErrConflictNotFound means no pending conflict has the given operation id.
	ErrConflictNotFound = errors.New("pending conflict not found")
	// ErrInvalidChoice means the resolution choice is unknown.
	ErrInvalidChoice = errors.New("invalid resolution choice")
)

// Choice is a manual conflict decision.
type Choice string

const (
	// ChoiceApply applies the queued operation over whatever was committed.
	ChoiceApply Choice = "apply"
	// ChoiceDiscard rejects the queued operation.
	ChoiceDiscard Choice = "discard"
)

// Supersession names an applied operation whose value a later operation
// overwrote under last-write-wins.
type Supersession struct {
	OperationID string `json:"operationId"`
	Version     int64  `json:"version"`
	Path        string `json:"path,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	WinnerID    string `json:"winnerId"`
}

// PendingConflict is an operation held back in manual mode.
type PendingConflict struct {
	Op             operation.Operation `json:"operation"`
	AgainstID      string              `json:"againstId"`
	AgainstVersion int64               `json:"againstVersion"`
	Path           string              `json:"path"`
	QueuedAt       time.Time           `json:"queuedAt"`
}

// Result is the outcome of a rebase.
type Result struct {
	// Op is ready to apply unless Op.Dropped() or Pending is set.
	Op         operation.Operation
	Superseded []Supersession
	Pending    *PendingConflict
}

// Engine is owned by one session worker and is not safe for concurrent use.
type Engine struct {
	mode      operation.Mode
	maxWindow int64
	pending   []*PendingConflict
	logger    *zap.Logger
}

// NewEngine creates an engine. maxWindow bounds how many versions an
// operation may be rebased across; zero means unbounded.
func NewEngine(mode operation.Mode, maxWindow int64, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		mode:      mode,
		maxWindow: maxWindow,
		logger:    logger,
	}
}

// Mode returns the conflict-resolution mode.
func (e *Engine) Mode() operation.Mode { return e.mode }

// SetMode switches the mode for subsequent rebases. Already queued
// conflicts stay queued.
func (e *Engine) SetMode(mode operation.Mode) { e.mode = mode }

// Rebase folds op through every operation in (op.BaseVersion, current].
// Operations from op's own client are skipped; the client authored op
// after seeing them locally.
func (e *Engine) Rebase(op operation.Operation, log *versionlog.Log) (Result, error) {
	since, err := e.window(op.BaseVersion, log)
	if err != nil {
		return Result{}, err
	}
	if len(since) == 0 {
		return Result{Op: op}, nil
	}

	out := resolveAppend(op, since, log)
	for _, against := range since {
		if sameClient(out, against) {
			continue
		}
		next, err := operation.Transform(out, against, e.mode)
		if err != nil {
			var conflict *operation.ConflictError
			if errors.As(err, &conflict) {
				return Result{Op: out, Pending: e.queue(out, conflict)}, nil
			}
			return Result{}, err
		}
		out = next
		if out.Dropped() {
			e.logger.Debug("operation lost to committed change",
				zap.String("operationID", out.ID),
				zap.String("againstID", against.ID),
			)
			break
		}
	}

	return Result{Op: out, Superseded: superseded(out, since)}, nil
}

// Pending returns the queued conflicts, oldest first.
func (e *Engine) Pending() []PendingConflict {
	out := make([]PendingConflict, len(e.pending))
	for i, p := range e.pending {
		out[i] = *p
		out[i].Op = p.Op.Clone()
	}
	return out
}

// ResolveConflict settles a queued conflict. ChoiceApply returns the
// operation rebased under last-write-wins so it overwrites the committed
// values it collided with. ChoiceDiscard returns it rejected.
func (e *Engine) ResolveConflict(opID string, choice Choice, log *versionlog.Log) (Result, error) {
	if choice != ChoiceApply && choice != ChoiceDiscard {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}
	idx := -1
	for i, p := range e.pending {
		if p.Op.ID == opID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrConflictNotFound, opID)
	}
	p := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)

	record := operation.ConflictRecord{
		OperationID: p.AgainstID,
		Version:     p.AgainstVersion,
		Path:        p.Path,
		Mode:        operation.ModeManual,
	}

	if choice == ChoiceDiscard {
		out := p.Op.Clone()
		out.Status = operation.StatusRejected
		record.Resolution = operation.ResolutionManualDiscard
		record.WinnerID = p.AgainstID
		out.Conflicts = append(out.Conflicts, record)
		return Result{Op: out}, nil
	}

	since, err := e.window(p.Op.BaseVersion, log)
	if err != nil {
		return Result{}, err
	}
	out := p.Op.Clone()
	for _, against := range since {
		if sameClient(out, against) {
			continue
		}
		if out, err = operation.Transform(out, against, operation.ModeLastWriteWins); err != nil {
			return Result{}, err
		}
		if out.Dropped() {
			break
		}
	}
	record.Resolution = operation.ResolutionManualApply
	record.WinnerID = out.ID
	out.Conflicts = append(out.Conflicts, record)
	return Result{Op: out, Superseded: superseded(out, since)}, nil
}

// Discard drops every queued conflict, e.g. when the session ends.
func (e *Engine) Discard() []PendingConflict {
	out := e.Pending()
	e.pending = nil
	return out
}

func (e *Engine) window(base int64, log *versionlog.Log) ([]operation.Operation, error) {
	current := log.Current()
	if base > current {
		return nil, fmt.Errorf("%w: base %d, current %d", ErrFutureBase, base, current)
	}
	if base < log.Base() || (e.maxWindow > 0 && current-base > e.maxWindow) {
		return nil, fmt.Errorf("%w: base %d, current %d", ErrResyncRequired, base, current)
	}
	return log.Since(base)
}

func (e *Engine) queue(op operation.Operation, conflict *operation.ConflictError) *PendingConflict {
	p := &PendingConflict{
		Op:             op.Clone(),
		AgainstID:      conflict.AgainstID,
		AgainstVersion: conflict.AgainstVersion,
		Path:           conflict.Path,
		QueuedAt:       time.Now(),
	}
	p.Op.Status = operation.StatusPending
	e.pending = append(e.pending, p)
	e.logger.Debug("operation queued for manual resolution",
		zap.String("operationID", op.ID),
		zap.String("againstID", conflict.AgainstID),
		zap.String("path", conflict.Path),
	)
	return p
}

// resolveAppend turns an append (negative index) into an explicit index
// into the author's view: the collection size at the base version plus
// the author's own structural changes since.
func resolveAppend(op operation.Operation, since []operation.Operation, log *versionlog.Log) operation.Operation {
	d, ok := op.Delta.(operation.CreateDelta)
	if !ok || d.Index >= 0 {
		return op
	}
	nodes, edges := log.CountsAt(op.BaseVersion)
	size := nodes
	if op.Target.Type == operation.TargetEdge {
		size = edges
	}
	for _, prior := range since {
		if !sameClient(op, prior) {
			continue
		}
		if prior.Target.Type == op.Target.Type {
			switch prior.Type {
			case operation.TypeCreate:
				size++
			case operation.TypeDelete:
				size--
			}
		}
		if op.Target.Type == operation.TargetEdge {
			switch pd := prior.Delta.(type) {
			case operation.CreateDelta:
				size += len(pd.Edges)
			case operation.DeleteDelta:
				size -= len(pd.Edges)
			}
		}
	}
	out := op.Clone()
	d.Index = size
	out.Delta = d
	return out
}

func sameClient(a, b operation.Operation) bool {
	return a.Origin.ClientID != "" && a.Origin.ClientID == b.Origin.ClientID
}

func superseded(op operation.Operation, since []operation.Operation) []Supersession {
	if op.Dropped() {
		return nil
	}
	var out []Supersession
	for _, c := range op.Conflicts {
		if c.Resolution != operation.ResolutionLastWriteWins {
			continue
		}
		s := Supersession{OperationID: c.OperationID, Version: c.Version, Path: c.Path, WinnerID: op.ID}
		for _, prior := range since {
			if prior.ID == c.OperationID {
				s.ClientID = prior.Origin.ClientID
				s.UserID = prior.Origin.UserID
				break
			}
		}
		out = append(out, s)
	}
	return out
}
