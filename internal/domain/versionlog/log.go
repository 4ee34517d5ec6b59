// Package versionlog stores the applied operations of one session as a
// contiguous, append-only sequence keyed by version.
package versionlog

import (
	"errors"
	"fmt"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
)

var (
	// ErrOutOfOrder means the caller tried to append a version other than
	// Current()+1. The session worker guarantees ordering, so this is a bug.
	ErrOutOfOrder = errors.New("version log: out of order append")
	// ErrTruncated means the requested version is older than the retained window.
	ErrTruncated = errors.New("version log: version no longer retained")
	// ErrFutureVersion means the requested version has not been reached.
	ErrFutureVersion = errors.New("version log: version not reached")
)

// Entry is one applied operation and the collection sizes after it.
type Entry struct {
	Op    operation.Operation
	Nodes int
	Edges int
}

// Log is not safe for concurrent use; a session worker owns it.
type Log struct {
	base      int64
	baseSnap  *graph.Snapshot
	baseNodes int
	baseEdges int
	entries   []Entry
	index     map[string]int64
}

// New starts a log at version over the given snapshot.
func New(snap *graph.Snapshot, version int64) *Log {
	if snap == nil {
		snap = graph.New()
	}
	nodes, edges := snap.Counts()
	return &Log{
		base:      version,
		baseSnap:  snap.Clone(),
		baseNodes: nodes,
		baseEdges: edges,
		index:     make(map[string]int64),
	}
}

// Base is the version of the base snapshot.
func (l *Log) Base() int64 { return l.base }

// Current is the version of the last appended operation.
func (l *Log) Current() int64 { return l.base + int64(len(l.entries)) }

// Len is the number of retained entries.
func (l *Log) Len() int { return len(l.entries) }

// Append adds an applied operation. op.AppliedVersion must be Current()+1.
func (l *Log) Append(op operation.Operation) (int64, error) {
	next := l.Current() + 1
	if op.Status != operation.StatusApplied || op.AppliedVersion != next {
		return 0, fmt.Errorf("%w: got version %d status %s, want %d", ErrOutOfOrder, op.AppliedVersion, op.Status, next)
	}

	nodes, edges := l.CountsAt(l.Current())
	switch d := op.Delta.(type) {
	case operation.CreateDelta:
		if op.Target.Type == operation.TargetEdge {
			edges++
		} else {
			nodes++
		}
		edges += len(d.Edges)
	case operation.DeleteDelta:
		if op.Target.Type == operation.TargetEdge {
			edges--
		} else {
			nodes--
		}
		edges -= len(d.Edges)
	}

	l.entries = append(l.entries, Entry{Op: op.Clone(), Nodes: nodes, Edges: edges})
	l.index[op.ID] = next
	return next, nil
}

// Since returns the operations applied after version, oldest first.
func (l *Log) Since(version int64) ([]operation.Operation, error) {
	if version < l.base {
		return nil, fmt.Errorf("%w: %d < %d", ErrTruncated, version, l.base)
	}
	if version > l.Current() {
		return nil, fmt.Errorf("%w: %d > %d", ErrFutureVersion, version, l.Current())
	}
	tail := l.entries[version-l.base:]
	ops := make([]operation.Operation, len(tail))
	for i, e := range tail {
		ops[i] = e.Op
	}
	return ops, nil
}

// SnapshotAt folds the retained entries up to version over the base snapshot.
func (l *Log) SnapshotAt(version int64) (*graph.Snapshot, error) {
	if version < l.base {
		return nil, fmt.Errorf("%w: %d < %d", ErrTruncated, version, l.base)
	}
	if version > l.Current() {
		return nil, fmt.Errorf("%w: %d > %d", ErrFutureVersion, version, l.Current())
	}
	snap := l.baseSnap.Clone()
	for _, e := range l.entries[:version-l.base] {
		if _, err := operation.Apply(snap, e.Op); err != nil {
			return nil, fmt.Errorf("version log: replay v%d: %w", e.Op.AppliedVersion, err)
		}
	}
	return snap, nil
}

// CountsAt returns node and edge counts at version, clamped to the
// retained window.
func (l *Log) CountsAt(version int64) (nodes, edges int) {
	if version <= l.base || len(l.entries) == 0 {
		return l.baseNodes, l.baseEdges
	}
	if version > l.Current() {
		version = l.Current()
	}
	e := l.entries[version-l.base-1]
	return e.Nodes, e.Edges
}

// Entry returns the operation applied at version.
func (l *Log) Entry(version int64) (operation.Operation, bool) {
	if version <= l.base || version > l.Current() {
		return operation.Operation{}, false
	}
	return l.entries[version-l.base-1].Op, true
}

// AppliedAt reports the version id was applied at. Unlike Lookup it also
// answers for operations already folded into the base snapshot.
func (l *Log) AppliedAt(id string) (int64, bool) {
	v, ok := l.index[id]
	return v, ok
}

// Lookup finds a retained operation by id.
func (l *Log) Lookup(id string) (operation.Operation, bool) {
	v, ok := l.index[id]
	if !ok {
		return operation.Operation{}, false
	}
	return l.Entry(v)
}

// Compact folds all but the newest keep entries into the base snapshot.
func (l *Log) Compact(keep int) error {
	if keep < 0 {
		keep = 0
	}
	drop := len(l.entries) - keep
	if drop <= 0 {
		return nil
	}
	snap := l.baseSnap.Clone()
	for _, e := range l.entries[:drop] {
		if _, err := operation.Apply(snap, e.Op); err != nil {
			return fmt.Errorf("version log: compact v%d: %w", e.Op.AppliedVersion, err)
		}
	}
	last := l.entries[drop-1]
	l.baseSnap = snap
	l.base += int64(drop)
	l.baseNodes, l.baseEdges = last.Nodes, last.Edges
	l.entries = append([]Entry(nil), l.entries[drop:]...)
	return nil
}
