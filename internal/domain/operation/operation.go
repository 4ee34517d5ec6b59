// Package operation defines the canonical edit representation for a
// workflow graph and its algebra: transform, compose and invert.
//
// An Operation's payload is a tagged union keyed by Type. Each tag has a
// fixed delta shape (CreateDelta, DeleteDelta, UpdateDelta) so every
// algebraic function is an exhaustive type switch.
package operation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

var (
	ErrInvalid            = errors.New("invalid operation")
	ErrUnknownTarget      = errors.New("unknown target")
	ErrUnresolvedConflict = errors.New("unresolved conflict")
	ErrNotComposable      = errors.New("operations are not composable")
	ErrNotInvertible      = errors.New("operation carries no captured state")
)

// Type enumerates the operation tags.
type Type string

const (
	TypeCreate Type = "create"
	TypeDelete Type = "delete"
	TypeUpdate Type = "update"
)

// TargetType enumerates what an operation addresses.
type TargetType string

const (
	TargetNode     TargetType = "node"
	TargetEdge     TargetType = "edge"
	TargetWorkflow TargetType = "workflow"
	TargetProperty TargetType = "property"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApplied     Status = "applied"
	StatusRejected    Status = "rejected"
	StatusTransformed Status = "transformed"
)

// Mode is the session's conflict-resolution policy.
type Mode string

const (
	ModeLastWriteWins        Mode = "last-write-wins"
	ModeOperationalTransform Mode = "operational-transform"
	ModeManual               Mode = "manual"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeLastWriteWins, ModeOperationalTransform, ModeManual:
		return true
	}
	return false
}

// Target describes what an operation addresses. Workflow targets address
// graph-level properties; property targets address one field of a node or
// edge.
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id,omitempty"`
	Path string     `json:"path,omitempty"`
}

// Scope returns the key of the field map the target lives in. Workflow
// properties share the empty scope.
func (t Target) Scope() string {
	if t.Type == TargetWorkflow {
		return ""
	}
	return t.ID
}

func (t Target) kind() graph.Kind {
	if t.Type == TargetEdge {
		return graph.KindEdge
	}
	return graph.KindNode
}

// Delta is the tagged payload of an operation.
type Delta interface {
	deltaType() Type
	clone() Delta
}

// CreateDelta inserts Element at Index. A negative Index appends. Edges
// of a node create are inserted after the node, in order, each at its
// recorded index.
type CreateDelta struct {
	Element graph.Element  `json:"element"`
	Index   int            `json:"index"`
	Edges   []graph.Placed `json:"edges,omitempty"`
}

// DeleteDelta removes the target. Deleting a node also removes every edge
// attached to it. Element, Index and Edges are captured when the
// operation is applied.
type DeleteDelta struct {
	Element *graph.Element `json:"element,omitempty"`
	Index   int            `json:"index"`
	Edges   []graph.Placed `json:"edges,omitempty"`
}

// UpdateDelta changes individual fields of the target scope.
type UpdateDelta struct {
	Changes []FieldChange `json:"changes"`
}

// FieldChange sets or removes the value at Path. The absent flags record
// that the field did not exist before or does not exist after the change.
// Created is the shallowest parent map Apply had to create for Path.
type FieldChange struct {
	Path         string `json:"path"`
	Before       any    `json:"before,omitempty"`
	After        any    `json:"after,omitempty"`
	BeforeAbsent bool   `json:"beforeAbsent,omitempty"`
	AfterAbsent  bool   `json:"afterAbsent,omitempty"`
	Created      string `json:"created,omitempty"`
}

func (CreateDelta) deltaType() Type { return TypeCreate }
func (DeleteDelta) deltaType() Type { return TypeDelete }
func (UpdateDelta) deltaType() Type { return TypeUpdate }

func (d CreateDelta) clone() Delta {
	d.Element = d.Element.Clone()
	d.Edges = graph.ClonePlaced(d.Edges)
	return d
}

func (d DeleteDelta) clone() Delta {
	if d.Element != nil {
		el := d.Element.Clone()
		d.Element = &el
	}
	d.Edges = graph.ClonePlaced(d.Edges)
	return d
}

func (d UpdateDelta) clone() Delta {
	changes := make([]FieldChange, len(d.Changes))
	for i, c := range d.Changes {
		changes[i] = c.clone()
	}
	return UpdateDelta{Changes: changes}
}

func (c FieldChange) clone() FieldChange {
	c.Before = graph.CloneValue(c.Before)
	c.After = graph.CloneValue(c.After)
	return c
}

// TransformationRecord notes one rebase step.
type TransformationRecord struct {
	AgainstID      string `json:"againstId"`
	AgainstVersion int64  `json:"againstVersion"`
	Kind           string `json:"kind"`
	Path           string `json:"path,omitempty"`
}

// Transformation kinds.
const (
	KindFieldMerge    = "field-merge"
	KindSubfieldMerge = "subfield-merge"
	KindIndexShift    = "index-shift"
	KindOverwrite     = "overwrite"
)

// ConflictRecord notes a collision and how it was decided.
type ConflictRecord struct {
	OperationID string `json:"operationId"`
	Version     int64  `json:"version,omitempty"`
	Path        string `json:"path,omitempty"`
	Mode        Mode   `json:"mode"`
	Resolution  string `json:"resolution"`
	WinnerID    string `json:"winnerId"`
}

// Conflict resolutions.
const (
	ResolutionLastCommittedWins = "last-committed-wins"
	ResolutionLastWriteWins     = "last-write-wins"
	ResolutionDeleteWins        = "delete-wins"
	ResolutionDuplicate         = "duplicate"
	ResolutionEndpointDeleted   = "endpoint-deleted"
	ResolutionManualApply       = "manual-apply"
	ResolutionManualDiscard     = "manual-discard"
)

// Origin is metadata about who authored an operation.
type Origin struct {
	ClientID   string    `json:"clientId"`
	UserID     string    `json:"userId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retryCount,omitempty"`
}

// Operation is one atomic edit proposal.
type Operation struct {
	ID              string
	ParentID        string
	Type            Type
	Target          Target
	Delta           Delta
	BaseVersion     int64
	AppliedVersion  int64
	Status          Status
	Transformations []TransformationRecord
	Conflicts       []ConflictRecord
	Origin          Origin
}

// Clone returns a deep copy.
func (op Operation) Clone() Operation {
	out := op
	if op.Delta != nil {
		out.Delta = op.Delta.clone()
	}
	out.Transformations = append([]TransformationRecord(nil), op.Transformations...)
	out.Conflicts = append([]ConflictRecord(nil), op.Conflicts...)
	return out
}

// Update returns the update delta, or nil for other tags.
func (op Operation) Update() *UpdateDelta {
	if d, ok := op.Delta.(UpdateDelta); ok {
		return &d
	}
	return nil
}

// Dropped reports whether transformation left nothing to apply.
func (op Operation) Dropped() bool {
	return op.Status == StatusTransformed
}

type payload struct {
	Delta json.RawMessage `json:"delta"`
}

type wireOperation struct {
	ID              string                 `json:"operationId"`
	ParentID        string                 `json:"parentOperationId,omitempty"`
	Type            Type                   `json:"type"`
	Target          Target                 `json:"target"`
	Data            payload                `json:"data"`
	BaseVersion     int64                  `json:"baseVersion"`
	AppliedVersion  int64                  `json:"appliedVersion,omitempty"`
	Status          Status                 `json:"status,omitempty"`
	Transformations []TransformationRecord `json:"transformations,omitempty"`
	Conflicts       []ConflictRecord       `json:"conflicts,omitempty"`
	Origin          Origin                 `json:"origin"`
}

// MarshalJSON encodes the delta under data.delta.
func (op Operation) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if op.Delta != nil {
		b, err := json.Marshal(op.Delta)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(wireOperation{
		ID:              op.ID,
		ParentID:        op.ParentID,
		Type:            op.Type,
		Target:          op.Target,
		Data:            payload{Delta: raw},
		BaseVersion:     op.BaseVersion,
		AppliedVersion:  op.AppliedVersion,
		Status:          op.Status,
		Transformations: op.Transformations,
		Conflicts:       op.Conflicts,
		Origin:          op.Origin,
	})
}

// UnmarshalJSON decodes data.delta into the shape fixed by Type.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	delta, err := DecodeDelta(w.Type, w.Data.Delta)
	if err != nil {
		return err
	}
	*op = Operation{
		ID:              w.ID,
		ParentID:        w.ParentID,
		Type:            w.Type,
		Target:          w.Target,
		Delta:           delta,
		BaseVersion:     w.BaseVersion,
		AppliedVersion:  w.AppliedVersion,
		Status:          w.Status,
		Transformations: w.Transformations,
		Conflicts:       w.Conflicts,
		Origin:          w.Origin,
	}
	return nil
}

// DecodeDelta decodes raw into the delta shape for t.
func DecodeDelta(t Type, raw json.RawMessage) (Delta, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing delta", ErrInvalid)
	}
	switch t {
	case TypeCreate:
		d := CreateDelta{Index: -1}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return d, nil
	case TypeDelete:
		var d DeleteDelta
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return d, nil
	case TypeUpdate:
		var d UpdateDelta
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, t)
	}
}
