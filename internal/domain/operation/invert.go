package operation

import (
	"fmt"
	"strings"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

// InversePrefix marks operation ids produced by Invert.
const InversePrefix = "undo:"

// Invert returns the operation that undoes op. op must be a captured
// (applied) operation: a delete needs the removed element and the edges
// it took with it, and an update needs the prior values Apply recorded. The inverse is a new pending
// operation based on op's applied version.
func Invert(op Operation) (Operation, error) {
	inv := Operation{
		ID:          InversePrefix + op.ID,
		ParentID:    op.ID,
		Target:      op.Target,
		BaseVersion: op.AppliedVersion,
		Status:      StatusPending,
		Origin:      op.Origin,
	}

	switch d := op.Delta.(type) {
	case CreateDelta:
		el := d.Element.Clone()
		inv.Type = TypeDelete
		inv.Delta = DeleteDelta{Element: &el, Index: d.Index, Edges: graph.ClonePlaced(d.Edges)}

	case DeleteDelta:
		if d.Element == nil {
			return Operation{}, ErrNotInvertible
		}
		inv.Type = TypeCreate
		inv.Delta = CreateDelta{Element: d.Element.Clone(), Index: d.Index, Edges: graph.ClonePlaced(d.Edges)}

	case UpdateDelta:
		changes := make([]FieldChange, len(d.Changes))
		for i, c := range d.Changes {
			rc, err := invertChange(c)
			if err != nil {
				return Operation{}, err
			}
			changes[len(d.Changes)-1-i] = rc
		}
		inv.Type = TypeUpdate
		inv.Delta = UpdateDelta{Changes: changes}

	default:
		return Operation{}, ErrNotInvertible
	}
	return inv, nil
}

// invertChange swaps the sides of c. When the forward change created parent
// maps, the inverse removes the shallowest of them instead of the leaf.
func invertChange(c FieldChange) (FieldChange, error) {
	if c.Created == "" || !c.BeforeAbsent {
		return FieldChange{
			Path:         c.Path,
			Before:       graph.CloneValue(c.After),
			After:        graph.CloneValue(c.Before),
			BeforeAbsent: c.AfterAbsent,
			AfterAbsent:  c.BeforeAbsent,
		}, nil
	}
	rel, ok := strings.CutPrefix(c.Path, c.Created+".")
	if !ok {
		return FieldChange{}, fmt.Errorf("%w: %q is not under %q", ErrNotInvertible, c.Path, c.Created)
	}
	before, err := graph.NestValue(rel, c.After, c.AfterAbsent)
	if err != nil {
		return FieldChange{}, fmt.Errorf("%w: %v", ErrNotInvertible, err)
	}
	return FieldChange{Path: c.Created, Before: before, AfterAbsent: true}, nil
}
