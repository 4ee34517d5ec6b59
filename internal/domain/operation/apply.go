package operation

import (
	"errors"
	"fmt"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

// Apply mutates snap with op and returns a copy of op carrying the state
// it captured: the actual insert index of a create, the removed element
// and index of a delete, and the prior values of an update. The captured
// copy is what gets logged and what Invert works from.
//
// Apply is atomic: on error snap is unchanged.
func Apply(snap *graph.Snapshot, op Operation) (Operation, error) {
	out := op.Clone()

	switch d := out.Delta.(type) {
	case CreateDelta:
		idx, err := snap.Insert(out.Target.kind(), d.Index, d.Element)
		if err != nil {
			return Operation{}, targetError(err)
		}
		d.Index = idx
		for i, p := range d.Edges {
			at, err := snap.Insert(graph.KindEdge, p.Index, p.Element)
			if err != nil {
				for _, done := range d.Edges[:i] {
					_, _, _ = snap.Remove(graph.KindEdge, done.Element.ID)
				}
				_, _, _ = snap.Remove(out.Target.kind(), d.Element.ID)
				return Operation{}, targetError(err)
			}
			d.Edges[i].Index = at
		}
		out.Delta = d

	case DeleteDelta:
		kind := out.Target.kind()
		if snap.IndexOf(kind, out.Target.ID) < 0 {
			return Operation{}, targetError(fmt.Errorf("%w: %s", graph.ErrElementNotFound, out.Target.ID))
		}
		d.Edges = nil
		if kind == graph.KindNode {
			d.Edges = snap.DetachEdges(out.Target.ID)
		}
		removed, idx, err := snap.Remove(kind, out.Target.ID)
		if err != nil {
			return Operation{}, targetError(err)
		}
		d.Element = &removed
		d.Index = idx
		out.Delta = d

	case UpdateDelta:
		fields, err := snap.Fields(out.Target.Scope())
		if err != nil {
			return Operation{}, targetError(err)
		}
		staged := graph.CloneValue(fields).(map[string]any)
		for i, c := range d.Changes {
			before, existed := graph.GetPath(staged, c.Path)
			c.Before, c.BeforeAbsent = before, !existed
			c.Created = ""
			if c.AfterAbsent {
				c.After = nil
				err = graph.RemovePath(staged, c.Path)
			} else {
				c.Created, err = graph.SetPathCreated(staged, c.Path, c.After)
			}
			if err != nil {
				return Operation{}, targetError(err)
			}
			d.Changes[i] = c
		}
		replaceFields(snap, out.Target.Scope(), staged)
		out.Delta = d

	default:
		return Operation{}, fmt.Errorf("%w: no delta", ErrInvalid)
	}
	return out, nil
}

func replaceFields(snap *graph.Snapshot, scope string, fields map[string]any) {
	if scope == "" {
		snap.Properties = fields
		return
	}
	if el, _, ok := snap.Lookup(scope); ok {
		el.Attrs = fields
	}
}

func targetError(err error) error {
	switch {
	case errors.Is(err, graph.ErrElementNotFound), errors.Is(err, graph.ErrDanglingEdge):
		return fmt.Errorf("%w: %v", ErrUnknownTarget, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}
