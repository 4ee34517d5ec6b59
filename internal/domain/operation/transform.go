package operation

import (
	"fmt"
	"strings"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

// ConflictError is returned by Transform in manual mode when op and the
// already-applied operation change overlapping paths.
type ConflictError struct {
	AgainstID      string
	AgainstVersion int64
	Path           string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unresolved conflict with %s (v%d) at %q", e.AgainstID, e.AgainstVersion, e.Path)
}

func (e *ConflictError) Unwrap() error { return ErrUnresolvedConflict }

// Transform rebases op so it can be applied after against, an operation
// already applied at a version op's author had not seen.
//
// Disjoint targets leave op unchanged. Updates to disjoint paths of the
// same element are kept side by side. Overlapping paths are settled by
// mode. A delete always wins over concurrent edits of the element it
// removed. When nothing of op survives, the result has StatusTransformed
// and a conflict record naming the winner.
func Transform(op, against Operation, mode Mode) (Operation, error) {
	out := op.Clone()
	if out.Dropped() {
		return out, nil
	}

	switch da := against.Delta.(type) {
	case DeleteDelta:
		return afterDelete(out, against, da, mode), nil
	case CreateDelta:
		return afterCreate(out, against, da, mode), nil
	case UpdateDelta:
		return afterUpdate(out, against, da, mode)
	}
	return out, nil
}

func afterDelete(op, against Operation, da DeleteDelta, mode Mode) Operation {
	removed := against.Target.ID
	cascaded := map[string]bool{}
	for _, p := range da.Edges {
		cascaded[p.Element.ID] = true
	}

	switch d := op.Delta.(type) {
	case DeleteDelta:
		if op.Target.ID == removed || (op.Target.Type == TargetEdge && cascaded[op.Target.ID]) {
			return drop(op, against, mode, ResolutionDuplicate, "")
		}
	case UpdateDelta:
		if op.Target.Type != TargetWorkflow && (op.Target.ID == removed || cascaded[op.Target.ID]) {
			return drop(op, against, mode, ResolutionDeleteWins, op.Target.Path)
		}
	case CreateDelta:
		if op.Target.Type == TargetEdge && (d.Element.Source == removed || d.Element.Target == removed) {
			return drop(op, against, mode, ResolutionEndpointDeleted, "")
		}
		shifted := false
		if op.Target.kind() == against.Target.kind() && d.Index >= 0 && da.Index >= 0 && da.Index < d.Index {
			d.Index--
			shifted = true
		}
		if op.Target.Type == TargetEdge && d.Index >= 0 {
			below := 0
			for _, p := range da.Edges {
				if p.Index < d.Index {
					below++
				}
			}
			if below > 0 {
				d.Index -= below
				shifted = true
			}
		}
		if len(d.Edges) > 0 {
			d.Edges = survivingEdges(d.Edges, removed, da.Edges)
		}
		op.Delta = d
		if shifted {
			op.Transformations = append(op.Transformations, record(against, KindIndexShift, ""))
		}
	}
	return op
}

// survivingEdges drops the restored edges that lost an endpoint to a
// concurrent node delete and shifts the rest past the edges it removed.
func survivingEdges(edges []graph.Placed, removed string, gone []graph.Placed) []graph.Placed {
	out := edges[:0]
	for _, p := range edges {
		if p.Element.Source == removed || p.Element.Target == removed {
			continue
		}
		below := 0
		for _, g := range gone {
			if g.Index < p.Index {
				below++
			}
		}
		p.Index -= below
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func afterCreate(op, against Operation, da CreateDelta, mode Mode) Operation {
	d, ok := op.Delta.(CreateDelta)
	if !ok {
		return op
	}
	if op.Target.ID == against.Target.ID {
		return drop(op, against, mode, ResolutionDuplicate, "")
	}
	shifted := false
	if op.Target.kind() == against.Target.kind() && d.Index >= 0 && da.Index >= 0 {
		// Equal indices are ordered by element id so every arrival order
		// produces the same sequence.
		if da.Index < d.Index || (da.Index == d.Index && against.Target.ID < op.Target.ID) {
			d.Index++
			shifted = true
		}
	}
	for _, p := range da.Edges {
		if p.Element.ID == op.Target.ID {
			return drop(op, against, mode, ResolutionDuplicate, "")
		}
	}
	if op.Target.Type == TargetEdge && d.Index >= 0 {
		for _, p := range da.Edges {
			if p.Index < d.Index || (p.Index == d.Index && p.Element.ID < op.Target.ID) {
				d.Index++
				shifted = true
			}
		}
	}
	if shifted {
		op.Delta = d
		op.Transformations = append(op.Transformations, record(against, KindIndexShift, ""))
	}
	return op
}

func afterUpdate(op, against Operation, da UpdateDelta, mode Mode) (Operation, error) {
	du, ok := op.Delta.(UpdateDelta)
	if !ok || op.Target.Scope() != against.Target.Scope() {
		return op, nil
	}

	kept := make([]FieldChange, 0, len(du.Changes))
	overlapped := false
	for _, oc := range du.Changes {
		keep := true
		for _, ac := range da.Changes {
			if !graph.PathsOverlap(oc.Path, ac.Path) {
				continue
			}
			overlapped = true

			switch mode {
			case ModeManual:
				return op, &ConflictError{AgainstID: against.ID, AgainstVersion: against.AppliedVersion, Path: oc.Path}

			case ModeLastWriteWins:
				op.Transformations = append(op.Transformations, record(against, KindOverwrite, oc.Path))
				op.Conflicts = append(op.Conflicts, ConflictRecord{
					OperationID: against.ID,
					Version:     against.AppliedVersion,
					Path:        oc.Path,
					Mode:        mode,
					Resolution:  ResolutionLastWriteWins,
					WinnerID:    op.ID,
				})

			default:
				if merged, ok := mergeSubfields(oc, ac); ok {
					oc = merged
					op.Transformations = append(op.Transformations, record(against, KindSubfieldMerge, oc.Path))
					continue
				}
				keep = false
				op.Conflicts = append(op.Conflicts, ConflictRecord{
					OperationID: against.ID,
					Version:     against.AppliedVersion,
					Path:        oc.Path,
					Mode:        mode,
					Resolution:  ResolutionLastCommittedWins,
					WinnerID:    against.ID,
				})
			}
			if !keep {
				break
			}
		}
		if keep {
			kept = append(kept, oc)
		}
	}

	if !overlapped {
		op.Transformations = append(op.Transformations, record(against, KindFieldMerge, ""))
		return op, nil
	}
	if len(kept) == 0 {
		op.Status = StatusTransformed
		return op, nil
	}
	op.Delta = UpdateDelta{Changes: kept}
	return op, nil
}

// mergeSubfields combines two changes to the same structured value when
// they touch disjoint keys of it.
func mergeSubfields(oc, ac FieldChange) (FieldChange, bool) {
	switch {
	case oc.Path == ac.Path:
		ob, ok1 := asMap(oc.Before, oc.BeforeAbsent)
		oa, ok2 := asMap(oc.After, oc.AfterAbsent)
		ab, ok3 := asMap(ac.Before, ac.BeforeAbsent)
		aa, ok4 := asMap(ac.After, ac.AfterAbsent)
		if !ok1 || !ok2 || !ok3 || !ok4 || oc.AfterAbsent || ac.AfterAbsent {
			return oc, false
		}
		ours := changedKeys(ob, oa)
		if intersects(ours, changedKeys(ab, aa)) {
			return oc, false
		}
		after := graph.CloneValue(aa).(map[string]any)
		for k := range ours {
			if v, ok := oa[k]; ok {
				after[k] = graph.CloneValue(v)
			} else {
				delete(after, k)
			}
		}
		return FieldChange{Path: oc.Path, Before: graph.CloneValue(aa), After: after}, true

	case strings.HasPrefix(ac.Path, oc.Path+"."):
		ob, ok1 := asMap(oc.Before, oc.BeforeAbsent)
		oa, ok2 := asMap(oc.After, oc.AfterAbsent)
		if !ok1 || !ok2 || oc.AfterAbsent {
			return oc, false
		}
		rel := strings.TrimPrefix(ac.Path, oc.Path+".")
		if changedKeys(ob, oa)[firstSegment(rel)] {
			return oc, false
		}
		after := graph.CloneValue(oa).(map[string]any)
		var err error
		if ac.AfterAbsent {
			err = graph.RemovePath(after, rel)
		} else {
			err = graph.SetPath(after, rel, ac.After)
		}
		if err != nil {
			return oc, false
		}
		merged := oc.clone()
		merged.After = after
		return merged, true

	case strings.HasPrefix(oc.Path, ac.Path+"."):
		ab, ok1 := asMap(ac.Before, ac.BeforeAbsent)
		aa, ok2 := asMap(ac.After, ac.AfterAbsent)
		if !ok1 || !ok2 || ac.AfterAbsent {
			return oc, false
		}
		rel := strings.TrimPrefix(oc.Path, ac.Path+".")
		if changedKeys(ab, aa)[firstSegment(rel)] {
			return oc, false
		}
		return oc, true
	}
	return oc, false
}

func asMap(v any, absent bool) (map[string]any, bool) {
	if absent {
		return map[string]any{}, true
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func changedKeys(before, after map[string]any) map[string]bool {
	keys := map[string]bool{}
	for k, bv := range before {
		av, ok := after[k]
		if !ok || !graph.ValuesEqual(av, bv) {
			keys[k] = true
		}
	}
	for k := range after {
		if _, ok := before[k]; !ok {
			keys[k] = true
		}
	}
	return keys
}

func intersects(a, b map[string]bool) bool {
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}

func firstSegment(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

func drop(op, against Operation, mode Mode, resolution, path string) Operation {
	op.Status = StatusTransformed
	op.Conflicts = append(op.Conflicts, ConflictRecord{
		OperationID: against.ID,
		Version:     against.AppliedVersion,
		Path:        path,
		Mode:        mode,
		Resolution:  resolution,
		WinnerID:    against.ID,
	})
	return op
}

func record(against Operation, kind, path string) TransformationRecord {
	return TransformationRecord{
		AgainstID:      against.ID,
		AgainstVersion: against.AppliedVersion,
		Kind:           kind,
		Path:           path,
	}
}
