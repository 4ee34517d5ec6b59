package operation

import (
	"fmt"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

// Compose merges two sequential operations on the same target into one.
// b must follow a directly: every field b reads must carry the value a
// left behind. Supported pairs are update+update, create+update and
// update+delete; anything else returns ErrNotComposable.
func Compose(a, b Operation) (Operation, error) {
	if a.Target.Type != b.Target.Type || a.Target.ID != b.Target.ID || a.Target.Path != b.Target.Path {
		return Operation{}, fmt.Errorf("%w: targets differ", ErrNotComposable)
	}

	out := b.Clone()
	out.ParentID = a.ParentID
	out.BaseVersion = a.BaseVersion
	out.Transformations = append(append([]TransformationRecord(nil), a.Transformations...), b.Transformations...)
	out.Conflicts = append(append([]ConflictRecord(nil), a.Conflicts...), b.Conflicts...)

	switch da := a.Delta.(type) {
	case UpdateDelta:
		switch db := b.Delta.(type) {
		case UpdateDelta:
			merged, err := mergeChanges(da.Changes, db.Changes)
			if err != nil {
				return Operation{}, err
			}
			out.Type = TypeUpdate
			out.Delta = UpdateDelta{Changes: merged}
			return out, nil

		case DeleteDelta:
			if db.Element == nil {
				return Operation{}, fmt.Errorf("%w: delete has no captured element", ErrNotComposable)
			}
			el := db.Element.Clone()
			if el.Attrs == nil {
				el.Attrs = map[string]any{}
			}
			for i := len(da.Changes) - 1; i >= 0; i-- {
				if err := revert(el.Attrs, da.Changes[i]); err != nil {
					return Operation{}, err
				}
			}
			if len(el.Attrs) == 0 {
				el.Attrs = nil
			}
			out.Type = TypeDelete
			out.Delta = DeleteDelta{Element: &el, Index: db.Index, Edges: graph.ClonePlaced(db.Edges)}
			return out, nil
		}

	case CreateDelta:
		if db, ok := b.Delta.(UpdateDelta); ok {
			el := da.Element.Clone()
			if el.Attrs == nil {
				el.Attrs = map[string]any{}
			}
			for _, c := range db.Changes {
				cur, existed := graph.GetPath(el.Attrs, c.Path)
				if existed == c.BeforeAbsent || (existed && !graph.ValuesEqual(cur, c.Before)) {
					return Operation{}, fmt.Errorf("%w: lineage broken at %q", ErrNotComposable, c.Path)
				}
				if err := forward(el.Attrs, c); err != nil {
					return Operation{}, err
				}
			}
			out.Type = TypeCreate
			out.Delta = CreateDelta{Element: el, Index: da.Index, Edges: graph.ClonePlaced(da.Edges)}
			return out, nil
		}
	}
	return Operation{}, fmt.Errorf("%w: %s then %s", ErrNotComposable, a.Type, b.Type)
}

func mergeChanges(first, second []FieldChange) ([]FieldChange, error) {
	merged := make([]FieldChange, 0, len(first)+len(second))
	for _, c := range first {
		merged = append(merged, c.clone())
	}
	for _, c := range second {
		matched := false
		for i := range merged {
			if merged[i].Path == c.Path {
				if merged[i].AfterAbsent != c.BeforeAbsent || !graph.ValuesEqual(merged[i].After, c.Before) {
					return nil, fmt.Errorf("%w: lineage broken at %q", ErrNotComposable, c.Path)
				}
				merged[i].After = graph.CloneValue(c.After)
				merged[i].AfterAbsent = c.AfterAbsent
				matched = true
				break
			}
			if graph.PathsOverlap(merged[i].Path, c.Path) {
				return nil, fmt.Errorf("%w: nested paths %q and %q", ErrNotComposable, merged[i].Path, c.Path)
			}
		}
		if !matched {
			merged = append(merged, c.clone())
		}
	}
	return merged, nil
}

func forward(fields map[string]any, c FieldChange) error {
	if c.AfterAbsent {
		return graph.RemovePath(fields, c.Path)
	}
	return graph.SetPath(fields, c.Path, c.After)
}

func revert(fields map[string]any, c FieldChange) error {
	if c.BeforeAbsent && c.Created != "" {
		return graph.RemovePath(fields, c.Created)
	}
	if c.BeforeAbsent {
		return graph.RemovePath(fields, c.Path)
	}
	return graph.SetPath(fields, c.Path, c.Before)
}
