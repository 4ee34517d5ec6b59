package operation

import (
	"fmt"
	"strings"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

// Normalize fills defaults the wire format lets clients omit: the element
// id of a create, and change paths of a property update.
func (op Operation) Normalize() Operation {
	out := op.Clone()
	switch d := out.Delta.(type) {
	case CreateDelta:
		if d.Element.ID == "" {
			d.Element.ID = out.Target.ID
		}
		out.Delta = d
	case UpdateDelta:
		if out.Target.Type == TargetProperty {
			for i := range d.Changes {
				if d.Changes[i].Path == "" {
					d.Changes[i].Path = out.Target.Path
				}
			}
		}
		out.Delta = d
	}
	if out.Status == "" {
		out.Status = StatusPending
	}
	return out
}

// Validate checks the tag/target/delta combination.
func (op Operation) Validate() error {
	if op.ID == "" {
		return invalid("operationId is required")
	}
	if op.BaseVersion < 0 {
		return invalid("baseVersion must not be negative")
	}
	switch op.Target.Type {
	case TargetNode, TargetEdge, TargetProperty:
		if op.Target.ID == "" {
			return invalid("target.id is required for %s targets", op.Target.Type)
		}
	case TargetWorkflow:
	default:
		return invalid("unknown target type %q", op.Target.Type)
	}
	if op.Delta == nil {
		return invalid("delta is required")
	}
	if op.Delta.deltaType() != op.Type {
		return invalid("delta shape does not match type %q", op.Type)
	}

	switch d := op.Delta.(type) {
	case CreateDelta:
		if op.Target.Type != TargetNode && op.Target.Type != TargetEdge {
			return invalid("create requires a node or edge target")
		}
		if d.Element.ID != op.Target.ID {
			return invalid("element id %q does not match target %q", d.Element.ID, op.Target.ID)
		}
		if op.Target.Type == TargetEdge && (d.Element.Source == "" || d.Element.Target == "") {
			return invalid("edge create requires source and target")
		}
		if len(d.Edges) > 0 && op.Target.Type != TargetNode {
			return invalid("only a node create may carry edges")
		}
		for _, p := range d.Edges {
			if p.Element.ID == "" {
				return invalid("edge id is required")
			}
			if p.Element.Source != d.Element.ID && p.Element.Target != d.Element.ID {
				return invalid("edge %q is not attached to node %q", p.Element.ID, d.Element.ID)
			}
		}
	case DeleteDelta:
		if op.Target.Type != TargetNode && op.Target.Type != TargetEdge {
			return invalid("delete requires a node or edge target")
		}
	case UpdateDelta:
		if len(d.Changes) == 0 {
			return invalid("update requires at least one change")
		}
		if op.Target.Type == TargetProperty && op.Target.Path == "" {
			return invalid("property target requires a path")
		}
		for _, c := range d.Changes {
			if _, err := graph.SplitPath(c.Path); err != nil {
				return invalid("change path %q: %v", c.Path, err)
			}
			if op.Target.Type == TargetProperty && !under(c.Path, op.Target.Path) {
				return invalid("change path %q is outside target path %q", c.Path, op.Target.Path)
			}
		}
	}
	return nil
}

func under(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+".")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
