// Package graph holds the materialized state of a workflow graph: ordered
// nodes, ordered edges and workflow-level properties.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrElementNotFound = errors.New("element not found")
	ErrElementExists   = errors.New("element already exists")
	ErrDanglingEdge    = errors.New("edge endpoint does not exist")
	ErrInvalidPath     = errors.New("invalid field path")
)

// Kind distinguishes the two ordered collections of a snapshot.
type Kind string

const (
	KindNode Kind = "node"
	KindEdge Kind = "edge"
)

// Element is a node or an edge. Edges carry Source and Target node ids.
type Element struct {
	ID     string         `json:"id"`
	Source string         `json:"source,omitempty"`
	Target string         `json:"target,omitempty"`
	Attrs  map[string]any `json:"attrs,omitempty"`
}

// Clone returns a deep copy of the element.
func (e Element) Clone() Element {
	out := e
	if e.Attrs != nil {
		out.Attrs = cloneMap(e.Attrs)
	}
	return out
}

// Snapshot is the materialized graph state at one version.
type Snapshot struct {
	Nodes      []Element      `json:"nodes"`
	Edges      []Element      `json:"edges"`
	Properties map[string]any `json:"properties"`
}

// New returns an empty snapshot.
func New() *Snapshot {
	return &Snapshot{
		Nodes:      []Element{},
		Edges:      []Element{},
		Properties: map[string]any{},
	}
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := New()
	for _, n := range s.Nodes {
		out.Nodes = append(out.Nodes, n.Clone())
	}
	for _, e := range s.Edges {
		out.Edges = append(out.Edges, e.Clone())
	}
	if s.Properties != nil {
		out.Properties = cloneMap(s.Properties)
	}
	return out
}

// Canonical returns the canonical JSON encoding. Map keys are sorted by
// encoding/json and empty collections always encode as [] and {}.
func (s *Snapshot) Canonical() ([]byte, error) {
	norm := *s
	if norm.Nodes == nil {
		norm.Nodes = []Element{}
	}
	if norm.Edges == nil {
		norm.Edges = []Element{}
	}
	if norm.Properties == nil {
		norm.Properties = map[string]any{}
	}
	return json.Marshal(norm)
}

// Checksum returns the hex SHA-256 of the canonical encoding.
func (s *Snapshot) Checksum() (string, error) {
	data, err := s.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Counts returns the number of nodes and edges.
func (s *Snapshot) Counts() (nodes, edges int) {
	return len(s.Nodes), len(s.Edges)
}

func (s *Snapshot) collection(kind Kind) *[]Element {
	if kind == KindEdge {
		return &s.Edges
	}
	return &s.Nodes
}

// IndexOf returns the position of id in the given collection, or -1.
func (s *Snapshot) IndexOf(kind Kind, id string) int {
	for i, el := range *s.collection(kind) {
		if el.ID == id {
			return i
		}
	}
	return -1
}

// Lookup finds an element by id in either collection.
func (s *Snapshot) Lookup(id string) (*Element, Kind, bool) {
	if i := s.IndexOf(KindNode, id); i >= 0 {
		return &s.Nodes[i], KindNode, true
	}
	if i := s.IndexOf(KindEdge, id); i >= 0 {
		return &s.Edges[i], KindEdge, true
	}
	return nil, "", false
}

// Insert places el at index, clamped to the collection bounds. A negative
// index appends. It returns the index actually used.
func (s *Snapshot) Insert(kind Kind, index int, el Element) (int, error) {
	if _, _, ok := s.Lookup(el.ID); ok {
		return 0, fmt.Errorf("%w: %s", ErrElementExists, el.ID)
	}
	if kind == KindEdge {
		if s.IndexOf(KindNode, el.Source) < 0 || s.IndexOf(KindNode, el.Target) < 0 {
			return 0, fmt.Errorf("%w: %s", ErrDanglingEdge, el.ID)
		}
	}

	coll := s.collection(kind)
	if index < 0 || index > len(*coll) {
		index = len(*coll)
	}
	*coll = append(*coll, Element{})
	copy((*coll)[index+1:], (*coll)[index:])
	(*coll)[index] = el.Clone()
	return index, nil
}

// Remove deletes id from the collection and returns the removed element
// together with the index it occupied.
func (s *Snapshot) Remove(kind Kind, id string) (Element, int, error) {
	coll := s.collection(kind)
	i := s.IndexOf(kind, id)
	if i < 0 {
		return Element{}, -1, fmt.Errorf("%w: %s", ErrElementNotFound, id)
	}
	removed := (*coll)[i]
	*coll = append((*coll)[:i], (*coll)[i+1:]...)
	return removed, i, nil
}

// Placed is an element together with the index it occupied in its
// collection.
type Placed struct {
	Element Element `json:"element"`
	Index   int     `json:"index"`
}

// DetachEdges removes every edge with nodeID as an endpoint. The removed
// edges come back in ascending order of the index each held before the
// call, so inserting them in that order restores the collection.
func (s *Snapshot) DetachEdges(nodeID string) []Placed {
	var removed []Placed
	kept := s.Edges[:0]
	for i, e := range s.Edges {
		if e.Source == nodeID || e.Target == nodeID {
			removed = append(removed, Placed{Element: e, Index: i})
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.Edges); i++ {
		s.Edges[i] = Element{}
	}
	s.Edges = kept
	return removed
}

// ClonePlaced deep copies a list of placed elements.
func ClonePlaced(in []Placed) []Placed {
	if in == nil {
		return nil
	}
	out := make([]Placed, len(in))
	for i, p := range in {
		out[i] = Placed{Element: p.Element.Clone(), Index: p.Index}
	}
	return out
}

// Fields returns the attribute map addressed by scope: the workflow
// properties when id is empty, otherwise the element's attributes.
func (s *Snapshot) Fields(id string) (map[string]any, error) {
	if id == "" {
		if s.Properties == nil {
			s.Properties = map[string]any{}
		}
		return s.Properties, nil
	}
	el, _, ok := s.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, id)
	}
	if el.Attrs == nil {
		el.Attrs = map[string]any{}
	}
	return el.Attrs, nil
}
