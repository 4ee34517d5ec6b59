package operation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompose_UpdateThenUpdate(t *testing.T) {
	s := baseGraph()
	target := Target{Type: TargetNode, ID: "http"}

	a, err := Apply(s, update("a", target, FieldChange{Path: "label", After: "Fetch"}))
	require.NoError(t, err)
	b, err := Apply(s, update("b", target,
		FieldChange{Path: "label", After: "Fetch users"},
		FieldChange{Path: "notes", After: "paginated"},
	))
	require.NoError(t, err)

	c, err := Compose(a, b)
	require.NoError(t, err)
	changes := c.Update().Changes
	require.Len(t, changes, 2)
	assert.Equal(t, "HTTP Request", changes[0].Before)
	assert.Equal(t, "Fetch users", changes[0].After)
	assert.True(t, changes[1].BeforeAbsent)

	// The composed unit undoes both steps at once.
	inverse, err := Invert(c)
	require.NoError(t, err)
	_, err = Apply(s, inverse)
	require.NoError(t, err)
	assert.Equal(t, canonical(t, baseGraph()), canonical(t, s))
}

func TestCompose_BrokenLineage(t *testing.T) {
	target := Target{Type: TargetNode, ID: "http"}
	a := update("a", target, FieldChange{Path: "label", Before: "HTTP Request", After: "one"})
	b := update("b", target, FieldChange{Path: "label", Before: "two", After: "three"})

	_, err := Compose(a, b)
	assert.ErrorIs(t, err, ErrNotComposable)
}

func TestCompose_DifferentTargets(t *testing.T) {
	a := update("a", Target{Type: TargetNode, ID: "http"}, FieldChange{Path: "label", After: "x"})
	b := update("b", Target{Type: TargetNode, ID: "slack"}, FieldChange{Path: "label", After: "y"})

	_, err := Compose(a, b)
	assert.ErrorIs(t, err, ErrNotComposable)
}

func TestCompose_CreateThenUpdate(t *testing.T) {
	s := baseGraph()
	a, err := Apply(s, createNode("wait", 1))
	require.NoError(t, err)
	b, err := Apply(s, update("b", Target{Type: TargetNode, ID: "wait"},
		FieldChange{Path: "label", After: "Wait 5m"},
		FieldChange{Path: "parameters.minutes", After: 5.0},
	))
	require.NoError(t, err)

	c, err := Compose(a, b)
	require.NoError(t, err)
	assert.Equal(t, TypeCreate, c.Type)
	d := c.Delta.(CreateDelta)
	assert.Equal(t, 1, d.Index)
	assert.Equal(t, "Wait 5m", d.Element.Attrs["label"])
	assert.Equal(t, map[string]any{"minutes": 5.0}, d.Element.Attrs["parameters"])

	fresh := baseGraph()
	_, err = Apply(fresh, c)
	require.NoError(t, err)
	assert.Equal(t, canonical(t, s), canonical(t, fresh))
}

func TestCompose_UpdateThenDelete(t *testing.T) {
	s := baseGraph()
	a, err := Apply(s, update("a", Target{Type: TargetNode, ID: "slack"}, FieldChange{Path: "label", After: "Renamed"}))
	require.NoError(t, err)
	b, err := Apply(s, deleteOp("slack", TargetNode))
	require.NoError(t, err)

	c, err := Compose(a, b)
	require.NoError(t, err)
	assert.Equal(t, TypeDelete, c.Type)
	assert.Equal(t, "Notify", c.Delta.(DeleteDelta).Element.Attrs["label"])

	inverse, err := Invert(c)
	require.NoError(t, err)
	_, err = Apply(s, inverse)
	require.NoError(t, err)
	assert.Equal(t, canonical(t, baseGraph()), canonical(t, s))
}

func TestCompose_CreateThenDeleteIsRejected(t *testing.T) {
	s := baseGraph()
	a, err := Apply(s, createNode("tmp", -1))
	require.NoError(t, err)
	b, err := Apply(s, deleteOp("tmp", TargetNode))
	require.NoError(t, err)

	_, err = Compose(a, b)
	assert.ErrorIs(t, err, ErrNotComposable)
}
