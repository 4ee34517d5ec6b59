package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/operation"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/versionlog"
)

type fixture struct {
	live *graph.Snapshot
	log  *versionlog.Log
}

func newFixture(version int64) *fixture {
	live := graph.New()
	live.Nodes = []graph.Element{
		{ID: "n1", Attrs: map[string]any{"label": "Start", "position": map[string]any{"x": 0.0, "y": 0.0}}},
		{ID: "n2", Attrs: map[string]any{"label": "End"}},
	}
	return &fixture{live: live, log: versionlog.New(live, version)}
}

// commit applies and appends op the way a session worker does.
func (f *fixture) commit(t *testing.T, op operation.Operation) operation.Operation {
	t.Helper()
	applied, err := operation.Apply(f.live, op)
	require.NoError(t, err)
	applied.Status = operation.StatusApplied
	applied.AppliedVersion = f.log.Current() + 1
	_, err = f.log.Append(applied)
	require.NoError(t, err)
	return applied
}

func labelUpdate(id, client, node, value string, base int64) operation.Operation {
	return operation.Operation{
		ID:          id,
		Type:        operation.TypeUpdate,
		Target:      operation.Target{Type: operation.TargetNode, ID: node},
		Delta:       operation.UpdateDelta{Changes: []operation.FieldChange{{Path: "label", After: value}}},
		BaseVersion: base,
		Status:      operation.StatusPending,
		Origin:      operation.Origin{ClientID: client, UserID: "user-" + client},
	}
}

func appendNode(id, client string, base int64) operation.Operation {
	return operation.Operation{
		ID:          "create-" + id,
		Type:        operation.TypeCreate,
		Target:      operation.Target{Type: operation.TargetNode, ID: id},
		Delta:       operation.CreateDelta{Element: graph.Element{ID: id}, Index: -1},
		BaseVersion: base,
		Status:      operation.StatusPending,
		Origin:      operation.Origin{ClientID: client},
	}
}

func TestEngine_IdempotentRebase(t *testing.T) {
	f := newFixture(5)
	e := NewEngine(operation.ModeOperationalTransform, 100, zaptest.NewLogger(t))

	op := labelUpdate("a", "c1", "n1", "x", 5)
	res, err := e.Rebase(op, f.log)
	require.NoError(t, err)
	assert.Equal(t, op, res.Op)
	assert.Nil(t, res.Pending)
	assert.Empty(t, res.Superseded)
}

func TestEngine_RejectsFutureAndStaleBases(t *testing.T) {
	f := newFixture(0)
	for i := 0; i < 5; i++ {
		f.commit(t, labelUpdate("op"+string(rune('a'+i)), "c1", "n2", "v", f.log.Current()))
	}
	e := NewEngine(operation.ModeOperationalTransform, 3, nil)

	_, err := e.Rebase(labelUpdate("x", "c2", "n1", "v", 9), f.log)
	assert.ErrorIs(t, err, ErrFutureBase)

	_, err = e.Rebase(labelUpdate("x", "c2", "n1", "v", 1), f.log)
	assert.ErrorIs(t, err, ErrResyncRequired)

	res, err := e.Rebase(labelUpdate("x", "c2", "n1", "v", 2), f.log)
	require.NoError(t, err)
	assert.False(t, res.Op.Dropped())
	assert.Empty(t, res.Op.Conflicts)
}

func TestEngine_LastWriteWinsReportsSupersession(t *testing.T) {
	f := newFixture(5)
	e := NewEngine(operation.ModeLastWriteWins, 100, nil)

	a := f.commit(t, labelUpdate("a", "c1", "n1", "from A", 5))
	res, err := e.Rebase(labelUpdate("b", "c2", "n1", "from B", 5), f.log)
	require.NoError(t, err)

	assert.False(t, res.Op.Dropped())
	require.Len(t, res.Superseded, 1)
	assert.Equal(t, a.ID, res.Superseded[0].OperationID)
	assert.Equal(t, int64(6), res.Superseded[0].Version)
	assert.Equal(t, "c1", res.Superseded[0].ClientID)
	assert.Equal(t, "b", res.Superseded[0].WinnerID)
}

func TestEngine_SkipsOwnOperations(t *testing.T) {
	f := newFixture(5)
	e := NewEngine(operation.ModeOperationalTransform, 100, nil)

	f.commit(t, labelUpdate("a1", "c1", "n1", "first", 5))
	res, err := e.Rebase(labelUpdate("a2", "c1", "n1", "second", 5), f.log)
	require.NoError(t, err)
	assert.False(t, res.Op.Dropped())
	assert.Empty(t, res.Op.Conflicts)
}

func TestEngine_ConcurrentAppendsConverge(t *testing.T) {
	run := func(first, second operation.Operation) string {
		f := newFixture(5)
		e := NewEngine(operation.ModeOperationalTransform, 100, nil)
		for _, op := range []operation.Operation{first, second} {
			res, err := e.Rebase(op, f.log)
			require.NoError(t, err)
			f.commit(t, res.Op)
		}
		b, err := f.live.Canonical()
		require.NoError(t, err)
		return string(b)
	}

	a := appendNode("alpha", "c1", 5)
	b := appendNode("beta", "c2", 5)
	assert.Equal(t, run(a, b), run(b, a))
}

func TestEngine_OwnAppendsKeepOrder(t *testing.T) {
	f := newFixture(5)
	e := NewEngine(operation.ModeOperationalTransform, 100, nil)

	for _, id := range []string{"zeta", "alpha"} {
		res, err := e.Rebase(appendNode(id, "c1", 5), f.log)
		require.NoError(t, err)
		f.commit(t, res.Op)
	}
	ids := []string{}
	for _, n := range f.live.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"n1", "n2", "zeta", "alpha"}, ids)
}

func TestEngine_ManualQueueAndResolve(t *testing.T) {
	t.Run("apply overwrites committed value", func(t *testing.T) {
		f := newFixture(5)
		e := NewEngine(operation.ModeManual, 100, nil)

		f.commit(t, labelUpdate("a", "c1", "n1", "from A", 5))
		res, err := e.Rebase(labelUpdate("b", "c2", "n1", "from B", 5), f.log)
		require.NoError(t, err)
		require.NotNil(t, res.Pending)
		assert.Equal(t, "a", res.Pending.AgainstID)
		require.Len(t, e.Pending(), 1)

		resolved, err := e.ResolveConflict("b", ChoiceApply, f.log)
		require.NoError(t, err)
		assert.Empty(t, e.Pending())
		assert.False(t, resolved.Op.Dropped())
		last := resolved.Op.Conflicts[len(resolved.Op.Conflicts)-1]
		assert.Equal(t, operation.ResolutionManualApply, last.Resolution)

		f.commit(t, resolved.Op)
		assert.Equal(t, "from B", f.live.Nodes[0].Attrs["label"])
	})

	t.Run("discard rejects", func(t *testing.T) {
		f := newFixture(5)
		e := NewEngine(operation.ModeManual, 100, nil)

		f.commit(t, labelUpdate("a", "c1", "n1", "from A", 5))
		_, err := e.Rebase(labelUpdate("b", "c2", "n1", "from B", 5), f.log)
		require.NoError(t, err)

		resolved, err := e.ResolveConflict("b", ChoiceDiscard, f.log)
		require.NoError(t, err)
		assert.Equal(t, operation.StatusRejected, resolved.Op.Status)
	})

	t.Run("unknown id and choice", func(t *testing.T) {
		f := newFixture(5)
		e := NewEngine(operation.ModeManual, 100, nil)

		_, err := e.ResolveConflict("missing", ChoiceApply, f.log)
		assert.ErrorIs(t, err, ErrConflictNotFound)
		_, err = e.ResolveConflict("missing", Choice("merge"), f.log)
		assert.ErrorIs(t, err, ErrInvalidChoice)
	})
}
