// Package memory provides in-process implementations of the graph store and
// the lease locker for single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

type storedSnapshot struct {
	snap      *graph.Snapshot
	version   int64
	updatedAt time.Time
}

// GraphStore keeps the latest snapshot of each graph in memory.
type GraphStore struct {
	mu     sync.RWMutex
	graphs map[string]storedSnapshot
}

// NewGraphStore creates an empty store.
func NewGraphStore() *GraphStore {
	return &GraphStore{graphs: make(map[string]storedSnapshot)}
}

// LoadSnapshot returns a copy of the stored snapshot.
func (s *GraphStore) LoadSnapshot(ctx context.Context, graphID string) (*graph.Snapshot, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.graphs[graphID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ports.ErrGraphNotFound, graphID)
	}
	return st.snap.Clone(), st.version, nil
}

// SaveSnapshot stores a copy of snap unless a newer version is already held.
func (s *GraphStore) SaveSnapshot(ctx context.Context, graphID string, snap *graph.Snapshot, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("save %s: nil snapshot", graphID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.graphs[graphID]; ok {
		if st.version > version {
			return fmt.Errorf("%w: have %d, got %d", ports.ErrStaleVersion, st.version, version)
		}
		if st.version == version {
			return nil
		}
	}
	s.graphs[graphID] = storedSnapshot{snap: snap.Clone(), version: version, updatedAt: time.Now().UTC()}
	return nil
}

// Delete removes a graph.
func (s *GraphStore) Delete(graphID string) {
	s.mu.Lock()
	delete(s.graphs, graphID)
	s.mu.Unlock()
}

// Len is the number of stored graphs.
func (s *GraphStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.graphs)
}
