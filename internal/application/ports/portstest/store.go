package portstest

import (
	"context"
	"sync"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

type stored struct {
	snap    *graph.Snapshot
	version int64
}

// Store is a GraphStore whose failures can be scripted.
type Store struct {
	mu       sync.Mutex
	graphs   map[string]stored
	failures []error
	saves    int
	attempts int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{graphs: make(map[string]stored)}
}

// Put seeds a graph.
func (s *Store) Put(graphID string, snap *graph.Snapshot, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[graphID] = stored{snap: snap.Clone(), version: version}
}

// FailNext makes the next len(errs) saves fail with errs in order.
func (s *Store) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Saves is the number of successful saves.
func (s *Store) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Attempts is the number of save calls, failed or not.
func (s *Store) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Version returns the stored version of a graph.
func (s *Store) Version(graphID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graphs[graphID].version
}

// Snapshot returns the stored snapshot of a graph.
func (s *Store) Snapshot(graphID string) *graph.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.graphs[graphID]; ok {
		return g.snap.Clone()
	}
	return nil
}

func (s *Store) LoadSnapshot(_ context.Context, graphID string) (*graph.Snapshot, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[graphID]
	if !ok {
		return nil, 0, ports.ErrGraphNotFound
	}
	return g.snap.Clone(), g.version, nil
}

func (s *Store) SaveSnapshot(_ context.Context, graphID string, snap *graph.Snapshot, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	if g, ok := s.graphs[graphID]; ok && g.version > version {
		return ports.ErrStaleVersion
	}
	s.graphs[graphID] = stored{snap: snap.Clone(), version: version}
	s.saves++
	return nil
}

// Publisher records published lifecycle events.
type Publisher struct {
	mu     sync.Mutex
	events []events.LifecycleEvent
}

func (p *Publisher) Publish(_ context.Context, e events.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

// Types lists the published event types in order.
func (p *Publisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}
