// Package ports declares what the collaboration core needs from the outside
// world: a graph store, a lease lock, an event bus, participant connections
// and a metrics sink.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

var (
	// ErrGraphNotFound means the store holds no snapshot for the graph.
	ErrGraphNotFound = errors.New("graph not found")
	// ErrStaleVersion means the store already holds a newer version.
	ErrStaleVersion = errors.New("stored snapshot is newer")
	// ErrLockHeld means another process holds the lease.
	ErrLockHeld = errors.New("lock held by another owner")
	// ErrLockLost means the lease expired or was taken over.
	ErrLockLost = errors.New("lock no longer owned")
)

// GraphStore is the durable home of graph snapshots.
type GraphStore interface {
	// LoadSnapshot returns the latest snapshot and its version, or
	// ErrGraphNotFound.
	LoadSnapshot(ctx context.Context, graphID string) (*graph.Snapshot, int64, error)

	// SaveSnapshot stores snap at version. Saving a version older than the
	// stored one fails with ErrStaleVersion; saving the stored version again
	// succeeds without change.
	SaveSnapshot(ctx context.Context, graphID string, snap *graph.Snapshot, version int64) error
}

// Locker hands out expiring leases. One session per graph holds the lease
// for that graph.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Key() string
	// Extend pushes the expiry out by ttl from now, or returns ErrLockLost.
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// EventPublisher publishes session lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event events.LifecycleEvent) error
}

// Connection is one participant's ordered channel.
type Connection interface {
	ID() string
	// Send queues env without blocking and reports whether it was queued.
	Send(env events.Envelope) bool
	// Close terminates the connection. It is safe to call more than once.
	Close(reason string)
}

// Metrics receives counters from the collaboration core.
type Metrics interface {
	OperationProcessed(mode, status string, latency time.Duration)
	ConflictRecorded(mode, resolution string)
	SessionOpened()
	SessionClosed(reason string)
	ParticipantsChanged(delta int)
	SnapshotSaved(result string, latency time.Duration)
	DegradedChanged(degraded bool)
	PresenceFanout(delivered, dropped int)
	BroadcastDropped(kind string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) OperationProcessed(string, string, time.Duration) {}
func (NopMetrics) ConflictRecorded(string, string)                  {}
func (NopMetrics) SessionOpened()                                   {}
func (NopMetrics) SessionClosed(string)                             {}
func (NopMetrics) ParticipantsChanged(int)                          {}
func (NopMetrics) SnapshotSaved(string, time.Duration)              {}
func (NopMetrics) DegradedChanged(bool)                             {}
func (NopMetrics) PresenceFanout(int, int)                          {}
func (NopMetrics) BroadcastDropped(string)                          {}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, events.LifecycleEvent) error { return nil }
