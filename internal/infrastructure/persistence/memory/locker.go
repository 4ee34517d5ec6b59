package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
)

type leaseRecord struct {
	token     string
	owner     string
	expiresAt time.Time
}

// Locker grants per-key leases within one process.
type Locker struct {
	mu     sync.Mutex
	leases map[string]leaseRecord
	now    func() time.Time
}

// NewLocker creates a locker with no leases held.
func NewLocker() *Locker {
	return &Locker{leases: make(map[string]leaseRecord), now: time.Now}
}

// Acquire takes the lease on key for ttl. A lease that expired may be taken
// over by anyone.
func (l *Locker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (ports.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expiresAt) {
		return nil, ports.ErrLockHeld
	}
	rec := leaseRecord{token: uuid.NewString(), owner: owner, expiresAt: now.Add(ttl)}
	l.leases[key] = rec
	return &lease{locker: l, key: key, token: rec.token}, nil
}

// Holder returns the owner of the live lease on key.
func (l *Locker) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	if !ok || !l.now().Before(cur.expiresAt) {
		return "", false
	}
	return cur.owner, true
}

type lease struct {
	locker *Locker
	key    string
	token  string
}

func (le *lease) Key() string { return le.key }

func (le *lease) Extend(ctx context.Context, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := le.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[le.key]
	now := l.now()
	if !ok || cur.token != le.token || !now.Before(cur.expiresAt) {
		return ports.ErrLockLost
	}
	cur.expiresAt = now.Add(ttl)
	l.leases[le.key] = cur
	return nil
}

// Release drops the lease if it is still ours.
func (le *lease) Release(context.Context) error {
	l := le.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[le.key]; ok && cur.token == le.token {
		delete(l.leases, le.key)
	}
	return nil
}
