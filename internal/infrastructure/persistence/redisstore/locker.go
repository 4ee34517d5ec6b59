package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
)

// Both scripts act only while the key still holds our token.
var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Locker implements ports.Locker with SET NX PX.
type Locker struct {
	client *redis.Client
	prefix string
}

// NewLocker creates a locker whose keys start with prefix.
func NewLocker(client *redis.Client, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// Acquire takes the lease on key. The stored value is a fresh token; owner
// is kept alongside for operators.
func (l *Locker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (ports.Lease, error) {
	token := uuid.NewString()
	k := l.prefix + "lock:" + key
	ok, err := l.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return nil, ports.ErrLockHeld
	}
	l.client.Set(ctx, k+":owner", owner, ttl)
	return &redisLease{client: l.client, name: key, key: k, token: token}, nil
}

type redisLease struct {
	client *redis.Client
	name   string
	key    string
	token  string
}

func (r *redisLease) Key() string { return r.name }

func (r *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, r.client, []string{r.key}, r.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if n == 0 {
		return ports.ErrLockLost
	}
	r.client.PExpire(ctx, r.key+":owner", ttl)
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
