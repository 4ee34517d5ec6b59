// Package redisstore stores graph snapshots and session leases in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

const (
	fieldVersion   = "version"
	fieldDocument  = "document"
	fieldChecksum  = "checksum"
	fieldUpdatedAt = "updatedAt"
)

// NewClient connects to the configured Redis and checks it answers.
func NewClient(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// GraphStore keeps each graph's latest snapshot in a hash.
type GraphStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewGraphStore creates a store whose keys start with prefix.
func NewGraphStore(client *redis.Client, prefix string, logger *zap.Logger) *GraphStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphStore{client: client, prefix: prefix, logger: logger.Named("redis-store")}
}

func (s *GraphStore) key(graphID string) string {
	return s.prefix + "graph:" + graphID
}

// LoadSnapshot reads the stored snapshot and verifies its checksum.
func (s *GraphStore) LoadSnapshot(ctx context.Context, graphID string) (*graph.Snapshot, int64, error) {
	vals, err := s.client.HGetAll(ctx, s.key(graphID)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("load snapshot: %w", err)
	}
	if len(vals) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", ports.ErrGraphNotFound, graphID)
	}
	return decode(graphID, vals)
}

func decode(graphID string, vals map[string]string) (*graph.Snapshot, int64, error) {
	version, err := strconv.ParseInt(vals[fieldVersion], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot %s: bad version %q", graphID, vals[fieldVersion])
	}
	snap := graph.New()
	if err := json.Unmarshal([]byte(vals[fieldDocument]), snap); err != nil {
		return nil, 0, fmt.Errorf("failed to decode snapshot %s: %w", graphID, err)
	}
	if want := vals[fieldChecksum]; want != "" {
		sum, err := snap.Checksum()
		if err != nil {
			return nil, 0, err
		}
		if sum != want {
			return nil, 0, fmt.Errorf("snapshot %s at version %d: checksum mismatch", graphID, version)
		}
	}
	return snap, version, nil
}

// SaveSnapshot writes snap inside a WATCH transaction so a concurrent
// writer with a newer version is never overwritten.
func (s *GraphStore) SaveSnapshot(ctx context.Context, graphID string, snap *graph.Snapshot, version int64) error {
	doc, err := snap.Canonical()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	sum, err := snap.Checksum()
	if err != nil {
		return err
	}
	key := s.key(graphID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, fieldVersion).Int64()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		case cur > version:
			return fmt.Errorf("%w: have %d, got %d", ports.ErrStaleVersion, cur, version)
		case cur == version:
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, map[string]any{
				fieldVersion:   version,
				fieldDocument:  string(doc),
				fieldChecksum:  sum,
				fieldUpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
			})
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		s.logger.Debug("Snapshot stored", zap.String("graphID", graphID), zap.Int64("version", version))
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("save snapshot %s: concurrent write: %w", graphID, err)
	case errors.Is(err, ports.ErrStaleVersion):
		return err
	default:
		return fmt.Errorf("save snapshot: %w", err)
	}
}
