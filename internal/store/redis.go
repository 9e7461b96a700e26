package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/pkg/blackboard"
)

// Redis stores checkpoints as hashes at warren:{thread_id}:checkpoint and
// deliverables as fields of warren:{namespace}:session:{id}:deliverables.
// It is safe for concurrent use.
type Redis struct {
	rdb       *redis.Client
	namespace string
}

// NewRedis creates a Redis-backed store for the given namespace.
func NewRedis(opts *redis.Options, namespace string) (*Redis, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	return &Redis{rdb: redis.NewClient(opts), namespace: namespace}, nil
}

// Client exposes the underlying connection for pub/sub.
func (r *Redis) Client() *redis.Client {
	return r.rdb
}

// GetState returns (nil, ErrNotFound) when the thread has no checkpoint.
func (r *Redis) GetState(ctx context.Context, threadID string) (*blackboard.Blackboard, error) {
	hash, err := r.rdb.HGetAll(ctx, blackboard.CheckpointKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hash) == 0 {
		return nil, ErrNotFound
	}

	bb, err := blackboard.HashToBlackboard(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return bb, nil
}

func (r *Redis) PutState(ctx context.Context, threadID string, bb *blackboard.Blackboard) error {
	hash, err := blackboard.BlackboardToHash(bb)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	if err := r.rdb.HSet(ctx, blackboard.CheckpointKey(threadID), hash).Err(); err != nil {
		return fmt.Errorf("failed to write checkpoint to Redis: %w", err)
	}
	return nil
}

func (r *Redis) DeleteState(ctx context.Context, threadID string) error {
	if err := r.rdb.Del(ctx, blackboard.CheckpointKey(threadID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

func (r *Redis) PutDeliverable(ctx context.Context, sessionID, name string, data json.RawMessage) error {
	key := blackboard.DeliverablesKey(r.namespace, sessionID)
	if err := r.rdb.HSet(ctx, key, name, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to write deliverable %s: %w", name, err)
	}
	return nil
}

func (r *Redis) GetDeliverable(ctx context.Context, sessionID, name string) (json.RawMessage, error) {
	key := blackboard.DeliverablesKey(r.namespace, sessionID)
	val, err := r.rdb.HGet(ctx, key, name).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read deliverable %s: %w", name, err)
	}
	return json.RawMessage(val), nil
}

func (r *Redis) DeleteDeliverables(ctx context.Context, sessionID string) error {
	if err := r.rdb.Del(ctx, blackboard.DeliverablesKey(r.namespace, sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete deliverables: %w", err)
	}
	return nil
}

// Ping verifies Redis connectivity. Used by the health check.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection. Implements io.Closer.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
