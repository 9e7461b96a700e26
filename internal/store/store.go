// Package store persists session checkpoints and session-scoped
// deliverables. Three backends share one contract: in-memory, Redis
// and SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/pkg/blackboard"
)

// ErrNotFound is returned when a checkpoint or deliverable does not exist.
var ErrNotFound = errors.New("not found")

// Checkpoints stores one blackboard snapshot per thread id.
type Checkpoints interface {
	GetState(ctx context.Context, threadID string) (*blackboard.Blackboard, error)
	PutState(ctx context.Context, threadID string, bb *blackboard.Blackboard) error
	DeleteState(ctx context.Context, threadID string) error
}

// Deliverables stores named artifacts per session. Writing a name twice
// overwrites the earlier content.
type Deliverables interface {
	PutDeliverable(ctx context.Context, sessionID, name string, data json.RawMessage) error
	GetDeliverable(ctx context.Context, sessionID, name string) (json.RawMessage, error)
	DeleteDeliverables(ctx context.Context, sessionID string) error
}

// Store is the full persistence contract used by the engine.
type Store interface {
	Checkpoints
	Deliverables
	Ping(ctx context.Context) error
	Close() error
}

// IsNotFound returns true if err reports a missing checkpoint or
// deliverable, including the raw driver sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil) || errors.Is(err, sql.ErrNoRows)
}

// Open builds the backend selected by cfg. Deliverables are namespaced so
// several deployments can share one backend.
func Open(ctx context.Context, cfg *config.StoreConfig, namespace string) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemory(), nil
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis_url: %w", err)
		}
		s, err := NewRedis(opts, namespace)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
		}
		return s, nil
	case config.BackendSQLite:
		return OpenSQLite(cfg.SQLitePath, namespace)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
