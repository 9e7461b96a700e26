//go:build integration

package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/events"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/store"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) string {
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func redisEngine(t *testing.T, ctx context.Context, url string) (*orchestrator.Engine, store.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Store = &config.StoreConfig{Backend: config.BackendRedis, RedisURL: url}

	st, err := store.Open(ctx, cfg.Store, cfg.Namespace)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng, err := orchestrator.NewEngine(st, cfg, BuiltinRoster())
	require.NoError(t, err)
	eng.SetPublisher(events.NewRedisPublisher(st.(*store.Redis).Client(), cfg.Namespace))
	return eng, st
}

func TestRedis_SuspendResumeAcrossEngines(t *testing.T) {
	url := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	first, _ := redisEngine(t, ctx, url)

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	sub, err := events.Subscribe(ctx, rdb, first.Namespace(), "s1")
	require.NoError(t, err)
	defer sub.Close()

	bb, err := first.Run(ctx, "Build a nightly pipeline", "s1", "u1")
	require.NoError(t, err)
	require.NotNil(t, bb.Suspension)

	// The interrupt reaches subscribers on the session channel.
	var seen []events.Type
	for ev := range sub.Events() {
		seen = append(seen, ev.Type)
		if ev.Type == events.Interrupt {
			break
		}
	}
	assert.Contains(t, seen, events.AgentStart)

	// A second process picks the checkpoint up and answers the question.
	second, _ := redisEngine(t, ctx, url)
	bb, err = second.Resume(ctx, "s1", "u1", bb.Suspension.RequestID, map[string]interface{}{"value": "database"})
	require.NoError(t, err)
	assert.True(t, bb.IsCompleted)
	assert.Equal(t, "database", bb.Writebacks["source"])

	state, err := first.State(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, bb.Version, state.Version)

	require.NoError(t, second.ClearSession(ctx, "s1", "u1"))
	_, err = first.State(ctx, "s1", "u1")
	assert.True(t, store.IsNotFound(err))
}
