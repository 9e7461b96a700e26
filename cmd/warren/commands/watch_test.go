package commands

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/events"
	"github.com/dyluth/warren/internal/filter"
	"github.com/dyluth/warren/pkg/blackboard"
)

func TestWatchSession_FiltersAndStopsOnResult(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	out := captureOutput(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channel := blackboard.EventsChannel("warren", "s1")
	done := make(chan error, 1)
	go func() {
		done <- watchSession(ctx, rdb, "warren", "s1", outputJSON, false,
			&filter.Criteria{TypeGlob: "tool.*"})
	}()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	publish := func(ev events.Event) {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		require.NoError(t, rdb.Publish(ctx, channel, data).Err())
	}
	publish(events.Event{ID: 1, Type: events.AgentStart, SessionID: "s1", AgentID: blackboard.Developer})
	publish(events.Event{ID: 2, Type: events.ToolStart, SessionID: "s1", AgentID: blackboard.Developer,
		Tool: &events.ToolInfo{Name: "render_unit"}})
	publish(events.Event{ID: 3, Type: events.Result, SessionID: "s1", Summary: "done"})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watch did not stop on the result event")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, events.ToolStart, ev.Type)
	assert.Equal(t, "render_unit", ev.Tool.Name)
}
