package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/events"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/review"
	"github.com/dyluth/warren/internal/store"
	"github.com/dyluth/warren/pkg/blackboard"
)

func setupBuiltinEngine(t *testing.T) *orchestrator.Engine {
	t.Helper()
	eng, err := orchestrator.NewEngine(store.NewMemory(), config.Default(), BuiltinRoster())
	require.NoError(t, err)
	return eng
}

func TestBuiltinRoster_EndToEnd(t *testing.T) {
	eng := setupBuiltinEngine(t)

	var evs []events.Event
	bb, err := eng.Execute(context.Background(), orchestrator.Request{
		SessionID: "s1",
		UserID:    "u1",
		UserInput: "Load orders from postgres into bigquery. Deduplicate by order id.",
	}, func(ev events.Event) { evs = append(evs, ev) })
	require.NoError(t, err)

	assert.True(t, bb.IsCompleted)
	assert.Empty(t, bb.Error)
	assert.True(t, bb.DesignReviewPassed)
	assert.True(t, bb.DevelopmentReviewPassed)

	impl, err := review.ParseImplementation(bb.Deliverable)
	require.NoError(t, err)
	require.Len(t, impl.Units, 4)
	assert.Equal(t, "extract", impl.Units[0].ID)
	assert.Contains(t, impl.Units[0].Content, "postgres")
	assert.Equal(t, "load", impl.Units[3].ID)
	assert.Contains(t, impl.Units[3].Content, "bigquery")
	assert.Empty(t, review.MissingUnits(impl))

	var tools int
	for _, ev := range evs {
		if ev.Type == events.ToolStart {
			tools++
			assert.Equal(t, blackboard.Developer, ev.AgentID)
		}
	}
	assert.Equal(t, 4, tools)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.Result, evs[len(evs)-1].Type)
}

func TestBuiltinAnalyst_EmptyTaskAsksForClarification(t *testing.T) {
	eng := setupBuiltinEngine(t)
	ctx := context.Background()

	bb, err := eng.Run(ctx, "", "s1", "u1")
	require.NoError(t, err)
	require.NotNil(t, bb.Suspension)
	assert.True(t, strings.HasPrefix(bb.Suspension.Interrupt.Message, "What should the pipeline do?"))
	assert.Equal(t, blackboard.Analyst, bb.Suspension.Interrupt.CreatedBy)

	bb, err = eng.Run(ctx, "Copy invoices from s3 into redshift", "s1", "u1")
	require.NoError(t, err)
	assert.True(t, bb.IsCompleted)
	assert.Empty(t, bb.Error)
	assert.True(t, bb.DevelopmentReviewPassed)
}

func TestBuiltinAnalyst_SelectionWritesBack(t *testing.T) {
	eng := setupBuiltinEngine(t)
	ctx := context.Background()

	bb, err := eng.Run(ctx, "Build a nightly pipeline", "s1", "u1")
	require.NoError(t, err)
	require.NotNil(t, bb.Suspension)
	require.NotEmpty(t, bb.Suspension.Interrupt.Options)

	bb, err = eng.Resume(ctx, "s1", "u1", bb.Suspension.RequestID, map[string]interface{}{"value": "files"})
	require.NoError(t, err)
	assert.True(t, bb.IsCompleted)
	assert.Equal(t, "files", bb.Writebacks["source"])

	impl, err := review.ParseImplementation(bb.Deliverable)
	require.NoError(t, err)
	require.NotEmpty(t, impl.Units)
	assert.Contains(t, impl.Units[0].Content, "files")
}

func TestBuiltinReviewer(t *testing.T) {
	design := func(components ...Component) json.RawMessage {
		data, _ := json.Marshal(Design{Components: components})
		return data
	}
	full := design(
		Component{Name: "extract", Role: "extract"},
		Component{Name: "transform_1", Role: "transform"},
		Component{Name: "load", Role: "load"},
	)

	tests := []struct {
		name   string
		stage  blackboard.ReviewStage
		inputs map[blackboard.ArtifactKind]json.RawMessage
		passed bool
		kind   blackboard.ArtifactKind
	}{
		{
			name:   "design with extract and load passes",
			stage:  blackboard.StageDesign,
			inputs: map[blackboard.ArtifactKind]json.RawMessage{blackboard.ArtifactDesign: full},
			passed: true,
			kind:   blackboard.ArtifactReviewDesign,
		},
		{
			name:   "design without load fails",
			stage:  blackboard.StageDesign,
			inputs: map[blackboard.ArtifactKind]json.RawMessage{blackboard.ArtifactDesign: design(Component{Name: "extract", Role: "extract"})},
			passed: false,
			kind:   blackboard.ArtifactReviewDesign,
		},
		{
			name:  "implementation missing a component fails",
			stage: blackboard.StageDevelopment,
			inputs: map[blackboard.ArtifactKind]json.RawMessage{
				blackboard.ArtifactDesign:         full,
				blackboard.ArtifactImplementation: json.RawMessage(`{"units":[{"id":"extract","content":"x"},{"id":"load","content":"y"}]}`),
			},
			passed: false,
			kind:   blackboard.ArtifactReviewDevelopment,
		},
		{
			name:  "complete implementation passes",
			stage: blackboard.StageDevelopment,
			inputs: map[blackboard.ArtifactKind]json.RawMessage{
				blackboard.ArtifactDesign:         full,
				blackboard.ArtifactImplementation: json.RawMessage(`{"units":[{"id":"extract","content":"x"},{"id":"transform_1","content":"t"},{"id":"load","content":"y"}]}`),
			},
			passed: true,
			kind:   blackboard.ArtifactReviewDevelopment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := blackboard.New("s", "u", "task").View(blackboard.Reviewer, tt.stage)
			view.Inputs = tt.inputs

			res, err := reviewer(context.Background(), &orchestrator.Input{View: view})
			require.NoError(t, err)
			assert.Equal(t, tt.kind, res.DeliverableType)

			v, err := review.ParseVerdict(res.Deliverable)
			require.NoError(t, err)
			assert.Equal(t, tt.passed, v.Passed)
			if !tt.passed {
				assert.NotEmpty(t, v.Issues)
			}
		})
	}
}

func TestBuiltinArchitect_RequiresAnalysis(t *testing.T) {
	view := blackboard.New("s", "u", "task").View(blackboard.Architect, "")
	_, err := architect(context.Background(), &orchestrator.Input{View: view})

	me, ok := blackboard.AsMissingPrecondition(err)
	require.True(t, ok)
	assert.Equal(t, blackboard.ArtifactAnalysis, me.Artifact)
}

func TestFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
version: "1.0"
workers:
  developer:
    command: ["./bin/developer", "--fast"]
    timeout: 30s
    environment: ["MODE=test"]
`))
	require.NoError(t, err)

	roster, err := FromConfig(cfg)
	require.NoError(t, err)
	require.Len(t, roster, 4)

	cmd, ok := roster[blackboard.Developer].(*Command)
	require.True(t, ok)
	assert.Equal(t, []string{"./bin/developer", "--fast"}, cmd.Argv)
	assert.Equal(t, []string{"MODE=test"}, cmd.Env)
	assert.Equal(t, "30s", cmd.Timeout.String())

	_, ok = roster[blackboard.Analyst].(orchestrator.WorkerFunc)
	assert.True(t, ok)
}
