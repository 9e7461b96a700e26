package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/events"
	"github.com/dyluth/warren/internal/human"
	"github.com/dyluth/warren/internal/retry"
	"github.com/dyluth/warren/internal/store"
	"github.com/dyluth/warren/pkg/blackboard"
)

const (
	analysisBody = `{"requirements":["load orders nightly"]}`
	designBody   = `{"tables":["orders","orders_daily"]}`
	implBody     = `{"units":[{"id":"load_orders","content":"INSERT INTO orders_daily SELECT * FROM orders"}]}`
)

type workerFn func(ctx context.Context, n int, in *Input) (*blackboard.AgentResult, error)

// roster is a scripted set of workers that records every invocation.
type roster struct {
	mu    sync.Mutex
	calls []blackboard.WorkerID
	views map[blackboard.WorkerID][]*blackboard.StateView
	fns   map[blackboard.WorkerID]workerFn
}

func newRoster() *roster {
	r := &roster{
		views: make(map[blackboard.WorkerID][]*blackboard.StateView),
		fns:   make(map[blackboard.WorkerID]workerFn),
	}
	r.fns[blackboard.Analyst] = always(produced(blackboard.ArtifactAnalysis, analysisBody))
	r.fns[blackboard.Architect] = always(produced(blackboard.ArtifactDesign, designBody))
	r.fns[blackboard.Developer] = always(produced(blackboard.ArtifactImplementation, implBody))
	r.fns[blackboard.Reviewer] = always(verdict(true))
	return r
}

func (r *roster) on(id blackboard.WorkerID, fn workerFn) *roster {
	r.fns[id] = fn
	return r
}

func (r *roster) workers() map[blackboard.WorkerID]Worker {
	m := make(map[blackboard.WorkerID]Worker)
	for _, id := range blackboard.Workers() {
		id := id
		m[id] = WorkerFunc(func(ctx context.Context, in *Input) (*blackboard.AgentResult, error) {
			r.mu.Lock()
			r.calls = append(r.calls, id)
			r.views[id] = append(r.views[id], in.View)
			n := len(r.views[id])
			fn := r.fns[id]
			r.mu.Unlock()
			return fn(ctx, n, in)
		})
	}
	return m
}

func (r *roster) sequence() []blackboard.WorkerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]blackboard.WorkerID(nil), r.calls...)
}

func (r *roster) count(id blackboard.WorkerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views[id])
}

func (r *roster) view(id blackboard.WorkerID, i int) *blackboard.StateView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.views[id][i]
}

func always(res *blackboard.AgentResult) workerFn {
	return func(ctx context.Context, n int, in *Input) (*blackboard.AgentResult, error) {
		copied := *res
		return &copied, nil
	}
}

func produced(kind blackboard.ArtifactKind, body string) *blackboard.AgentResult {
	return &blackboard.AgentResult{
		Status:          blackboard.StatusCompleted,
		Summary:         string(kind) + " ready",
		Deliverable:     json.RawMessage(body),
		DeliverableType: kind,
	}
}

func verdict(passed bool, issues ...string) *blackboard.AgentResult {
	data, _ := json.Marshal(map[string]interface{}{"passed": passed, "issues": issues})
	summary := "approved"
	if !passed {
		summary = "changes requested"
	}
	return &blackboard.AgentResult{
		Status:          blackboard.StatusCompleted,
		Summary:         summary,
		Deliverable:     data,
		DeliverableType: blackboard.ArtifactReviewDesign,
	}
}

func intPtr(v int) *int { return &v }

func setupTestEngine(t *testing.T, r *roster, tweak func(*config.EngineConfig)) (*Engine, *store.Memory) {
	t.Helper()
	cfg := config.Default()
	if tweak != nil {
		tweak(cfg.Engine)
	}
	st := store.NewMemory()
	eng, err := NewEngine(st, cfg, r.workers())
	require.NoError(t, err)
	eng.SetRetry(retry.New(cfg.Engine.Retries(), 0).WithBackOff(func() backoff.BackOff {
		return &backoff.ZeroBackOff{}
	}))
	return eng, st
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) sink(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) last(t *testing.T) events.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.events)
	return r.events[len(r.events)-1]
}

func (r *recorder) ofType(typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func execute(t *testing.T, eng *Engine, req Request) (*blackboard.Blackboard, *recorder, error) {
	t.Helper()
	rec := &recorder{}
	bb, err := eng.Execute(context.Background(), req, rec.sink)
	return bb, rec, err
}

func TestNewEngine_RequiresFullRoster(t *testing.T) {
	workers := newRoster().workers()
	delete(workers, blackboard.Reviewer)

	_, err := NewEngine(store.NewMemory(), nil, workers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no worker registered for reviewer")

	_, err = NewEngine(nil, nil, newRoster().workers())
	assert.Error(t, err)
}

func TestNewEngine_ValidatesConfig(t *testing.T) {
	// A partial engine section gets its defaults filled in.
	cfg := &config.WarrenConfig{Version: "1.0", Engine: &config.EngineConfig{}}
	eng, err := NewEngine(store.NewMemory(), cfg, newRoster().workers())
	require.NoError(t, err)
	assert.Equal(t, config.DefaultMaxSteps, cfg.Engine.MaxSteps)
	assert.Equal(t, config.DefaultNamespace, eng.Namespace())

	bb, err := eng.Run(context.Background(), "load orders", "s1", "u1")
	require.NoError(t, err)
	assert.True(t, bb.IsCompleted)
	assert.JSONEq(t, implBody, string(bb.Deliverable))

	_, err = NewEngine(store.NewMemory(), &config.WarrenConfig{
		Version: "1.0",
		Engine:  &config.EngineConfig{MaxSteps: -1},
	}, newRoster().workers())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_steps must be >= 1")
}

func TestExecute_RequiresSessionID(t *testing.T) {
	eng, _ := setupTestEngine(t, newRoster(), nil)
	_, err := eng.Run(context.Background(), "task", "", "u1")
	assert.Error(t, err)
}

func TestEngine_DesignReviewScenario(t *testing.T) {
	r := newRoster().on(blackboard.Reviewer, func(ctx context.Context, n int, in *Input) (*blackboard.AgentResult, error) {
		if n == 1 {
			return verdict(false, "orders_daily has no primary key"), nil
		}
		return verdict(true), nil
	})
	eng, st := setupTestEngine(t, r, nil)

	bb, rec, err := execute(t, eng, Request{SessionID: "s1", UserID: "u1", UserInput: "load orders nightly"})
	require.NoError(t, err)

	assert.Equal(t, []blackboard.WorkerID{
		blackboard.Analyst,
		blackboard.Architect,
		blackboard.Reviewer,  // design review fails once
		blackboard.Architect, // delegated rework
		blackboard.Reviewer,  // back to the reviewer, design passes
		blackboard.Developer,
		blackboard.Reviewer, // development review
	}, r.sequence())

	// The rework delegation is visible to the architect.
	rework := r.view(blackboard.Architect, 1).Delegation
	require.NotNil(t, rework)
	assert.Equal(t, blackboard.Reviewer, rework.CreatedBy)
	assert.Equal(t, blackboard.Reviewer, rework.ResumeTo)
	assert.Equal(t, "design", rework.Payload["stage"])
	assert.EqualValues(t, 1, rework.Payload["iteration"])

	require.Contains(t, bb.RequestResults, rework.RequestID)
	assert.Equal(t, blackboard.Architect, bb.RequestResults[rework.RequestID].CompletedBy)

	assert.Equal(t, blackboard.StageDesign, r.view(blackboard.Reviewer, 1).Stage)
	assert.Equal(t, blackboard.StageDevelopment, r.view(blackboard.Reviewer, 2).Stage)
	assert.JSONEq(t, designBody, string(r.view(blackboard.Developer, 0).Inputs[blackboard.ArtifactDesign]))

	assert.True(t, bb.IsCompleted)
	assert.True(t, bb.DesignReviewPassed)
	assert.True(t, bb.DevelopmentReviewPassed)
	assert.Zero(t, bb.DesignReviewIterationCount)
	assert.Empty(t, bb.PendingRequests)
	assert.JSONEq(t, implBody, string(bb.Deliverable))

	last := rec.last(t)
	assert.Equal(t, events.Result, last.Type)
	require.NotNil(t, last.Result)
	assert.True(t, last.Result.Completed)
	assert.JSONEq(t, implBody, string(last.Result.Deliverable))

	// Control pseudo-workers never surface agent events, and ids increase.
	for i, ev := range rec.events {
		if strings.HasPrefix(string(ev.Type), "agent.") && ev.AgentID != "" {
			assert.True(t, ev.AgentID.IsWorker(), "unexpected agent event from %s", ev.AgentID)
		}
		assert.Equal(t, int64(i+1), ev.ID)
		assert.Equal(t, "s1", ev.SessionID)
	}

	stored, err := st.GetState(context.Background(), blackboard.ThreadID("etl", "u1", "s1"))
	require.NoError(t, err)
	assert.Equal(t, bb.Version, stored.Version)
	assert.True(t, stored.IsCompleted)
}

func clarifyingAnalyst(marker string) workerFn {
	return func(ctx context.Context, n int, in *Input) (*blackboard.AgentResult, error) {
		if !strings.Contains(in.View.Task, marker) {
			return &blackboard.AgentResult{
				Status:  blackboard.StatusNeedsClarification,
				Summary: "need the source table",
				Clarification: &blackboard.Clarification{
					Message:   "Which table holds the orders?",
					Questions: []string{"Is it the orders table?"},
				},
			}, nil
		}
		return produced(blackboard.ArtifactAnalysis, analysisBody), nil
	}
}

func TestEngine_ClarificationSuspendsAndResumes(t *testing.T) {
	r := newRoster().on(blackboard.Analyst, clarifyingAnalyst("orders table"))
	eng, st := setupTestEngine(t, r, nil)
	thread := blackboard.ThreadID("etl", "u1", "s1")

	// The checkpoint must already hold the suspension when the interrupt
	// reaches the caller.
	var suspendedAtEmit bool
	sink := func(ev events.Event) {
		if ev.Type == events.Interrupt {
			saved, err := st.GetState(context.Background(), thread)
			suspendedAtEmit = err == nil && saved.Suspension != nil
		}
	}
	bb, err := eng.Execute(context.Background(), Request{SessionID: "s1", UserID: "u1", UserInput: "build a pipeline"}, sink)
	require.NoError(t, err)
	assert.True(t, suspendedAtEmit)

	require.NotNil(t, bb.Suspension)
	in := bb.Suspension.Interrupt
	assert.Equal(t, blackboard.HumanClarification, in.Kind)
	assert.Equal(t, blackboard.Analyst, in.CreatedBy)
	assert.Contains(t, in.Message, "Which table holds the orders?\n\nPlease confirm:\n- Is it the orders table?")
	assert.Equal(t, blackboard.StatusNeedsClarification, bb.Reports[blackboard.Analyst].Status)
	assert.Equal(t, 1, r.count(blackboard.Analyst))

	bb, err = eng.Resume(context.Background(), "s1", "u1", in.RequestID, "orders table")
	require.NoError(t, err)

	assert.True(t, bb.IsCompleted)
	assert.Equal(t, 1, bb.HumanRequestCount)
	assert.Contains(t, bb.Task, "build a pipeline\n\norders table")
	assert.Equal(t, "orders table", bb.RequestResults[in.RequestID].Answer)
	assert.Equal(t, 2, r.count(blackboard.Analyst))

	// The answer is part of the analyst's conversation memory.
	turns := r.view(blackboard.Analyst, 1).Conversation
	var sawAnswer bool
	for _, turn := range turns {
		if turn.Role == "user" && turn.Content == "orders table" {
			sawAnswer = true
		}
	}
	assert.True(t, sawAnswer)
}

func TestEngine_DuplicateResumeIsRejected(t *testing.T) {
	r := newRoster().on(blackboard.Analyst, clarifyingAnalyst("orders table"))
	eng, _ := setupTestEngine(t, r, nil)
	ctx := context.Background()

	bb, err := eng.Run(ctx, "build a pipeline", "s1", "u1")
	require.NoError(t, err)
	requestID := bb.Suspension.RequestID

	first, err := eng.Resume(ctx, "s1", "u1", requestID, "orders table")
	require.NoError(t, err)

	bb, rec, err := execute(t, eng, Request{
		SessionID: "s1",
		UserID:    "u1",
		Resume:    &ResumeValue{RequestID: requestID, Answer: "orders table"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, human.ErrAlreadyResolved))

	after, err := eng.State(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, first.Version, after.Version)
	assert.Equal(t, 1, after.HumanRequestCount)
	assert.Equal(t, first.Version, bb.Version)

	last := rec.last(t)
	assert.Equal(t, events.AgentFailed, last.Type)
	assert.Equal(t, events.KindInvalidResume, last.Error.Kind)
}

func TestEngine_ResumeMustNameTheRequest(t *testing.T) {
	r := newRoster().
		on(blackboard.Analyst, clarifyingAnalyst("orders table")).
		on(blackboard.Architect, func(ctx context.Context, n int, in *Input) (*blackboard.AgentResult, error) {
			if n == 1 {
				return &blackboard.AgentResult{
					Status:        blackboard.StatusNeedsClarification,
					Summary:       "need the warehouse",
					Clarification: &blackboard.Clarification{Message: "Which warehouse?"},
				}, nil
			}
			return produced(blackboard.ArtifactDesign, designBody), nil
		})
	eng, _ := setupTestEngine(t, r, nil)
	ctx := context.Background()

	bb, err := eng.Run(ctx, "build a pipeline", "s1", "u1")
	require.NoError(t, err)
	first := bb.Suspension.RequestID

	bb, err = eng.Resume(ctx, "s1", "u1", first, "orders table")
	require.NoError(t, err)
	require.NotNil(t, bb.Suspension)
	second := bb.Suspension.RequestID
	require.NotEqual(t, first, second)

	// A retried answer to the first question must not land on the second.
	_, rec, err := execute(t, eng, Request{
		SessionID: "s1",
		UserID:    "u1",
		Resume:    &ResumeValue{Answer: "orders table"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, human.ErrRequestIDRequired))
	assert.Equal(t, events.KindInvalidResume, rec.last(t).Error.Kind)

	after, err := eng.State(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, bb.Version, after.Version)
	require.NotNil(t, after.Suspension)
	assert.Equal(t, second, after.Suspension.RequestID)
	assert.NotContains(t, after.RequestResults, second)
	assert.Equal(t, 1, r.count(blackboard.Architect))
}

func TestEngine_InputWhileSuspendedAnswersTheQuestion(t *testing.T) {
	r := newRoster().on(blackboard.Analyst, clarifyingAnalyst("orders table"))
	eng, _ := setupTestEngine(t, r, nil)
	ctx := context.Background()

	bb, err := eng.Run(ctx, "build a pipeline", "s1", "u1")
	require.NoError(t, err)
	require.NotNil(t, bb.Suspension)

	bb, err = eng.Run(ctx, "the orders table", "s1", "u1")
	require.NoError(t, err)
	assert.True(t, bb.IsCompleted)
	assert.Nil(t, bb.Suspension)
	assert.Equal(t, 1, bb.HumanRequestCount)
}

func TestEngine_InvalidResume(t *testing.T) {
	r := newRoster().on(blackboard.Analyst, clarifyingAnalyst("orders table"))
	eng, _ := setupTestEngine(t, r, nil)
	ctx := context.Background()

	_, rec, err := execute(t, eng, Request{SessionID: "nope", UserID: "u1", Resume: &ResumeValue{Answer: "x"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, human.ErrNoSuspension))
	assert.Equal(t, events.KindInvalidResume, rec.last(t).Error.Kind)

	bb, err := eng.Run(ctx, "build a pipeline", "s1", "u1")
	require.NoError(t, err)

	_, err = eng.Resume(ctx, "s1", "u1", "req_unknown", "orders table")
	assert.True(t, errors.Is(err, human.ErrRequestMismatch))

	after, err := eng.State(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, bb.Version, after.Version)
	assert.NotNil(t, after.Suspension)
}

func TestEngine_ReviewEscalationAndFollowUp(t *testing.T) {
	r := newRoster().on(blackboard.Reviewer, always(verdict(false, "missing partitioning")))
	eng, _ := setupTestEngine(t, r, func(e *config.EngineConfig) { e.ReviewThreshold = 2 })
	ctx := context.Background()

	bb, err := eng.Run(ctx, "load orders", "s1", "u1")
	require.NoError(t, err)
	require.NotNil(t, bb.Suspension)
	first := bb.Suspension.Interrupt
	assert.Equal(t, blackboard.HumanReviewThresholdExceeded, first.Kind)
	assert.Len(t, first.Options, 3)
	assert.Equal(t, 2, bb.DesignReviewIterationCount)
	assert.Equal(t, 2, r.count(blackboard.Reviewer))

	// The user sends the work back to the architect; the counter resets so
	// the loop gets a fresh round before escalating again.
	bb, err = eng.Resume(ctx, "s1", "u1", first.RequestID, map[string]interface{}{"value": "architect"})
	require.NoError(t, err)
	require.NotNil(t, bb.Suspension)
	assert.NotEqual(t, first.RequestID, bb.Suspension.RequestID)
	assert.Equal(t, 1, bb.HumanRequestCount)
	assert.Equal(t, 2, bb.DesignReviewIterationCount)
	assert.Equal(t, 4, r.count(blackboard.Reviewer))

	// The architect ran for the follow-up delegate and for the next bounce.
	assert.Equal(t, 4, r.count(blackboard.Architect))
	followUp := r.view(blackboard.Architect, 2).Delegation
	require.NotNil(t, followUp)
	assert.Equal(t, blackboard.Router, followUp.ResumeTo)
	assert.Equal(t, first.RequestID, followUp.Payload["human_request_id"])

	version := bb.Version
	_, err = eng.Resume(ctx, "s1", "u1", first.RequestID, "architect")
	assert.True(t, errors.Is(err, human.ErrAlreadyResolved))

	after, err := eng.State(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, version, after.Version)
	assert.Equal(t, 1, after.HumanRequestCount)
	require.Len(t, after.PendingRequests, 1)
	assert.Equal(t, blackboard.KindHuman, after.PendingRequests[0].Kind)
}

func TestEngine_DevelopmentReviewTerminates(t *testing.T) {
	r := newRoster().on(blackboard.Reviewer, func(ctx context.Context, n int, in *Input) (*blackboard.AgentResult, error) {
		if in.View.Stage == blackboard.StageDesign {
			return verdict(true), nil
		}
		return verdict(false, "row counts do not match"), nil
	})
	eng, _ := setupTestEngine(t, r, nil)

	bb, rec, err := execute(t, eng, Request{SessionID: "s1", UserID: "u1", UserInput: "load orders"})
	require.NoError(t, err)

	assert.Equal(t, config.DefaultReviewThreshold, bb.DevelopmentReviewIterationCount)
	assert.Equal(t, config.DefaultReviewThreshold, r.count(blackboard.Developer))
	require.NotNil(t, bb.Suspension)
	assert.Equal(t, blackboard.HumanReviewThresholdExceeded, bb.Suspension.Interrupt.Kind)
	assert.Equal(t, events.Interrupt, rec.last(t).Type)
	assert.False(t, bb.IsCompleted)
}

func TestEngine_HumanBudgetIsTerminal(t *testing.T) {
	r := newRoster().on(blackboard.Analyst, clarifyingAnalyst("never given"))
	eng, _ := setupTestEngine(t, r, func(e *config.EngineConfig) { e.MaxHumanRequests = 2 })
	ctx := context.Background()

	bb, err := eng.Run(ctx, "build", "s1", "u1")
	require.NoError(t, err)
	require.NotNil(t, bb.Suspension)

	bb, err = eng.Run(ctx, "first answer", "s1", "u1")
	require.NoError(t, err)
	require.NotNil(t, bb.Suspension)

	bb, rec, err := execute(t, eng, Request{SessionID: "s1", UserID: "u1", UserInput: "second answer"})
	require.NoError(t, err)

	assert.Equal(t, 2, bb.HumanRequestCount)
	assert.True(t, bb.IsCompleted)
	assert.NotEmpty(t, bb.Error)
	assert.Nil(t, bb.Suspension)

	last := rec.last(t)
	assert.Equal(t, events.AgentFailed, last.Type)
	assert.Equal(t, events.KindResourceExhausted, last.Error.Kind)
}

func TestEngine_HumanBudgetKeepsPartialDeliverable(t *testing.T) {
	r := newRoster().on(blackboard.Architect, always(&blackboard.AgentResult{
		Status:        blackboard.StatusNeedsClarification,
		Summary:       "need the warehouse",
		Clarification: &blackboard.Clarification{Message: "Which warehouse?"},
	}))
	eng, _ := setupTestEngine(t, r, func(e *config.EngineConfig) { e.MaxHumanRequests = 1 })
	ctx := context.Background()

	bb, err := eng.Run(ctx, "load orders", "s1", "u1")
	require.NoError(t, err)
	require.NotNil(t, bb.Suspension)

	bb, rec, err := execute(t, eng, Request{
		SessionID: "s1",
		UserID:    "u1",
		Resume:    &ResumeValue{RequestID: bb.Suspension.RequestID, Answer: "bigquery"},
	})
	require.NoError(t, err)

	assert.True(t, bb.IsCompleted)
	assert.NotEmpty(t, bb.Error)
	assert.JSONEq(t, analysisBody, string(bb.Deliverable))
	assert.Equal(t, events.KindResourceExhausted, rec.last(t).Error.Kind)

	stored, err := eng.State(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.JSONEq(t, analysisBody, string(stored.Deliverable))
}

func TestEngine_RetryExhaustionOffersRecovery(t *testing.T) {
	r := newRoster().on(blackboard.Architect, func(ctx context.Context, n int, in *Input) (*blackboard.AgentResult, error) {
		if n <= 3 {
			return nil, errors.New("connection reset by peer")
		}
		return produced(blackboard.ArtifactDesign, designBody), nil
	})
	eng, _ := setupTestEngine(t, r, nil)
	ctx := context.Background()

	bb, rec, err := execute(t, eng, Request{SessionID: "s1", UserID: "u1", UserInput: "load orders"})
	require.NoError(t, err)

	// One attempt plus two retries.
	assert.Equal(t, 3, r.count(blackboard.Architect))

	failed := rec.ofType(events.AgentFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, blackboard.Architect, failed[0].AgentID)
	assert.Equal(t, events.KindWorkerException, failed[0].Error.Kind)
	assert.Equal(t, "Data Architect failed: connection reset by peer", failed[0].Error.Message)

	report := bb.Reports[blackboard.Architect]
	assert.Equal(t, blackboard.StatusFailed, report.Status)
	assert.Equal(t, "Data Architect failed: connection reset by peer", report.Summary)

	require.NotNil(t, bb.Suspension)
	assert.Equal(t, blackboard.HumanErrorRecovery, bb.Suspension.Interrupt.Kind)
	assert.Empty(t, bb.Error)
	assert.Equal(t, 1, bb.ErrorRecoveryCount)

	bb, err = eng.Run(ctx, "continue", "s1", "u1")
	require.NoError(t, err)
	assert.True(t, bb.IsCompleted)
	assert.Empty(t, bb.Error)
	assert.Equal(t, 4, r.count(blackboard.Architect))
}

func TestEngine_UnrecoveredErrorFinalizesWithPartialDeliverable(t *testing.T) {
	r := newRoster().on(blackboard.Architect, func(ctx context.Context, n int, in *Input) (*blackboard.AgentResult, error) {
		return nil, errors.New("request timeout talking to the catalog")
	})
	eng, _ := setupTestEngine(t, r, func(e *config.EngineConfig) { e.ErrorRecoveryAttempts = intPtr(0) })

	bb, rec, err := execute(t, eng, Request{SessionID: "s1", UserID: "u1", UserInput: "load orders"})
	require.NoError(t, err)

	assert.True(t, bb.IsCompleted)
	assert.Equal(t, "Data Architect timed out. Please retry later.", bb.Error)
	assert.JSONEq(t, analysisBody, string(bb.Deliverable))

	last := rec.last(t)
	assert.Equal(t, events.Result, last.Type)
	assert.False(t, last.Result.Completed)
	assert.Equal(t, bb.Error, last.Result.Error)
	assert.JSONEq(t, analysisBody, string(last.Result.Deliverable))
}

func TestEngine_MissingPreconditionDelegatesToProducer(t *testing.T) {
	r := newRoster().on(blackboard.Architect, func(ctx context.Context, n int, in *Input) (*blackboard.AgentResult, error) {
		if n == 1 {
			return nil, blackboard.MissingArtifact(blackboard.ArtifactAnalysis)
		}
		return produced(blackboard.ArtifactDesign, designBody), nil
	})
	eng, _ := setupTestEngine(t, r, nil)

	bb, rec, err := execute(t, eng, Request{SessionID: "s1", UserID: "u1", UserInput: "load orders"})
	require.NoError(t, err)

	// Not retried: the producer runs and control returns to the architect.
	assert.Equal(t, []blackboard.WorkerID{
		blackboard.Analyst,
		blackboard.Architect,
		blackboard.Analyst,
		blackboard.Architect,
	}, r.sequence()[:4])

	delegation := r.view(blackboard.Analyst, 1).Delegation
	require.NotNil(t, delegation)
	assert.Equal(t, blackboard.Architect, delegation.CreatedBy)
	assert.Equal(t, blackboard.Architect, delegation.ResumeTo)
	rec2 := bb.RequestResults[delegation.RequestID]
	assert.Equal(t, blackboard.Analyst, rec2.CompletedBy)
	assert.Equal(t, blackboard.Architect, rec2.ResumeTo)

	var waiting bool
	for _, ev := range rec.ofType(events.AgentEnd) {
		if ev.AgentID == blackboard.Architect && strings.HasPrefix(ev.Summary, "Waiting for the analysis") {
			waiting = true
		}
	}
	assert.True(t, waiting)
	assert.True(t, bb.IsCompleted)
	assert.Equal(t, 1, bb.DelegationCounts[blackboard.DelegationKey(blackboard.Architect, blackboard.Analyst)])
}

func TestEngine_IncompleteImplementationIsNotReviewed(t *testing.T) {
	partial := `{"units":[{"id":"load_orders","content":"INSERT INTO orders_daily SELECT 1"},{"id":"backfill","content":" "}]}`
	r := newRoster().on(blackboard.Developer, func(ctx context.Context, n int, in *Input) (*blackboard.AgentResult, error) {
		if n == 1 {
			return produced(blackboard.ArtifactImplementation, partial), nil
		}
		return produced(blackboard.ArtifactImplementation, implBody), nil
	})
	eng, _ := setupTestEngine(t, r, nil)

	bb, _, err := execute(t, eng, Request{SessionID: "s1", UserID: "u1", UserInput: "load orders"})
	require.NoError(t, err)

	assert.Equal(t, []blackboard.WorkerID{
		blackboard.Analyst,
		blackboard.Architect,
		blackboard.Reviewer,
		blackboard.Developer,
		blackboard.Developer,
		blackboard.Reviewer,
	}, r.sequence())

	rework := r.view(blackboard.Developer, 1).Delegation
	require.NotNil(t, rework)
	assert.Equal(t, blackboard.Reviewer, rework.ResumeTo)
	assert.Equal(t, []interface{}{"backfill"}, rework.Payload["missing_units"])

	assert.JSONEq(t, implBody, string(r.view(blackboard.Reviewer, 1).Inputs[blackboard.ArtifactImplementation]))
	assert.True(t, bb.IsCompleted)
	assert.JSONEq(t, implBody, string(bb.Deliverable))
}

func TestEngine_DelegationBudget(t *testing.T) {
	r := newRoster().on(blackboard.Developer, always(&blackboard.AgentResult{
		Status:     blackboard.StatusNeedsDelegation,
		Summary:    "schema unclear",
		Delegation: &blackboard.Delegation{TargetAgent: blackboard.Architect, Reason: "schema unclear"},
	}))
	eng, _ := setupTestEngine(t, r, func(e *config.EngineConfig) { e.MaxDelegations = 2 })

	bb, rec, err := execute(t, eng, Request{SessionID: "s1", UserID: "u1", UserInput: "load orders"})
	require.NoError(t, err)

	assert.Equal(t, 3, r.count(blackboard.Developer))
	assert.True(t, bb.IsCompleted)
	assert.Contains(t, bb.Error, "more than 2 times")
	assert.JSONEq(t, designBody, string(bb.Deliverable))

	stored, err := eng.State(context.Background(), "s1", "u1")
	require.NoError(t, err)
	assert.JSONEq(t, designBody, string(stored.Deliverable))

	last := rec.last(t)
	assert.Equal(t, events.AgentFailed, last.Type)
	assert.Equal(t, blackboard.Developer, last.AgentID)
	assert.Equal(t, events.KindResourceExhausted, last.Error.Kind)
}

func TestEngine_StepBudget(t *testing.T) {
	eng, _ := setupTestEngine(t, newRoster(), func(e *config.EngineConfig) { e.MaxSteps = 2 })

	bb, rec, err := execute(t, eng, Request{SessionID: "s1", UserID: "u1", UserInput: "load orders"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStepBudgetExhausted))
	assert.True(t, bb.IsCompleted)
	assert.NotEmpty(t, bb.Error)
	// The analyst and architect ran before the budget ran out.
	assert.JSONEq(t, designBody, string(bb.Deliverable))
	assert.Equal(t, events.KindResourceExhausted, rec.last(t).Error.Kind)
}

func TestEngine_ToolEventsAreDeduplicated(t *testing.T) {
	r := newRoster().on(blackboard.Developer, func(ctx context.Context, n int, in *Input) (*blackboard.AgentResult, error) {
		query := json.RawMessage(`{"sql":"SELECT count(*) FROM orders"}`)
		in.Tools.ToolStart("run_sql", query)
		in.Tools.ToolStart("run_sql", query)
		in.Tools.ToolResult("run_sql", "42")
		return produced(blackboard.ArtifactImplementation, implBody), nil
	})
	eng, _ := setupTestEngine(t, r, nil)

	_, rec, err := execute(t, eng, Request{SessionID: "s1", UserID: "u1", UserInput: "load orders"})
	require.NoError(t, err)

	starts := rec.ofType(events.ToolStart)
	require.Len(t, starts, 1)
	assert.Equal(t, blackboard.Developer, starts[0].AgentID)
	assert.Equal(t, "run_sql", starts[0].Tool.Name)
	assert.Len(t, rec.ofType(events.ToolResult), 1)
}

func TestEngine_CancellationDiscardsStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := newRoster().on(blackboard.Developer, func(wctx context.Context, n int, in *Input) (*blackboard.AgentResult, error) {
		if n == 1 {
			cancel()
			<-wctx.Done()
			return nil, wctx.Err()
		}
		return produced(blackboard.ArtifactImplementation, implBody), nil
	})
	eng, _ := setupTestEngine(t, r, nil)

	rec := &recorder{}
	bb, err := eng.Execute(ctx, Request{SessionID: "s1", UserID: "u1", UserInput: "load orders"}, rec.sink)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, r.count(blackboard.Developer))

	last := rec.last(t)
	assert.Equal(t, events.AgentFailed, last.Type)
	assert.Equal(t, blackboard.Developer, last.AgentID)
	assert.Equal(t, events.KindCancelled, last.Error.Kind)

	saved, err := eng.State(context.Background(), "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, bb.Version, saved.Version)
	assert.NotContains(t, saved.Reports, blackboard.Developer)
	assert.Nil(t, saved.Memory[blackboard.Developer])
	assert.False(t, saved.HasArtifact(blackboard.ArtifactImplementation))
	assert.True(t, saved.DesignReviewPassed)

	// The session picks up where it stopped.
	bb, err = eng.Run(context.Background(), "", "s1", "u1")
	require.NoError(t, err)
	assert.True(t, bb.IsCompleted)
	assert.Equal(t, 1, r.count(blackboard.Analyst))
}

func TestEngine_SessionBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r := newRoster().on(blackboard.Analyst, func(ctx context.Context, n int, in *Input) (*blackboard.AgentResult, error) {
		close(started)
		<-release
		return produced(blackboard.ArtifactAnalysis, analysisBody), nil
	})
	eng, _ := setupTestEngine(t, r, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := eng.Run(ctx, "load orders", "s1", "u1")
		done <- err
	}()
	<-started

	_, err := eng.Run(ctx, "again", "s1", "u1")
	assert.True(t, errors.Is(err, ErrSessionBusy))
	assert.True(t, errors.Is(eng.ClearSession(ctx, "s1", "u1"), ErrSessionBusy))

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestEngine_NewTurnOnCompletedSession(t *testing.T) {
	r := newRoster()
	eng, _ := setupTestEngine(t, r, nil)
	ctx := context.Background()

	_, err := eng.Run(ctx, "load orders", "s1", "u1")
	require.NoError(t, err)

	bb, err := eng.Run(ctx, "add a weekly rollup", "s1", "u1")
	require.NoError(t, err)

	assert.True(t, bb.IsCompleted)
	assert.Equal(t, "add a weekly rollup", bb.Task)
	assert.Equal(t, 2, r.count(blackboard.Analyst))

	// Memory from the first turn is still there.
	turns := r.view(blackboard.Analyst, 1).Conversation
	require.NotEmpty(t, turns)
	assert.Equal(t, "load orders", turns[0].Content)
	assert.Len(t, bb.Memory[blackboard.Analyst].RecentTurns, 4)
}

func TestEngine_ConcurrentSessions(t *testing.T) {
	r := newRoster()
	eng, st := setupTestEngine(t, r, nil)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		session := fmt.Sprintf("s%d", i)
		g.Go(func() error {
			bb, err := eng.Run(ctx, "load orders for "+session, session, "u1")
			if err != nil {
				return err
			}
			if !bb.IsCompleted {
				return fmt.Errorf("%s did not complete", session)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < 8; i++ {
		session := fmt.Sprintf("s%d", i)
		bb, err := st.GetState(context.Background(), blackboard.ThreadID("etl", "u1", session))
		require.NoError(t, err)
		assert.Equal(t, "load orders for "+session, bb.Task)
		data, err := st.GetDeliverable(context.Background(), session, bb.Artifacts[blackboard.ArtifactImplementation])
		require.NoError(t, err)
		assert.JSONEq(t, implBody, string(data))
	}
	// analyst, architect, two reviews and the developer per session.
	assert.Equal(t, 8*5, len(r.sequence()))
}

func TestEngine_Stream(t *testing.T) {
	eng, _ := setupTestEngine(t, newRoster(), nil)

	x := eng.Stream(context.Background(), Request{SessionID: "s1", UserID: "u1", UserInput: "load orders"})
	var got []events.Event
	for ev := range x.Events() {
		got = append(got, ev)
	}
	bb, err := x.Wait()
	require.NoError(t, err)
	assert.True(t, bb.IsCompleted)

	require.NotEmpty(t, got)
	assert.Equal(t, events.AgentStart, got[0].Type)
	assert.Equal(t, blackboard.Analyst, got[0].AgentID)
	assert.Equal(t, "Requirements Analyst", got[0].AgentName)
	assert.Equal(t, events.Result, got[len(got)-1].Type)
}

func TestEngine_ClearSession(t *testing.T) {
	eng, st := setupTestEngine(t, newRoster(), nil)
	ctx := context.Background()

	bb, err := eng.Run(ctx, "load orders", "s1", "u1")
	require.NoError(t, err)

	require.NoError(t, eng.ClearSession(ctx, "s1", "u1"))

	_, err = eng.State(ctx, "s1", "u1")
	assert.True(t, store.IsNotFound(err))
	_, err = st.GetDeliverable(ctx, "s1", bb.Artifacts[blackboard.ArtifactAnalysis])
	assert.True(t, store.IsNotFound(err))
}

// flakyCheckpoints fails the next checkpoint write once armed.
type flakyCheckpoints struct {
	*store.Memory
	armed atomic.Bool
}

func (f *flakyCheckpoints) PutState(ctx context.Context, threadID string, bb *blackboard.Blackboard) error {
	if f.armed.Swap(false) {
		return errors.New("disk full")
	}
	return f.Memory.PutState(ctx, threadID, bb)
}

func TestEngine_FailedCheckpointKeepsCommittedDeliverable(t *testing.T) {
	const reworked = `{"tables":["orders","orders_daily","orders_audit"]}`
	st := &flakyCheckpoints{Memory: store.NewMemory()}
	r := newRoster().
		on(blackboard.Reviewer, always(verdict(false, "orders_daily has no primary key"))).
		on(blackboard.Architect, func(ctx context.Context, n int, in *Input) (*blackboard.AgentResult, error) {
			if n == 2 {
				st.armed.Store(true)
				return produced(blackboard.ArtifactDesign, reworked), nil
			}
			return produced(blackboard.ArtifactDesign, designBody), nil
		})
	eng, err := NewEngine(st, config.Default(), r.workers())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = eng.Run(ctx, "load orders", "s1", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 2, r.count(blackboard.Architect))

	// The last checkpoint still indexes the first design, and its content
	// is unchanged by the rework that was never committed.
	bb, err := eng.State(ctx, "s1", "u1")
	require.NoError(t, err)
	ref := bb.Artifacts[blackboard.ArtifactDesign]
	require.NotEmpty(t, ref)
	data, err := st.GetDeliverable(ctx, "s1", ref)
	require.NoError(t, err)
	assert.JSONEq(t, designBody, string(data))
}
