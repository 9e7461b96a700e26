package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/dyluth/warren/internal/events"
	"github.com/dyluth/warren/pkg/blackboard"
)

// Worker is one specialist of the roster. Run receives a read-only view of
// the session and returns the worker contract result. A worker that needs
// an answer mid-turn returns blackboard.Suspend; a worker that lacks an
// upstream artifact returns blackboard.MissingArtifact.
type Worker interface {
	Run(ctx context.Context, in *Input) (*blackboard.AgentResult, error)
}

// WorkerFunc adapts a plain function to the Worker interface.
type WorkerFunc func(ctx context.Context, in *Input) (*blackboard.AgentResult, error)

// Run calls f.
func (f WorkerFunc) Run(ctx context.Context, in *Input) (*blackboard.AgentResult, error) {
	return f(ctx, in)
}

// Input is what a worker is invoked with.
type Input struct {
	View  *blackboard.StateView
	Tools ToolReporter
}

// ToolReporter lets a worker surface the tool calls it makes.
type ToolReporter interface {
	ToolStart(name string, input json.RawMessage)
	ToolResult(name, output string)
	ToolError(name string, err error)
}

// toolEvents reports tool calls of one worker onto a session's emitter.
type toolEvents struct {
	ctx     context.Context
	emitter *events.Emitter
	worker  blackboard.WorkerID
}

func (t *toolEvents) ToolStart(name string, input json.RawMessage) {
	t.emitter.Emit(t.ctx, events.Event{
		Type:    events.ToolStart,
		AgentID: t.worker,
		Tool:    &events.ToolInfo{Name: name, Input: input},
	})
}

func (t *toolEvents) ToolResult(name, output string) {
	t.emitter.Emit(t.ctx, events.Event{
		Type:    events.ToolResult,
		AgentID: t.worker,
		Tool:    &events.ToolInfo{Name: name, Output: output},
	})
}

func (t *toolEvents) ToolError(name string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.emitter.Emit(t.ctx, events.Event{
		Type:    events.ToolError,
		AgentID: t.worker,
		Tool:    &events.ToolInfo{Name: name, Error: msg},
	})
}
