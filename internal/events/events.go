// Package events defines the typed lifecycle events a session emits and
// the deduplicating emitter that delivers them.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/dyluth/warren/pkg/blackboard"
)

// Type names an event on the stream.
type Type string

const (
	AgentStart  Type = "agent.start"
	AgentEnd    Type = "agent.end"
	AgentFailed Type = "agent.failed"
	ToolStart   Type = "tool.start"
	ToolResult  Type = "tool.result"
	ToolError   Type = "tool.error"
	Interrupt   Type = "interrupt"
	Result      Type = "result"
)

// Error kinds carried by agent.failed events.
const (
	KindWorkerException     = "worker_exception"
	KindMissingPrecondition = "missing_precondition"
	KindResourceExhausted   = "resource_exhausted"
	KindCancelled           = "cancelled"
	KindInfrastructure      = "infrastructure"
	KindInvalidResume       = "invalid_resume"
)

// ErrorInfo describes a failure.
type ErrorInfo struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Kind    string `json:"kind"`
}

// ToolInfo describes a tool call made by a worker.
type ToolInfo struct {
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// InterruptInfo is the question surfaced while a session waits for a human.
type InterruptInfo struct {
	RequestID string              `json:"request_id"`
	Kind      string              `json:"kind"`
	Message   string              `json:"message"`
	Questions []string            `json:"questions,omitempty"`
	Options   []blackboard.Option `json:"options,omitempty"`
}

// ResultInfo is the terminal payload. Deliverable is null when nothing was
// produced.
type ResultInfo struct {
	Deliverable json.RawMessage `json:"deliverable"`
	Completed   bool            `json:"completed"`
	Summary     string          `json:"summary,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Event is one entry on a session's stream.
type Event struct {
	ID          int64               `json:"id"`
	Type        Type                `json:"type"`
	SessionID   string              `json:"session_id"`
	AgentID     blackboard.WorkerID `json:"agent_id,omitempty"`
	AgentName   string              `json:"agent_name,omitempty"`
	Summary     string              `json:"summary,omitempty"`
	Error       *ErrorInfo          `json:"error,omitempty"`
	Tool        *ToolInfo           `json:"tool,omitempty"`
	Interrupt   *InterruptInfo      `json:"interrupt,omitempty"`
	Result      *ResultInfo         `json:"result,omitempty"`
	TimestampMs int64               `json:"timestamp_ms"`
}

// Fingerprint identifies an event by type, worker and payload. Sequence
// number and timestamp are excluded so repeats compare equal.
func (e Event) Fingerprint() string {
	e.ID = 0
	e.TimestampMs = 0
	data, err := json.Marshal(e)
	if err != nil {
		return string(e.Type) + ":" + string(e.AgentID)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Terminal reports whether e ends a stream.
func (e Event) Terminal() bool {
	return e.Type == Result || e.Type == AgentFailed || e.Type == Interrupt
}

// Surfaced reports whether the event may appear on the stream. Control
// pseudo-workers never surface agent or tool events; their interrupts do.
func Surfaced(e Event) bool {
	switch e.Type {
	case AgentStart, AgentEnd, AgentFailed, ToolStart, ToolResult, ToolError:
		return !e.AgentID.IsHousekeeping()
	}
	return true
}

// FromInterrupt converts a blackboard interrupt into event payload.
func FromInterrupt(in *blackboard.Interrupt) *InterruptInfo {
	return &InterruptInfo{
		RequestID: in.RequestID,
		Kind:      string(in.Kind),
		Message:   in.Message,
		Questions: in.Questions,
		Options:   in.Options,
	}
}
