package blackboard

import (
	"encoding/json"
	"time"
)

// WorkerID identifies a worker or one of the control pseudo-workers.
// The set is closed: the four specialists plus router, human_in_the_loop
// and the terminal finalize destination.
type WorkerID string

const (
	Analyst   WorkerID = "analyst"
	Architect WorkerID = "architect"
	Developer WorkerID = "developer"
	Reviewer  WorkerID = "reviewer"

	// Router is the decision pseudo-worker. A resume_to of Router means
	// "let the router decide" and never routes back to itself.
	Router WorkerID = "router"

	// HumanInTheLoop is the suspension node.
	HumanInTheLoop WorkerID = "human_in_the_loop"

	// Finalize is the terminal destination of a session.
	Finalize WorkerID = "finalize"

	// Engine is accepted as a resume_to value and behaves like Router.
	Engine WorkerID = "engine"
)

// Workers returns the specialist roster in progression order.
func Workers() []WorkerID {
	return []WorkerID{Analyst, Architect, Developer, Reviewer}
}

// IsWorker reports whether id is one of the four specialists.
func (id WorkerID) IsWorker() bool {
	switch id {
	case Analyst, Architect, Developer, Reviewer:
		return true
	}
	return false
}

// IsHousekeeping reports whether id is a control pseudo-worker whose
// lifecycle is never surfaced as agent events.
func (id WorkerID) IsHousekeeping() bool {
	switch id {
	case Router, HumanInTheLoop, Finalize, Engine:
		return true
	}
	return false
}

// DisplayName is the human-readable worker name used in events.
func (id WorkerID) DisplayName() string {
	switch id {
	case Analyst:
		return "Requirements Analyst"
	case Architect:
		return "Data Architect"
	case Developer:
		return "Developer"
	case Reviewer:
		return "Reviewer"
	case HumanInTheLoop:
		return "Human"
	}
	return string(id)
}

// ArtifactKind names a logical artifact in the session's deliverable store.
type ArtifactKind string

const (
	ArtifactAnalysis          ArtifactKind = "analysis"
	ArtifactDesign            ArtifactKind = "design"
	ArtifactImplementation    ArtifactKind = "implementation"
	ArtifactReviewDesign      ArtifactKind = "review_design"
	ArtifactReviewDevelopment ArtifactKind = "review_development"
)

// Producer returns the worker responsible for producing an artifact kind.
func (k ArtifactKind) Producer() WorkerID {
	switch k {
	case ArtifactAnalysis:
		return Analyst
	case ArtifactDesign:
		return Architect
	case ArtifactImplementation:
		return Developer
	case ArtifactReviewDesign, ArtifactReviewDevelopment:
		return Reviewer
	}
	return ""
}

// ReviewStage is one of the two independently tracked review stages.
type ReviewStage string

const (
	StageDesign      ReviewStage = "design"
	StageDevelopment ReviewStage = "development"
)

// ReportStatus is the status a worker reports after an invocation.
type ReportStatus string

const (
	StatusCompleted          ReportStatus = "completed"
	StatusWaiting            ReportStatus = "waiting"
	StatusFailed             ReportStatus = "failed"
	StatusNeedsClarification ReportStatus = "needs_clarification"
	StatusNeedsDelegation    ReportStatus = "needs_delegation"
)

// Valid reports whether s is a known status.
func (s ReportStatus) Valid() bool {
	switch s {
	case StatusCompleted, StatusWaiting, StatusFailed, StatusNeedsClarification, StatusNeedsDelegation:
		return true
	}
	return false
}

// AgentReport is the last known status of a worker.
type AgentReport struct {
	Status         ReportStatus `json:"status"`
	Summary        string       `json:"summary"`
	DeliverableRef string       `json:"deliverable_ref,omitempty"`
	UpdatedAtMs    int64        `json:"updated_at_ms"`
}

// RequestKind discriminates the Request union.
type RequestKind string

const (
	KindHuman    RequestKind = "human"
	KindDelegate RequestKind = "delegate"
)

// RequestStatus is the lifecycle state of a request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
)

// HumanRequestType is the type carried by a human request payload.
type HumanRequestType string

const (
	HumanClarification           HumanRequestType = "clarification"
	HumanErrorRecovery           HumanRequestType = "error_recovery"
	HumanReviewThresholdExceeded HumanRequestType = "review_threshold_exceeded"
	HumanSelection               HumanRequestType = "selection"
)

// AppendsToTask reports whether answers to this request type are folded
// into the task text for the resumed worker.
func (t HumanRequestType) AppendsToTask() bool {
	return t == HumanClarification || t == HumanErrorRecovery
}

// PostActionDelegate asks the human node to enqueue a delegate request to
// the chosen worker once the answer arrives.
const PostActionDelegate = "delegate"

// Option is a selectable answer offered to the user.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// HumanPayload is the payload of a human request.
type HumanPayload struct {
	Type         HumanRequestType `json:"type"`
	Message      string           `json:"message"`
	Questions    []string         `json:"questions,omitempty"`
	Options      []Option         `json:"options,omitempty"`
	WritebackKey string           `json:"writeback_key,omitempty"`

	// PostAction is either empty or PostActionDelegate.
	PostAction string `json:"post_action,omitempty"`

	// DelegateReason is carried into the follow-up delegate request.
	DelegateReason string `json:"delegate_reason,omitempty"`

	// ResetFields names blackboard counters zeroed once the human responds.
	ResetFields []string `json:"reset_fields,omitempty"`
}

// Request is an entry in the pending request queue. Kind selects the
// variant: human requests carry Human, delegate requests carry TargetAgent.
type Request struct {
	RequestID   string                 `json:"request_id"`
	Kind        RequestKind            `json:"kind"`
	CreatedBy   WorkerID               `json:"created_by"`
	ResumeTo    WorkerID               `json:"resume_to"`
	TargetAgent WorkerID               `json:"target_agent,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Human       *HumanPayload          `json:"human,omitempty"`
	Status      RequestStatus          `json:"status"`
	CreatedAtMs int64                  `json:"created_at_ms"`
}

// ResultRecord is the audit entry written when a request is resolved.
type ResultRecord struct {
	RequestID     string        `json:"request_id"`
	Kind          RequestKind   `json:"kind"`
	Status        RequestStatus `json:"status"`
	CompletedBy   WorkerID      `json:"completed_by"`
	ResumeTo      WorkerID      `json:"resume_to"`
	Answer        interface{}   `json:"answer,omitempty"`
	Failed        bool          `json:"failed,omitempty"`
	CompletedAtMs int64         `json:"completed_at_ms"`
}

// Interrupt is the question surfaced to the caller while a session is
// suspended.
type Interrupt struct {
	RequestID string           `json:"request_id"`
	Kind      HumanRequestType `json:"kind"`
	Message   string           `json:"message"`
	Questions []string         `json:"questions,omitempty"`
	Options   []Option         `json:"options,omitempty"`
	CreatedBy WorkerID         `json:"created_by"`
}

// Suspension marks a session that is awaiting a human answer.
type Suspension struct {
	RequestID     string    `json:"request_id"`
	Interrupt     Interrupt `json:"interrupt"`
	SuspendedAtMs int64     `json:"suspended_at_ms"`
}

// CompletedDelegate records the delegate request popped by the most recent
// worker execution. The router routes to ResumeTo on its next decision.
type CompletedDelegate struct {
	RequestID   string   `json:"request_id"`
	TargetAgent WorkerID `json:"target_agent"`
	ResumeTo    WorkerID `json:"resume_to"`
}

// Blackboard is the shared state of one session.
type Blackboard struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Task      string `json:"task"`

	Reports         map[WorkerID]AgentReport `json:"reports"`
	PendingRequests []Request                `json:"pending_requests"`
	RequestResults  map[string]ResultRecord  `json:"request_results"`

	// Artifacts indexes produced deliverables by kind. The content lives in
	// the session deliverable store.
	Artifacts  map[ArtifactKind]string `json:"artifacts"`
	Writebacks map[string]interface{}  `json:"writebacks"`

	DesignReviewPassed              bool `json:"design_review_passed"`
	DevelopmentReviewPassed         bool `json:"development_review_passed"`
	DesignReviewIterationCount      int  `json:"design_review_iteration_count"`
	DevelopmentReviewIterationCount int  `json:"development_review_iteration_count"`

	HumanRequestCount  int            `json:"human_request_count"`
	ErrorRecoveryCount int            `json:"error_recovery_count"`
	DelegationCounts   map[string]int `json:"delegation_counts"`

	IsCompleted bool            `json:"is_completed"`
	Error       string          `json:"error,omitempty"`
	Deliverable json.RawMessage `json:"deliverable,omitempty"`

	LastExecuted  WorkerID           `json:"last_executed,omitempty"`
	JustCompleted *CompletedDelegate `json:"just_completed,omitempty"`
	Suspension    *Suspension        `json:"suspension,omitempty"`

	Memory map[WorkerID]*Conversation `json:"memory"`

	// Version increments on every persisted step.
	Version     int64 `json:"version"`
	CreatedAtMs int64 `json:"created_at_ms"`
	UpdatedAtMs int64 `json:"updated_at_ms"`
}

// New creates an empty blackboard for a fresh session.
func New(sessionID, userID, task string) *Blackboard {
	now := time.Now().UnixMilli()
	bb := &Blackboard{
		SessionID:   sessionID,
		UserID:      userID,
		Task:        task,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	bb.normalize()
	return bb
}

// normalize replaces nil collections so callers can write without checks.
func (b *Blackboard) normalize() {
	if b.Reports == nil {
		b.Reports = make(map[WorkerID]AgentReport)
	}
	if b.PendingRequests == nil {
		b.PendingRequests = []Request{}
	}
	if b.RequestResults == nil {
		b.RequestResults = make(map[string]ResultRecord)
	}
	if b.Artifacts == nil {
		b.Artifacts = make(map[ArtifactKind]string)
	}
	if b.Writebacks == nil {
		b.Writebacks = make(map[string]interface{})
	}
	if b.DelegationCounts == nil {
		b.DelegationCounts = make(map[string]int)
	}
	if b.Memory == nil {
		b.Memory = make(map[WorkerID]*Conversation)
	}
}

// HasArtifact reports whether an artifact of the given kind is indexed.
func (b *Blackboard) HasArtifact(kind ArtifactKind) bool {
	ref, ok := b.Artifacts[kind]
	return ok && ref != ""
}

// ReviewStage returns the stage a reviewer invocation works on: design
// until it passes, development afterwards.
func (b *Blackboard) ReviewStage() ReviewStage {
	if !b.DesignReviewPassed {
		return StageDesign
	}
	return StageDevelopment
}

// SetReport replaces a worker's report.
func (b *Blackboard) SetReport(id WorkerID, status ReportStatus, summary, ref string) {
	b.Reports[id] = AgentReport{
		Status:         status,
		Summary:        summary,
		DeliverableRef: ref,
		UpdatedAtMs:    time.Now().UnixMilli(),
	}
}

// Counter field names understood by ResetField.
const (
	FieldDesignReviewIterationCount      = "design_review_iteration_count"
	FieldDevelopmentReviewIterationCount = "development_review_iteration_count"
	FieldErrorRecoveryCount              = "error_recovery_count"
)

// ResetField zeroes a named counter. Unknown names are ignored and reported
// as false.
func (b *Blackboard) ResetField(name string) bool {
	switch name {
	case FieldDesignReviewIterationCount:
		b.DesignReviewIterationCount = 0
	case FieldDevelopmentReviewIterationCount:
		b.DevelopmentReviewIterationCount = 0
	case FieldErrorRecoveryCount:
		b.ErrorRecoveryCount = 0
	default:
		return false
	}
	return true
}

// BeginTurn starts a new turn on a completed session. Progress fields are
// reset so the roster runs again for the new task, while reports, the
// request audit and conversation memory carry over.
func (b *Blackboard) BeginTurn(task string) {
	b.Task = task
	b.Artifacts = make(map[ArtifactKind]string)
	b.DesignReviewPassed = false
	b.DevelopmentReviewPassed = false
	b.DesignReviewIterationCount = 0
	b.DevelopmentReviewIterationCount = 0
	b.ErrorRecoveryCount = 0
	b.DelegationCounts = make(map[string]int)
	b.IsCompleted = false
	b.Error = ""
	b.Deliverable = nil
	b.JustCompleted = nil
	b.LastExecuted = ""
	b.Suspension = nil

	// Requests left over from the previous turn are closed as failed.
	now := time.Now().UnixMilli()
	for _, req := range b.PendingRequests {
		b.RequestResults[req.RequestID] = ResultRecord{
			RequestID:     req.RequestID,
			Kind:          req.Kind,
			Status:        RequestCompleted,
			CompletedBy:   Engine,
			ResumeTo:      req.ResumeTo,
			Failed:        true,
			CompletedAtMs: now,
		}
	}
	b.PendingRequests = []Request{}
}

// AgentResult is the contract every worker returns.
type AgentResult struct {
	Status          ReportStatus    `json:"status"`
	Summary         string          `json:"summary"`
	Deliverable     json.RawMessage `json:"deliverable,omitempty"`
	DeliverableType ArtifactKind    `json:"deliverable_type,omitempty"`
	Clarification   *Clarification  `json:"clarification,omitempty"`
	Delegation      *Delegation     `json:"delegation,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Clarification asks the user for input before the worker can proceed.
type Clarification struct {
	Message      string   `json:"message"`
	Questions    []string `json:"questions,omitempty"`
	Options      []Option `json:"options,omitempty"`
	WritebackKey string   `json:"writeback_key,omitempty"`
}

// Delegation asks another worker to run first.
type Delegation struct {
	TargetAgent WorkerID               `json:"target_agent"`
	Reason      string                 `json:"reason"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}
