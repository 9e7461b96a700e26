// Package orchestrator is the execution engine. It drives router and
// worker steps for one session at a time, checkpoints the blackboard after
// every step, suspends on human requests and streams lifecycle events.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/events"
	"github.com/dyluth/warren/internal/human"
	"github.com/dyluth/warren/internal/retry"
	"github.com/dyluth/warren/internal/review"
	"github.com/dyluth/warren/internal/router"
	"github.com/dyluth/warren/internal/store"
	"github.com/dyluth/warren/pkg/blackboard"
)

var (
	// ErrSessionBusy is returned when another invocation is already
	// driving the same session.
	ErrSessionBusy = errors.New("session is already running")

	// ErrStepBudgetExhausted is returned when an invocation used up its
	// router cycles without reaching a terminal state.
	ErrStepBudgetExhausted = errors.New("step budget exhausted")
)

// Engine runs sessions. It is safe for concurrent use; invocations on
// different sessions proceed in parallel while invocations on the same
// session are rejected with ErrSessionBusy.
type Engine struct {
	store     store.Store
	cfg       *config.WarrenConfig
	workers   map[blackboard.WorkerID]Worker
	retry     *retry.Wrapper
	review    *review.Loop
	publisher events.Publisher
	locks     sync.Map // thread id -> *sync.Mutex
}

// NewEngine creates an engine. Every roster worker must be registered.
// A nil cfg uses config.Default.
func NewEngine(st store.Store, cfg *config.WarrenConfig, workers map[blackboard.WorkerID]Worker) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	registry := make(map[blackboard.WorkerID]Worker, len(workers))
	for _, id := range blackboard.Workers() {
		w, ok := workers[id]
		if !ok || w == nil {
			return nil, fmt.Errorf("no worker registered for %s", id)
		}
		registry[id] = w
	}

	return &Engine{
		store:   st,
		cfg:     cfg,
		workers: registry,
		retry:   retry.New(cfg.Engine.Retries(), cfg.Engine.RetryBackoff),
		review:  review.NewLoop(cfg.Engine.ReviewThreshold),
	}, nil
}

// SetPublisher fans every delivered event out to p as well.
func (e *Engine) SetPublisher(p events.Publisher) {
	e.publisher = p
}

// SetRetry replaces the retry wrapper.
func (e *Engine) SetRetry(w *retry.Wrapper) {
	e.retry = w
}

// Namespace returns the key namespace sessions are stored under.
func (e *Engine) Namespace() string {
	return e.cfg.Namespace
}

// Request is one invocation of a session. Resume, when set, answers the
// pending human request and UserInput is ignored.
type Request struct {
	SessionID string
	UserID    string
	UserInput string
	Resume    *ResumeValue
}

// ResumeValue answers a suspended session. RequestID must name the
// request the session is suspended on.
type ResumeValue struct {
	RequestID string
	Answer    interface{}
}

// Run drives a session with user input until it finishes or suspends and
// returns the resulting blackboard.
func (e *Engine) Run(ctx context.Context, userInput, sessionID, userID string) (*blackboard.Blackboard, error) {
	return e.Execute(ctx, Request{SessionID: sessionID, UserID: userID, UserInput: userInput}, nil)
}

// Resume answers the request a session is suspended on and continues it.
func (e *Engine) Resume(ctx context.Context, sessionID, userID, requestID string, answer interface{}) (*blackboard.Blackboard, error) {
	return e.Execute(ctx, Request{
		SessionID: sessionID,
		UserID:    userID,
		Resume:    &ResumeValue{RequestID: requestID, Answer: answer},
	}, nil)
}

// State returns the last checkpoint of a session.
func (e *Engine) State(ctx context.Context, sessionID, userID string) (*blackboard.Blackboard, error) {
	bb, err := e.store.GetState(ctx, e.threadID(userID, sessionID))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return bb, nil
}

// ClearSession deletes a session's checkpoint and deliverables.
func (e *Engine) ClearSession(ctx context.Context, sessionID, userID string) error {
	threadID := e.threadID(userID, sessionID)
	unlock, ok := e.tryLock(threadID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	defer unlock()

	if err := e.store.DeleteState(ctx, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if err := e.store.DeleteDeliverables(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete deliverables: %w", err)
	}

	e.logEvent("session_cleared", map[string]interface{}{
		"session": sessionID,
		"thread":  threadID,
	})
	return nil
}

// Execute runs one invocation of a session, delivering events to sink in
// order. The returned blackboard is the last persisted state. A non-nil
// error means the invocation could not proceed (busy session, invalid
// resume, cancellation, storage failure or step budget); failures of the
// session itself are reported in Blackboard.Error and the event stream.
func (e *Engine) Execute(ctx context.Context, req Request, sink events.Sink) (*blackboard.Blackboard, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	threadID := e.threadID(req.UserID, req.SessionID)
	unlock, ok := e.tryLock(threadID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, req.SessionID)
	}
	defer unlock()

	s := &session{
		engine:   e,
		threadID: threadID,
		emitter:  events.NewEmitter(req.SessionID, sink, e.publisher),
	}

	bb, err := e.load(ctx, threadID)
	if err != nil {
		s.fail(ctx, "", events.KindInfrastructure, "Unable to load the session.", err)
		return nil, err
	}

	bb, err = s.prepare(ctx, bb, req)
	if err != nil {
		return bb, err
	}
	return s.loop(ctx, bb)
}

func (e *Engine) load(ctx context.Context, threadID string) (*blackboard.Blackboard, error) {
	bb, err := e.store.GetState(ctx, threadID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", threadID, err)
	}
	return bb, nil
}

func (e *Engine) threadID(userID, sessionID string) string {
	return blackboard.ThreadID(e.cfg.Namespace, userID, sessionID)
}

func (e *Engine) tryLock(threadID string) (func(), bool) {
	v, _ := e.locks.LoadOrStore(threadID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

func (e *Engine) routerOptions() router.Options {
	return router.Options{
		ErrorRecoveryAttempts: e.cfg.Engine.RecoveryAttempts(),
		MaxHumanRequests:      e.cfg.Engine.MaxHumanRequests,
	}
}

func (e *Engine) workerTimeout(id blackboard.WorkerID) time.Duration {
	if w, ok := e.cfg.Workers[string(id)]; ok && w.Timeout > 0 {
		return w.Timeout
	}
	return e.cfg.Engine.WorkerTimeout
}

// session is the state of one invocation.
type session struct {
	engine   *Engine
	threadID string
	emitter  *events.Emitter
}

// prepare selects the invocation mode and applies the caller's input.
func (s *session) prepare(ctx context.Context, bb *blackboard.Blackboard, req Request) (*blackboard.Blackboard, error) {
	input := strings.TrimSpace(req.UserInput)
	mode := "continue"

	switch {
	case req.Resume != nil:
		if bb == nil {
			err := fmt.Errorf("%w: session %s has no checkpoint", human.ErrNoSuspension, req.SessionID)
			s.fail(ctx, "", events.KindInvalidResume, "There is nothing to resume for this session.", err)
			return nil, err
		}
		if req.Resume.RequestID == "" {
			err := fmt.Errorf("%w: session %s", human.ErrRequestIDRequired, req.SessionID)
			s.fail(ctx, "", events.KindInvalidResume, "The answer does not say which question it answers.", err)
			return bb, err
		}
		return s.resume(ctx, bb, req.Resume.RequestID, req.Resume.Answer)

	case bb != nil && bb.Suspension != nil:
		// Plain input against a suspended session answers the question.
		return s.resume(ctx, bb, "", req.UserInput)

	case bb == nil:
		bb = blackboard.New(req.SessionID, req.UserID, input)
		mode = "new"

	case bb.IsCompleted:
		bb.BeginTurn(input)
		mode = "new_turn"

	default:
		if input != "" {
			bb.Task = strings.TrimSpace(bb.Task + "\n\n" + input)
		}
	}

	s.engine.logEvent("session_started", map[string]interface{}{
		"session": bb.SessionID,
		"thread":  s.threadID,
		"mode":    mode,
		"version": bb.Version,
	})
	return bb, nil
}

func (s *session) resume(ctx context.Context, bb *blackboard.Blackboard, requestID string, answer interface{}) (*blackboard.Blackboard, error) {
	next := bb.Clone()
	res, err := human.Resume(next, requestID, answer)
	if err != nil {
		s.fail(ctx, "", events.KindInvalidResume, "The answer could not be applied to this session.", err)
		return bb, err
	}
	if err := s.checkpoint(ctx, next); err != nil {
		s.fail(ctx, "", events.KindInfrastructure, "Unable to save the session.", err)
		return bb, err
	}

	data := map[string]interface{}{
		"session":    next.SessionID,
		"thread":     s.threadID,
		"request_id": res.Request.RequestID,
		"answer":     res.Answer,
	}
	if res.FollowUp != nil {
		data["follow_up"] = res.FollowUp.RequestID
		data["follow_up_target"] = string(res.FollowUp.TargetAgent)
	}
	s.engine.logEvent("session_resumed", data)
	return next, nil
}

// loop alternates router decisions and their application until the
// session suspends or reaches a terminal state.
func (s *session) loop(ctx context.Context, bb *blackboard.Blackboard) (*blackboard.Blackboard, error) {
	maxSteps := s.engine.cfg.Engine.MaxSteps

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			s.fail(ctx, "", events.KindCancelled, "The session was cancelled.", err)
			return bb, err
		}
		if step >= maxSteps {
			return s.exhaustSteps(ctx, bb, maxSteps)
		}

		d := router.Decide(bb, s.engine.routerOptions())
		s.engine.logEvent("route_decided", map[string]interface{}{
			"session": bb.SessionID,
			"step":    step,
			"next":    string(d.Next),
			"stage":   string(d.Stage),
			"rule":    d.Rule.String(),
			"reason":  d.Reason,
			"pending": len(bb.PendingRequests),
		})

		// Each step works on a copy; the copy replaces bb only once
		// it has been checkpointed.
		next := bb.Clone()
		if d.ConsumeResume {
			next.JustCompleted = nil
		}
		if d.Enqueue != nil {
			next.Enqueue(*d.Enqueue)
		}
		if d.ClearError {
			next.Error = ""
			next.ErrorRecoveryCount++
		}

		switch {
		case d.Next == blackboard.Finalize:
			return s.finalize(ctx, bb, next)

		case d.Next == blackboard.HumanInTheLoop:
			return s.suspend(ctx, bb, next)

		case d.Next.IsWorker():
			res, err := s.runWorker(ctx, next, d)
			if err != nil {
				return bb, err
			}
			next.LastExecuted = d.Next
			if res.terminal && len(next.Deliverable) == 0 {
				next.Deliverable = s.partialDeliverable(ctx, next)
			}
			if err := s.checkpoint(ctx, next); err != nil {
				s.fail(ctx, d.Next, events.KindInfrastructure, "Unable to save the session.", err)
				return bb, err
			}
			for _, ev := range res.after {
				s.emit(ctx, ev)
			}
			bb = next
			if res.terminal {
				return bb, nil
			}

		default:
			err := fmt.Errorf("router chose unknown destination %q", d.Next)
			s.fail(ctx, "", events.KindInfrastructure, "The session reached an invalid state.", err)
			return bb, err
		}
	}
}

func (s *session) finalize(ctx context.Context, prev, bb *blackboard.Blackboard) (*blackboard.Blackboard, error) {
	bb.IsCompleted = true
	if len(bb.Deliverable) == 0 {
		bb.Deliverable = s.partialDeliverable(ctx, bb)
	}
	if err := s.checkpoint(ctx, bb); err != nil {
		s.fail(ctx, "", events.KindInfrastructure, "Unable to save the session.", err)
		return prev, err
	}

	summary := "All stages completed."
	if bb.DevelopmentReviewPassed {
		summary = "Implementation reviewed and approved."
	}
	if bb.Error != "" {
		summary = "Finished with an error: " + bb.Error
	}

	var deliverable json.RawMessage
	if len(bb.Deliverable) > 0 {
		deliverable = append(json.RawMessage(nil), bb.Deliverable...)
	}
	s.emit(ctx, events.Event{
		Type: events.Result,
		Result: &events.ResultInfo{
			Deliverable: deliverable,
			Completed:   bb.Error == "",
			Summary:     summary,
			Error:       bb.Error,
		},
	})

	s.engine.logEvent("session_finalized", map[string]interface{}{
		"session":  bb.SessionID,
		"thread":   s.threadID,
		"error":    bb.Error,
		"version":  bb.Version,
		"has_data": len(bb.Deliverable) > 0,
	})
	return bb, nil
}

// partialDeliverable returns the most advanced artifact produced so far.
func (s *session) partialDeliverable(ctx context.Context, bb *blackboard.Blackboard) json.RawMessage {
	for _, kind := range []blackboard.ArtifactKind{
		blackboard.ArtifactImplementation,
		blackboard.ArtifactDesign,
		blackboard.ArtifactAnalysis,
	} {
		if !bb.HasArtifact(kind) {
			continue
		}
		data, err := s.engine.store.GetDeliverable(ctx, bb.SessionID, bb.Artifacts[kind])
		if err != nil {
			if !store.IsNotFound(err) {
				log.Printf("[Engine] Failed to load %s for session %s: %v", kind, bb.SessionID, err)
			}
			continue
		}
		return data
	}
	return nil
}

func (s *session) suspend(ctx context.Context, prev, bb *blackboard.Blackboard) (*blackboard.Blackboard, error) {
	in, err := human.Enter(bb, s.engine.cfg.Engine.MaxHumanRequests)
	if errors.Is(err, human.ErrResourceExhausted) {
		bb.Error = fmt.Sprintf("The session needed more than %d answers and was stopped.", s.engine.cfg.Engine.MaxHumanRequests)
		bb.IsCompleted = true
		if len(bb.Deliverable) == 0 {
			bb.Deliverable = s.partialDeliverable(ctx, bb)
		}
		if cerr := s.checkpoint(ctx, bb); cerr != nil {
			s.fail(ctx, "", events.KindInfrastructure, "Unable to save the session.", cerr)
			return prev, cerr
		}
		s.fail(ctx, "", events.KindResourceExhausted, bb.Error, err)
		return bb, nil
	}
	if err == nil && in == nil {
		err = fmt.Errorf("no pending human request to suspend on")
	}
	if err != nil {
		s.fail(ctx, "", events.KindInfrastructure, "The session reached an invalid state.", err)
		return prev, err
	}

	// The suspension must be durable before the caller sees the question.
	if err := s.checkpoint(ctx, bb); err != nil {
		s.fail(ctx, "", events.KindInfrastructure, "Unable to save the session.", err)
		return prev, err
	}
	s.emit(ctx, events.Event{
		Type:      events.Interrupt,
		AgentID:   blackboard.HumanInTheLoop,
		Interrupt: events.FromInterrupt(in),
	})

	s.engine.logEvent("session_suspended", map[string]interface{}{
		"session":    bb.SessionID,
		"thread":     s.threadID,
		"request_id": in.RequestID,
		"kind":       string(in.Kind),
		"created_by": string(in.CreatedBy),
	})
	return bb, nil
}

func (s *session) exhaustSteps(ctx context.Context, prev *blackboard.Blackboard, maxSteps int) (*blackboard.Blackboard, error) {
	bb := prev.Clone()
	bb.Error = fmt.Sprintf("The session stopped after %d steps without finishing.", maxSteps)
	bb.IsCompleted = true
	if len(bb.Deliverable) == 0 {
		bb.Deliverable = s.partialDeliverable(ctx, bb)
	}
	if err := s.checkpoint(ctx, bb); err != nil {
		s.fail(ctx, "", events.KindInfrastructure, "Unable to save the session.", err)
		return prev, err
	}
	err := fmt.Errorf("%w: %d steps", ErrStepBudgetExhausted, maxSteps)
	s.fail(ctx, "", events.KindResourceExhausted, bb.Error, err)
	return bb, err
}

// checkpoint persists bb as the session's new state.
func (s *session) checkpoint(ctx context.Context, bb *blackboard.Blackboard) error {
	bb.Version++
	bb.UpdatedAtMs = time.Now().UnixMilli()
	if err := s.engine.store.PutState(ctx, s.threadID, bb); err != nil {
		bb.Version--
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	s.engine.logEvent("checkpoint_written", map[string]interface{}{
		"session": bb.SessionID,
		"thread":  s.threadID,
		"version": bb.Version,
	})
	return nil
}

func (s *session) emit(ctx context.Context, ev events.Event) {
	s.emitter.Emit(context.WithoutCancel(ctx), ev)
}

func (s *session) fail(ctx context.Context, worker blackboard.WorkerID, kind, message string, err error) {
	s.emit(ctx, failedEvent(worker, kind, message, err))
	log.Printf("[Engine] %s (%s): %v", message, kind, err)
}

func failedEvent(worker blackboard.WorkerID, kind, message string, err error) events.Event {
	info := &events.ErrorInfo{Message: message, Kind: kind}
	if err != nil {
		info.Detail = err.Error()
	}
	return events.Event{Type: events.AgentFailed, AgentID: worker, Error: info}
}

// logEvent logs a structured JSON event for observability
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "engine"
	data["event_type"] = eventType
	data["namespace"] = e.cfg.Namespace

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Engine] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
