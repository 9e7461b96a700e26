package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dyluth/warren/internal/events"
	"github.com/dyluth/warren/internal/retry"
	"github.com/dyluth/warren/internal/review"
	"github.com/dyluth/warren/internal/router"
	"github.com/dyluth/warren/internal/store"
	"github.com/dyluth/warren/pkg/blackboard"
)

// stepResult is what a worker step produced besides blackboard changes.
// after holds events that are emitted once the step is checkpointed.
type stepResult struct {
	after    []events.Event
	terminal bool
}

func (r *stepResult) then(ev events.Event) *stepResult {
	r.after = append(r.after, ev)
	return r
}

// requiredInputs lists the upstream artifacts a worker reads.
func requiredInputs(id blackboard.WorkerID, stage blackboard.ReviewStage) []blackboard.ArtifactKind {
	switch id {
	case blackboard.Architect:
		return []blackboard.ArtifactKind{blackboard.ArtifactAnalysis}
	case blackboard.Developer:
		return []blackboard.ArtifactKind{blackboard.ArtifactAnalysis, blackboard.ArtifactDesign}
	case blackboard.Reviewer:
		if stage == blackboard.StageDevelopment {
			return []blackboard.ArtifactKind{blackboard.ArtifactDesign, blackboard.ArtifactImplementation}
		}
		return []blackboard.ArtifactKind{blackboard.ArtifactAnalysis, blackboard.ArtifactDesign}
	}
	return nil
}

// outputKind is the artifact a worker's deliverable is indexed under.
func outputKind(id blackboard.WorkerID, stage blackboard.ReviewStage) blackboard.ArtifactKind {
	switch id {
	case blackboard.Analyst:
		return blackboard.ArtifactAnalysis
	case blackboard.Architect:
		return blackboard.ArtifactDesign
	case blackboard.Developer:
		return blackboard.ArtifactImplementation
	case blackboard.Reviewer:
		if stage == blackboard.StageDevelopment {
			return blackboard.ArtifactReviewDevelopment
		}
		return blackboard.ArtifactReviewDesign
	}
	return ""
}

// runWorker executes one worker step against bb, the step's working copy.
// An error means the step was abandoned and bb must be discarded; the
// failure has already been emitted.
func (s *session) runWorker(ctx context.Context, bb *blackboard.Blackboard, d router.Decision) (*stepResult, error) {
	id := d.Next
	stage := d.Stage
	if id == blackboard.Reviewer && stage == "" {
		stage = bb.ReviewStage()
	}
	bb.JustCompleted = nil

	s.emit(ctx, events.Event{Type: events.AgentStart, AgentID: id})

	inputs, missing, err := s.loadInputs(ctx, bb, id, stage)
	if err != nil {
		s.fail(ctx, id, events.KindInfrastructure, "Unable to read upstream deliverables.", err)
		return nil, err
	}
	if missing != "" {
		return s.delegateMissing(bb, id, missing, "artifact not found"), nil
	}

	if id == blackboard.Reviewer && stage == blackboard.StageDevelopment {
		impl, perr := review.ParseImplementation(inputs[blackboard.ArtifactImplementation])
		if perr != nil {
			delete(bb.Artifacts, blackboard.ArtifactImplementation)
			return s.delegateMissing(bb, id, blackboard.ArtifactImplementation, perr.Error()), nil
		}
		if units := review.MissingUnits(impl); len(units) > 0 {
			req := review.IncompleteRequest(units)
			return s.delegate(bb, req, blackboard.StatusWaiting,
				fmt.Sprintf("Waiting for %d incomplete unit(s): %s", len(units), strings.Join(units, ", "))), nil
		}
	}

	bb.AddTurn(id, "user", bb.Task)
	view := bb.View(id, stage)
	view.Inputs = inputs
	in := &Input{
		View:  view,
		Tools: &toolEvents{ctx: context.WithoutCancel(ctx), emitter: s.emitter, worker: id},
	}

	worker := s.engine.workers[id]
	timeout := s.engine.workerTimeout(id)
	out := s.engine.retry.Invoke(ctx, id, func(ctx context.Context) (*blackboard.AgentResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		res, err := worker.Run(attemptCtx, in)
		if err != nil {
			return nil, err
		}
		if err := checkResult(id, stage, res); err != nil {
			return nil, err
		}
		return res, nil
	})

	s.engine.logEvent("worker_finished", map[string]interface{}{
		"session":   bb.SessionID,
		"worker":    string(id),
		"stage":     string(stage),
		"attempts":  out.Attempts,
		"exhausted": out.Exhausted,
		"category":  string(out.Category),
		"error":     errString(out.Err),
	})

	if err := ctx.Err(); err != nil {
		s.fail(ctx, id, events.KindCancelled, fmt.Sprintf("%s was cancelled.", id.DisplayName()), err)
		return nil, err
	}

	if se, ok := out.Suspended(); ok {
		return s.clarify(bb, id, se.Clarification), nil
	}
	if me, ok := out.Missing(); ok {
		if producer := me.Artifact.Producer(); producer != "" && producer != id {
			return s.delegateMissing(bb, id, me.Artifact, me.Detail), nil
		}
	}
	if out.Err != nil {
		return s.failWorker(bb, id, out), nil
	}

	res := out.Result
	switch res.Status {
	case blackboard.StatusNeedsClarification:
		return s.clarify(bb, id, *res.Clarification), nil

	case blackboard.StatusNeedsDelegation:
		if res.Delegation.TargetAgent == id {
			return s.failWorker(bb, id, retry.Outcome{Err: fmt.Errorf("%s cannot delegate to itself", id)}), nil
		}
		ref, err := s.storeDeliverable(ctx, bb, id, stage, res)
		if err != nil {
			s.fail(ctx, id, events.KindInfrastructure, "Unable to store the deliverable.", err)
			return nil, err
		}
		req := blackboard.NewDelegateRequest(id, res.Delegation.TargetAgent, id, res.Delegation.Reason, res.Delegation.Payload)
		step := s.delegate(bb, req, blackboard.StatusNeedsDelegation, res.Summary)
		if ref != "" && !step.terminal {
			r := bb.Reports[id]
			r.DeliverableRef = ref
			bb.Reports[id] = r
		}
		return step, nil

	case blackboard.StatusWaiting:
		bb.SetReport(id, blackboard.StatusWaiting, res.Summary, "")
		bb.AddTurn(id, "assistant", turnContent(blackboard.StatusWaiting, res.Summary))
		return (&stepResult{}).then(events.Event{Type: events.AgentEnd, AgentID: id, Summary: res.Summary}), nil
	}

	return s.complete(ctx, bb, id, stage, res, inputs)
}

// loadInputs reads a worker's upstream artifacts. missing names the first
// required artifact that does not exist; a stale index entry pointing at
// a vanished deliverable is dropped.
func (s *session) loadInputs(ctx context.Context, bb *blackboard.Blackboard, id blackboard.WorkerID, stage blackboard.ReviewStage) (map[blackboard.ArtifactKind]json.RawMessage, blackboard.ArtifactKind, error) {
	inputs := make(map[blackboard.ArtifactKind]json.RawMessage)
	for _, kind := range requiredInputs(id, stage) {
		if !bb.HasArtifact(kind) {
			return nil, kind, nil
		}
		data, err := s.engine.store.GetDeliverable(ctx, bb.SessionID, bb.Artifacts[kind])
		if err != nil {
			if store.IsNotFound(err) {
				delete(bb.Artifacts, kind)
				return nil, kind, nil
			}
			return nil, "", fmt.Errorf("failed to load %s: %w", kind, err)
		}
		inputs[kind] = data
	}
	return inputs, "", nil
}

// checkResult rejects completed results that cannot advance the session.
// It runs inside the retry loop so a bad result is retried.
func checkResult(id blackboard.WorkerID, stage blackboard.ReviewStage, res *blackboard.AgentResult) error {
	if res == nil {
		return nil
	}
	if len(res.Deliverable) > 0 && res.DeliverableType == "" {
		res.DeliverableType = outputKind(id, stage)
	}
	if res.Status != blackboard.StatusCompleted {
		return nil
	}
	if len(res.Deliverable) == 0 {
		return fmt.Errorf("%s completed without a deliverable", id)
	}
	if id == blackboard.Reviewer {
		if _, err := review.ParseVerdict(res.Deliverable); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) complete(ctx context.Context, bb *blackboard.Blackboard, id blackboard.WorkerID, stage blackboard.ReviewStage, res *blackboard.AgentResult, inputs map[blackboard.ArtifactKind]json.RawMessage) (*stepResult, error) {
	ref, err := s.storeDeliverable(ctx, bb, id, stage, res)
	if err != nil {
		s.fail(ctx, id, events.KindInfrastructure, "Unable to store the deliverable.", err)
		return nil, err
	}

	summary := res.Summary
	var verdict *review.Verdict
	if id == blackboard.Reviewer {
		verdict, err = review.ParseVerdict(res.Deliverable)
		if err != nil {
			return s.failWorker(bb, id, retry.Outcome{Err: err}), nil
		}
		if summary == "" {
			summary = verdict.Summary
		}
	}

	bb.SetReport(id, blackboard.StatusCompleted, summary, ref)
	bb.AddTurn(id, "assistant", turnContent(blackboard.StatusCompleted, summary))
	if rec, ok := bb.PopCompletedDelegate(id); ok {
		s.engine.logEvent("delegate_completed", map[string]interface{}{
			"session":    bb.SessionID,
			"request_id": rec.RequestID,
			"worker":     string(id),
			"resume_to":  string(rec.ResumeTo),
		})
	}

	if verdict != nil {
		outcome := s.engine.review.Apply(bb, stage, verdict, inputs[blackboard.ArtifactImplementation])
		s.engine.logEvent("review_verdict", map[string]interface{}{
			"session":   bb.SessionID,
			"stage":     string(stage),
			"passed":    outcome.Passed,
			"escalated": outcome.Escalated,
			"iteration": outcome.Iteration,
		})
	}

	return (&stepResult{}).then(events.Event{Type: events.AgentEnd, AgentID: id, Summary: summary}), nil
}

// storeDeliverable writes a result's deliverable to the session store under
// a fresh ref and indexes it. Content under earlier refs is left alone, so
// a checkpoint that fails after the write cannot change what the last
// committed index points at. It returns the ref, or "" when there was none.
func (s *session) storeDeliverable(ctx context.Context, bb *blackboard.Blackboard, id blackboard.WorkerID, stage blackboard.ReviewStage, res *blackboard.AgentResult) (string, error) {
	if len(res.Deliverable) == 0 {
		return "", nil
	}
	kind := outputKind(id, stage)
	if id != blackboard.Reviewer && res.DeliverableType != "" && res.DeliverableType.Producer() == id {
		kind = res.DeliverableType
	}
	ref := fmt.Sprintf("%s:%s", kind, strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	if err := s.engine.store.PutDeliverable(ctx, bb.SessionID, ref, res.Deliverable); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", kind, err)
	}
	bb.Artifacts[kind] = ref
	return ref, nil
}

// clarify turns a worker's question into a pending human request.
func (s *session) clarify(bb *blackboard.Blackboard, id blackboard.WorkerID, c blackboard.Clarification) *stepResult {
	typ := blackboard.HumanClarification
	if len(c.Options) > 0 && c.WritebackKey != "" {
		typ = blackboard.HumanSelection
	}
	req := blackboard.NewHumanRequest(id, id, blackboard.HumanPayload{
		Type:         typ,
		Message:      c.Message,
		Questions:    c.Questions,
		Options:      c.Options,
		WritebackKey: c.WritebackKey,
	})
	bb.Enqueue(req)
	bb.SetReport(id, blackboard.StatusNeedsClarification, c.Message, "")
	bb.AddTurn(id, "assistant", turnContent(blackboard.StatusNeedsClarification, c.Message))

	s.engine.logEvent("clarification_requested", map[string]interface{}{
		"session":    bb.SessionID,
		"worker":     string(id),
		"request_id": req.RequestID,
		"type":       string(typ),
	})
	return (&stepResult{}).then(events.Event{Type: events.AgentEnd, AgentID: id, Summary: c.Message})
}

// delegateMissing asks the producer of kind to run before id.
func (s *session) delegateMissing(bb *blackboard.Blackboard, id blackboard.WorkerID, kind blackboard.ArtifactKind, detail string) *stepResult {
	producer := kind.Producer()
	req := blackboard.NewDelegateRequest(id, producer, id,
		fmt.Sprintf("missing upstream artifact: %s", kind),
		map[string]interface{}{"artifact": string(kind), "detail": detail})
	return s.delegate(bb, req, blackboard.StatusWaiting,
		fmt.Sprintf("Waiting for the %s from %s", kind, producer.DisplayName()))
}

// delegate queues a delegation on behalf of req.CreatedBy, enforcing the
// per-pair delegation budget.
func (s *session) delegate(bb *blackboard.Blackboard, req blackboard.Request, status blackboard.ReportStatus, summary string) *stepResult {
	from := req.CreatedBy
	key := blackboard.DelegationKey(from, req.TargetAgent)
	bb.DelegationCounts[key]++
	count := bb.DelegationCounts[key]
	limit := s.engine.cfg.Engine.MaxDelegations

	if count > limit {
		msg := fmt.Sprintf("%s delegated to %s more than %d times and was stopped.", from.DisplayName(), req.TargetAgent.DisplayName(), limit)
		bb.SetReport(from, blackboard.StatusFailed, msg, "")
		bb.Error = msg
		bb.IsCompleted = true
		return &stepResult{
			terminal: true,
			after:    []events.Event{failedEvent(from, events.KindResourceExhausted, msg, fmt.Errorf("delegation budget for %s exhausted", key))},
		}
	}

	bb.EnqueuePrerequisite(req)
	bb.SetReport(from, status, summary, "")
	bb.AddTurn(from, "assistant", turnContent(status, summary))

	s.engine.logEvent("delegation_queued", map[string]interface{}{
		"session":    bb.SessionID,
		"request_id": req.RequestID,
		"from":       string(from),
		"to":         string(req.TargetAgent),
		"count":      count,
		"reason":     req.Reason,
	})
	return (&stepResult{}).then(events.Event{Type: events.AgentEnd, AgentID: from, Summary: summary})
}

// failWorker folds an unrecovered worker failure into the blackboard. The
// router decides on the next step whether a human gets a chance to help.
func (s *session) failWorker(bb *blackboard.Blackboard, id blackboard.WorkerID, out retry.Outcome) *stepResult {
	msg := out.Message
	if msg == "" {
		msg = retry.UserMessage(id, out.Err)
	}
	bb.SetReport(id, blackboard.StatusFailed, msg, "")
	bb.AddTurn(id, "assistant", turnContent(blackboard.StatusFailed, msg))
	bb.Error = msg

	// A failed delegate target gives up its request so the router can
	// handle the error instead of routing back to the same worker.
	if rec, ok := bb.PopCompletedDelegate(id); ok {
		rec.Failed = true
		bb.RequestResults[rec.RequestID] = rec
		bb.JustCompleted = nil
	}

	kind := events.KindWorkerException
	if errors.Is(out.Err, blackboard.ErrMissingPrecondition) {
		kind = events.KindMissingPrecondition
	}
	return (&stepResult{}).then(failedEvent(id, kind, msg, out.Err))
}

// turnContent is the compact assistant turn recorded after an invocation.
func turnContent(status blackboard.ReportStatus, summary string) string {
	data, err := json.Marshal(map[string]string{"status": string(status), "summary": summary})
	if err != nil {
		return string(status)
	}
	return string(data)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
