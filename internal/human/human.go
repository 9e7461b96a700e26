// Package human implements the human-in-the-loop node: it suspends a
// session on the earliest pending human request and applies the answer
// supplied on resume.
package human

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dyluth/warren/pkg/blackboard"
)

var (
	// ErrResourceExhausted is returned when the human budget is spent.
	ErrResourceExhausted = errors.New("human request budget exhausted")

	// ErrNoSuspension is returned when resuming a session that is not
	// waiting for an answer.
	ErrNoSuspension = errors.New("session is not awaiting a human response")

	// ErrAlreadyResolved is returned for a resume on a resolved request.
	ErrAlreadyResolved = errors.New("request already resolved")

	// ErrRequestMismatch is returned when the answer names a request other
	// than the one the session is suspended on.
	ErrRequestMismatch = errors.New("answer does not match the pending request")

	// ErrRequestIDRequired is returned when a typed resume does not name
	// the request it answers.
	ErrRequestIDRequired = errors.New("resume must name the request it answers")
)

// State of the node for one session.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingResponse State = "awaiting_response"
	StateResolved         State = "resolved"
)

// StateOf reports the node's state for bb.
func StateOf(bb *blackboard.Blackboard) State {
	if bb.Suspension != nil {
		return StateAwaitingResponse
	}
	if bb.HasPendingHuman() {
		return StateIdle
	}
	for _, rec := range bb.RequestResults {
		if rec.Kind == blackboard.KindHuman {
			return StateResolved
		}
	}
	return StateIdle
}

// Enter suspends bb on the earliest pending human request. It returns nil
// when no human request is pending. Entering an already suspended session
// returns the existing interrupt.
func Enter(bb *blackboard.Blackboard, maxHumanRequests int) (*blackboard.Interrupt, error) {
	if bb.Suspension != nil {
		in := bb.Suspension.Interrupt
		return &in, nil
	}

	req, _, ok := bb.FirstPendingHuman()
	if !ok {
		return nil, nil
	}

	if bb.HumanRequestCount >= maxHumanRequests {
		return nil, fmt.Errorf("%w: %d of %d used", ErrResourceExhausted, bb.HumanRequestCount, maxHumanRequests)
	}

	in := blackboard.Interrupt{
		RequestID: req.RequestID,
		Kind:      req.Human.Type,
		Message:   renderMessage(req.Human),
		Questions: req.Human.Questions,
		Options:   req.Human.Options,
		CreatedBy: req.CreatedBy,
	}
	bb.Suspension = &blackboard.Suspension{
		RequestID:     req.RequestID,
		Interrupt:     in,
		SuspendedAtMs: time.Now().UnixMilli(),
	}

	log.Printf("[Human] Session %s suspended on %s (%s)", bb.SessionID, req.RequestID, req.Human.Type)
	return &in, nil
}

// Resolution describes what a resume changed.
type Resolution struct {
	Request  blackboard.Request
	Answer   string
	FollowUp *blackboard.Request
}

// Resume applies answer to the request bb is suspended on. requestID may
// be empty to answer whatever is pending. A request is resolved at most
// once; repeating a resume returns ErrAlreadyResolved or ErrNoSuspension
// and leaves bb unchanged.
func Resume(bb *blackboard.Blackboard, requestID string, answer interface{}) (*Resolution, error) {
	if requestID != "" {
		if _, done := bb.RequestResults[requestID]; done {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, requestID)
		}
	}
	if bb.Suspension == nil {
		return nil, ErrNoSuspension
	}
	if requestID == "" {
		requestID = bb.Suspension.RequestID
	}
	if requestID != bb.Suspension.RequestID {
		return nil, fmt.Errorf("%w: suspended on %s, got %s", ErrRequestMismatch, bb.Suspension.RequestID, requestID)
	}

	req, ok := bb.FindRequest(requestID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, requestID)
	}
	payload := req.Human

	text := NormalizeAnswer(answer)
	target := blackboard.WorkerID(text)
	if payload.PostAction == blackboard.PostActionDelegate && !target.IsWorker() {
		return nil, fmt.Errorf("answer %q does not name a worker (expected one of %s)", text, optionValues(payload.Options))
	}

	bb.Remove(requestID)
	now := time.Now().UnixMilli()
	bb.RequestResults[req.RequestID] = blackboard.ResultRecord{
		RequestID:     req.RequestID,
		Kind:          blackboard.KindHuman,
		Status:        blackboard.RequestCompleted,
		CompletedBy:   blackboard.HumanInTheLoop,
		ResumeTo:      req.ResumeTo,
		Answer:        answer,
		CompletedAtMs: now,
	}
	bb.HumanRequestCount++
	bb.Suspension = nil

	if payload.WritebackKey != "" {
		bb.Writebacks[payload.WritebackKey] = text
	}

	if payload.Type.AppendsToTask() && text != "" {
		bb.Task = strings.TrimSpace(bb.Task + "\n\n" + text)
		if req.CreatedBy.IsWorker() {
			bb.AddTurn(req.CreatedBy, "user", text)
		}
	}

	res := &Resolution{Request: req, Answer: text}

	// The requester runs next unless a follow-up delegate takes over.
	if req.ResumeTo.IsWorker() && payload.PostAction == "" {
		bb.JustCompleted = &blackboard.CompletedDelegate{
			RequestID:   req.RequestID,
			TargetAgent: blackboard.HumanInTheLoop,
			ResumeTo:    req.ResumeTo,
		}
	}

	if payload.PostAction == blackboard.PostActionDelegate {
		follow := blackboard.NewDelegateRequest(req.CreatedBy, target, blackboard.Router, payload.DelegateReason, map[string]interface{}{
			"human_request_id": req.RequestID,
		})
		bb.Enqueue(follow)
		res.FollowUp = &follow
	}

	for _, field := range payload.ResetFields {
		if !bb.ResetField(field) {
			log.Printf("[Human] Ignoring unknown reset field %q on %s", field, req.RequestID)
		}
	}

	log.Printf("[Human] Session %s resumed: %s answered (count %d)", bb.SessionID, req.RequestID, bb.HumanRequestCount)
	return res, nil
}

// NormalizeAnswer reduces an answer to text: strings are trimmed and
// objects yield their value, component or answer field.
func NormalizeAnswer(answer interface{}) string {
	switch v := answer.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case map[string]interface{}:
		for _, key := range []string{"value", "component", "answer", "text"} {
			if s, ok := v[key].(string); ok {
				return strings.TrimSpace(s)
			}
		}
	case blackboard.Option:
		return strings.TrimSpace(v.Value)
	}
	return strings.TrimSpace(fmt.Sprint(answer))
}

func renderMessage(p *blackboard.HumanPayload) string {
	if len(p.Questions) == 0 {
		return p.Message
	}
	var b strings.Builder
	b.WriteString(p.Message)
	b.WriteString("\n\nPlease confirm:")
	for _, q := range p.Questions {
		b.WriteString("\n- ")
		b.WriteString(q)
	}
	return b.String()
}

func optionValues(opts []blackboard.Option) string {
	if len(opts) == 0 {
		return "analyst, architect, developer, reviewer"
	}
	values := make([]string, len(opts))
	for i, o := range opts {
		values[i] = o.Value
	}
	return strings.Join(values, ", ")
}
