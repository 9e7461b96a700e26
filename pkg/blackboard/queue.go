package blackboard

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRequestID generates a unique request identifier.
func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewDelegateRequest builds a pending delegate request asking target to run
// on behalf of from, returning control to resumeTo.
func NewDelegateRequest(from, target, resumeTo WorkerID, reason string, payload map[string]interface{}) Request {
	return Request{
		RequestID:   NewRequestID(),
		Kind:        KindDelegate,
		CreatedBy:   from,
		ResumeTo:    resumeTo,
		TargetAgent: target,
		Reason:      reason,
		Payload:     payload,
		Status:      RequestPending,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}

// NewHumanRequest builds a pending human request.
func NewHumanRequest(from, resumeTo WorkerID, payload HumanPayload) Request {
	return Request{
		RequestID:   NewRequestID(),
		Kind:        KindHuman,
		CreatedBy:   from,
		ResumeTo:    resumeTo,
		Human:       &payload,
		Status:      RequestPending,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}

// Enqueue appends req at the tail of the queue.
func (b *Blackboard) Enqueue(req Request) {
	if req.Status == "" {
		req.Status = RequestPending
	}
	if req.CreatedAtMs == 0 {
		req.CreatedAtMs = time.Now().UnixMilli()
	}
	b.PendingRequests = append(b.PendingRequests, req)
}

// EnqueuePrerequisite queues a delegation that req.CreatedBy needs before
// it can finish. When the head delegation is the one blocked on it, req is
// placed ahead of that head so the blocked delegation resumes afterwards;
// otherwise req is appended at the tail.
func (b *Blackboard) EnqueuePrerequisite(req Request) {
	head, ok := b.Head()
	if !ok || head.Kind != KindDelegate || head.TargetAgent != req.CreatedBy {
		b.Enqueue(req)
		return
	}
	if req.Status == "" {
		req.Status = RequestPending
	}
	if req.CreatedAtMs == 0 {
		req.CreatedAtMs = time.Now().UnixMilli()
	}
	b.PendingRequests = append([]Request{req}, b.PendingRequests...)
}

// FirstPendingHuman returns the earliest pending human request and its
// position in the queue.
func (b *Blackboard) FirstPendingHuman() (Request, int, bool) {
	for i, req := range b.PendingRequests {
		if req.Kind == KindHuman && req.Status == RequestPending {
			return req, i, true
		}
	}
	return Request{}, -1, false
}

// HasPendingHuman reports whether any human request is waiting.
func (b *Blackboard) HasPendingHuman() bool {
	_, _, ok := b.FirstPendingHuman()
	return ok
}

// Head returns the request at the head of the queue.
func (b *Blackboard) Head() (Request, bool) {
	if len(b.PendingRequests) == 0 {
		return Request{}, false
	}
	return b.PendingRequests[0], true
}

// PopCompletedDelegate pops the head delegate request if and only if
// executed is its target. The resolution is recorded in RequestResults and
// JustCompleted so the next router decision can resume the requester.
// The queue is left untouched otherwise.
func (b *Blackboard) PopCompletedDelegate(executed WorkerID) (ResultRecord, bool) {
	head, ok := b.Head()
	if !ok || head.Kind != KindDelegate || head.TargetAgent != executed {
		return ResultRecord{}, false
	}

	b.PendingRequests = b.PendingRequests[1:]
	record := ResultRecord{
		RequestID:     head.RequestID,
		Kind:          KindDelegate,
		Status:        RequestCompleted,
		CompletedBy:   executed,
		ResumeTo:      head.ResumeTo,
		CompletedAtMs: time.Now().UnixMilli(),
	}
	b.RequestResults[head.RequestID] = record
	b.JustCompleted = &CompletedDelegate{
		RequestID:   head.RequestID,
		TargetAgent: executed,
		ResumeTo:    head.ResumeTo,
	}
	return record, true
}

// Remove deletes the request with the given id from the queue.
func (b *Blackboard) Remove(requestID string) (Request, bool) {
	for i, req := range b.PendingRequests {
		if req.RequestID == requestID {
			b.PendingRequests = append(b.PendingRequests[:i:i], b.PendingRequests[i+1:]...)
			return req, true
		}
	}
	return Request{}, false
}

// FindRequest returns the queued request with the given id.
func (b *Blackboard) FindRequest(requestID string) (Request, bool) {
	for _, req := range b.PendingRequests {
		if req.RequestID == requestID {
			return req, true
		}
	}
	return Request{}, false
}

// ActiveDelegation returns the head delegate request targeting id, if any.
// Workers see it to learn why they were asked to run.
func (b *Blackboard) ActiveDelegation(id WorkerID) (Request, bool) {
	head, ok := b.Head()
	if !ok || head.Kind != KindDelegate || head.TargetAgent != id {
		return Request{}, false
	}
	return head, true
}

// DelegationKey is the DelegationCounts key for a from->to pair.
func DelegationKey(from, to WorkerID) string {
	return string(from) + "->" + string(to)
}
