package blackboard

import "fmt"

// Validate checks structural invariants of the blackboard.
func (b *Blackboard) Validate() error {
	if b.SessionID == "" {
		return fmt.Errorf("session_id cannot be empty")
	}

	for id, report := range b.Reports {
		if !id.IsWorker() {
			return fmt.Errorf("report for unknown worker %q", id)
		}
		if !report.Status.Valid() {
			return fmt.Errorf("report for %s has invalid status %q", id, report.Status)
		}
	}

	seen := make(map[string]bool, len(b.PendingRequests))
	for i := range b.PendingRequests {
		req := &b.PendingRequests[i]
		if err := req.Validate(); err != nil {
			return fmt.Errorf("pending request %d: %w", i, err)
		}
		if seen[req.RequestID] {
			return fmt.Errorf("duplicate pending request id %q", req.RequestID)
		}
		if _, resolved := b.RequestResults[req.RequestID]; resolved {
			return fmt.Errorf("request %q is both pending and resolved", req.RequestID)
		}
		seen[req.RequestID] = true
	}

	if b.Suspension != nil {
		if _, ok := b.FindRequest(b.Suspension.RequestID); !ok {
			return fmt.Errorf("suspension references unknown request %q", b.Suspension.RequestID)
		}
	}

	return nil
}

// Validate checks that a request is a well-formed variant of the union.
func (r *Request) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request_id cannot be empty")
	}

	switch r.Status {
	case RequestPending, RequestCompleted:
	default:
		return fmt.Errorf("unknown request status: %q", r.Status)
	}

	switch r.Kind {
	case KindDelegate:
		if !r.TargetAgent.IsWorker() {
			return fmt.Errorf("delegate request %s targets unknown worker %q", r.RequestID, r.TargetAgent)
		}
		if r.Human != nil {
			return fmt.Errorf("delegate request %s carries a human payload", r.RequestID)
		}
	case KindHuman:
		if r.Human == nil {
			return fmt.Errorf("human request %s has no payload", r.RequestID)
		}
		if r.Human.Type == "" {
			return fmt.Errorf("human request %s has no type", r.RequestID)
		}
		if r.Human.PostAction != "" && r.Human.PostAction != PostActionDelegate {
			return fmt.Errorf("human request %s has unknown post_action %q", r.RequestID, r.Human.PostAction)
		}
	default:
		return fmt.Errorf("unknown request kind: %q", r.Kind)
	}

	return nil
}

// Validate checks that a worker result satisfies the worker contract.
func (r *AgentResult) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("invalid result status %q", r.Status)
	}

	switch r.Status {
	case StatusNeedsClarification:
		if r.Clarification == nil || r.Clarification.Message == "" {
			return fmt.Errorf("needs_clarification result must carry a clarification message")
		}
	case StatusNeedsDelegation:
		if r.Delegation == nil {
			return fmt.Errorf("needs_delegation result must carry a delegation")
		}
		if !r.Delegation.TargetAgent.IsWorker() {
			return fmt.Errorf("delegation targets unknown worker %q", r.Delegation.TargetAgent)
		}
	case StatusFailed:
		if r.Error == "" {
			return fmt.Errorf("failed result must carry an error")
		}
	}

	if len(r.Deliverable) > 0 && r.DeliverableType == "" {
		return fmt.Errorf("deliverable without deliverable_type")
	}

	return nil
}
