package blackboard

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlackboardValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(bb *Blackboard)
		wantErr bool
	}{
		{"valid", func(bb *Blackboard) {}, false},
		{"empty session", func(bb *Blackboard) { bb.SessionID = "" }, true},
		{"unknown worker report", func(bb *Blackboard) {
			bb.Reports["boss"] = AgentReport{Status: StatusCompleted}
		}, true},
		{"invalid report status", func(bb *Blackboard) {
			bb.Reports[Analyst] = AgentReport{Status: "done"}
		}, true},
		{"duplicate request id", func(bb *Blackboard) {
			req := NewDelegateRequest(Architect, Analyst, Architect, "", nil)
			bb.Enqueue(req)
			bb.Enqueue(req)
		}, true},
		{"pending and resolved", func(bb *Blackboard) {
			req := NewDelegateRequest(Architect, Analyst, Architect, "", nil)
			bb.Enqueue(req)
			bb.RequestResults[req.RequestID] = ResultRecord{RequestID: req.RequestID}
		}, true},
		{"dangling suspension", func(bb *Blackboard) {
			bb.Suspension = &Suspension{RequestID: "req_gone"}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bb := New("s1", "u1", "task")
			tt.mutate(bb)
			err := bb.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequestValidate(t *testing.T) {
	delegate := NewDelegateRequest(Architect, Analyst, Architect, "", nil)
	human := NewHumanRequest(Developer, Developer, HumanPayload{Type: HumanClarification, Message: "?"})

	assert.NoError(t, delegate.Validate())
	assert.NoError(t, human.Validate())

	bad := delegate
	bad.TargetAgent = Router
	assert.Error(t, bad.Validate())

	bad = human
	bad.Human = nil
	assert.Error(t, bad.Validate())

	bad = human
	bad.Human = &HumanPayload{Type: HumanSelection, PostAction: "restart"}
	assert.Error(t, bad.Validate())

	bad = delegate
	bad.Kind = "broadcast"
	assert.Error(t, bad.Validate())
}

func TestAgentResultValidate(t *testing.T) {
	tests := []struct {
		name    string
		result  AgentResult
		wantErr bool
	}{
		{"completed", AgentResult{Status: StatusCompleted, Summary: "ok"}, false},
		{"unknown status", AgentResult{Status: "done"}, true},
		{"clarification without message", AgentResult{Status: StatusNeedsClarification}, true},
		{"clarification", AgentResult{Status: StatusNeedsClarification, Clarification: &Clarification{Message: "which?"}}, false},
		{"delegation without target", AgentResult{Status: StatusNeedsDelegation}, true},
		{"delegation to router", AgentResult{Status: StatusNeedsDelegation, Delegation: &Delegation{TargetAgent: Router}}, true},
		{"delegation", AgentResult{Status: StatusNeedsDelegation, Delegation: &Delegation{TargetAgent: Analyst}}, false},
		{"failed without error", AgentResult{Status: StatusFailed}, true},
		{"deliverable without type", AgentResult{Status: StatusCompleted, Deliverable: json.RawMessage(`{}`)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.result.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
