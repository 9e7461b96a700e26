package blackboard

import "encoding/json"

// StateView is the read-only projection of a blackboard handed to a worker.
// Workers never see the request queue directly; a delegation that targets
// them is surfaced in Delegation.
type StateView struct {
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id"`
	Worker    WorkerID    `json:"worker"`
	Task      string      `json:"task"`
	Stage     ReviewStage `json:"stage,omitempty"`

	Reports    map[WorkerID]AgentReport `json:"reports"`
	Artifacts  map[ArtifactKind]string  `json:"artifacts"`
	Writebacks map[string]interface{}   `json:"writebacks,omitempty"`

	// Inputs holds the content of upstream artifacts the worker depends on.
	Inputs map[ArtifactKind]json.RawMessage `json:"inputs,omitempty"`

	Delegation *Request `json:"delegation,omitempty"`

	Conversation      []Turn `json:"conversation,omitempty"`
	CompressedSummary string `json:"compressed_summary,omitempty"`

	DesignReviewPassed      bool `json:"design_review_passed"`
	DevelopmentReviewPassed bool `json:"development_review_passed"`
}

// View builds the state view for worker id. Maps are copied so the view
// stays valid while the engine keeps mutating its working copy.
func (b *Blackboard) View(id WorkerID, stage ReviewStage) *StateView {
	v := &StateView{
		SessionID:               b.SessionID,
		UserID:                  b.UserID,
		Worker:                  id,
		Task:                    b.Task,
		Stage:                   stage,
		Reports:                 make(map[WorkerID]AgentReport, len(b.Reports)),
		Artifacts:               make(map[ArtifactKind]string, len(b.Artifacts)),
		Writebacks:              make(map[string]interface{}, len(b.Writebacks)),
		Inputs:                  make(map[ArtifactKind]json.RawMessage),
		DesignReviewPassed:      b.DesignReviewPassed,
		DevelopmentReviewPassed: b.DevelopmentReviewPassed,
	}
	for k, r := range b.Reports {
		v.Reports[k] = r
	}
	for k, ref := range b.Artifacts {
		v.Artifacts[k] = ref
	}
	for k, val := range b.Writebacks {
		v.Writebacks[k] = val
	}
	if req, ok := b.ActiveDelegation(id); ok {
		v.Delegation = &req
	}
	v.Conversation, v.CompressedSummary = b.ConversationOf(id)
	return v
}

// Input returns the content of an upstream artifact, decoded into out.
func (v *StateView) Input(kind ArtifactKind, out interface{}) error {
	raw, ok := v.Inputs[kind]
	if !ok || len(raw) == 0 {
		return MissingArtifact(kind)
	}
	return json.Unmarshal(raw, out)
}
