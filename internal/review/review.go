// Package review interprets reviewer verdicts for the design and
// development stages: a pass advances the stage, a failure bounces the
// work back to its producer, and repeated failures escalate to a human.
package review

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/dyluth/warren/pkg/blackboard"
)

// DefaultThreshold is the number of failures before human escalation.
const DefaultThreshold = 3

// Verdict is the reviewer's deliverable.
type Verdict struct {
	Passed   bool     `json:"passed"`
	Summary  string   `json:"summary,omitempty"`
	Issues   []string `json:"issues,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ParseVerdict decodes a reviewer deliverable.
func ParseVerdict(data json.RawMessage) (*Verdict, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("reviewer returned no verdict")
	}
	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse review verdict: %w", err)
	}
	return &v, nil
}

// Unit is one planned unit of work in an implementation.
type Unit struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Implementation is the developer's deliverable.
type Implementation struct {
	Units []Unit `json:"units"`
}

// ParseImplementation decodes a developer deliverable.
func ParseImplementation(data json.RawMessage) (*Implementation, error) {
	var impl Implementation
	if err := json.Unmarshal(data, &impl); err != nil {
		return nil, fmt.Errorf("failed to parse implementation: %w", err)
	}
	return &impl, nil
}

// MissingUnits returns the ids of units with blank content.
func MissingUnits(impl *Implementation) []string {
	var missing []string
	for i, u := range impl.Units {
		if strings.TrimSpace(u.Content) == "" {
			id := u.ID
			if id == "" {
				id = fmt.Sprintf("unit-%d", i+1)
			}
			missing = append(missing, id)
		}
	}
	return missing
}

// StageOf returns the stage the next review covers: design until it
// passes, development afterwards.
func StageOf(bb *blackboard.Blackboard) blackboard.ReviewStage {
	return bb.ReviewStage()
}

// Producer returns the worker whose artifact a stage reviews.
func Producer(stage blackboard.ReviewStage) blackboard.WorkerID {
	if stage == blackboard.StageDevelopment {
		return blackboard.Developer
	}
	return blackboard.Architect
}

// CounterField names the iteration counter of a stage.
func CounterField(stage blackboard.ReviewStage) string {
	if stage == blackboard.StageDevelopment {
		return blackboard.FieldDevelopmentReviewIterationCount
	}
	return blackboard.FieldDesignReviewIterationCount
}

// IncompleteRequest builds the delegation sent instead of a development
// review when units are missing content.
func IncompleteRequest(missing []string) blackboard.Request {
	ids := make([]interface{}, len(missing))
	for i, id := range missing {
		ids[i] = id
	}
	return blackboard.NewDelegateRequest(
		blackboard.Reviewer, blackboard.Developer, blackboard.Reviewer,
		fmt.Sprintf("implementation incomplete: %d unit(s) without content", len(missing)),
		map[string]interface{}{"missing_units": ids},
	)
}

// Loop applies verdicts to a blackboard.
type Loop struct {
	Threshold int
}

// NewLoop creates a loop escalating after threshold failures.
func NewLoop(threshold int) *Loop {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &Loop{Threshold: threshold}
}

// Outcome describes what a verdict changed.
type Outcome struct {
	Passed    bool
	Escalated bool
	Iteration int
	Request   *blackboard.Request
}

// Apply folds a verdict for stage into bb. deliverable is captured as the
// session's final deliverable when the development stage passes.
func (l *Loop) Apply(bb *blackboard.Blackboard, stage blackboard.ReviewStage, v *Verdict, deliverable json.RawMessage) Outcome {
	if v.Passed {
		switch stage {
		case blackboard.StageDesign:
			bb.DesignReviewPassed = true
			bb.DesignReviewIterationCount = 0
		case blackboard.StageDevelopment:
			bb.DevelopmentReviewPassed = true
			bb.DevelopmentReviewIterationCount = 0
			bb.IsCompleted = true
			if len(deliverable) > 0 {
				bb.Deliverable = append(json.RawMessage(nil), deliverable...)
			}
		}
		log.Printf("[Review] Session %s %s review passed", bb.SessionID, stage)
		return Outcome{Passed: true}
	}

	count := l.increment(bb, stage)
	producer := Producer(stage)

	if count < l.Threshold {
		req := blackboard.NewDelegateRequest(blackboard.Reviewer, producer, blackboard.Reviewer,
			fmt.Sprintf("%s review failed (%d/%d)", stage, count, l.Threshold),
			map[string]interface{}{
				"stage":     string(stage),
				"iteration": count,
				"issues":    toInterfaces(v.Issues),
				"warnings":  toInterfaces(v.Warnings),
			})
		bb.Enqueue(req)
		log.Printf("[Review] Session %s %s review failed (%d/%d), returning to %s", bb.SessionID, stage, count, l.Threshold, producer)
		return Outcome{Iteration: count, Request: &req}
	}

	req := blackboard.NewHumanRequest(blackboard.Reviewer, blackboard.Router, blackboard.HumanPayload{
		Type:      blackboard.HumanReviewThresholdExceeded,
		Message:   escalationMessage(stage, count, v),
		Questions: v.Issues,
		Options: []blackboard.Option{
			{Value: string(blackboard.Analyst), Label: "Revisit the requirements analysis"},
			{Value: string(blackboard.Architect), Label: "Rework the design"},
			{Value: string(blackboard.Developer), Label: "Rework the implementation"},
		},
		PostAction:     blackboard.PostActionDelegate,
		DelegateReason: string(blackboard.HumanReviewThresholdExceeded),
		ResetFields:    []string{CounterField(stage)},
	})
	bb.Enqueue(req)
	log.Printf("[Review] Session %s %s review failed %d times, escalating to human", bb.SessionID, stage, count)
	return Outcome{Escalated: true, Iteration: count, Request: &req}
}

func (l *Loop) increment(bb *blackboard.Blackboard, stage blackboard.ReviewStage) int {
	if stage == blackboard.StageDevelopment {
		bb.DevelopmentReviewIterationCount++
		return bb.DevelopmentReviewIterationCount
	}
	bb.DesignReviewIterationCount++
	return bb.DesignReviewIterationCount
}

func escalationMessage(stage blackboard.ReviewStage, count int, v *Verdict) string {
	msg := fmt.Sprintf("The %s review has failed %d times. Choose which worker should continue.", stage, count)
	if v.Summary != "" {
		msg += "\nLast review: " + v.Summary
	}
	return msg
}

func toInterfaces(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
