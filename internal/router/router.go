// Package router decides which worker runs next from blackboard state
// alone. Decide has no side effects; the engine applies its Decision.
package router

import (
	"fmt"

	"github.com/dyluth/warren/pkg/blackboard"
)

// Rule identifies which decision rule fired.
type Rule int

const (
	RuleHumanPending Rule = iota + 1
	RuleDelegateHead
	RuleDelegateReturn
	RuleErrorRecovery
	RuleProgression
	RuleFinalize
)

func (r Rule) String() string {
	switch r {
	case RuleHumanPending:
		return "human_pending"
	case RuleDelegateHead:
		return "delegate_head"
	case RuleDelegateReturn:
		return "delegate_return"
	case RuleErrorRecovery:
		return "error_recovery"
	case RuleProgression:
		return "progression"
	case RuleFinalize:
		return "finalize"
	}
	return "unknown"
}

// Options carries the budgets the router enforces.
type Options struct {
	// ErrorRecoveryAttempts is the number of error_recovery human requests
	// a session may raise.
	ErrorRecoveryAttempts int

	// MaxHumanRequests bounds error recovery as well: no recovery request
	// is raised once the human budget is spent.
	MaxHumanRequests int

	// NewID generates request ids. Defaults to blackboard.NewRequestID.
	NewID func() string
}

// Decision is the router's verdict for one step.
type Decision struct {
	Next   blackboard.WorkerID
	Stage  blackboard.ReviewStage
	Rule   Rule
	Reason string

	// Request is the queued request that drove the decision, if any.
	Request *blackboard.Request

	// Enqueue is a request the engine must append before acting.
	Enqueue *blackboard.Request

	// ClearError asks the engine to clear Blackboard.Error and count one
	// error recovery attempt.
	ClearError bool

	// ConsumeResume asks the engine to clear JustCompleted.
	ConsumeResume bool
}

// Decide applies the decision rules in order; the first match wins.
func Decide(bb *blackboard.Blackboard, opts Options) Decision {
	// 1. Human requests preempt everything.
	if req, _, ok := bb.FirstPendingHuman(); ok {
		return Decision{
			Next:    blackboard.HumanInTheLoop,
			Rule:    RuleHumanPending,
			Reason:  fmt.Sprintf("pending human request %s", req.RequestID),
			Request: &req,
		}
	}

	// 2. The head delegate keeps routing to its target until it runs.
	if head, ok := bb.Head(); ok && head.Kind == blackboard.KindDelegate {
		d := Decision{
			Next:    head.TargetAgent,
			Rule:    RuleDelegateHead,
			Reason:  fmt.Sprintf("delegate request %s from %s", head.RequestID, head.CreatedBy),
			Request: &head,
		}
		if head.TargetAgent == blackboard.Reviewer {
			d.Stage = bb.ReviewStage()
		}
		return d
	}

	// 3. Return to whoever delegated.
	if jc := bb.JustCompleted; jc != nil && jc.ResumeTo.IsWorker() {
		d := Decision{
			Next:          jc.ResumeTo,
			Rule:          RuleDelegateReturn,
			Reason:        fmt.Sprintf("%s completed delegate request %s", jc.TargetAgent, jc.RequestID),
			ConsumeResume: true,
		}
		if jc.ResumeTo == blackboard.Reviewer {
			d.Stage = bb.ReviewStage()
		}
		return d
	}
	consume := bb.JustCompleted != nil

	// 4. One human chance to recover from a worker error.
	if bb.Error != "" {
		if bb.ErrorRecoveryCount < opts.ErrorRecoveryAttempts && bb.HumanRequestCount < opts.MaxHumanRequests {
			req := recoveryRequest(bb, opts)
			return Decision{
				Next:          blackboard.HumanInTheLoop,
				Rule:          RuleErrorRecovery,
				Reason:        "error recovery",
				Enqueue:       &req,
				ClearError:    true,
				ConsumeResume: consume,
			}
		}
		return Decision{
			Next:          blackboard.Finalize,
			Rule:          RuleFinalize,
			Reason:        "unrecovered error",
			ConsumeResume: consume,
		}
	}

	if bb.IsCompleted {
		return Decision{Next: blackboard.Finalize, Rule: RuleFinalize, Reason: "task completed", ConsumeResume: consume}
	}

	// 5. Deterministic progression by artifact completeness.
	d := progression(bb)
	d.ConsumeResume = consume
	return d
}

func progression(bb *blackboard.Blackboard) Decision {
	switch {
	case !bb.HasArtifact(blackboard.ArtifactAnalysis):
		return Decision{Next: blackboard.Analyst, Rule: RuleProgression, Reason: "no analysis"}
	case !bb.HasArtifact(blackboard.ArtifactDesign):
		return Decision{Next: blackboard.Architect, Rule: RuleProgression, Reason: "no design"}
	case !bb.DesignReviewPassed:
		return Decision{Next: blackboard.Reviewer, Stage: blackboard.StageDesign, Rule: RuleProgression, Reason: "design not reviewed"}
	case !bb.HasArtifact(blackboard.ArtifactImplementation):
		return Decision{Next: blackboard.Developer, Rule: RuleProgression, Reason: "no implementation"}
	case !bb.DevelopmentReviewPassed:
		return Decision{Next: blackboard.Reviewer, Stage: blackboard.StageDevelopment, Rule: RuleProgression, Reason: "implementation not reviewed"}
	}
	return Decision{Next: blackboard.Finalize, Rule: RuleFinalize, Reason: "all stages passed"}
}

func recoveryRequest(bb *blackboard.Blackboard, opts Options) blackboard.Request {
	failed := blackboard.Router
	for _, id := range blackboard.Workers() {
		if r, ok := bb.Reports[id]; ok && r.Status == blackboard.StatusFailed {
			failed = id
		}
	}

	req := blackboard.NewHumanRequest(blackboard.Router, blackboard.Router, blackboard.HumanPayload{
		Type:    blackboard.HumanErrorRecovery,
		Message: fmt.Sprintf("The run stopped on an error: %s\nAdd any detail that could help, or reply \"continue\" to retry.", bb.Error),
	})
	if opts.NewID != nil {
		req.RequestID = opts.NewID()
	}
	req.Payload = map[string]interface{}{"failed_worker": string(failed), "error": bb.Error}
	return req
}
