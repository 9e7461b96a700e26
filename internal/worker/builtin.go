package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/review"
	"github.com/dyluth/warren/pkg/blackboard"
)

// Analysis is the built-in analyst's deliverable.
type Analysis struct {
	Task         string   `json:"task"`
	Requirements []string `json:"requirements"`
	Sources      []string `json:"sources,omitempty"`
	Targets      []string `json:"targets,omitempty"`
}

// Component is one stage of a pipeline design.
type Component struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Description string `json:"description"`
}

// Design is the built-in architect's deliverable.
type Design struct {
	Components []Component `json:"components"`
	Notes      []string    `json:"notes,omitempty"`
}

var (
	fromPattern = regexp.MustCompile(`(?i)\bfrom\s+([A-Za-z0-9_./-]+)`)
	intoPattern = regexp.MustCompile(`(?i)\binto\s+([A-Za-z0-9_./-]+)`)
)

// Builtin returns the deterministic in-process implementation of id.
func Builtin(id blackboard.WorkerID) (orchestrator.Worker, error) {
	switch id {
	case blackboard.Analyst:
		return orchestrator.WorkerFunc(analyst), nil
	case blackboard.Architect:
		return orchestrator.WorkerFunc(architect), nil
	case blackboard.Developer:
		return orchestrator.WorkerFunc(developer), nil
	case blackboard.Reviewer:
		return orchestrator.WorkerFunc(reviewer), nil
	}
	return nil, fmt.Errorf("no built-in worker for %q", id)
}

// analyst turns the task into a requirement list. An empty task, or one
// naming neither a source nor a target, is answered with a clarification.
func analyst(ctx context.Context, in *orchestrator.Input) (*blackboard.AgentResult, error) {
	task := strings.TrimSpace(in.View.Task)
	if task == "" {
		return &blackboard.AgentResult{
			Status:  blackboard.StatusNeedsClarification,
			Summary: "The task is empty",
			Clarification: &blackboard.Clarification{
				Message:   "What should the pipeline do?",
				Questions: []string{"Which source should be read?", "Where should the result be written?"},
			},
		}, nil
	}

	a := Analysis{Task: task}
	for _, m := range fromPattern.FindAllStringSubmatch(task, -1) {
		a.Sources = append(a.Sources, m[1])
	}
	for _, m := range intoPattern.FindAllStringSubmatch(task, -1) {
		a.Targets = append(a.Targets, m[1])
	}
	if len(a.Sources) == 0 && len(a.Targets) == 0 && !hasWriteback(in.View, "source") {
		return &blackboard.AgentResult{
			Status:  blackboard.StatusNeedsClarification,
			Summary: "The source of the data is unclear",
			Clarification: &blackboard.Clarification{
				Message:      "Which source should the pipeline read from?",
				Options:      []blackboard.Option{{Value: "database", Label: "A database table"}, {Value: "files", Label: "Files in object storage"}, {Value: "api", Label: "An HTTP API"}},
				WritebackKey: "source",
			},
		}, nil
	}
	if v, ok := in.View.Writebacks["source"].(string); ok && len(a.Sources) == 0 {
		a.Sources = append(a.Sources, v)
	}

	a.Requirements = splitRequirements(task)
	return deliver(blackboard.ArtifactAnalysis, fmt.Sprintf("Captured %d requirement(s)", len(a.Requirements)), a)
}

// architect designs an extract, transform and load stage per requirement.
// Issues raised by the last design review are folded into the notes.
func architect(ctx context.Context, in *orchestrator.Input) (*blackboard.AgentResult, error) {
	var a Analysis
	if err := in.View.Input(blackboard.ArtifactAnalysis, &a); err != nil {
		return nil, err
	}

	d := Design{}
	source := first(a.Sources, "source")
	target := first(a.Targets, "warehouse")
	d.Components = append(d.Components, Component{Name: "extract", Role: "extract", Description: "Read from " + source})
	for i, req := range a.Requirements {
		d.Components = append(d.Components, Component{
			Name:        fmt.Sprintf("transform_%d", i+1),
			Role:        "transform",
			Description: req,
		})
	}
	d.Components = append(d.Components, Component{Name: "load", Role: "load", Description: "Write to " + target})
	if sel, ok := in.View.Writebacks["selected_component"].(string); ok && sel != "" {
		d.Notes = append(d.Notes, "Focus: "+sel)
	}
	if in.View.Delegation != nil && in.View.Delegation.Reason != "" {
		d.Notes = append(d.Notes, in.View.Delegation.Reason)
	}

	return deliver(blackboard.ArtifactDesign, fmt.Sprintf("Designed %d component(s)", len(d.Components)), d)
}

// developer renders one unit per design component, reporting each render
// as a tool call.
func developer(ctx context.Context, in *orchestrator.Input) (*blackboard.AgentResult, error) {
	var d Design
	if err := in.View.Input(blackboard.ArtifactDesign, &d); err != nil {
		return nil, err
	}

	impl := review.Implementation{}
	for _, c := range d.Components {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		input, _ := json.Marshal(map[string]string{"component": c.Name})
		if in.Tools != nil {
			in.Tools.ToolStart("render_unit", input)
		}
		content := renderUnit(c)
		if in.Tools != nil {
			in.Tools.ToolResult("render_unit", c.Name)
		}
		impl.Units = append(impl.Units, review.Unit{ID: c.Name, Name: c.Role, Content: content})
	}

	return deliver(blackboard.ArtifactImplementation, fmt.Sprintf("Implemented %d unit(s)", len(impl.Units)), impl)
}

// reviewer checks the design for a complete extract/load pair, and the
// implementation for one filled unit per design component.
func reviewer(ctx context.Context, in *orchestrator.Input) (*blackboard.AgentResult, error) {
	var d Design
	if err := in.View.Input(blackboard.ArtifactDesign, &d); err != nil {
		return nil, err
	}

	v := review.Verdict{}
	kind := blackboard.ArtifactReviewDesign
	switch in.View.Stage {
	case blackboard.StageDevelopment:
		kind = blackboard.ArtifactReviewDevelopment
		var impl review.Implementation
		if err := in.View.Input(blackboard.ArtifactImplementation, &impl); err != nil {
			return nil, err
		}
		have := make(map[string]bool, len(impl.Units))
		for _, u := range impl.Units {
			if strings.TrimSpace(u.Content) != "" {
				have[u.ID] = true
			}
		}
		for _, c := range d.Components {
			if !have[c.Name] {
				v.Issues = append(v.Issues, fmt.Sprintf("component %s has no implementation", c.Name))
			}
		}
	default:
		roles := map[string]bool{}
		for _, c := range d.Components {
			roles[c.Role] = true
		}
		for _, role := range []string{"extract", "load"} {
			if !roles[role] {
				v.Issues = append(v.Issues, fmt.Sprintf("design has no %s stage", role))
			}
		}
	}

	v.Passed = len(v.Issues) == 0
	v.Summary = "Approved"
	if !v.Passed {
		v.Summary = strings.Join(v.Issues, "; ")
	}
	return deliver(kind, v.Summary, v)
}

func deliver(kind blackboard.ArtifactKind, summary string, body interface{}) (*blackboard.AgentResult, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	return &blackboard.AgentResult{
		Status:          blackboard.StatusCompleted,
		Summary:         summary,
		Deliverable:     data,
		DeliverableType: kind,
	}, nil
}

func renderUnit(c Component) string {
	switch c.Role {
	case "extract":
		return fmt.Sprintf("-- %s\nSELECT * FROM staging_input; -- %s", c.Name, c.Description)
	case "load":
		return fmt.Sprintf("-- %s\nINSERT INTO target_output SELECT * FROM staging_transformed; -- %s", c.Name, c.Description)
	}
	return fmt.Sprintf("-- %s\n-- %s\nCREATE TEMP VIEW %s AS SELECT * FROM staging_input;", c.Name, c.Description, c.Name)
}

// splitRequirements breaks a task into sentences.
func splitRequirements(task string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(task, func(r rune) bool {
		return r == '.' || r == ';' || r == '\n'
	}) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hasWriteback(v *blackboard.StateView, key string) bool {
	_, ok := v.Writebacks[key]
	return ok
}

func first(vals []string, fallback string) string {
	if len(vals) > 0 {
		return vals[0]
	}
	return fallback
}
