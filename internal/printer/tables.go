package printer

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/dyluth/warren/pkg/blackboard"
)

// Blackboard renders a session summary followed by the report, artifact
// and request tables.
func Blackboard(w io.Writer, bb *blackboard.Blackboard) error {
	status := "running"
	switch {
	case bb.Suspension != nil:
		status = "suspended"
	case bb.IsCompleted && bb.Error != "":
		status = "failed"
	case bb.IsCompleted:
		status = "completed"
	}

	fmt.Fprintf(w, "Session:  %s (user %s)\n", bb.SessionID, bb.UserID)
	fmt.Fprintf(w, "Status:   %s\n", status)
	fmt.Fprintf(w, "Version:  %d, updated %s\n", bb.Version, formatMs(bb.UpdatedAtMs))
	fmt.Fprintf(w, "Reviews:  design=%s (%d) development=%s (%d)\n",
		passed(bb.DesignReviewPassed), bb.DesignReviewIterationCount,
		passed(bb.DevelopmentReviewPassed), bb.DevelopmentReviewIterationCount)
	fmt.Fprintf(w, "Budgets:  human=%d recovery=%d\n", bb.HumanRequestCount, bb.ErrorRecoveryCount)
	if bb.Error != "" {
		red.Fprintf(w, "Error:    %s\n", bb.Error)
	}
	if bb.Suspension != nil {
		magenta.Fprintf(w, "Waiting:  %s [%s]\n", bb.Suspension.Interrupt.Message, bb.Suspension.RequestID)
	}

	fmt.Fprintln(w)
	if err := Reports(w, bb); err != nil {
		return err
	}
	if len(bb.Artifacts) > 0 {
		fmt.Fprintln(w)
		if err := Artifacts(w, bb); err != nil {
			return err
		}
	}
	if len(bb.PendingRequests) > 0 {
		fmt.Fprintln(w)
		return Requests(w, bb.PendingRequests)
	}
	return nil
}

// Reports renders the last report of every worker.
func Reports(w io.Writer, bb *blackboard.Blackboard) error {
	table := tablewriter.NewWriter(w)
	table.Header("Worker", "Status", "Summary", "Deliverable", "Updated")
	for _, id := range blackboard.Workers() {
		r, ok := bb.Reports[id]
		if !ok {
			continue
		}
		if err := table.Append([]string{
			id.DisplayName(),
			string(r.Status),
			clip(r.Summary),
			r.DeliverableRef,
			formatMs(r.UpdatedAtMs),
		}); err != nil {
			return fmt.Errorf("failed to render reports: %w", err)
		}
	}
	return table.Render()
}

// Artifacts renders the artifact index.
func Artifacts(w io.Writer, bb *blackboard.Blackboard) error {
	kinds := make([]string, 0, len(bb.Artifacts))
	for k := range bb.Artifacts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	table := tablewriter.NewWriter(w)
	table.Header("Artifact", "Reference", "Producer")
	for _, k := range kinds {
		kind := blackboard.ArtifactKind(k)
		if err := table.Append([]string{k, bb.Artifacts[kind], kind.Producer().DisplayName()}); err != nil {
			return fmt.Errorf("failed to render artifacts: %w", err)
		}
	}
	return table.Render()
}

// Requests renders the pending request queue in order.
func Requests(w io.Writer, reqs []blackboard.Request) error {
	table := tablewriter.NewWriter(w)
	table.Header("#", "Request", "Kind", "From", "Target", "Resume To", "Reason")
	for i, r := range reqs {
		target := string(r.TargetAgent)
		reason := r.Reason
		if r.Kind == blackboard.KindHuman {
			target = string(blackboard.HumanInTheLoop)
			if r.Human != nil {
				reason = string(r.Human.Type) + ": " + r.Human.Message
			}
		}
		if err := table.Append([]string{
			strconv.Itoa(i + 1),
			r.RequestID,
			string(r.Kind),
			string(r.CreatedBy),
			target,
			string(r.ResumeTo),
			clip(reason),
		}); err != nil {
			return fmt.Errorf("failed to render requests: %w", err)
		}
	}
	return table.Render()
}

func passed(ok bool) string {
	if ok {
		return "passed"
	}
	return "pending"
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
