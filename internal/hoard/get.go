package hoard

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/dyluth/warren/internal/store"
	"github.com/dyluth/warren/pkg/blackboard"
)

// GetDeliverable writes one deliverable's content as pretty-printed JSON.
// Kinds absent from the blackboard index return a NotFoundError listing
// what the session does have.
func GetDeliverable(ctx context.Context, d store.Deliverables, bb *blackboard.Blackboard, kind string, w io.Writer) error {
	ref, ok := bb.Artifacts[blackboard.ArtifactKind(kind)]
	if !ok {
		return &NotFoundError{SessionID: bb.SessionID, Kind: kind, Available: availableKinds(bb)}
	}

	data, err := d.GetDeliverable(ctx, bb.SessionID, ref)
	if err != nil {
		if store.IsNotFound(err) {
			return &NotFoundError{SessionID: bb.SessionID, Kind: kind, Available: availableKinds(bb)}
		}
		return fmt.Errorf("failed to fetch deliverable: %w", err)
	}

	if err := FormatSingleJSON(w, data); err != nil {
		return fmt.Errorf("failed to format deliverable: %w", err)
	}
	return nil
}

func availableKinds(bb *blackboard.Blackboard) []string {
	kinds := make([]string, 0, len(bb.Artifacts))
	for k := range bb.Artifacts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

// NotFoundError reports a deliverable kind the session has not produced.
type NotFoundError struct {
	SessionID string
	Kind      string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session '%s' has no %s deliverable", e.SessionID, e.Kind)
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
