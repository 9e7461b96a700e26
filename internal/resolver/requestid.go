// Package resolver expands short request id prefixes typed on the command
// line into the full ids recorded on a blackboard.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/warren/pkg/blackboard"
)

// MinShortIDLength is the minimum number of hex characters a prefix must
// carry after the "req_" marker.
const MinShortIDLength = 6

const idPrefix = "req_"

// ResolveRequestID resolves a short request id against the pending queue,
// the suspension and the resolved results of bb. The "req_" marker may be
// omitted. A full id is returned as-is when it is known.
func ResolveRequestID(bb *blackboard.Blackboard, shortID string) (string, error) {
	hex := strings.TrimPrefix(shortID, idPrefix)
	full := idPrefix + hex

	known := knownIDs(bb)
	if _, ok := known[full]; ok {
		return full, nil
	}

	if len(hex) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(hex))
	}

	var matches []string
	for id := range known {
		if strings.HasPrefix(id, full) {
			matches = append(matches, id)
		}
	}
	sort.Strings(matches)

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

func knownIDs(bb *blackboard.Blackboard) map[string]struct{} {
	ids := make(map[string]struct{}, len(bb.PendingRequests)+len(bb.RequestResults)+1)
	for _, r := range bb.PendingRequests {
		ids[r.RequestID] = struct{}{}
	}
	for id := range bb.RequestResults {
		ids[id] = struct{}{}
	}
	if bb.Suspension != nil {
		ids[bb.Suspension.RequestID] = struct{}{}
	}
	return ids
}

// NotFoundError indicates no request matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no requests found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple requests matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d requests", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError lists up to 10 matching ids for display.
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ambiguous short ID '%s' matches %d requests:\n", err.ShortID, len(err.Matches))

	shown := len(err.Matches)
	if shown > 10 {
		shown = 10
	}
	for _, id := range err.Matches[:shown] {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(err.Matches) > 10 {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-10)
	}

	b.WriteString("\nUse a longer prefix to uniquely identify the request.")
	return b.String()
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
