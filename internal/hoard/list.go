// Package hoard reads the deliverables a session has produced. The
// blackboard indexes them by kind; the content lives in the store.
package hoard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/dyluth/warren/internal/store"
	"github.com/dyluth/warren/pkg/blackboard"
)

// OutputFormat specifies how to format the deliverable list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table with a one-line preview
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete entries as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// Entry is one deliverable with its index data.
type Entry struct {
	Kind     blackboard.ArtifactKind `json:"kind"`
	Ref      string                  `json:"ref"`
	Producer blackboard.WorkerID     `json:"producer"`
	Content  json.RawMessage         `json:"content"`
}

// Collect loads every deliverable indexed on bb whose kind matches glob
// (empty matches all), ordered by kind.
func Collect(ctx context.Context, d store.Deliverables, bb *blackboard.Blackboard, glob string) ([]Entry, error) {
	kinds := make([]string, 0, len(bb.Artifacts))
	for k := range bb.Artifacts {
		if glob != "" {
			if ok, err := filepath.Match(glob, string(k)); err != nil {
				return nil, fmt.Errorf("invalid kind pattern: %w", err)
			} else if !ok {
				continue
			}
		}
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	entries := make([]Entry, 0, len(kinds))
	for _, k := range kinds {
		kind := blackboard.ArtifactKind(k)
		ref := bb.Artifacts[kind]
		data, err := d.GetDeliverable(ctx, bb.SessionID, ref)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, fmt.Errorf("deliverable %s is indexed but missing from the store", k)
			}
			return nil, fmt.Errorf("failed to fetch %s: %w", k, err)
		}
		entries = append(entries, Entry{
			Kind:     kind,
			Ref:      ref,
			Producer: kind.Producer(),
			Content:  data,
		})
	}
	return entries, nil
}

// ListDeliverables writes the session's deliverables in the given format.
func ListDeliverables(ctx context.Context, d store.Deliverables, bb *blackboard.Blackboard, glob string, format OutputFormat, w io.Writer) error {
	entries, err := Collect(ctx, d, bb, glob)
	if err != nil {
		return err
	}

	switch format {
	case OutputFormatJSONL:
		return FormatJSONL(w, entries)
	case OutputFormatDefault, "":
		return FormatTable(w, entries, bb.SessionID)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
