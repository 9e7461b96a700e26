package hoard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// FormatTable writes entries as an aligned table with a content preview.
func FormatTable(w io.Writer, entries []Entry, sessionID string) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintf(w, "No deliverables found for session '%s'\n", sessionID)
		return err
	}

	fmt.Fprintf(w, "Deliverables for session '%s':\n\n", sessionID)
	fmt.Fprintf(w, "%-20s %-10s %-8s %s\n", "KIND", "BY", "SIZE", "PREVIEW")
	fmt.Fprintf(w, "%-20s %-10s %-8s %s\n",
		"--------------------", "----------", "--------", "----------------------------------------")

	for _, e := range entries {
		fmt.Fprintf(w, "%-20s %-10s %-8s %s\n",
			e.Kind, formatProducer(string(e.Producer)), formatSize(len(e.Content)), formatPreview(e.Content))
	}

	noun := "deliverable"
	if len(entries) != 1 {
		noun = "deliverables"
	}
	_, err := fmt.Fprintf(w, "\n%d %s found\n", len(entries), noun)
	return err
}

// FormatJSONL writes one compact JSON object per entry.
func FormatJSONL(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal %s to JSON: %w", e.Kind, err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON pretty-prints raw deliverable content.
func FormatSingleJSON(w io.Writer, content json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, content, "", "  "); err != nil {
		return fmt.Errorf("deliverable is not valid JSON: %w", err)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// formatPreview compacts the content onto one line, max 40 characters.
func formatPreview(content json.RawMessage) string {
	if len(content) == 0 || string(content) == "null" {
		return "-"
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, content); err != nil {
		return "-"
	}
	line := strings.Join(strings.Fields(buf.String()), " ")
	if len(line) > 40 {
		return line[:37] + "..."
	}
	return line
}

func formatProducer(id string) string {
	if id == "" {
		return "-"
	}
	return id
}

func formatSize(n int) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fK", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1fM", float64(n)/(1024*1024))
	}
}
