package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dyluth/warren/internal/events"
)

// maxInline bounds tool input/output echoed on one line.
const maxInline = 120

// Event renders one stream event as a single line, or a block for
// interrupts and results.
func Event(w io.Writer, ev events.Event) {
	name := ev.AgentName
	if name == "" {
		name = ev.AgentID.DisplayName()
	}

	switch ev.Type {
	case events.AgentStart:
		cyan.Fprintf(w, "▶ %s started\n", name)

	case events.AgentEnd:
		green.Fprintf(w, "✓ %s", name)
		if ev.Summary != "" {
			fmt.Fprintf(w, ": %s", ev.Summary)
		}
		fmt.Fprintln(w)

	case events.AgentFailed:
		label := name
		if label == "" {
			label = "Session"
		}
		msg, kind := "failed", ""
		if ev.Error != nil {
			msg, kind = ev.Error.Message, ev.Error.Kind
		}
		red.Fprintf(w, "✗ %s: %s", label, msg)
		if kind != "" {
			faint.Fprintf(w, " [%s]", kind)
		}
		fmt.Fprintln(w)

	case events.ToolStart, events.ToolResult, events.ToolError:
		toolLine(w, name, ev)

	case events.Interrupt:
		if ev.Interrupt != nil {
			Interrupt(w, ev.Interrupt)
		}

	case events.Result:
		if ev.Result == nil {
			return
		}
		if ev.Result.Completed {
			green.Fprintf(w, "\n✓ %s\n", ev.Result.Summary)
		} else {
			red.Fprintf(w, "\n✗ %s\n", ev.Result.Summary)
		}
		if len(ev.Result.Deliverable) > 0 {
			fmt.Fprintf(w, "%s\n", indentJSON(ev.Result.Deliverable))
		}

	default:
		fmt.Fprintf(w, "%s\n", ev.Type)
	}
}

func toolLine(w io.Writer, worker string, ev events.Event) {
	if ev.Tool == nil {
		return
	}
	switch ev.Type {
	case events.ToolStart:
		faint.Fprintf(w, "  ⚙ %s → %s %s\n", worker, ev.Tool.Name, clip(string(ev.Tool.Input)))
	case events.ToolResult:
		faint.Fprintf(w, "  ⚙ %s ← %s %s\n", worker, ev.Tool.Name, clip(ev.Tool.Output))
	case events.ToolError:
		yellow.Fprintf(w, "  ⚙ %s ✗ %s %s\n", worker, ev.Tool.Name, clip(ev.Tool.Error))
	}
}

// Interrupt renders a pending question with numbered options.
func Interrupt(w io.Writer, in *events.InterruptInfo) {
	magenta.Fprintf(w, "\n? %s\n", in.Message)
	for i, opt := range in.Options {
		label := opt.Label
		if label == "" {
			label = opt.Value
		}
		fmt.Fprintf(w, "  %d. %s", i+1, label)
		if opt.Label != "" && opt.Value != opt.Label {
			faint.Fprintf(w, " (%s)", opt.Value)
		}
		fmt.Fprintln(w)
	}
	faint.Fprintf(w, "  request: %s (%s)\n", in.RequestID, in.Kind)
}

// EventJSON writes ev as one JSON line.
func EventJSON(w io.Writer, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func indentJSON(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxInline {
		return s
	}
	return string(r[:maxInline]) + "..."
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
