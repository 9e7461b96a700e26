package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/pkg/blackboard"
)

const (
	// maxOutputSize is the maximum number of bytes read from worker stdout (10MB)
	maxOutputSize = 10 * 1024 * 1024

	// maxStderrTail is how much non-event stderr is kept for error messages
	maxStderrTail = 4096

	// maxEventLine bounds a single stderr event line
	maxEventLine = 1024 * 1024
)

// Command runs a worker as a subprocess.
//
// The subprocess receives the JSON state view on stdin and must write exactly
// one AgentResult JSON object on stdout. Lines on stderr that are JSON objects
// of the form {"event":"tool.start","tool":"name","input":{...}} are surfaced
// as tool events; any other stderr output is kept for diagnostics.
type Command struct {
	ID      blackboard.WorkerID
	Argv    []string
	Timeout time.Duration
	Env     []string
	Dir     string
}

// toolLine is one structured stderr line.
type toolLine struct {
	Event  string          `json:"event"`
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Run executes the command once.
func (c *Command) Run(ctx context.Context, in *orchestrator.Input) (*blackboard.AgentResult, error) {
	if len(c.Argv) == 0 {
		return nil, fmt.Errorf("command array is empty")
	}
	if in == nil || in.View == nil {
		return nil, fmt.Errorf("%s invoked without a state view", c.ID)
	}

	inputJSON, err := json.Marshal(in.View)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state view: %w", err)
	}

	execCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"WARREN_WORKER="+string(c.ID),
		"WARREN_SESSION_ID="+in.View.SessionID,
		"WARREN_USER_ID="+in.View.UserID,
	)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	stderr := &eventWriter{tools: in.Tools, tail: &tailBuffer{limit: maxStderrTail}}
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	log.Printf("[Worker] Executing %s: command=%v", c.ID, c.Argv)
	startTime := time.Now()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.ID, err)
	}

	go func() {
		defer stdinPipe.Close()
		if _, err := stdinPipe.Write(inputJSON); err != nil {
			log.Printf("[Worker] Failed to write to %s stdin: %v", c.ID, err)
		}
	}()

	err = cmd.Wait()
	stderr.flush()
	duration := time.Since(startTime)

	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%s timed out after %s: %w", c.ID, c.Timeout, context.DeadlineExceeded)
		}
		return nil, ctx.Err()
	}

	if stdoutBuf.Len() >= maxOutputSize {
		return nil, fmt.Errorf("%s output exceeded 10MB limit", c.ID)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Printf("[Worker] %s exited with code %d after %s", c.ID, exitErr.ExitCode(), duration)
			return nil, fmt.Errorf("%s exited with code %d: %s", c.ID, exitErr.ExitCode(), stderr.tail.String())
		}
		return nil, fmt.Errorf("failed to run %s: %w", c.ID, err)
	}

	log.Printf("[Worker] %s completed in %s", c.ID, duration)
	return parseOutput(stdoutBuf.Bytes())
}

// eventWriter splits worker stderr into lines, forwarding tool event lines
// to the reporter and keeping the tail of everything else.
type eventWriter struct {
	tools   orchestrator.ToolReporter
	tail    *tailBuffer
	pending []byte
}

func (w *eventWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.line(w.pending[:i])
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) > maxEventLine {
		w.tail.Write(w.pending)
		w.pending = nil
	}
	return len(p), nil
}

func (w *eventWriter) flush() {
	if len(w.pending) > 0 {
		w.line(w.pending)
		w.pending = nil
	}
}

func (w *eventWriter) line(line []byte) {
	if ev, ok := parseToolLine(line); ok {
		if w.tools != nil {
			report(w.tools, ev)
		}
		return
	}
	w.tail.Write(line)
	w.tail.Write([]byte{'\n'})
}

func parseToolLine(line []byte) (*toolLine, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var ev toolLine
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, false
	}
	if !strings.HasPrefix(ev.Event, "tool.") || ev.Tool == "" {
		return nil, false
	}
	return &ev, true
}

func report(tools orchestrator.ToolReporter, ev *toolLine) {
	switch ev.Event {
	case "tool.start":
		tools.ToolStart(ev.Tool, ev.Input)
	case "tool.result":
		tools.ToolResult(ev.Tool, ev.Output)
	case "tool.error":
		tools.ToolError(ev.Tool, errors.New(ev.Error))
	}
}

// parseOutput unmarshals and validates the worker's stdout JSON.
func parseOutput(stdout []byte) (*blackboard.AgentResult, error) {
	stdout = bytes.TrimSpace(stdout)
	if len(stdout) == 0 {
		return nil, fmt.Errorf("worker produced no output on stdout")
	}

	var res blackboard.AgentResult
	dec := json.NewDecoder(bytes.NewReader(stdout))
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("invalid JSON on stdout: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON on stdout: more than one result object")
	}

	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &res, nil
}

// limitedWriter wraps a writer and enforces a size limit.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err := lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
}

func (t *tailBuffer) String() string {
	s := strings.TrimSpace(string(t.buf))
	if s == "" {
		return "no stderr output"
	}
	return s
}
