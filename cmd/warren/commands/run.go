package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/human"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/blackboard"
)

const (
	outputDefault = "default"
	outputJSON    = "json"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		sessionID string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "run [task...]",
		Short: "Start or continue a session with a task",
		Long: `Drive a session with a task until it completes or pauses for a question.

If the session is waiting for an answer, the task text is taken as the
answer. If it has completed, the text starts a new turn that keeps the
conversation.

Examples:
  # Start a new session
  warren run "Load orders from postgres into bigquery"

  # Continue a named session stored in SQLite
  warren run --store sqlite --session nightly "Also deduplicate by order id"

  # Emit line-delimited JSON events
  warren run -o json --session nightly "..."`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = "sess-" + uuid.New().String()[:8]
			}
			input := strings.Join(args, " ")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			eng, st, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if output == outputDefault {
				warnEphemeral(a.cfg)
				printer.Step("Session %s\n", sessionID)
			}
			bb, err := streamSession(ctx, eng, orchestrator.Request{
				SessionID: sessionID,
				UserID:    a.user(),
				UserInput: input,
			}, output)
			if err != nil {
				return err
			}
			if output == outputDefault && bb != nil && bb.Suspension != nil {
				printer.Info("\nAnswer with:\n  warren resume --session %s \"<answer>\"\n", sessionID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id (generated if omitted)")
	cmd.Flags().StringVarP(&output, "output", "o", outputDefault, "Output format (default or json)")
	return cmd
}

// streamSession runs one invocation and renders its events as they arrive.
func streamSession(ctx context.Context, eng *orchestrator.Engine, req orchestrator.Request, output string) (*blackboard.Blackboard, error) {
	x := eng.Stream(ctx, req)
	for ev := range x.Events() {
		if output == outputJSON {
			if err := printer.EventJSON(printer.Out, ev); err != nil {
				return nil, err
			}
			continue
		}
		printer.Event(printer.Out, ev)
	}

	bb, err := x.Wait()
	if err != nil {
		return bb, invocationError(req.SessionID, err)
	}
	return bb, nil
}

// invocationError renders engine errors that stopped an invocation.
func invocationError(sessionID string, err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrSessionBusy):
		return printer.Error(
			"session is busy",
			fmt.Sprintf("Session %s is already running in another invocation.", sessionID),
			[]string{"Wait for it to finish, then retry"},
		)
	case errors.Is(err, human.ErrNoSuspension),
		errors.Is(err, human.ErrAlreadyResolved),
		errors.Is(err, human.ErrRequestMismatch),
		errors.Is(err, human.ErrRequestIDRequired):
		return printer.Error(
			"nothing to resume",
			err.Error(),
			[]string{fmt.Sprintf("Inspect the session:\n  warren inspect --session %s", sessionID)},
		)
	case errors.Is(err, orchestrator.ErrStepBudgetExhausted):
		return printer.Error(
			"step budget exhausted",
			err.Error(),
			[]string{"Raise engine.max_steps in warren.yml"},
		)
	case errors.Is(err, context.Canceled):
		return printer.Error("cancelled", "The invocation was interrupted; the last step was discarded.", nil)
	}
	return printer.Error("session failed", err.Error(), nil)
}

func checkOutput(output string) error {
	switch output {
	case outputDefault, outputJSON:
		return nil
	}
	return printer.Error(
		"invalid output format",
		fmt.Sprintf("Unknown format: %s", output),
		[]string{"Valid formats: default, json"},
	)
}

func warnEphemeral(cfg *config.WarrenConfig) {
	if cfg.Store.Backend == config.BackendMemory {
		printer.Warning("memory store: the session is lost when warren exits (use --store sqlite to keep it)\n")
	}
}

func requireSession(sessionID string) error {
	if sessionID == "" {
		return printer.Error("session required", "This command needs a session id.", []string{"Pass --session <id>"})
	}
	return nil
}
