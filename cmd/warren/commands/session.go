package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/resolver"
	"github.com/dyluth/warren/internal/store"
)

func newResumeCmd(a *app) *cobra.Command {
	var (
		sessionID string
		requestID string
		output    string
		rawJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "resume <answer...>",
		Short: "Answer the question a session is waiting on",
		Long: `Answer a suspended session and continue it.

The answer is sent as text unless --json is given, in which case it is
parsed as a JSON value (e.g. '{"value":"files"}'). Without --request the
answer goes to the question pending when the command starts, and its
request id is echoed so a stale answer cannot land on a later question.

Examples:
  warren resume --store sqlite --session nightly "read from the orders table"
  warren resume --store sqlite --session nightly --request req_1a2b3c --json '{"value":"api"}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(sessionID); err != nil {
				return err
			}
			if err := checkOutput(output); err != nil {
				return err
			}

			var answer interface{} = strings.Join(args, " ")
			if rawJSON {
				if err := json.Unmarshal([]byte(strings.Join(args, " ")), &answer); err != nil {
					return printer.Error("invalid answer", fmt.Sprintf("--json answer is not valid JSON: %v", err), nil)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			eng, st, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if requestID, err = resolveRequest(ctx, eng, sessionID, a.user(), requestID); err != nil {
				return err
			}
			if output == outputDefault {
				printer.Info("Answering %s\n", requestID)
			}

			_, err = streamSession(ctx, eng, orchestrator.Request{
				SessionID: sessionID,
				UserID:    a.user(),
				Resume:    &orchestrator.ResumeValue{RequestID: requestID, Answer: answer},
			}, output)
			return err
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	cmd.Flags().StringVarP(&requestID, "request", "r", "", "Request id being answered (default: the one pending now)")
	cmd.Flags().StringVarP(&output, "output", "o", outputDefault, "Output format (default or json)")
	cmd.Flags().BoolVar(&rawJSON, "json", false, "Parse the answer as JSON")
	return cmd
}

// resolveRequest expands a short --request prefix like "1a2b3c". An empty
// prefix names the request the session is suspended on.
func resolveRequest(ctx context.Context, eng *orchestrator.Engine, sessionID, userID, shortID string) (string, error) {
	bb, err := eng.State(ctx, sessionID, userID)
	if err != nil {
		if store.IsNotFound(err) {
			return "", printer.Error("nothing to resume", fmt.Sprintf("No checkpoint for session %s.", sessionID), nil)
		}
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	if shortID == "" {
		if bb.Suspension == nil {
			return "", printer.Error("nothing to resume",
				fmt.Sprintf("Session %s is not waiting for an answer.", sessionID),
				[]string{fmt.Sprintf("Inspect the session:\n  warren inspect --session %s", sessionID)})
		}
		return bb.Suspension.RequestID, nil
	}

	id, err := resolver.ResolveRequestID(bb, shortID)
	if err != nil {
		var amb *resolver.AmbiguousError
		if errors.As(err, &amb) {
			return "", printer.Error("ambiguous request id", resolver.FormatAmbiguousError(amb), nil)
		}
		return "", printer.Error("unknown request id", err.Error(),
			[]string{fmt.Sprintf("List requests with:\n  warren inspect --session %s", sessionID)})
	}
	return id, nil
}

func newInspectCmd(a *app) *cobra.Command {
	var (
		sessionID string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the last checkpoint of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(sessionID); err != nil {
				return err
			}
			if err := checkOutput(output); err != nil {
				return err
			}

			eng, st, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			bb, err := eng.State(cmd.Context(), sessionID, a.user())
			if err != nil {
				if store.IsNotFound(err) {
					return printer.Error(
						"session not found",
						fmt.Sprintf("No checkpoint for session %s (user %s).", sessionID, a.user()),
						[]string{"Check --session, --user and --store"},
					)
				}
				return fmt.Errorf("failed to load session: %w", err)
			}

			if output == outputJSON {
				enc := json.NewEncoder(printer.Out)
				enc.SetIndent("", "  ")
				return enc.Encode(bb)
			}
			return printer.Blackboard(printer.Out, bb)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	cmd.Flags().StringVarP(&output, "output", "o", outputDefault, "Output format (default or json)")
	return cmd
}

func newClearCmd(a *app) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete a session's checkpoint and deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(sessionID); err != nil {
				return err
			}

			eng, st, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := eng.ClearSession(cmd.Context(), sessionID, a.user()); err != nil {
				return invocationError(sessionID, err)
			}
			printer.Success("Cleared session %s\n", sessionID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	return cmd
}
