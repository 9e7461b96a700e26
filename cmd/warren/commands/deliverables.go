package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/hoard"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/store"
)

func newDeliverablesCmd(a *app) *cobra.Command {
	var (
		sessionID string
		output    string
		kindGlob  string
	)

	cmd := &cobra.Command{
		Use:   "deliverables [kind]",
		Short: "List a session's deliverables or print one of them",
		Long: `Without an argument, list every deliverable the session has produced.
With a kind (analysis, design, implementation, review_design,
review_development), print that deliverable as JSON.

Examples:
  warren deliverables --store sqlite --session nightly
  warren deliverables --store sqlite --session nightly --kind 'review_*' -o jsonl
  warren deliverables --store sqlite --session nightly implementation`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(sessionID); err != nil {
				return err
			}
			format := hoard.OutputFormat(output)
			if format != hoard.OutputFormatDefault && format != hoard.OutputFormatJSONL {
				return printer.Error("invalid output format",
					fmt.Sprintf("Unknown format: %s", output),
					[]string{"Valid formats: default, jsonl"})
			}

			ctx := cmd.Context()
			eng, st, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			bb, err := eng.State(ctx, sessionID, a.user())
			if err != nil {
				if store.IsNotFound(err) {
					return printer.Error("session not found",
						fmt.Sprintf("No checkpoint for session %s (user %s).", sessionID, a.user()), nil)
				}
				return fmt.Errorf("failed to load session: %w", err)
			}

			if len(args) == 0 {
				return hoard.ListDeliverables(ctx, st, bb, kindGlob, format, printer.Out)
			}

			err = hoard.GetDeliverable(ctx, st, bb, args[0], printer.Out)
			var nf *hoard.NotFoundError
			if errors.As(err, &nf) {
				available := "none yet"
				if len(nf.Available) > 0 {
					available = strings.Join(nf.Available, ", ")
				}
				return printer.Error("deliverable not found", err.Error(),
					[]string{"Available: " + available})
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	cmd.Flags().StringVarP(&output, "output", "o", string(hoard.OutputFormatDefault), "Output format (default or jsonl)")
	cmd.Flags().StringVar(&kindGlob, "kind", "", "Only list kinds matching a glob")
	return cmd
}
