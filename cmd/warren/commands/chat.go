package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/blackboard"
)

func newChatCmd(a *app) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session on the terminal",
		Long: `Run a session interactively. Each line is sent to the session; when
a worker asks a question, the next line answers it. For questions with
options, the option number may be typed instead of its value.

Type "exit" or press Ctrl-D to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				sessionID = "chat-" + uuid.New().String()[:8]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			eng, st, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			printer.Step("Session %s (type \"exit\" to quit)\n", sessionID)
			return chatLoop(ctx, cmd.InOrStdin(), func(line string, pending *blackboard.Suspension) (*blackboard.Blackboard, error) {
				req := orchestrator.Request{SessionID: sessionID, UserID: a.user(), UserInput: line}
				if pending != nil {
					req.UserInput = ""
					req.Resume = &orchestrator.ResumeValue{
						RequestID: pending.RequestID,
						Answer:    pickOption(line, pending.Interrupt.Options),
					}
				}
				return streamSession(ctx, eng, req, outputDefault)
			})
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id (generated if omitted)")
	return cmd
}

type sendFunc func(line string, pending *blackboard.Suspension) (*blackboard.Blackboard, error)

// chatLoop reads lines from in and sends each one, tracking whether the
// session is waiting for an answer.
func chatLoop(ctx context.Context, in io.Reader, send sendFunc) error {
	scanner := bufio.NewScanner(in)
	var pending *blackboard.Suspension

	for {
		prompt := "> "
		if pending != nil {
			prompt = "answer> "
		}
		fmt.Fprint(printer.Out, prompt)

		if !scanner.Scan() {
			fmt.Fprintln(printer.Out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		bb, err := send(line, pending)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Already printed; the session can continue.
			continue
		}
		pending = nil
		if bb != nil {
			pending = bb.Suspension
		}
	}
}

// pickOption maps "2" to the value of the second option.
func pickOption(line string, options []blackboard.Option) string {
	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(options) {
		return options[n-1].Value
	}
	return line
}
