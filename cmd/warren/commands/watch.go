package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/events"
	"github.com/dyluth/warren/internal/filter"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/timespec"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		sessionID string
		output    string
		follow    bool
		typeGlob  string
		agent     string
		since     string
		until     string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Monitor a session's events live",
		Long: `Stream the events of a session as another process produces them.

Requires the redis backend: every invocation publishes its events on the
session's channel.

Examples:
  # Follow a session until it finishes or asks a question
  warren watch --store redis --session nightly

  # Keep watching across invocations, as JSON lines
  warren watch --store redis --session nightly --follow -o json

  # Only the developer's tool calls
  warren watch --store redis --session nightly --type 'tool.*' --agent developer`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(sessionID); err != nil {
				return err
			}
			if err := checkOutput(output); err != nil {
				return err
			}
			if a.cfg.Store.Backend != config.BackendRedis {
				return printer.Error(
					"watch needs redis",
					fmt.Sprintf("The %s backend does not publish events.", a.cfg.Store.Backend),
					[]string{"Run with --store redis --redis-url <url>"},
				)
			}

			sinceMs, untilMs, err := timespec.ParseRange(since, until, time.Now())
			if err != nil {
				return printer.Error("invalid time range", err.Error(), nil)
			}
			criteria := &filter.Criteria{
				SinceTimestampMs: sinceMs,
				UntilTimestampMs: untilMs,
				TypeGlob:         typeGlob,
				Agent:            agent,
			}
			if err := criteria.Validate(); err != nil {
				return printer.Error("invalid --type pattern", err.Error(), []string{"Use a glob like 'tool.*'"})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			opts, err := redis.ParseURL(a.cfg.Store.RedisURL)
			if err != nil {
				return printer.Error("invalid redis url", err.Error(), nil)
			}
			rdb := redis.NewClient(opts)
			defer rdb.Close()

			return watchSession(ctx, rdb, a.cfg.Namespace, sessionID, output, follow, criteria)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	cmd.Flags().StringVarP(&output, "output", "o", outputDefault, "Output format (default or json)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep watching after the invocation ends")
	cmd.Flags().StringVar(&typeGlob, "type", "", "Only show event types matching a glob (e.g. 'tool.*')")
	cmd.Flags().StringVar(&agent, "agent", "", "Only show events of one worker")
	cmd.Flags().StringVar(&since, "since", "", "Only show events after a duration ago or RFC3339 time")
	cmd.Flags().StringVar(&until, "until", "", "Only show events before a duration ago or RFC3339 time")
	return cmd
}

func watchSession(ctx context.Context, rdb *redis.Client, namespace, sessionID, output string, follow bool, criteria *filter.Criteria) error {
	sub, err := events.Subscribe(ctx, rdb, namespace, sessionID)
	if err != nil {
		return printer.Error("subscription failed", err.Error(), []string{"Check that Redis is reachable"})
	}
	defer sub.Close()

	if output == outputDefault {
		printer.Step("Watching session %s\n", sessionID)
	}

	evs, errs := sub.Events(), sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			printer.Warning("%v\n", err)
		case ev, ok := <-evs:
			if !ok {
				return nil
			}
			if criteria.Matches(ev) {
				if output == outputJSON {
					if err := printer.EventJSON(printer.Out, ev); err != nil {
						return err
					}
				} else {
					printer.Event(printer.Out, ev)
				}
			}
			// Filtered events still end the watch.
			if !follow && (ev.Type == events.Result || ev.Type == events.Interrupt) {
				return nil
			}
		}
	}
}
