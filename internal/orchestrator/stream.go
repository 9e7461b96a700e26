package orchestrator

import (
	"context"

	"github.com/dyluth/warren/internal/events"
	"github.com/dyluth/warren/pkg/blackboard"
)

// Execution is a session invocation running in the background.
type Execution struct {
	events chan events.Event
	done   chan struct{}
	bb     *blackboard.Blackboard
	err    error
}

// Stream starts an invocation and returns immediately. Callers must drain
// Events until it is closed, or cancel ctx.
func (e *Engine) Stream(ctx context.Context, req Request) *Execution {
	x := &Execution{
		events: make(chan events.Event, 16),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(x.done)
		defer close(x.events)

		x.bb, x.err = e.Execute(ctx, req, func(ev events.Event) {
			select {
			case x.events <- ev:
			case <-ctx.Done():
			}
		})
	}()

	return x
}

// Events returns the ordered, deduplicated event stream. It is closed when
// the invocation returns.
func (x *Execution) Events() <-chan events.Event {
	return x.events
}

// Wait blocks until the invocation returns and reports its outcome.
func (x *Execution) Wait() (*blackboard.Blackboard, error) {
	<-x.done
	return x.bb, x.err
}
