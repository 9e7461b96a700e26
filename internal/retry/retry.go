// Package retry wraps worker invocations with bounded, sequential retries
// and classifies exhausted failures into user-facing messages.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dyluth/warren/pkg/blackboard"
)

// Func is one worker invocation.
type Func func(ctx context.Context) (*blackboard.AgentResult, error)

// Wrapper retries failed invocations. At most one attempt is in flight at
// a time.
type Wrapper struct {
	maxRetries int
	newBackOff func() backoff.BackOff
}

// New creates a wrapper allowing maxRetries retries after the first
// attempt, spaced by exponential backoff starting at initial.
func New(maxRetries int, initial time.Duration) *Wrapper {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Wrapper{
		maxRetries: maxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// WithBackOff replaces the spacing policy. Tests use backoff.ZeroBackOff.
func (w *Wrapper) WithBackOff(fn func() backoff.BackOff) *Wrapper {
	w.newBackOff = fn
	return w
}

// MaxRetries returns the retry budget.
func (w *Wrapper) MaxRetries() int {
	return w.maxRetries
}

// Outcome is the result of an invocation through the wrapper.
type Outcome struct {
	// Result is set when the worker returned a usable result.
	Result *blackboard.AgentResult

	// Err is the final error: a suspension signal, a missing precondition,
	// or the last failure once retries were exhausted.
	Err error

	Attempts int

	// Exhausted is true when retries ran out (or the context ended) on a
	// retryable failure. Message then holds the categorized text.
	Exhausted bool
	Category  Category
	Message   string
}

// Suspended returns the suspension signal carried by the outcome.
func (o Outcome) Suspended() (*blackboard.SuspendError, bool) {
	return blackboard.AsSuspend(o.Err)
}

// Missing returns the missing precondition carried by the outcome.
func (o Outcome) Missing() (*blackboard.MissingPreconditionError, bool) {
	if o.Exhausted {
		return nil, false
	}
	return AsMissing(o.Err)
}

// Invoke runs fn until it succeeds, fails permanently, or the retry budget
// is spent. A failed result returned by the worker counts as a failure.
func (w *Wrapper) Invoke(ctx context.Context, worker blackboard.WorkerID, fn Func) Outcome {
	var (
		out     Outcome
		lastErr error
	)

	op := func() error {
		out.Attempts++
		res, err := fn(ctx)
		if err == nil && res == nil {
			err = errors.New("worker returned no result")
		}
		if err == nil && res.Status == blackboard.StatusFailed {
			msg := res.Error
			if msg == "" {
				msg = "worker reported failure"
			}
			err = errors.New(msg)
		}
		if err == nil {
			if verr := res.Validate(); verr != nil {
				err = fmt.Errorf("invalid worker result: %w", verr)
			}
		}
		if err == nil {
			out.Result = res
			return nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if out.Attempts <= w.maxRetries {
			log.Printf("[Retry] %s attempt %d/%d failed: %v", worker, out.Attempts, w.maxRetries+1, err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), uint64(w.maxRetries)), ctx)
	err := backoff.Retry(op, b)
	if err == nil {
		return out
	}

	if lastErr == nil {
		lastErr = err
	}
	out.Err = lastErr
	if _, ok := blackboard.AsSuspend(lastErr); ok {
		return out
	}

	// A cancelled session reports the cancellation rather than the
	// worker's own error text.
	if ctx.Err() != nil {
		out.Err = ctx.Err()
	} else if !IsRetryable(lastErr) {
		return out
	}
	out.Exhausted = true
	out.Category = Classify(out.Err)
	out.Message = UserMessage(worker, out.Err)
	log.Printf("[Retry] %s gave up after %d attempt(s): %v", worker, out.Attempts, out.Err)
	return out
}
