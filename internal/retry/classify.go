package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dyluth/warren/pkg/blackboard"
)

// Category groups exhausted failures into user-facing messages.
type Category string

const (
	CategoryFormat    Category = "format"
	CategoryTimeout   Category = "timeout"
	CategoryRateLimit Category = "rate_limit"
	CategoryGeneric   Category = "generic"
)

// maxEchoLen bounds the raw error text echoed back to users.
const maxEchoLen = 100

// Classify maps an error to a category by its message.
func Classify(err error) Category {
	if err == nil {
		return CategoryGeneric
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryTimeout
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "json") || strings.Contains(lower, "parse") || strings.Contains(lower, "unmarshal"):
		return CategoryFormat
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") || strings.Contains(lower, "deadline exceeded"):
		return CategoryTimeout
	case isRateLimit(lower):
		return CategoryRateLimit
	}
	return CategoryGeneric
}

func isRateLimit(lower string) bool {
	for _, marker := range []string{"rate limit", "rate_limit", "ratelimit", "too many requests", "429", "limit exceeded", "quota"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// UserMessage renders the categorized message for a worker whose retries
// were exhausted.
func UserMessage(worker blackboard.WorkerID, err error) string {
	name := worker.DisplayName()
	switch Classify(err) {
	case CategoryFormat:
		return fmt.Sprintf("%s hit a response format issue after several attempts. Please simplify the input and try again.", name)
	case CategoryTimeout:
		return fmt.Sprintf("%s timed out. Please retry later.", name)
	case CategoryRateLimit:
		return fmt.Sprintf("%s could not run because the service is busy. Please retry later.", name)
	}

	detail := "unknown error"
	if err != nil {
		detail = truncate(err.Error(), maxEchoLen)
	}
	return fmt.Sprintf("%s failed: %s", name, detail)
}

// IsRetryable reports whether a failure should be retried. Missing
// preconditions and suspension signals never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := blackboard.AsSuspend(err); ok {
		return false
	}
	if errors.Is(err, blackboard.ErrMissingPrecondition) {
		return false
	}
	return !matchesMissing(err.Error())
}

// matchesMissing recognizes precondition failures reported as plain text,
// e.g. by subprocess workers.
func matchesMissing(msg string) bool {
	lower := strings.ToLower(strings.TrimSpace(msg))
	return strings.HasPrefix(lower, "missing ") || strings.Contains(lower, "missing upstream artifact")
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// AsMissing extracts the missing artifact from err. Plain-text failures
// are matched by message; Artifact is empty when the kind cannot be told.
func AsMissing(err error) (*blackboard.MissingPreconditionError, bool) {
	if err == nil {
		return nil, false
	}
	if me, ok := blackboard.AsMissingPrecondition(err); ok {
		return me, true
	}
	if !matchesMissing(err.Error()) {
		return nil, false
	}

	lower := strings.ToLower(err.Error())
	for _, kind := range []blackboard.ArtifactKind{
		blackboard.ArtifactImplementation,
		blackboard.ArtifactDesign,
		blackboard.ArtifactAnalysis,
	} {
		if strings.Contains(lower, string(kind)) {
			return &blackboard.MissingPreconditionError{Artifact: kind, Detail: err.Error()}, true
		}
	}
	return &blackboard.MissingPreconditionError{Detail: err.Error()}, true
}
