package blackboard

import (
	"errors"
	"fmt"
)

// ErrMissingPrecondition is matched by every MissingPreconditionError.
var ErrMissingPrecondition = errors.New("missing upstream artifact")

// MissingPreconditionError reports that a worker cannot run because an
// upstream artifact has not been produced yet. It is never retried; the
// engine delegates to the artifact's producer instead.
type MissingPreconditionError struct {
	Artifact ArtifactKind
	Detail   string
}

func (e *MissingPreconditionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("missing upstream artifact: %s (%s)", e.Artifact, e.Detail)
	}
	return fmt.Sprintf("missing upstream artifact: %s", e.Artifact)
}

// Is makes errors.Is(err, ErrMissingPrecondition) match.
func (e *MissingPreconditionError) Is(target error) bool {
	return target == ErrMissingPrecondition
}

// MissingArtifact returns a MissingPreconditionError for kind.
func MissingArtifact(kind ArtifactKind) error {
	return &MissingPreconditionError{Artifact: kind}
}

// SuspendError is the control-flow signal a worker returns to ask the user
// a question mid-turn. It is not a failure.
type SuspendError struct {
	Clarification Clarification
}

func (e *SuspendError) Error() string {
	return "suspend: " + e.Clarification.Message
}

// Suspend returns a SuspendError carrying c.
func Suspend(c Clarification) error {
	return &SuspendError{Clarification: c}
}

// AsSuspend extracts a SuspendError from err's chain.
func AsSuspend(err error) (*SuspendError, bool) {
	var se *SuspendError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// AsMissingPrecondition extracts a MissingPreconditionError from err's chain.
func AsMissingPrecondition(err error) (*MissingPreconditionError, bool) {
	var me *MissingPreconditionError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}
