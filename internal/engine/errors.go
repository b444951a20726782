package engine

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-sam/internal/metrics"
	"github.com/23skdu/longbow-sam/internal/model"
)

// LoadError reports a model file that cannot back a session.
type LoadError = model.LoadError

// InputError rejects a call before any compute runs.
type InputError struct {
	Op     string // the rejected call
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %s", e.Op, e.Field, e.Reason)
}

// ComputeError reports a failure while evaluating a stage. The session that
// returned it is no longer usable.
type ComputeError struct {
	Stage string
	Err   error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute %s: %v", e.Stage, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

var (
	ErrReleased       = errors.New("session released")
	ErrSessionFailed  = errors.New("session failed in an earlier call")
	ErrNonFiniteValue = errors.New("non-finite activations")
)

func inputError(op, field, reason string) error {
	metrics.RecordValidationError(op, field)
	return &InputError{Op: op, Field: field, Reason: reason}
}
