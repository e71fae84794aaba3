// ABOUTME: Error taxonomy for the analysis pipeline: configuration, stage execution, persistence, and invalid operations.
// ABOUTME: Each type supports errors.As matching; wrapping types expose their cause through Unwrap.
package pipeline

import (
	"errors"
	"fmt"
)

// ErrRunNotFound is returned (wrapped) by stores and the controller when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// ConfigurationError reports a malformed or inconsistent registry or graph request.
// It is never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

func configErrorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// StageExecutionError reports that a single stage's unit of work failed.
type StageExecutionError struct {
	Stage StageName
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a durable read or write failure for a run record.
type PersistenceError struct {
	Op    string
	RunID string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s run %q: %v", e.Op, e.RunID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// InvalidOperationError reports a control operation that is not allowed in the
// run's current state. No state is mutated when it is returned.
type InvalidOperationError struct {
	Op     string
	RunID  string
	Status RunStatus
	Reason string
	Err    error
}

func (e *InvalidOperationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s run %q: %s", e.Op, e.RunID, e.Reason)
	}
	return fmt.Sprintf("cannot %s run %q in status %s", e.Op, e.RunID, e.Status)
}

func (e *InvalidOperationError) Unwrap() error {
	return e.Err
}

func notFoundOp(op, runID string) *InvalidOperationError {
	return &InvalidOperationError{Op: op, RunID: runID, Reason: "run not found", Err: ErrRunNotFound}
}
