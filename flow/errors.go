// Package flow is the pipeline execution engine: it instantiates blocks,
// drives workflow state machines through their transitions, tracks
// workflow validity and manages the namespace tree.
package flow

import (
	"errors"
	"fmt"
)

// Error codes carried by *EngineError.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeLoopExceeded    = "LOOP_EXCEEDED"
	CodeInvalidLanding  = "INVALID_LANDING"
	CodeStoreError      = "STORE_ERROR"
	CodeMissingStore    = "MISSING_STORE"
	CodeToolTimeout     = "TOOL_TIMEOUT"
	CodeToolFailed      = "TOOL_FAILED"
	CodeUnknownKind     = "UNKNOWN_KIND"
	CodeInvalidArgument = "INVALID_ARGUMENT"
)

// EngineError is an engine failure with a stable code.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Code != "" {
		return e.Code + ": " + msg
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Cause }

// Is matches another *EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// ErrLoopExceeded is returned when a workflow fires more transitions in
// one run than the configured maximum.
var ErrLoopExceeded = &EngineError{Code: CodeLoopExceeded, Message: "workflow exceeded maximum iterations"}

// ErrInvalidLanding is returned when a transition would land on a place it
// does not declare.
var ErrInvalidLanding = &EngineError{Code: CodeInvalidLanding, Message: "landing place not declared by transition"}

// ConfigTraceError wraps a failure with the block and config path it
// escaped from.
type ConfigTraceError struct {
	Block string
	Kind  string
	Path  string
	Cause error
}

func (e *ConfigTraceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s %q: %v", e.Kind, e.Block, e.Cause)
	}
	return fmt.Sprintf("%s %q at %s: %v", e.Kind, e.Block, e.Path, e.Cause)
}

func (e *ConfigTraceError) Unwrap() error { return e.Cause }

// WorkflowValidationError is returned when an expression refers to the
// "workflow" variable where no workflow is in scope.
type WorkflowValidationError struct {
	Block string
	Path  string
}

func (e *WorkflowValidationError) Error() string {
	return fmt.Sprintf("block %q at %s: expression references workflow outside a workflow", e.Block, e.Path)
}
