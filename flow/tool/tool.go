// Package tool is the registry of invocable tools that workflow
// transitions call, together with the built-in tools.
package tool

import (
	"context"

	"github.com/dshills/pipeflow/flow/schema"
	"github.com/dshills/pipeflow/flow/store"
)

// Tool is an invocable service.
//
// Implementations should:
//   - Respect context cancellation and deadlines
//   - Return a Result with Success=false (and a message in Data) for
//     expected failures, and an error for everything else
//   - Be safe for concurrent use
//
// Args have already been validated against Schema when Call runs inside
// the engine.
type Tool interface {
	// Name is the tool id referenced by transition calls. It is also the
	// name of the tool block registered for it.
	Name() string

	// Schema declares the accepted arguments.
	Schema() schema.Schema

	Call(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Result is what a tool call produced.
type Result struct {
	Success bool        `json:"success"`
	Persist bool        `json:"persist"`
	Data    interface{} `json:"data,omitempty"`
	Effects Effects     `json:"effects,omitempty"`
}

// Effects are side effects requested by a tool and applied by the
// transition that called it.
type Effects struct {
	// AddWorkflowDocuments are versioned into the calling workflow when the
	// transition commits, or immediately when Commit is set.
	AddWorkflowDocuments []store.DocumentDraft `json:"addWorkflowDocuments,omitempty"`

	// SetTransitionPlace overrides the transition's landing place.
	SetTransitionPlace string `json:"setTransitionPlace,omitempty"`

	Commit bool `json:"commit,omitempty"`
}

// Merge folds other into e. Documents accumulate; a later place override
// or commit request wins.
func (e *Effects) Merge(other Effects) {
	e.AddWorkflowDocuments = append(e.AddWorkflowDocuments, other.AddWorkflowDocuments...)
	if other.SetTransitionPlace != "" {
		e.SetTransitionPlace = other.SetTransitionPlace
	}
	if other.Commit {
		e.Commit = true
	}
}

// OK returns a successful, persisted result carrying data.
func OK(data interface{}) *Result {
	return &Result{Success: true, Persist: true, Data: data}
}

// Failed returns an unsuccessful result with a message.
func Failed(message string) *Result {
	return &Result{Success: false, Data: map[string]interface{}{"error": message}}
}

// Message returns the failure message of an unsuccessful result.
func (r *Result) Message() string {
	if m, ok := r.Data.(map[string]interface{}); ok {
		if s, ok := m["error"].(string); ok {
			return s
		}
	}
	if s, ok := r.Data.(string); ok {
		return s
	}
	return "tool reported failure"
}

func stringArg(args map[string]interface{}, name string) string {
	s, _ := args[name].(string)
	return s
}

func boolArg(args map[string]interface{}, name string) bool {
	b, _ := args[name].(bool)
	return b
}
