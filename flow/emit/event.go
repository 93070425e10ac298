package emit

// Event is a lifecycle event emitted while a pipeline is processed.
//
// Events are emitted for:
//   - Workflow start and end (with exit status)
//   - Transition selection, commit and error redirection
//   - Tool calls made inside a transition
//   - Workflow invalidation (reset to "start")
//   - Namespace cleanup
type Event struct {
	// RunID identifies the ProcessPipeline invocation that emitted this event.
	RunID string

	// Step is the loop iteration inside a workflow (1-indexed).
	// Zero for events raised outside the workflow loop.
	Step int

	// BlockID is the registry name of the block that emitted the event.
	BlockID string

	// WorkflowID is the persisted workflow id, empty outside workflow blocks.
	WorkflowID string

	// Msg names the event, e.g. "transition_committed".
	Msg string

	// Meta carries event specific data.
	// Common keys:
	//   - "transition": transition id
	//   - "from", "to": places
	//   - "tool": tool id
	//   - "duration_ms": call duration
	//   - "error": error text
	Meta map[string]interface{}
}

// Event names emitted by the engine.
const (
	MsgWorkflowStart       = "workflow_start"
	MsgWorkflowInvalidated = "workflow_invalidated"
	MsgTransitionSelected  = "transition_selected"
	MsgToolCall            = "tool_call"
	MsgTransitionCommitted = "transition_committed"
	MsgTransitionRedirect  = "transition_redirected"
	MsgWorkflowEnd         = "workflow_end"
	MsgNamespaceDeleted    = "namespace_deleted"
)
