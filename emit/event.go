// Package emit delivers execution status events from pipeline and workflow
// runs to pluggable observability backends.
package emit

// Event is a single observability event from a pipeline or workflow run.
//
// Events mark the lifecycle of an execution:
//   - Pipeline start/end and graph maintenance ("pipeline_start", "graph_cleared")
//   - Component dispatch, completion, retry and failure
//   - Workflow node status transitions (pending, running, completed, failed)
//   - Degraded-mode warnings ("lineage_loss", "clear_graph_skipped")
//
// Events flow to an Emitter which can log them, turn them into OpenTelemetry
// spans, or buffer them for later inspection.
type Event struct {
	// PipelineID identifies the pipeline or workflow run that produced the
	// event. Empty for events raised outside any run.
	PipelineID string

	// ExecutionID is the 16-character execution hash of the component
	// invocation this event belongs to. Empty for run-level events.
	ExecutionID string

	// Component is the registered name of the component or workflow node.
	// Empty for run-level events.
	Component string

	// Status is the execution status the event reports, when it reports
	// one ("pending", "running", "completed", "failed", "cancelled").
	Status string

	// Msg names the event kind, e.g. "component_dispatched" or "retry".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "platform": platform tag the component ran on
	//   - "attempt": retry attempt number
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error details
	Meta map[string]any
}
