package workflow

// Store key prefixes for organizing different entities in the step context store
const (
	// PrefixWorkflow is used for workflow metadata
	PrefixWorkflow = "workflow:"

	// PrefixStep is used for per-step metadata
	PrefixStep = "step:"

	// PrefixConfig is used for workflow configuration items
	PrefixConfig = "config:"

	// PrefixData is used for step payloads shared with later steps
	PrefixData = "data:"

	// PrefixTemp holds scratch data dropped when the workflow ends
	PrefixTemp = "temp:"
)

// Common tags used across the workflow system
const (
	// TagSystem identifies executor-managed entries
	TagSystem = "system"

	// TagPayload identifies entries written from a step result payload
	TagPayload = "payload"
)

// Common property keys used in metadata
const (
	// PropStatus tracks the current status
	PropStatus = "status"

	// PropStep records which step wrote an entry
	PropStep = "step"

	// PropOrder tracks execution order for steps
	PropOrder = "order"
)

// Status is the lifecycle state of a workflow or one of its steps
type Status string

// Status values for workflows and steps
const (
	// StatusPending means not yet started
	StatusPending Status = "pending"

	// StatusRunning means currently in progress
	StatusRunning Status = "running"

	// StatusCompleted means successfully finished
	StatusCompleted Status = "completed"

	// StatusFailed means execution failed
	StatusFailed Status = "failed"

	// StatusCancelled means execution stopped at a step boundary on request
	StatusCancelled Status = "cancelled"

	// StatusSkipped means the step was never reached
	StatusSkipped Status = "skipped"
)

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled || s == StatusSkipped
}
