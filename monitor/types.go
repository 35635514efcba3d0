// Package monitor tracks the lifecycle and progress of long-running
// operations (BIOS apply, firmware batches, discovery, whole workflows) and
// fans their events out to subscribed observers.
package monitor

import "time"

// OperationStatus is the lifecycle state of an operation
type OperationStatus string

const (
	StatusCreated   OperationStatus = "created"
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusCancelled OperationStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SubtaskStatus is the state of one named subtask
type SubtaskStatus string

const (
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

// EventKind identifies what a ProgressEvent reports
type EventKind string

const (
	EventStarted          EventKind = "started"
	EventSubtaskStarted   EventKind = "subtask_started"
	EventSubtaskCompleted EventKind = "subtask_completed"
	EventProgress         EventKind = "progress"
	EventWarning          EventKind = "warning"
	EventError            EventKind = "error"
	EventCompleted        EventKind = "completed"
)

// ProgressEvent is an immutable notification emitted by the monitor.
type ProgressEvent struct {
	OperationID string                 `json:"operation_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Kind        EventKind              `json:"kind"`
	Message     string                 `json:"message"`
	Percentage  *float64               `json:"percentage,omitempty"`
	Subtask     string                 `json:"subtask,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Subtask is a snapshot of one subtask's state
type Subtask struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Status      SubtaskStatus `json:"status"`
	Message     string        `json:"message,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
}

// Operation is a read-only snapshot of a monitored unit of work.
type Operation struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Status          OperationStatus        `json:"status"`
	Subtasks        map[string]Subtask     `json:"subtasks"`
	TotalSubtasks   int                    `json:"total_subtasks"`
	Progress        float64                `json:"progress_percentage"`
	Errors          int                    `json:"errors"`
	Warnings        int                    `json:"warnings"`
	CancelRequested bool                   `json:"cancel_requested"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Message         string                 `json:"message,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       time.Time              `json:"started_at,omitempty"`
	CompletedAt     time.Time              `json:"completed_at,omitempty"`
}

// Reporter is the slice of the monitor that workflow steps and batch
// dispatchers depend on.
type Reporter interface {
	CreateOperation(opType string, metadata map[string]interface{}) string
	StartOperation(id string, totalSubtasks int) error
	StartSubtask(id, name, description string) error
	CompleteSubtask(id, name string, success bool, message string) error
	UpdateProgress(id string, percentage float64, message string) error
	LogError(id, message string, details map[string]interface{}) error
	LogWarning(id, message string, details map[string]interface{}) error
	CompleteOperation(id string, status OperationStatus, message string) error
	CancelRequested(id string) bool
}
