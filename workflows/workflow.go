package workflow

import (
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

// StepState is the audited state of one step
type StepState struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Workflow is an ordered list of steps bound to one StepContext.
// A workflow runs at most once.
type Workflow struct {
	ID      string
	Steps   []Step
	Context *StepContext

	mu              sync.RWMutex
	status          Status
	current         int
	states          []StepState
	err             error
	operationID     string
	cancelRequested bool
	started         bool
	startedAt       time.Time
	endedAt         time.Time
}

// Snapshot is a read-only view of a workflow's progress
type Snapshot struct {
	ID          string      `json:"id"`
	Status      Status      `json:"status"`
	CurrentStep int         `json:"current_step"`
	Steps       []StepState `json:"steps"`
	LastError   string      `json:"last_error,omitempty"`
	OperationID string      `json:"operation_id,omitempty"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	EndedAt     time.Time   `json:"ended_at,omitempty"`
}

// DebugInfo extends Snapshot with the shared context contents
type DebugInfo struct {
	Snapshot
	CancelRequested bool           `json:"cancel_requested"`
	Errors          []string       `json:"errors,omitempty"`
	Subtasks        []string       `json:"subtasks,omitempty"`
	Results         map[string]any `json:"results,omitempty"`
	DataKeys        []string       `json:"data_keys,omitempty"`
	// Schemas describes the type of each stored step payload
	Schemas map[string]*jsonschema.Schema `json:"schemas,omitempty"`
}

// Status returns the workflow's current status
func (w *Workflow) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Err returns the first unrecovered step failure, if any
func (w *Workflow) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.err
}

// OperationID returns the monitor operation tracking this workflow
func (w *Workflow) OperationID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.operationID
}

func (w *Workflow) snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := Snapshot{
		ID:          w.ID,
		Status:      w.status,
		CurrentStep: w.current,
		Steps:       append([]StepState(nil), w.states...),
		OperationID: w.operationID,
		StartedAt:   w.startedAt,
		EndedAt:     w.endedAt,
	}
	if w.err != nil {
		s.LastError = w.err.Error()
	}
	return s
}

// markStarted flips the workflow to running. It reports false when the
// workflow already ran or is running.
func (w *Workflow) markStarted(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return false
	}
	w.started = true
	w.status = StatusRunning
	w.startedAt = now
	return true
}

func (w *Workflow) setOperation(id string) {
	w.mu.Lock()
	w.operationID = id
	w.mu.Unlock()
}

func (w *Workflow) isCancelRequested() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cancelRequested
}

func (w *Workflow) updateStep(i int, fn func(*StepState)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.states[i])
}

func (w *Workflow) setCurrent(i int) {
	w.mu.Lock()
	w.current = i
	w.mu.Unlock()
}

// finish records the terminal status and marks unreached steps skipped
func (w *Workflow) finish(status Status, err error, from int, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	if w.err == nil {
		w.err = err
	}
	w.endedAt = now
	for i := from; i < len(w.states); i++ {
		if w.states[i].Status == StatusPending {
			w.states[i].Status = StatusSkipped
		}
	}
}
