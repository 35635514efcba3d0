package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"

	merrors "github.com/davidroman0O/metalflow/errors"
)

// DefaultBufferSize is the per-subscriber event buffer. A subscriber whose
// buffer is full when an event is emitted is dropped.
const DefaultBufferSize = 64

type operation struct {
	snapshot  Operation
	completed int
	order     []string
}

// Monitor is a registry of in-flight operations. It is safe for concurrent
// use; every state change and its event emission happen under one lock so
// observers see events in the order the changes were applied.
type Monitor struct {
	mu         sync.Mutex
	ops        map[string]*operation
	order      []string
	subs       map[uint64]*Subscription
	nextSub    uint64
	bufferSize int
	now        func() time.Time
	newID      func() string
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock overrides the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithBufferSize sets the per-subscriber buffer size
func WithBufferSize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

// WithIDGenerator overrides operation id generation
func WithIDGenerator(gen func() string) Option {
	return func(m *Monitor) { m.newID = gen }
}

// New creates an empty monitor
func New(opts ...Option) *Monitor {
	m := &Monitor{
		ops:        make(map[string]*operation),
		subs:       make(map[uint64]*Subscription),
		bufferSize: DefaultBufferSize,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StatusFor maps a success flag to the matching terminal status
func StatusFor(success bool) OperationStatus {
	if success {
		return StatusCompleted
	}
	return StatusFailed
}

// CreateOperation registers a new operation in the created state
func (m *Monitor) CreateOperation(opType string, metadata map[string]interface{}) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	id := m.newID()
	m.ops[id] = &operation{
		snapshot: Operation{
			ID:        id,
			Type:      opType,
			Status:    StatusCreated,
			Subtasks:  make(map[string]Subtask),
			Metadata:  meta,
			CreatedAt: m.now(),
		},
	}
	m.order = append(m.order, id)
	return id
}

// StartOperation moves a created operation to running
func (m *Monitor) StartOperation(id string, totalSubtasks int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.mutable(id)
	if err != nil {
		return err
	}
	if op.snapshot.Status != StatusCreated {
		return merrors.Newf(merrors.ErrInvalidState, "operation %s already %s", id, op.snapshot.Status)
	}
	if totalSubtasks < 0 {
		return merrors.Newf(merrors.ErrInvalidInput, "negative subtask count %d", totalSubtasks)
	}

	op.snapshot.Status = StatusRunning
	op.snapshot.TotalSubtasks = totalSubtasks
	op.snapshot.StartedAt = m.now()
	m.emit(ProgressEvent{
		OperationID: id,
		Kind:        EventStarted,
		Message:     op.snapshot.Type + " started",
		Percentage:  percent(0),
	})
	return nil
}

// StartSubtask marks a named subtask as running
func (m *Monitor) StartSubtask(id, name, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.running(id)
	if err != nil {
		return err
	}
	if existing, ok := op.snapshot.Subtasks[name]; ok {
		return merrors.Newf(merrors.ErrInvalidState, "subtask %s already %s", name, existing.Status)
	}

	op.snapshot.Subtasks[name] = Subtask{
		Name:        name,
		Description: description,
		Status:      SubtaskRunning,
		StartedAt:   m.now(),
	}
	op.order = append(op.order, name)
	m.emit(ProgressEvent{
		OperationID: id,
		Kind:        EventSubtaskStarted,
		Message:     description,
		Subtask:     name,
		Percentage:  percent(op.snapshot.Progress),
	})
	return nil
}

// CompleteSubtask finishes a subtask and recomputes progress. A subtask that
// was never started is registered as finished.
func (m *Monitor) CompleteSubtask(id, name string, success bool, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.running(id)
	if err != nil {
		return err
	}

	now := m.now()
	sub, ok := op.snapshot.Subtasks[name]
	switch {
	case !ok:
		sub = Subtask{Name: name, StartedAt: now}
		op.order = append(op.order, name)
	case sub.Status != SubtaskRunning:
		return merrors.Newf(merrors.ErrInvalidState, "subtask %s already %s", name, sub.Status)
	}

	sub.Status = SubtaskCompleted
	if !success {
		sub.Status = SubtaskFailed
	}
	sub.Message = message
	sub.CompletedAt = now
	op.snapshot.Subtasks[name] = sub
	op.completed++

	if computed := subtaskProgress(op); computed > op.snapshot.Progress {
		op.snapshot.Progress = computed
	}

	m.emit(ProgressEvent{
		OperationID: id,
		Kind:        EventSubtaskCompleted,
		Message:     message,
		Subtask:     name,
		Percentage:  percent(op.snapshot.Progress),
		Details:     map[string]interface{}{"success": success},
	})
	return nil
}

// UpdateProgress reports a finer-grained percentage. Values lower than the
// last reported one are rejected.
func (m *Monitor) UpdateProgress(id string, percentage float64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.running(id)
	if err != nil {
		return err
	}
	if percentage < 0 || percentage > 100 {
		return merrors.Newf(merrors.ErrInvalidInput, "progress %.1f outside 0-100", percentage)
	}
	if percentage < op.snapshot.Progress {
		return merrors.Newf(merrors.ErrProgressRegression, "progress %.1f below %.1f", percentage, op.snapshot.Progress)
	}

	op.snapshot.Progress = percentage
	m.emit(ProgressEvent{
		OperationID: id,
		Kind:        EventProgress,
		Message:     message,
		Percentage:  percent(percentage),
	})
	return nil
}

// LogError counts and emits an error without changing status
func (m *Monitor) LogError(id, message string, details map[string]interface{}) error {
	return m.log(id, EventError, message, details)
}

// LogWarning counts and emits a warning without changing status
func (m *Monitor) LogWarning(id, message string, details map[string]interface{}) error {
	return m.log(id, EventWarning, message, details)
}

func (m *Monitor) log(id string, kind EventKind, message string, details map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.mutable(id)
	if err != nil {
		return err
	}
	if kind == EventError {
		op.snapshot.Errors++
	} else {
		op.snapshot.Warnings++
	}
	m.emit(ProgressEvent{
		OperationID: id,
		Kind:        kind,
		Message:     message,
		Details:     copyDetails(details),
	})
	return nil
}

// RequestCancel flags an operation for cooperative cancellation. The
// operation keeps running until its owner calls CompleteOperation with
// StatusCancelled.
func (m *Monitor) RequestCancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.mutable(id)
	if err != nil {
		return err
	}
	if op.snapshot.CancelRequested {
		return nil
	}
	op.snapshot.CancelRequested = true
	op.snapshot.Warnings++
	m.emit(ProgressEvent{
		OperationID: id,
		Kind:        EventWarning,
		Message:     "cancellation requested",
		Details:     map[string]interface{}{"cancel_requested": true},
	})
	return nil
}

// CancelRequested reports whether cancellation was requested for id
func (m *Monitor) CancelRequested(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	return ok && op.snapshot.CancelRequested
}

// CompleteOperation sets a terminal status and freezes the operation. A
// second call is rejected with ErrOperationFrozen.
func (m *Monitor) CompleteOperation(id string, status OperationStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.mutable(id)
	if err != nil {
		return err
	}
	if !status.Terminal() {
		return merrors.Newf(merrors.ErrInvalidInput, "status %s is not terminal", status)
	}

	op.snapshot.Status = status
	op.snapshot.Message = message
	op.snapshot.CompletedAt = m.now()
	if status == StatusCompleted {
		op.snapshot.Progress = 100
	}
	m.emit(ProgressEvent{
		OperationID: id,
		Kind:        EventCompleted,
		Message:     message,
		Percentage:  percent(op.snapshot.Progress),
		Details:     map[string]interface{}{"status": string(status)},
	})
	return nil
}

// GetOperationStatus returns a snapshot of one operation
func (m *Monitor) GetOperationStatus(id string) (Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return Operation{}, merrors.Newf(merrors.ErrNotFound, "operation %s not found", id)
	}
	return cloneOperation(op.snapshot), nil
}

// ListOperations returns snapshots of every operation in creation order
func (m *Monitor) ListOperations() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Operation, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, cloneOperation(m.ops[id].snapshot))
	}
	return out
}

// SubtaskOrder returns subtask names in the order they were first seen
func (m *Monitor) SubtaskOrder(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return nil
	}
	return append([]string(nil), op.order...)
}

func (m *Monitor) mutable(id string) (*operation, error) {
	op, ok := m.ops[id]
	if !ok {
		return nil, merrors.Newf(merrors.ErrNotFound, "operation %s not found", id)
	}
	if op.snapshot.Status.Terminal() {
		return nil, merrors.Newf(merrors.ErrOperationFrozen, "operation %s is %s", id, op.snapshot.Status)
	}
	return op, nil
}

func (m *Monitor) running(id string) (*operation, error) {
	op, err := m.mutable(id)
	if err != nil {
		return nil, err
	}
	if op.snapshot.Status != StatusRunning {
		return nil, merrors.Newf(merrors.ErrInvalidState, "operation %s is %s, not running", id, op.snapshot.Status)
	}
	return op, nil
}

func subtaskProgress(op *operation) float64 {
	total := op.snapshot.TotalSubtasks
	if total < len(op.snapshot.Subtasks) {
		total = len(op.snapshot.Subtasks)
	}
	if total == 0 {
		return 0
	}
	p := float64(op.completed) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return p
}

func percent(v float64) *float64 {
	return &v
}

func copyDetails(details map[string]interface{}) map[string]interface{} {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}

func cloneOperation(op Operation) Operation {
	c := op
	c.Subtasks = make(map[string]Subtask, len(op.Subtasks))
	for k, v := range op.Subtasks {
		c.Subtasks[k] = v
	}
	c.Metadata = make(map[string]interface{}, len(op.Metadata))
	for k, v := range op.Metadata {
		c.Metadata[k] = v
	}
	return c
}
