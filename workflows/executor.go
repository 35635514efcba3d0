package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/monitor"
	"github.com/davidroman0O/metalflow/pkg/bmc"
	"github.com/davidroman0O/metalflow/pkg/retry"
	"github.com/davidroman0O/metalflow/workflows/store"
)

// OperationType is the monitor operation type of a workflow run
const OperationType = "workflow"

// canceller is implemented by reporters that accept advisory cancellation
type canceller interface {
	RequestCancel(id string) error
}

// Executor creates and runs workflows
type Executor struct {
	reporter monitor.Reporter
	logger   Logger
	now      func() time.Time
	newID    func() string
}

// Option configures an Executor
type Option func(*Executor)

// WithReporter sets the monitor workflows and steps report to
func WithReporter(rep monitor.Reporter) Option {
	return func(e *Executor) { e.reporter = rep }
}

// WithLogger sets the executor's logger
func WithLogger(l Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithIDGenerator overrides workflow id generation
func WithIDGenerator(fn func() string) Option {
	return func(e *Executor) { e.newID = fn }
}

// NewExecutor creates an executor. Without WithReporter it reports to a
// private monitor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		logger: NewNopLogger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reporter == nil {
		e.reporter = monitor.New(monitor.WithClock(e.now))
	}
	return e
}

// Reporter returns the monitor the executor reports to
func (e *Executor) Reporter() monitor.Reporter {
	return e.reporter
}

// Create builds a pending workflow. A nil sc gets a fresh empty context.
func (e *Executor) Create(steps []Step, sc *StepContext) (*Workflow, error) {
	if len(steps) == 0 {
		return nil, merrors.Configuration("workflow has no steps")
	}

	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s == nil {
			return nil, merrors.Configuration(fmt.Sprintf("step %d is nil", i+1))
		}
		if seen[s.Name()] {
			return nil, merrors.Configuration(fmt.Sprintf("duplicate step name %q", s.Name()))
		}
		seen[s.Name()] = true
	}

	if sc == nil {
		sc = NewStepContext(bmc.Endpoint{}, bmc.Credentials{})
	}
	sc.init()

	wf := &Workflow{
		ID:      e.newID(),
		Steps:   append([]Step(nil), steps...),
		Context: sc,
		status:  StatusPending,
		states:  make([]StepState, len(steps)),
	}
	for i, s := range steps {
		wf.states[i] = StepState{Name: s.Name(), Status: StatusPending}

		meta := store.NewMetadata()
		meta.AddTag(TagSystem)
		meta.SetProperty(PropOrder, i)
		meta.SetProperty(PropStatus, string(StatusPending))
		if err := sc.Data.PutWithMetadata(PrefixStep+s.Name(), s.Description(), meta); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrInvalidState, "record step "+s.Name())
		}
	}

	if err := sc.Data.Put(PrefixConfig+"workflow_id", wf.ID); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrInvalidState, "record workflow id")
	}

	meta := store.NewMetadata()
	meta.AddTag(TagSystem)
	meta.SetProperty(PropStatus, string(StatusPending))
	if err := sc.Data.PutWithMetadata(PrefixWorkflow+wf.ID, len(steps), meta); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrInvalidState, "record workflow")
	}

	e.logger.Debug("Created workflow %s with %d steps", wf.ID, len(steps))
	return wf, nil
}

// Cancel requests cooperative cancellation. The request is forwarded to the
// workflow operation and to every step operation registered so far, so a
// chunked step stops at its next chunk; otherwise the workflow stops at the
// next step boundary.
func (e *Executor) Cancel(wf *Workflow) error {
	if wf == nil {
		return merrors.New(merrors.ErrInvalidInput, "nil workflow")
	}

	wf.mu.Lock()
	if wf.status.Terminal() {
		wf.mu.Unlock()
		return merrors.Newf(merrors.ErrInvalidState, "workflow %s already %s", wf.ID, wf.status)
	}
	already := wf.cancelRequested
	wf.cancelRequested = true
	opID := wf.operationID
	wf.mu.Unlock()

	if already {
		return nil
	}
	e.logger.Info("Cancellation requested for workflow %s", wf.ID)
	c, ok := e.reporter.(canceller)
	if !ok {
		return nil
	}
	if opID != "" {
		_ = c.RequestCancel(opID)
	}
	// steps poll their own operations between chunks
	for _, id := range wf.Context.Subtasks() {
		_ = c.RequestCancel(id)
	}
	return nil
}

// Status returns a snapshot of wf, safe to call while it runs
func (e *Executor) Status(wf *Workflow) Snapshot {
	return wf.snapshot()
}

// Debug returns a snapshot of wf including the shared context contents
func (e *Executor) Debug(wf *Workflow) DebugInfo {
	info := DebugInfo{
		Snapshot:        wf.snapshot(),
		CancelRequested: wf.isCancelRequested(),
		Subtasks:        wf.Context.Subtasks(),
		Results:         wf.Context.Results(),
		DataKeys:        wf.Context.Data.ListKeys(),
	}
	for _, err := range wf.Context.Errors() {
		info.Errors = append(info.Errors, err.Error())
	}
	for _, key := range wf.Context.Data.FindKeysByTag(TagPayload) {
		schema, err := wf.Context.Data.Schema(key)
		if err != nil {
			continue
		}
		if info.Schemas == nil {
			info.Schemas = make(map[string]*jsonschema.Schema)
		}
		info.Schemas[key] = schema
	}
	return info
}

// Run executes wf synchronously. It returns a *errors.WorkflowError when the
// workflow fails or is cancelled.
func (e *Executor) Run(ctx context.Context, wf *Workflow) error {
	if wf == nil {
		return merrors.New(merrors.ErrInvalidInput, "nil workflow")
	}
	if !wf.markStarted(e.now()) {
		return merrors.Newf(merrors.ErrInvalidState, "workflow %s has already been started", wf.ID)
	}
	e.setStoredStatus(wf, PrefixWorkflow+wf.ID, StatusRunning)

	sc := wf.Context
	opID := e.reporter.CreateOperation(OperationType, map[string]interface{}{
		"workflow_id": wf.ID,
		"target":      sc.Target.Address,
		"steps":       len(wf.Steps),
	})
	wf.setOperation(opID)
	if err := sc.Data.Put(PrefixConfig+"operation_id", opID); err != nil {
		e.logger.Debug("operation id of %s not recorded: %v", wf.ID, err)
	}
	_ = e.reporter.StartOperation(opID, len(wf.Steps))

	// a Cancel that raced with markStarted never reached the monitor
	if wf.isCancelRequested() {
		if c, ok := e.reporter.(canceller); ok {
			_ = c.RequestCancel(opID)
		}
	}

	e.logger.Info("Starting workflow %s (%d steps) against %s", wf.ID, len(wf.Steps), sc.Target.Address)

	for i, step := range wf.Steps {
		if wf.isCancelRequested() || ctx.Err() != nil {
			cause := merrors.Newf(merrors.ErrCancelled, "workflow cancelled before step %s", step.Name())
			return e.stop(wf, StatusCancelled, i, i, cause)
		}

		wf.setCurrent(i)
		status, err := e.runStep(ctx, wf, i, step)
		if err != nil {
			return e.stop(wf, status, i, i+1, err)
		}
	}

	wf.finish(StatusCompleted, nil, len(wf.Steps), e.now())
	sc.Data.DeletePrefix(PrefixTemp)
	e.setStoredStatus(wf, PrefixWorkflow+wf.ID, StatusCompleted)
	_ = e.reporter.CompleteOperation(opID, monitor.StatusCompleted, fmt.Sprintf("%d steps completed", len(wf.Steps)))
	e.logger.Info("Workflow %s completed", wf.ID)
	return nil
}

// stop finalizes a workflow that did not complete at step idx. Steps from
// skipFrom on that never ran are marked skipped.
func (e *Executor) stop(wf *Workflow, status Status, idx, skipFrom int, cause error) error {
	wf.finish(status, cause, skipFrom, e.now())
	wf.Context.Data.DeletePrefix(PrefixTemp)
	e.setStoredStatus(wf, PrefixWorkflow+wf.ID, status)

	opStatus := monitor.StatusFailed
	if status == StatusCancelled {
		opStatus = monitor.StatusCancelled
		e.logger.Warn("Workflow %s cancelled: %v", wf.ID, cause)
	} else {
		e.logger.Error("Workflow %s failed: %v", wf.ID, cause)
	}
	_ = e.reporter.CompleteOperation(wf.OperationID(), opStatus, cause.Error())

	return &merrors.WorkflowError{
		WorkflowID: wf.ID,
		Step:       wf.Steps[idx].Name(),
		StepIndex:  idx,
		Status:     string(status),
		Cause:      cause,
	}
}

// runStep validates and executes one step with its retry policy. It returns
// the workflow status to stop with alongside the step's failure.
func (e *Executor) runStep(ctx context.Context, wf *Workflow, i int, step Step) (Status, error) {
	sc := wf.Context
	opID := wf.OperationID()
	name := step.Name()

	wf.updateStep(i, func(s *StepState) {
		s.Status = StatusRunning
		s.StartedAt = e.now()
	})
	e.setStoredStatus(wf, PrefixStep+name, StatusRunning)
	_ = e.reporter.StartSubtask(opID, name, step.Description())
	e.logger.Info("Starting step %d/%d: %s (%s)", i+1, len(wf.Steps), name, step.Description())

	if err := e.validate(sc, step); err != nil {
		e.endStep(wf, i, StatusFailed, err)
		_ = e.reporter.LogError(opID, err.Error(), map[string]interface{}{"step": name})
		_ = e.reporter.CompleteSubtask(opID, name, false, err.Error())
		return StatusFailed, err
	}

	policy := step.Retry()
	panicked := false
	cfg := retry.Fixed(policy.attempts(), policy.Backoff)
	cfg.Retryable = func(err error) bool {
		return !panicked &&
			!merrors.IsPrerequisite(err) &&
			!merrors.IsConfiguration(err) &&
			!merrors.IsCancelled(err)
	}
	cfg.OnRetry = func(attempt int, err error) {
		e.logger.Warn("Step %s attempt %d/%d failed: %v, retrying in %s", name, attempt, cfg.MaxAttempts, err, policy.Backoff)
		_ = e.reporter.LogWarning(opID, fmt.Sprintf("step %s attempt %d failed: %v", name, attempt, err), map[string]interface{}{
			"step":    name,
			"attempt": attempt,
		})
	}

	var res Result
	_, err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		wf.updateStep(i, func(s *StepState) { s.Attempts = attempt })
		res = e.execute(ctx, sc, step, &panicked)
		return res.err()
	}, cfg)

	if err != nil {
		status := StatusFailed
		if merrors.IsCancelled(err) {
			status = StatusCancelled
		}
		sc.AddError(err)
		e.endStep(wf, i, status, err)
		_ = e.reporter.LogError(opID, err.Error(), map[string]interface{}{"step": name})
		_ = e.reporter.CompleteSubtask(opID, name, false, err.Error())
		return status, err
	}

	if err := e.storePayload(sc, name, res.Payload); err != nil {
		e.logger.Warn("Step %s payload not stored: %v", name, err)
		_ = e.reporter.LogWarning(opID, err.Error(), map[string]interface{}{"step": name})
	}
	e.endStep(wf, i, StatusCompleted, nil)
	_ = e.reporter.CompleteSubtask(opID, name, true, "completed")
	e.logger.Info("Step %s completed", name)
	return StatusCompleted, nil
}

// validate runs the step's prerequisite check. Only errors the check itself
// appended are reported; a panic becomes an ErrUnknown failure.
func (e *Executor) validate(sc *StepContext, step Step) (err error) {
	before := len(sc.Errors())
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Step %s panicked validating prerequisites: %v", step.Name(), r)
			err = merrors.WithContext(
				merrors.Newf(merrors.ErrUnknown, "step %s panicked validating prerequisites: %v", step.Name(), r),
				map[string]interface{}{"stack": string(debug.Stack())},
			)
			sc.AddError(err)
		}
	}()
	if step.ValidatePrerequisites(sc) {
		return nil
	}
	if errs := sc.Errors(); len(errs) > before {
		return errs[len(errs)-1]
	}
	err = merrors.Prerequisite("prerequisites not met for step " + step.Name())
	sc.AddError(err)
	return err
}

// execute runs the step, converting a panic into a failed result
func (e *Executor) execute(ctx context.Context, sc *StepContext, step Step, panicked *bool) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			*panicked = true
			e.logger.Error("Step %s panicked: %v", step.Name(), r)
			res = Failed(merrors.WithContext(
				merrors.Newf(merrors.ErrUnknown, "step %s panicked: %v", step.Name(), r),
				map[string]interface{}{"stack": string(debug.Stack())},
			))
		}
	}()
	return step.Execute(ctx, sc, e.reporter)
}

func (e *Executor) endStep(wf *Workflow, i int, status Status, err error) {
	wf.updateStep(i, func(s *StepState) {
		s.Status = status
		s.EndedAt = e.now()
		if err != nil {
			s.LastError = err.Error()
		}
	})
	e.setStoredStatus(wf, PrefixStep+wf.Steps[i].Name(), status)
}

// storePayload merges payload into the results and stores each key as
// data:<key> tagged with the producing step.
func (e *Executor) storePayload(sc *StepContext, step string, payload map[string]any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := sc.MergeResults(payload); err != nil {
		return err
	}
	for k, v := range payload {
		meta := store.NewMetadata()
		meta.AddTag(TagPayload)
		meta.SetProperty(PropStep, step)
		if err := sc.Data.PutWithMetadata(PrefixData+k, v, meta); err != nil {
			return merrors.Wrap(err, merrors.ErrInvalidState, "store payload key "+k)
		}
	}
	return nil
}

func (e *Executor) setStoredStatus(wf *Workflow, key string, status Status) {
	if err := wf.Context.Data.SetProperty(key, PropStatus, string(status)); err != nil {
		e.logger.Debug("status of %s not recorded: %v", key, err)
	}
}
