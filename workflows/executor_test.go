package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/monitor"
	"github.com/davidroman0O/metalflow/pkg/bmc"
)

// TestLogger forwards workflow logs to the test output
type TestLogger struct {
	t *testing.T
}

func (l *TestLogger) Debug(format string, args ...interface{}) { l.t.Logf("[DEBUG] "+format, args...) }
func (l *TestLogger) Info(format string, args ...interface{})  { l.t.Logf("[INFO] "+format, args...) }
func (l *TestLogger) Warn(format string, args ...interface{})  { l.t.Logf("[WARN] "+format, args...) }
func (l *TestLogger) Error(format string, args ...interface{}) { l.t.Logf("[ERROR] "+format, args...) }

// TestStep is a Step driven by closures
type TestStep struct {
	BaseStep
	validate func(sc *StepContext) bool
	exec     func(ctx context.Context, sc *StepContext) Result
}

func NewTestStep(name string, exec func(ctx context.Context, sc *StepContext) Result) *TestStep {
	return &TestStep{BaseStep: NewBaseStep(name, "test step "+name), exec: exec}
}

func (s *TestStep) ValidatePrerequisites(sc *StepContext) bool {
	if s.validate == nil {
		return true
	}
	return s.validate(sc)
}

func (s *TestStep) Execute(ctx context.Context, sc *StepContext, rep monitor.Reporter) Result {
	if s.exec == nil {
		return Succeeded(nil)
	}
	return s.exec(ctx, sc)
}

type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) step(name string, payload map[string]any) *TestStep {
	return NewTestStep(name, func(ctx context.Context, sc *StepContext) Result {
		r.mu.Lock()
		r.names = append(r.names, name)
		r.mu.Unlock()
		return Succeeded(payload)
	})
}

func (r *recorder) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func newExecutor(t *testing.T) (*Executor, *monitor.Monitor) {
	m := monitor.New()
	return NewExecutor(WithReporter(m), WithLogger(&TestLogger{t: t})), m
}

func newContext() *StepContext {
	return NewStepContext(
		bmc.Endpoint{Address: "10.0.0.5", Manufacturer: "Dell Inc."},
		bmc.Credentials{Username: "root", Password: "calvin"},
	)
}

func statuses(s Snapshot) []Status {
	out := make([]Status, len(s.Steps))
	for i, st := range s.Steps {
		out[i] = st.Status
	}
	return out
}

func TestCreate(t *testing.T) {
	exec, _ := newExecutor(t)

	_, err := exec.Create(nil, newContext())
	assert.True(t, merrors.IsConfiguration(err))

	_, err = exec.Create([]Step{NewTestStep("a", nil), NewTestStep("a", nil)}, nil)
	assert.True(t, merrors.IsConfiguration(err))

	wf, err := exec.Create([]Step{NewTestStep("a", nil)}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, StatusPending, wf.Status())
	require.NotNil(t, wf.Context)
	assert.NotNil(t, wf.Context.Data)
	assert.Equal(t, wf.ID, wf.Context.WorkflowID())

	meta, err := wf.Context.Data.GetMetadata(PrefixStep + "a")
	require.NoError(t, err)
	assert.True(t, meta.HasTag(TagSystem))
}

func TestRunInOrderAndMergesPayloads(t *testing.T) {
	exec, m := newExecutor(t)
	rec := &recorder{}

	wf, err := exec.Create([]Step{
		rec.step("discover", map[string]any{"model": "R650", "cores": 64}),
		rec.step("configure", map[string]any{"model": "PowerEdge R650"}),
		rec.step("reboot", nil),
	}, newContext())
	require.NoError(t, err)

	require.NoError(t, exec.Run(context.Background(), wf))
	assert.Equal(t, []string{"discover", "configure", "reboot"}, rec.executed())

	snap := exec.Status(wf)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, []Status{StatusCompleted, StatusCompleted, StatusCompleted}, statuses(snap))
	for _, st := range snap.Steps {
		assert.Equal(t, 1, st.Attempts)
		assert.False(t, st.EndedAt.Before(st.StartedAt))
	}

	results := wf.Context.Results()
	assert.Equal(t, "PowerEdge R650", results["model"])
	assert.Equal(t, 64, results["cores"])

	model, err := Lookup[string](wf.Context, "model")
	require.NoError(t, err)
	assert.Equal(t, "PowerEdge R650", model)

	meta, err := wf.Context.Data.GetMetadata(PrefixData + "model")
	require.NoError(t, err)
	prop, _ := meta.GetProperty(PropStep)
	assert.Equal(t, "configure", prop)

	op, err := m.GetOperationStatus(wf.OperationID())
	require.NoError(t, err)
	assert.Equal(t, OperationType, op.Type)
	assert.Equal(t, monitor.StatusCompleted, op.Status)
	assert.Len(t, op.Subtasks, 3)
	assert.Equal(t, []string{"discover", "configure", "reboot"}, m.SubtaskOrder(wf.OperationID()))

	info := exec.Debug(wf)
	require.Contains(t, info.Schemas, PrefixData+"model")
	assert.Equal(t, "string", info.Schemas[PrefixData+"model"].Type)
	assert.Equal(t, "integer", info.Schemas[PrefixData+"cores"].Type)
}

func TestFailedValidationStopsWorkflow(t *testing.T) {
	exec, m := newExecutor(t)
	rec := &recorder{}

	b := NewTestStep("b", func(ctx context.Context, sc *StepContext) Result {
		t.Fatal("b must not execute")
		return Result{}
	})
	b.validate = func(sc *StepContext) bool {
		sc.AddError(merrors.Prerequisite("hardware info missing"))
		return false
	}

	wf, err := exec.Create([]Step{rec.step("a", map[string]any{"a": true}), b, rec.step("c", nil)}, newContext())
	require.NoError(t, err)

	err = exec.Run(context.Background(), wf)
	require.Error(t, err)

	var wfErr *merrors.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, "b", wfErr.Step)
	assert.Equal(t, 1, wfErr.StepIndex)
	assert.Equal(t, string(StatusFailed), wfErr.Status)
	assert.True(t, merrors.IsPrerequisite(err))

	assert.Equal(t, []string{"a"}, rec.executed())
	snap := exec.Status(wf)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, []Status{StatusCompleted, StatusFailed, StatusSkipped}, statuses(snap))
	assert.Contains(t, snap.LastError, "hardware info missing")

	// partial context is retained
	assert.Equal(t, true, wf.Context.Results()["a"])
	assert.Len(t, wf.Context.Errors(), 1)

	op, _ := m.GetOperationStatus(wf.OperationID())
	assert.Equal(t, monitor.StatusFailed, op.Status)
	assert.Equal(t, 1, op.Errors)
}

func TestCancellationTakesEffectAtStepBoundary(t *testing.T) {
	exec, m := newExecutor(t)
	rec := &recorder{}

	entered := make(chan struct{})
	release := make(chan struct{})
	b := NewTestStep("b", func(ctx context.Context, sc *StepContext) Result {
		close(entered)
		<-release
		return Succeeded(map[string]any{"b": "done"})
	})

	wf, err := exec.Create([]Step{rec.step("a", nil), b, rec.step("c", nil)}, newContext())
	require.NoError(t, err)

	h := exec.Start(context.Background(), wf)
	<-entered

	running := exec.Debug(wf)
	assert.Equal(t, StatusRunning, running.Status)
	assert.Equal(t, 1, running.CurrentStep)
	assert.Equal(t, StatusRunning, running.Steps[1].Status)

	require.NoError(t, exec.Cancel(wf))
	assert.True(t, m.CancelRequested(wf.OperationID()))
	close(release)

	res := h.Wait()
	assert.False(t, res.Success)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.True(t, merrors.IsCancelled(res.Error))

	assert.Equal(t, []string{"a"}, rec.executed())
	assert.Equal(t, []Status{StatusCompleted, StatusCompleted, StatusSkipped}, statuses(exec.Status(wf)))
	assert.Equal(t, "done", wf.Context.Results()["b"])

	op, _ := m.GetOperationStatus(wf.OperationID())
	assert.Equal(t, monitor.StatusCancelled, op.Status)

	assert.Equal(t, merrors.ErrInvalidState, merrors.GetCode(exec.Cancel(wf)))
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name     string
		policy   RetryPolicy
		errs     []error
		attempts int
		status   Status
	}{
		{
			name:     "idempotent step recovers",
			policy:   RetryPolicy{Idempotent: true, MaxAttempts: 3, Backoff: time.Millisecond},
			errs:     []error{merrors.Adapter(nil, "bmc busy"), merrors.Adapter(nil, "bmc busy")},
			attempts: 3,
			status:   StatusCompleted,
		},
		{
			name:     "idempotent step exhausts attempts",
			policy:   RetryPolicy{Idempotent: true, MaxAttempts: 2, Backoff: time.Millisecond},
			errs:     []error{merrors.Adapter(nil, "bmc busy"), merrors.Adapter(nil, "bmc busy"), merrors.Adapter(nil, "bmc busy")},
			attempts: 2,
			status:   StatusFailed,
		},
		{
			name:     "non idempotent step fails at once",
			policy:   RetryPolicy{MaxAttempts: 5, Backoff: time.Millisecond},
			errs:     []error{merrors.Adapter(nil, "bmc busy")},
			attempts: 1,
			status:   StatusFailed,
		},
		{
			name:     "prerequisite errors are not retried",
			policy:   RetryPolicy{Idempotent: true, MaxAttempts: 5, Backoff: time.Millisecond},
			errs:     []error{merrors.Prerequisite("no credentials")},
			attempts: 1,
			status:   StatusFailed,
		},
		{
			name:     "configuration errors are not retried",
			policy:   RetryPolicy{Idempotent: true, MaxAttempts: 5, Backoff: time.Millisecond},
			errs:     []error{merrors.Configuration("unknown device type")},
			attempts: 1,
			status:   StatusFailed,
		},
		{
			name:     "failure without error is retried",
			policy:   RetryPolicy{Idempotent: true, MaxAttempts: 2, Backoff: time.Millisecond},
			errs:     []error{nil},
			attempts: 2,
			status:   StatusCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, _ := newExecutor(t)
			calls := 0
			step := NewTestStep("flaky", func(ctx context.Context, sc *StepContext) Result {
				calls++
				if calls <= len(tt.errs) {
					return Result{Err: tt.errs[calls-1]}
				}
				return Succeeded(nil)
			})
			step.BaseStep = step.WithRetry(tt.policy)

			wf, err := exec.Create([]Step{step}, nil)
			require.NoError(t, err)
			err = exec.Run(context.Background(), wf)

			snap := exec.Status(wf)
			assert.Equal(t, tt.status, snap.Status)
			assert.Equal(t, tt.attempts, snap.Steps[0].Attempts)
			assert.Equal(t, tt.attempts, calls)
			if tt.status == StatusCompleted {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestPanicIsRecovered(t *testing.T) {
	exec, _ := newExecutor(t)
	calls := 0
	step := NewTestStep("boom", func(ctx context.Context, sc *StepContext) Result {
		calls++
		panic("nil map write")
	})
	step.BaseStep = step.WithRetry(RetryPolicy{Idempotent: true, MaxAttempts: 3})

	wf, err := exec.Create([]Step{step, NewTestStep("after", nil)}, nil)
	require.NoError(t, err)

	err = exec.Run(context.Background(), wf)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, merrors.ErrUnknown, merrors.GetCode(err))
	assert.Contains(t, err.Error(), "nil map write")
	assert.Equal(t, []Status{StatusFailed, StatusSkipped}, statuses(exec.Status(wf)))
}

func TestPanicInValidationIsRecovered(t *testing.T) {
	exec, m := newExecutor(t)
	step := NewTestStep("boom", func(ctx context.Context, sc *StepContext) Result {
		t.Fatal("boom must not execute")
		return Result{}
	})
	step.validate = func(sc *StepContext) bool {
		var seen map[string]bool
		seen["x"] = true
		return true
	}

	wf, err := exec.Create([]Step{step, NewTestStep("after", nil)}, newContext())
	require.NoError(t, err)

	err = exec.Run(context.Background(), wf)
	require.Error(t, err)
	assert.Equal(t, merrors.ErrUnknown, merrors.GetCode(err))
	assert.Contains(t, err.Error(), "assignment to entry in nil map")
	assert.NotEmpty(t, merrors.GetContext(err)["stack"])

	snap := exec.Status(wf)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, []Status{StatusFailed, StatusSkipped}, statuses(snap))

	op, err := m.GetOperationStatus(wf.OperationID())
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusFailed, op.Status)
}

func TestValidationFailureIgnoresEarlierErrors(t *testing.T) {
	exec, _ := newExecutor(t)

	a := NewTestStep("a", nil)
	a.validate = func(sc *StepContext) bool {
		sc.AddError(errors.New("stale warning from a"))
		return true
	}
	b := NewTestStep("b", func(ctx context.Context, sc *StepContext) Result {
		t.Fatal("b must not execute")
		return Result{}
	})
	b.validate = func(sc *StepContext) bool { return false }

	wf, err := exec.Create([]Step{a, b}, newContext())
	require.NoError(t, err)

	err = exec.Run(context.Background(), wf)
	require.Error(t, err)
	assert.True(t, merrors.IsPrerequisite(err))
	assert.Contains(t, err.Error(), "prerequisites not met for step b")
	assert.NotContains(t, err.Error(), "stale warning")
	assert.Equal(t, []Status{StatusCompleted, StatusFailed}, statuses(exec.Status(wf)))
}

func TestCancelReachesStepOperations(t *testing.T) {
	exec, m := newExecutor(t)

	var stepOp string
	entered := make(chan struct{})
	release := make(chan struct{})
	step := NewTestStep("chunked", func(ctx context.Context, sc *StepContext) Result {
		stepOp = m.CreateOperation("chunked", nil)
		sc.AddSubtask(stepOp)
		_ = m.StartOperation(stepOp, 2)
		close(entered)
		<-release
		if m.CancelRequested(stepOp) {
			return Failed(merrors.New(merrors.ErrCancelled, "stopped between chunks"))
		}
		return Succeeded(nil)
	})

	wf, err := exec.Create([]Step{step}, newContext())
	require.NoError(t, err)

	h := exec.Start(context.Background(), wf)
	<-entered
	require.NoError(t, exec.Cancel(wf))
	assert.True(t, m.CancelRequested(stepOp))
	close(release)

	res := h.Wait()
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, []Status{StatusCancelled}, statuses(exec.Status(wf)))
	assert.Equal(t, wf.OperationID(), wf.Context.OperationID())
}

func TestRunTwiceIsRejected(t *testing.T) {
	exec, _ := newExecutor(t)
	wf, err := exec.Create([]Step{NewTestStep("a", nil)}, nil)
	require.NoError(t, err)

	require.NoError(t, exec.Run(context.Background(), wf))
	err = exec.Run(context.Background(), wf)
	assert.Equal(t, merrors.ErrInvalidState, merrors.GetCode(err))

	res := exec.Start(context.Background(), wf).Wait()
	assert.False(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestContextCancelInterruptsBackoff(t *testing.T) {
	exec, _ := newExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	step := NewTestStep("slow-retry", func(ctx context.Context, sc *StepContext) Result {
		cancel()
		return Failed(merrors.Adapter(errors.New("connection reset"), "apply failed"))
	})
	step.BaseStep = step.WithRetry(RetryPolicy{Idempotent: true, MaxAttempts: 3, Backoff: time.Hour})

	wf, err := exec.Create([]Step{step, NewTestStep("next", nil)}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- exec.Run(ctx, wf) }()

	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("backoff was not interrupted")
	}
	assert.True(t, merrors.IsCancelled(err))
	snap := exec.Status(wf)
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Equal(t, []Status{StatusCancelled, StatusSkipped}, statuses(snap))
}

func TestCancelledContextBeforeRun(t *testing.T) {
	exec, _ := newExecutor(t)
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	wf, err := exec.Create([]Step{rec.step("a", nil)}, nil)
	require.NoError(t, err)

	err = exec.Run(ctx, wf)
	assert.True(t, merrors.IsCancelled(err))
	assert.Empty(t, rec.executed())
	assert.Equal(t, []Status{StatusSkipped}, statuses(exec.Status(wf)))
}

func TestTempDataDroppedAtEnd(t *testing.T) {
	exec, _ := newExecutor(t)
	var seen bool

	wf, err := exec.Create([]Step{
		NewTestStep("stage", func(ctx context.Context, sc *StepContext) Result {
			if err := sc.Data.Put(PrefixTemp+"scratch", "partial"); err != nil {
				return Failed(err)
			}
			return Succeeded(map[string]any{"kept": true})
		}),
		NewTestStep("use", func(ctx context.Context, sc *StepContext) Result {
			seen = sc.Data.Has(PrefixTemp + "scratch")
			return Succeeded(nil)
		}),
	}, newContext())
	require.NoError(t, err)

	require.NoError(t, exec.Run(context.Background(), wf))
	assert.True(t, seen)
	assert.False(t, wf.Context.Data.Has(PrefixTemp+"scratch"))
	assert.True(t, wf.Context.Data.Has(PrefixData+"kept"))
}
