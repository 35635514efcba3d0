package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/davidroman0O/metalflow/errors"
)

func TestRunWorkflowsConcurrently(t *testing.T) {
	exec, _ := newExecutor(t)

	// both workflows must be inside their step at the same time
	gate := make(chan struct{})
	arrived := make(chan struct{}, 2)
	barrier := func(fail bool) *TestStep {
		return NewTestStep("barrier", func(ctx context.Context, sc *StepContext) Result {
			arrived <- struct{}{}
			<-gate
			if fail {
				return Failed(merrors.Adapter(nil, "racadm exited 1"))
			}
			return Succeeded(nil)
		})
	}

	ok, err := exec.Create([]Step{barrier(false)}, newContext())
	require.NoError(t, err)
	bad, err := exec.Create([]Step{barrier(true)}, newContext())
	require.NoError(t, err)

	go func() {
		<-arrived
		<-arrived
		close(gate)
	}()

	done := make(chan []RunResult, 1)
	go func() { done <- RunWorkflows(context.Background(), exec, []*Workflow{ok, bad}) }()

	var results []RunResult
	select {
	case results = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workflows did not run concurrently")
	}

	require.Len(t, results, 2)
	assert.Equal(t, ok.ID, results[0].WorkflowID)
	assert.True(t, results[0].Success)
	assert.Equal(t, bad.ID, results[1].WorkflowID)
	assert.False(t, results[1].Success)
	assert.True(t, merrors.IsAdapter(results[1].Error))

	summary := FormatResults(results)
	assert.Contains(t, summary, "SUCCESS")
	assert.Contains(t, summary, "FAILED")
	assert.Contains(t, summary, "Summary: 1/2 workflows succeeded")
}

func TestFormatResults(t *testing.T) {
	assert.Equal(t, "No workflows executed", FormatResults(nil))

	out := FormatResults([]RunResult{{
		WorkflowID: "wf-1",
		Status:     StatusCancelled,
		Error:      merrors.New(merrors.ErrCancelled, "workflow cancelled"),
	}})
	assert.Contains(t, out, "Workflow 1: wf-1 - CANCELLED")
	assert.Contains(t, out, "Summary: 0/1 workflows succeeded")
}

func TestHandleDone(t *testing.T) {
	exec, _ := newExecutor(t)
	wf, err := exec.Create([]Step{NewTestStep("a", nil)}, nil)
	require.NoError(t, err)

	h := exec.Start(context.Background(), wf)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not finish")
	}
	assert.Same(t, wf, h.Workflow())
	assert.True(t, h.Wait().Success)
}
