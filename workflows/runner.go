package workflow

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	merrors "github.com/davidroman0O/metalflow/errors"
)

// RunResult contains the result of a workflow execution
type RunResult struct {
	WorkflowID    string
	Success       bool
	Status        Status
	Error         error
	ExecutionTime time.Duration
}

// Handle tracks a workflow started with Executor.Start
type Handle struct {
	wf     *Workflow
	done   chan struct{}
	result RunResult
}

// Start runs wf in its own goroutine
func (e *Executor) Start(ctx context.Context, wf *Workflow) *Handle {
	h := &Handle{wf: wf, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.result = e.RunWorkflow(ctx, wf)
	}()
	return h
}

// Workflow returns the workflow being run
func (h *Handle) Workflow() *Workflow { return h.wf }

// Done is closed once the workflow has finished
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the workflow has finished and returns its result
func (h *Handle) Wait() RunResult {
	<-h.done
	return h.result
}

// RunWorkflow runs wf and reports the outcome as a RunResult
func (e *Executor) RunWorkflow(ctx context.Context, wf *Workflow) RunResult {
	startTime := time.Now()
	err := e.Run(ctx, wf)

	result := RunResult{
		Success:       err == nil,
		Error:         err,
		ExecutionTime: time.Since(startTime),
	}
	if wf != nil {
		result.WorkflowID = wf.ID
		result.Status = wf.Status()
	}
	return result
}

// RunWorkflows runs independent workflows concurrently and returns one result
// per workflow in input order.
func RunWorkflows(ctx context.Context, exec *Executor, workflows []*Workflow) []RunResult {
	results := make([]RunResult, len(workflows))

	var g errgroup.Group
	for i, wf := range workflows {
		g.Go(func() error {
			results[i] = exec.RunWorkflow(ctx, wf)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// FormatResults returns a human-readable summary of the workflow execution results
func FormatResults(results []RunResult) string {
	if len(results) == 0 {
		return "No workflows executed"
	}

	var summary string
	successCount := 0

	for i, result := range results {
		status := "FAILED"
		switch {
		case result.Success:
			status = "SUCCESS"
			successCount++
		case result.Status == StatusCancelled || merrors.IsCancelled(result.Error):
			status = "CANCELLED"
		}

		summary += fmt.Sprintf("Workflow %d: %s - %s (%s)\n",
			i+1,
			result.WorkflowID,
			status,
			result.ExecutionTime.Round(time.Millisecond),
		)

		if result.Error != nil {
			summary += fmt.Sprintf("  Error: %v\n", result.Error)
		}
	}

	summary += fmt.Sprintf("\nSummary: %d/%d workflows succeeded\n",
		successCount,
		len(results),
	)

	return summary
}
