package workflow

import (
	"context"
	"time"

	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/monitor"
)

// Step is one unit of a workflow. Steps run strictly in order and share
// state through the StepContext.
type Step interface {
	// Name returns the step's name, unique within a workflow
	Name() string

	// Description returns a human-readable description
	Description() string

	// Tags returns the step's tags
	Tags() []string

	// Retry returns how failed executions of this step are retried
	Retry() RetryPolicy

	// ValidatePrerequisites checks the context before Execute runs.
	// A step returning false should explain why with sc.AddError.
	ValidatePrerequisites(sc *StepContext) bool

	// Execute performs the step's work
	Execute(ctx context.Context, sc *StepContext, rep monitor.Reporter) Result
}

// RetryPolicy is the retry metadata a step declares
type RetryPolicy struct {
	// Idempotent steps may be retried after an adapter failure
	Idempotent bool

	// MaxAttempts bounds the number of executions, including the first
	MaxAttempts int

	// Backoff is the fixed wait between attempts
	Backoff time.Duration
}

// NoRetry is the policy of steps that must not be repeated
var NoRetry = RetryPolicy{MaxAttempts: 1}

// attempts returns the effective number of executions allowed
func (p RetryPolicy) attempts() int {
	if !p.Idempotent || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Result is what a step execution returns instead of raising
type Result struct {
	Success bool
	Err     error
	// Payload is merged into the context results and stored as data:<key>.
	Payload map[string]any
}

// Succeeded returns a successful result carrying payload
func Succeeded(payload map[string]any) Result {
	return Result{Success: true, Payload: payload}
}

// Failed returns a failed result
func Failed(err error) Result {
	if err == nil {
		err = merrors.New(merrors.ErrUnknown, "step reported failure")
	}
	return Result{Err: err}
}

// err returns the failure carried by r, synthesizing one when a step
// reported failure without an error.
func (r Result) err() error {
	if r.Success {
		return nil
	}
	if r.Err == nil {
		return merrors.New(merrors.ErrUnknown, "step reported failure")
	}
	return r.Err
}

// BaseStep provides the descriptive part of Step for embedding
type BaseStep struct {
	name        string
	description string
	tags        []string
	retry       RetryPolicy
}

// NewBaseStep creates a BaseStep that is never retried
func NewBaseStep(name, description string) BaseStep {
	return BaseStep{name: name, description: description, retry: NoRetry}
}

// NewBaseStepWithTags creates a BaseStep with tags
func NewBaseStepWithTags(name, description string, tags []string) BaseStep {
	b := NewBaseStep(name, description)
	b.tags = append([]string(nil), tags...)
	return b
}

// WithRetry returns a copy of b using policy
func (b BaseStep) WithRetry(policy RetryPolicy) BaseStep {
	b.retry = policy
	return b
}

// Name returns the step name
func (b BaseStep) Name() string { return b.name }

// Description returns the step description
func (b BaseStep) Description() string { return b.description }

// Tags returns the step tags
func (b BaseStep) Tags() []string { return append([]string(nil), b.tags...) }

// Retry returns the retry policy
func (b BaseStep) Retry() RetryPolicy { return b.retry }

// ValidatePrerequisites accepts any context; steps override it.
func (b BaseStep) ValidatePrerequisites(sc *StepContext) bool { return true }

// HasTag reports whether the step carries tag
func (b BaseStep) HasTag(tag string) bool {
	for _, t := range b.tags {
		if t == tag {
			return true
		}
	}
	return false
}
