package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := Wrap(fmt.Errorf("dial tcp: refused"), ErrAdapter, "apply BIOS batch")
	assert.Equal(t, "apply BIOS batch: dial tcp: refused", err.Error())

	withOp := WithOp(err, "redfish.ApplySettings")
	assert.Equal(t, "redfish.ApplySettings: apply BIOS batch: dial tcp: refused", withOp.Error())
	assert.Equal(t, ErrAdapter, GetCode(withOp))
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", Prerequisite("target address missing"))

	assert.True(t, errors.Is(err, &Error{Code: ErrPrerequisite}))
	assert.False(t, errors.Is(err, &Error{Code: ErrAdapter}))
	assert.True(t, IsPrerequisite(err))
}

func TestWithContextMerges(t *testing.T) {
	err := WithContext(New(ErrNotFound, "operation"), map[string]interface{}{"id": "a"})
	err = WithContext(err, map[string]interface{}{"type": "bios"})

	ctx := GetContext(err)
	require.NotNil(t, ctx)
	assert.Equal(t, "a", ctx["id"])
	assert.Equal(t, "bios", ctx["type"])
	assert.True(t, IsNotFound(err))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"adapter", Adapter(nil, "vendor tool exited 1"), true},
		{"timeout", New(ErrTimeout, "deadline"), true},
		{"connection", New(ErrConnection, "refused"), true},
		{"prerequisite", Prerequisite("no credentials"), false},
		{"configuration", Configuration("bad profile"), false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestWorkflowErrorUnwrap(t *testing.T) {
	cause := Adapter(errors.New("HTTP 500"), "apply settings")
	err := &WorkflowError{WorkflowID: "wf-1", Step: "bios", StepIndex: 1, Status: "failed", Cause: cause}

	assert.Contains(t, err.Error(), "step 2 (bios)")
	assert.True(t, IsAdapter(err))

	var wfErr *WorkflowError
	require.True(t, errors.As(fmt.Errorf("run: %w", err), &wfErr))
	assert.Equal(t, "wf-1", wfErr.WorkflowID)
}
