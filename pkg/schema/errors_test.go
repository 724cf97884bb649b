package schema

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlowError_Format(t *testing.T) {
	err := NewError(ErrCodeNotFound, "execution \"x\" not found")
	assert.Equal(t, "[NOT_FOUND] execution \"x\" not found", err.Error())

	err = NewErrorf(ErrCodeExpression, "bad %s", "expr").WithStep("score")
	assert.Equal(t, "[EXPRESSION_ERROR] step score: bad expr", err.Error())
}

func TestIsCode_UnwrapsChains(t *testing.T) {
	base := NewError(ErrCodeAlreadyResponded, "approval resolved")
	wrapped := fmt.Errorf("respond: %w", base)

	assert.True(t, IsCode(wrapped, ErrCodeAlreadyResponded))
	assert.False(t, IsCode(wrapped, ErrCodeNotFound))
	assert.False(t, IsCode(nil, ErrCodeNotFound))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeNotFound))
}

func TestPersistence_WrapsUncodedErrors(t *testing.T) {
	err := Persistence("update execution", errors.New("disk I/O error"))
	assert.True(t, IsCode(err, ErrCodePersistence))
	assert.Contains(t, err.Error(), "disk I/O error")

	coded := NewError(ErrCodeConflict, "status changed")
	assert.Same(t, coded, Persistence("update execution", coded))
	assert.Nil(t, Persistence("noop", nil))
}

func TestAgentInvocationError_Retryable(t *testing.T) {
	tests := []struct {
		kind      InvocationErrorKind
		retryable bool
	}{
		{InvocationTransport, true},
		{InvocationTimeout, true},
		{InvocationRejected, false},
		{InvocationInvalidOutput, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			err := NewInvocationError(tc.kind, "scorer", "boom")
			assert.Equal(t, tc.retryable, err.Retryable())
			assert.Equal(t, tc.kind, InvocationKind(fmt.Errorf("wrap: %w", err)))
			assert.True(t, IsCode(err, ErrCodeAgentInvocation))
		})
	}
}

func TestAgentInvocationError_Message(t *testing.T) {
	err := &AgentInvocationError{Kind: InvocationTransport, Agent: "scorer", StatusCode: 503, Message: "unavailable"}
	assert.Equal(t, "[AGENT_INVOCATION_ERROR] agent scorer: transport (status 503): unavailable", err.Error())
}

func TestStepDefinition_Defaults(t *testing.T) {
	s := StepDefinition{}
	assert.Equal(t, OnFailBlock, s.Policy())
	assert.Equal(t, time.Minute, s.InvocationTimeout(time.Minute))
	assert.Equal(t, time.Hour, s.ApprovalWindow(time.Hour))

	s = StepDefinition{OnFail: OnFailWarn, Timeout: "5s", ApprovalTimeout: "garbage"}
	assert.Equal(t, OnFailWarn, s.Policy())
	assert.Equal(t, 5*time.Second, s.InvocationTimeout(time.Minute))
	assert.Equal(t, time.Hour, s.ApprovalWindow(time.Hour))
}

func TestDefaultStepID(t *testing.T) {
	assert.Equal(t, "step3", DefaultStepID(3, false, 1))
	assert.Equal(t, "step1_2", DefaultStepID(1, true, 2))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, ExecutionRunning.Terminal())
	assert.False(t, ExecutionAwaitingApproval.Terminal())
	assert.True(t, ExecutionCancelled.Terminal())
	assert.False(t, ApprovalPending.Terminal())
	assert.True(t, ApprovalExpired.Terminal())
}
