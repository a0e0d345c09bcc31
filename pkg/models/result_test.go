package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGateReasons(t *testing.T) {
	for _, reason := range []string{GateRequiredSlotsFilled, GateSchemaComplete, GateNeedsWorkerExecution} {
		assert.True(t, IsGateReason(reason), reason)
	}
	assert.False(t, IsGateReason("looks good"))
	assert.False(t, IsGateReason(""))
}

func TestGateResult(t *testing.T) {
	r := GateResult(GateSchemaComplete)

	assert.Equal(t, AgentCompleted, r.Status)
	assert.True(t, r.IsGate())
	assert.Equal(t, GateSchemaComplete, r.GateReason())
}

func TestCompletedResultOutput(t *testing.T) {
	r := CompletedResult("done", "the answer")
	assert.Equal(t, "the answer", r.Output())
	assert.False(t, r.IsGate())

	// Message is the fallback when no structured output was produced.
	r = &AgentResult{Status: AgentCompleted, Message: "plain message"}
	assert.Equal(t, "plain message", r.Output())
}

func TestWaitingResultCarriesSchema(t *testing.T) {
	schema := &InputSchema{Kind: InputSingleSelect, Choices: []string{"A", "B"}}
	r := WaitingResult("pick one", schema)

	assert.Equal(t, AgentWaitingUser, r.Status)
	assert.Equal(t, InputSingleSelect, r.InputSchema.Kind)
	assert.Nil(t, r.Error)
}

func TestFailedResult(t *testing.T) {
	r := FailedResult(ErrCodeTimeout, "worker exceeded 60s")

	assert.Equal(t, AgentFailed, r.Status)
	assert.Equal(t, ErrCodeTimeout, r.Error.Code)
	assert.Empty(t, r.Output())
}

func TestStepResultContextKey(t *testing.T) {
	assert.Equal(t, "step_1_result", StepResultContextKey(1))
	assert.Equal(t, "step_12_result", StepResultContextKey(12))
}
