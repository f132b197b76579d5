package saga_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tracseq/sagaflow/pkg/saga"
)

func TestStatus_Terminal(t *testing.T) {
	terminal := []saga.Status{saga.StatusCompleted, saga.StatusCompensated, saga.StatusFailed, saga.StatusTimedOut, saga.StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}

	nonTerminal := []saga.Status{saga.StatusRunning, saga.StatusCompensating}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestSagaState_Clone_IsIndependent(t *testing.T) {
	orig := &saga.SagaState{
		SagaID:             "s1",
		CompletedStepNames: []string{"a"},
		Context:            map[string]any{"k": "v"},
		StepResults: map[string]*saga.StepResult{
			"a": {StepName: "a", Status: saga.StepCompleted, OutputData: map[string]any{"x": 1}},
		},
	}

	clone := orig.Clone()
	clone.CompletedStepNames[0] = "mutated"
	clone.Context["k"] = "mutated"
	clone.StepResults["a"].OutputData["x"] = 999

	assert.Equal(t, "a", orig.CompletedStepNames[0])
	assert.Equal(t, "v", orig.Context["k"])
	assert.Equal(t, 1, orig.StepResults["a"].OutputData["x"])
}

func TestDefinitionInvalidError_Message(t *testing.T) {
	err := &saga.DefinitionInvalidError{SagaType: "x", Reason: "no steps"}
	assert.Contains(t, err.Error(), "x")
	assert.Contains(t, err.Error(), "no steps")
}

func TestHandlerError_Unwrap(t *testing.T) {
	inner := assertError("boom")
	err := &saga.HandlerError{StepName: "a", Err: inner, Retryable: true}
	assert.ErrorIs(t, err, inner)
}

func assertError(msg string) error {
	return &stubErr{msg}
}

type stubErr struct{ msg string }

func (e *stubErr) Error() string { return e.msg }
