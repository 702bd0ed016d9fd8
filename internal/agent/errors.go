package agent

import (
	"errors"
	"fmt"

	"github.com/lanehub/conductor/pkg/models"
)

// ErrMaxIterations indicates the agentic loop exceeded its iteration limit.
var ErrMaxIterations = errors.New("max iterations exceeded")

// ModelExhaustedError is returned when next_profile has no remaining
// candidate for the current run (spec §4.3 and §7): every profile in the
// chain the run was allowed to try is cooling down or pinned-out.
type ModelExhaustedError struct {
	Pinning       models.ModelPinning
	TriedProfiles []string
}

func (e *ModelExhaustedError) Error() string {
	return fmt.Sprintf("model exhausted (pinning=%s, tried=%v)", e.Pinning, e.TriedProfiles)
}

// ArgumentError is ToolArgumentError from spec §7: strict schema validation
// rejected a tool call's arguments before the handler ever ran.
type ArgumentError struct {
	ToolName string
	Reason   string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.ToolName, e.Reason)
}

// AdapterError wraps an outbound channel send failure. Per spec §7,
// outbound failures bubble up rather than being silently swallowed.
type AdapterError struct {
	ChannelID string
	Op        string
	Err       error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter error on %s during %s: %v", e.ChannelID, e.Op, e.Err)
}
func (e *AdapterError) Unwrap() error { return e.Err }

// LoopError represents an error that occurred during the agentic loop execution
// with context about which phase and iteration the error occurred in.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase LoopPhase

	// Iteration is the loop iteration where the error occurred
	Iteration int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase represents a distinct phase in the agentic loop lifecycle.
type LoopPhase string

const (
	// PhaseInit is the initialization phase
	PhaseInit LoopPhase = "init"

	// PhaseStream is the LLM streaming phase
	PhaseStream LoopPhase = "stream"

	// PhaseExecuteTools is the tool execution phase
	PhaseExecuteTools LoopPhase = "execute_tools"

	// PhaseContinue is the continuation phase after tool results
	PhaseContinue LoopPhase = "continue"

	// PhaseComplete is the completion phase
	PhaseComplete LoopPhase = "complete"
)
