package models

// AgentStatus is the status reported by an agent for one execution.
type AgentStatus string

const (
	AgentIdle        AgentStatus = "idle"
	AgentRunning     AgentStatus = "running"
	AgentWaitingUser AgentStatus = "waiting_user"
	AgentCompleted   AgentStatus = "completed"
	AgentFailed      AgentStatus = "failed"
)

// InputKind selects the client-side renderer for a pending question.
type InputKind string

const (
	InputFreeText     InputKind = "free-text"
	InputSingleSelect InputKind = "single-select"
	InputMultiSelect  InputKind = "multi-select"
)

// InputSchema describes how a client should render the input request
// that accompanies a waiting_user result.
type InputSchema struct {
	Kind        InputKind `json:"kind"`
	Placeholder string    `json:"placeholder,omitempty"`
	Choices     []string  `json:"choices,omitempty"`
}

// AgentError carries a machine-readable failure code alongside the
// human-readable message.
type AgentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Well-known agent error codes.
const (
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeCancelled   = "CANCELLED"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeEmptyOutput = "EMPTY_OUTPUT"
	ErrCodeInternal    = "INTERNAL"
)

// AgentResult is the sole contract between any agent and the engine.
// Exactly one of PartialData, FinalData, or Error is populated for a
// non-running status; InputSchema is meaningful only with waiting_user.
type AgentResult struct {
	Status         AgentStatus    `json:"status"`
	Message        string         `json:"message,omitempty"`
	RequiredInputs []string       `json:"required_inputs,omitempty"`
	InputSchema    *InputSchema   `json:"input_schema,omitempty"`
	PartialData    map[string]any `json:"partial_data,omitempty"`
	FinalData      map[string]any `json:"final_data,omitempty"`
	Error          *AgentError    `json:"error,omitempty"`
}

// CompletedResult builds a completed result whose final data holds the
// produced output text.
func CompletedResult(message, output string) *AgentResult {
	return &AgentResult{
		Status:    AgentCompleted,
		Message:   message,
		FinalData: map[string]any{"output": output},
	}
}

// GateResult builds the silent completion a Q&A step returns when the
// schema gate is already satisfied. Gate results carry no message and
// are never surfaced to the user.
func GateResult(reason string) *AgentResult {
	return &AgentResult{
		Status:    AgentCompleted,
		FinalData: map[string]any{"reason": reason},
	}
}

// WaitingResult builds a waiting_user result carrying the next question.
func WaitingResult(message string, schema *InputSchema) *AgentResult {
	return &AgentResult{
		Status:      AgentWaitingUser,
		Message:     message,
		InputSchema: schema,
	}
}

// FailedResult builds a failed result with a coded error.
func FailedResult(code, message string) *AgentResult {
	return &AgentResult{
		Status:  AgentFailed,
		Message: message,
		Error:   &AgentError{Code: code, Message: message},
	}
}

// Output returns the produced output text: final data "output" when
// present, otherwise the message.
func (r *AgentResult) Output() string {
	if r.FinalData != nil {
		if out, ok := r.FinalData["output"].(string); ok && out != "" {
			return out
		}
	}
	return r.Message
}

// GateReason returns the final data "reason" value, or "".
func (r *AgentResult) GateReason() string {
	if r.FinalData == nil {
		return ""
	}
	reason, _ := r.FinalData["reason"].(string)
	return reason
}

// IsGate reports whether this is a silent gate completion.
func (r *AgentResult) IsGate() bool {
	return r.Status == AgentCompleted && IsGateReason(r.GateReason())
}

// Gate completion reasons. A Q&A step that completes with one of these
// reasons did so because the schema already had what it needed; the
// user never sees such completions.
const (
	GateRequiredSlotsFilled  = "required_slots_filled"
	GateSchemaComplete       = "schema_complete"
	GateNeedsWorkerExecution = "needs_worker_execution"
)

// IsGateReason reports whether reason belongs to the gate reason set.
func IsGateReason(reason string) bool {
	switch reason {
	case GateRequiredSlotsFilled, GateSchemaComplete, GateNeedsWorkerExecution:
		return true
	}
	return false
}
