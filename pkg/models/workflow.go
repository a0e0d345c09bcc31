// Package models defines the core domain records shared across the
// orchestration engine: workflows, steps, agent results, conversation
// state, and event payload envelopes.
package models

import (
	"encoding/json"
	"time"
)

// Phase is the lifecycle phase of a workflow.
type Phase string

const (
	PhaseAnalyzing   Phase = "analyzing"
	PhaseExecuting   Phase = "executing"
	PhaseWaitingUser Phase = "waiting_user"
	PhaseFinalizing  Phase = "finalizing"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// Terminal reports whether the phase is a terminal state.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Workflow owns a single task: the ordered step plan, the cross-step
// context bag, and the accumulated conversation state. All mutation
// happens under the owning manager's per-task lock.
type Workflow struct {
	TaskID          string             `json:"task_id"`
	OriginalRequest string             `json:"original_request"`
	Phase           Phase              `json:"phase"`
	Steps           []*Step            `json:"steps"`
	CurrentStep     int                `json:"current_step_index"`
	Context         map[string]any     `json:"context,omitempty"`
	Conversation    *ConversationState `json:"conversation_state,omitempty"`
	SchemaType      string             `json:"schema_type,omitempty"`
	RequestedBy     string             `json:"requested_by,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

// NewWorkflow creates a workflow in the analyzing phase with an empty
// context bag and a fresh conversation state.
func NewWorkflow(taskID, request string) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		TaskID:          taskID,
		OriginalRequest: request,
		Phase:           PhaseAnalyzing,
		Steps:           []*Step{},
		Context:         make(map[string]any),
		Conversation:    NewConversationState(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ActiveStep returns the step at CurrentStep, or nil when the plan is
// exhausted.
func (w *Workflow) ActiveStep() *Step {
	if w.CurrentStep < 0 || w.CurrentStep >= len(w.Steps) {
		return nil
	}
	return w.Steps[w.CurrentStep]
}

// StepByID returns the step with the given id, or nil.
func (w *Workflow) StepByID(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// CompletedWorkerResults returns the results of completed worker steps
// in plan order. Q&A steps are excluded.
func (w *Workflow) CompletedWorkerResults() []StepResult {
	var out []StepResult
	for _, s := range w.Steps {
		if s.Role == RoleWorker && s.Status == StepCompleted && s.Result != "" {
			out = append(out, StepResult{Agent: s.AgentName, Result: s.Result})
		}
	}
	return out
}

// Clone returns a deep copy safe to hand outside the per-task lock.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		sc := *s
		if s.Data != nil {
			sc.Data = cloneMap(s.Data)
		}
		cp.Steps[i] = &sc
	}
	cp.Context = cloneMap(w.Context)
	if w.Conversation != nil {
		cp.Conversation = w.Conversation.Clone()
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Serialize encodes the workflow as JSON.
func (w *Workflow) Serialize() ([]byte, error) {
	return json.Marshal(w)
}

// DeserializeWorkflow decodes a workflow from JSON. Unknown fields are
// ignored so older binaries can load newer records.
func DeserializeWorkflow(data []byte) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if w.Steps == nil {
		w.Steps = []*Step{}
	}
	if w.Context == nil {
		w.Context = make(map[string]any)
	}
	if w.Conversation == nil {
		w.Conversation = NewConversationState()
	} else {
		w.Conversation.Normalize()
	}
	return &w, nil
}

// StepResult pairs an agent name with its produced result text. Used
// when flattening prior step outcomes for prompts and finalization.
type StepResult struct {
	Agent  string `json:"agent"`
	Result string `json:"result"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
