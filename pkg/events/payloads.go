package events

import "github.com/cadenza-io/cadenza/pkg/models"

// AgentLogPayload is the payload for agent_log events.
// Type here is the log level, not the event type.
type AgentLogPayload struct {
	ID            string         `json:"id"`                      // log entry UUID
	AgentID       string         `json:"agentId"`                 // emitting agent
	AgentName     string         `json:"agentName"`               // display name
	Type          string         `json:"type"`                    // info, decision, warning, error
	Message       string         `json:"message"`                 // log text
	Details       map[string]any `json:"details,omitempty"`       // structured context
	RelatedTaskID string         `json:"relatedTaskId,omitempty"` // owning task, if any
	Timestamp     string         `json:"timestamp"`               // RFC3339Nano
}

// TaskInteractionPayload is the payload for task_interaction events.
// These are the only user-visible conversation turns: Q&A questions
// (role=agent), user replies (role=user), and the final summary.
type TaskInteractionPayload struct {
	ID          string              `json:"id"`                    // interaction UUID
	TaskID      string              `json:"taskId"`                // owning task
	Role        string              `json:"role"`                  // user or agent
	Message     string              `json:"message"`               // conversation text
	AgentID     string              `json:"agentId,omitempty"`     // set when role=agent
	AgentName   string              `json:"agentName,omitempty"`   // set when role=agent
	InputSchema *models.InputSchema `json:"inputSchema,omitempty"` // expected reply shape
	Timestamp   string              `json:"timestamp"`             // RFC3339Nano
}

// TaskStatusChangePayload is the payload for task_status_change events.
type TaskStatusChangePayload struct {
	TaskID    string `json:"taskId"`
	Status    string `json:"status"` // workflow phase
	Timestamp string `json:"timestamp"`
}

// AgentStatusChangePayload is the payload for agent_status_change events.
// ThinkingState reflects the worker's internal sub-state when known.
type AgentStatusChangePayload struct {
	AgentID       string `json:"agentId"`
	AgentName     string `json:"agentName"`
	Status        string `json:"status"` // idle, running, waiting_user, completed, failed
	TaskID        string `json:"taskId,omitempty"`
	ThinkingState string `json:"thinkingState,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// TaskSummaryPayload is the payload for task_summary events.
type TaskSummaryPayload struct {
	TaskID    string `json:"taskId"`
	Summary   string `json:"summary"`
	Timestamp string `json:"timestamp"`
}

// AgentSummaryPayload is the payload for agent_summary events.
type AgentSummaryPayload struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Summary   string `json:"summary"`
	TaskID    string `json:"taskId,omitempty"`
	Timestamp string `json:"timestamp"`
}

// AgentOption describes one selectable agent in a selection request.
type AgentOption struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RequestAgentSelectionPayload is the payload for request_agent_selection
// events, directed at an out-of-process collaborator (or the user) who
// must pick the agent for the next step.
type RequestAgentSelectionPayload struct {
	ID        string        `json:"id"` // request UUID, echoed in select_option
	TaskID    string        `json:"taskId"`
	Prompt    string        `json:"prompt,omitempty"`
	Options   []AgentOption `json:"options"`
	Timestamp string        `json:"timestamp"`
}

// RequestLLMResponsePayload is the payload for request_llm_response events,
// asking an out-of-process collaborator to run an LLM call on our behalf.
type RequestLLMResponsePayload struct {
	ID        string `json:"id"` // request UUID
	TaskID    string `json:"taskId,omitempty"`
	Prompt    string `json:"prompt"`
	Timestamp string `json:"timestamp"`
}

// TaskEventsResponsePayload is the payload for task_events_response,
// sent directly to the client that asked for a task's history.
type TaskEventsResponsePayload struct {
	TaskID    string  `json:"taskId"`
	Events    []Event `json:"events"`
	Timestamp string  `json:"timestamp"`
}
