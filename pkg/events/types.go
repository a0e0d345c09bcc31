// Package events provides the event store, typed publisher, and real-time
// fan-out over WebSocket and NATS.
//
// ════════════════════════════════════════════════════════════════
// Delivery model
// ════════════════════════════════════════════════════════════════
//
// Every event flows through the EventStore, which assigns a monotonic
// floating-point timestamp from a single clock and appends the event to
// (a) a bounded global ring and (b) the owning task's list when the
// payload carries a task id. Connected clients receive live events
// through the Hub; disconnected clients catch up on reconnect via their
// persisted cursor:
//
//	publish → EventStore (timestamp, persist) → Hub → clients
//	                     └→ NATS bridge (optional cross-process feed)
//
// Delivery is at-least-once. A client that reconnects replays every
// event newer than its cursor, so it may see an event twice but never
// misses one. Payloads carry a stable id where applicable; clients
// deduplicate on it.
//
// ════════════════════════════════════════════════════════════════
package events

import "encoding/json"

// Event types emitted by the engine. Clients switch on the envelope's
// "type" field.
const (
	// EventTypeAgentLog carries diagnostic and decision log lines.
	EventTypeAgentLog = "agent_log"

	// EventTypeTaskInteraction carries user-visible conversation turns:
	// questions from Q&A steps, user replies, and the final summary.
	EventTypeTaskInteraction = "task_interaction"

	// Bookkeeping events.
	EventTypeTaskStatusChange  = "task_status_change"
	EventTypeAgentStatusChange = "agent_status_change"
	EventTypeTaskSummary       = "task_summary"
	EventTypeAgentSummary      = "agent_summary"

	// Requests directed at out-of-process collaborators.
	EventTypeRequestAgentSelection = "request_agent_selection"
	EventTypeRequestLLMResponse    = "request_llm_response"

	// EventTypeTaskEventsResponse replies to a client's request for a
	// specific task's history. Sent directly to the requesting client,
	// never stored.
	EventTypeTaskEventsResponse = "task_events_response"
)

// Log levels used in AgentLogPayload.Type.
const (
	LogInfo     = "info"
	LogDecision = "decision"
	LogWarning  = "warning"
	LogError    = "error"
)

// Interaction roles used in TaskInteractionPayload.Role.
const (
	InteractionRoleUser  = "user"
	InteractionRoleAgent = "agent"
)

// Store key layout.
const (
	// GlobalEventsKey is the list holding the bounded global event ring.
	GlobalEventsKey = "events:global"
)

// TaskEventsKey returns the list key for a task's events.
// Format: "events:task:{task_id}"
func TaskEventsKey(taskID string) string {
	return "events:task:" + taskID
}

// CursorKey returns the key holding a client's replay cursor.
// Format: "cursor:{client_id}"
func CursorKey(clientID string) string {
	return "cursor:" + clientID
}

// Event is the wire envelope for every stored and delivered event.
// Timestamp is a monotonic float assigned by the EventStore; within a
// task, timestamps are strictly increasing.
type Event struct {
	Type      string          `json:"type"`
	Timestamp float64         `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Client → server message types.
const (
	ClientMsgAssignTask        = "assign_task"
	ClientMsgChatMessage       = "chat_message"
	ClientMsgTaskInteraction   = "task_interaction"
	ClientMsgApproveRequest    = "approve_request"
	ClientMsgRejectRequest     = "reject_request"
	ClientMsgSelectOption      = "select_option"
	ClientMsgUpdateLLMConfig   = "update_llm_config"
	ClientMsgRequestTaskEvents = "request_task_events"
	ClientMsgPing              = "ping"
)

// ClientMessage is the JSON structure for client → server WebSocket
// messages. Fields beyond Type are populated per message type.
type ClientMessage struct {
	Type string `json:"type"`

	// assign_task
	AgentID           string         `json:"agentId,omitempty"`
	Task              map[string]any `json:"task,omitempty"`
	OrchestrationPlan map[string]any `json:"orchestrationPlan,omitempty"`

	// chat_message, task_interaction
	TaskID  string `json:"taskId,omitempty"`
	Role    string `json:"role,omitempty"`
	Message string `json:"message,omitempty"`

	// approve_request, reject_request, select_option
	RequestID string `json:"requestId,omitempty"`
	Option    string `json:"option,omitempty"`

	// update_llm_config
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKeyEnv string `json:"apiKeyEnv,omitempty"`
}

// RequestRef returns the id an approval or selection reply refers to:
// the explicit requestId when set, otherwise the taskId. Clients that
// answer a task-level approval send taskId only.
func (m *ClientMessage) RequestRef() string {
	if m.RequestID != "" {
		return m.RequestID
	}
	return m.TaskID
}
