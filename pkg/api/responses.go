package api

import (
	"time"

	"github.com/cadenza-io/cadenza/pkg/breaker"
	"github.com/cadenza-io/cadenza/pkg/events"
	"github.com/cadenza-io/cadenza/pkg/models"
)

// TaskAcceptedResponse is returned by POST /api/v1/tasks.
type TaskAcceptedResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CancelResponse is returned by POST /api/v1/tasks/:taskId/cancel.
type CancelResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// TaskSummary is one row of GET /api/v1/tasks.
type TaskSummary struct {
	TaskID      string     `json:"task_id"`
	Request     string     `json:"request"`
	Phase       string     `json:"phase"`
	SchemaType  string     `json:"schema_type,omitempty"`
	RequestedBy string     `json:"requested_by,omitempty"`
	Steps       int        `json:"steps"`
	CurrentStep int        `json:"current_step"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskListResponse is returned by GET /api/v1/tasks.
type TaskListResponse struct {
	Tasks []TaskSummary `json:"tasks"`
}

// TaskEventsResponse is returned by GET /api/v1/tasks/:taskId/events.
type TaskEventsResponse struct {
	TaskID string         `json:"task_id"`
	Events []events.Event `json:"events"`
}

// AgentsResponse is returned by GET /api/v1/agents.
type AgentsResponse struct {
	Agents []models.AgentDescriptor `json:"agents"`
}

// BreakersResponse is returned by GET /api/v1/breakers.
type BreakersResponse struct {
	Breakers []breaker.Stats `json:"breakers"`
}

// LLMConfigResponse is returned by PUT /api/v1/llm-config.
type LLMConfigResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
}
