package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Publisher emits typed events into the EventStore.
//
// Each public method accepts a specific payload struct — see payloads.go.
// Missing ids and timestamps are filled in before storage so callers only
// set the fields they care about.
type Publisher struct {
	store *EventStore
}

// NewPublisher creates a Publisher over the given store.
func NewPublisher(store *EventStore) *Publisher {
	return &Publisher{store: store}
}

// Store exposes the underlying event store for read paths.
func (p *Publisher) Store() *EventStore {
	return p.store
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// PublishAgentLog stores and broadcasts an agent_log event.
func (p *Publisher) PublishAgentLog(ctx context.Context, payload AgentLogPayload) error {
	if payload.ID == "" {
		payload.ID = uuid.New().String()
	}
	if payload.Type == "" {
		payload.Type = LogInfo
	}
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	return p.publish(ctx, EventTypeAgentLog, payload)
}

// PublishTaskInteraction stores and broadcasts a task_interaction event.
// This is the only event type rendered as conversation in clients.
func (p *Publisher) PublishTaskInteraction(ctx context.Context, payload TaskInteractionPayload) error {
	if payload.ID == "" {
		payload.ID = uuid.New().String()
	}
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	return p.publish(ctx, EventTypeTaskInteraction, payload)
}

// PublishTaskStatusChange stores and broadcasts a task_status_change event.
func (p *Publisher) PublishTaskStatusChange(ctx context.Context, payload TaskStatusChangePayload) error {
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	return p.publish(ctx, EventTypeTaskStatusChange, payload)
}

// PublishAgentStatusChange stores and broadcasts an agent_status_change event.
func (p *Publisher) PublishAgentStatusChange(ctx context.Context, payload AgentStatusChangePayload) error {
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	return p.publish(ctx, EventTypeAgentStatusChange, payload)
}

// PublishTaskSummary stores and broadcasts a task_summary event.
func (p *Publisher) PublishTaskSummary(ctx context.Context, payload TaskSummaryPayload) error {
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	return p.publish(ctx, EventTypeTaskSummary, payload)
}

// PublishAgentSummary stores and broadcasts an agent_summary event.
func (p *Publisher) PublishAgentSummary(ctx context.Context, payload AgentSummaryPayload) error {
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	return p.publish(ctx, EventTypeAgentSummary, payload)
}

// PublishAgentSelectionRequest stores and broadcasts a
// request_agent_selection event.
func (p *Publisher) PublishAgentSelectionRequest(ctx context.Context, payload RequestAgentSelectionPayload) error {
	if payload.ID == "" {
		payload.ID = uuid.New().String()
	}
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	return p.publish(ctx, EventTypeRequestAgentSelection, payload)
}

// PublishLLMResponseRequest stores and broadcasts a request_llm_response
// event.
func (p *Publisher) PublishLLMResponseRequest(ctx context.Context, payload RequestLLMResponsePayload) error {
	if payload.ID == "" {
		payload.ID = uuid.New().String()
	}
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	return p.publish(ctx, EventTypeRequestLLMResponse, payload)
}

func (p *Publisher) publish(ctx context.Context, eventType string, payload any) error {
	if _, err := p.store.StoreEvent(ctx, eventType, payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}
