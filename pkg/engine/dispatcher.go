package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cadenza-io/cadenza/pkg/events"
	"github.com/cadenza-io/cadenza/pkg/llm"
	"github.com/cadenza-io/cadenza/pkg/models"
	"github.com/cadenza-io/cadenza/pkg/planner"
)

// The engine implements events.Dispatcher so the WebSocket hub can
// route client commands straight into it.

// AssignTask starts a workflow for an externally constructed task. A
// message carrying an orchestration plan bypasses the planner; a
// message pinning a known agent narrows the roster to it; anything
// else triggers an agent-selection request back to the clients.
func (e *Engine) AssignTask(ctx context.Context, msg *events.ClientMessage) error {
	description := taskDescription(msg.Task)
	if description == "" {
		return NewValidationError("task", "task.description must not be empty")
	}
	taskID := msg.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}

	if len(msg.OrchestrationPlan) > 0 {
		raw, err := json.Marshal(msg.OrchestrationPlan)
		if err != nil {
			return NewValidationError("orchestrationPlan", "plan is not serializable")
		}
		steps, err := planner.ParseSteps(raw)
		if err != nil {
			return NewValidationError("orchestrationPlan", err.Error())
		}
		_, err = e.runNewTask(ctx, taskID, description, e.agents, nil, steps)
		return err
	}

	if msg.AgentID != "" {
		if desc, ok := e.descriptor(msg.AgentID); ok {
			_, err := e.ProcessRequest(ctx, taskID, description, []models.AgentDescriptor{desc}, nil)
			return err
		}
		e.log.Warn("assign_task names unknown agent, asking for a selection",
			"task_id", taskID, "agent_id", msg.AgentID)
	}
	return e.requestAgentSelection(ctx, taskID, description)
}

// HandleChatMessage begins a task from free chat, or feeds the message
// into an existing task's conversation when taskID names one.
func (e *Engine) HandleChatMessage(ctx context.Context, clientID, taskID, message string) error {
	if strings.TrimSpace(message) == "" {
		return NewValidationError("message", "must not be empty")
	}
	if taskID != "" {
		if _, ok := e.workflows.Snapshot(taskID); ok {
			_, err := e.ResumeWithUserInput(ctx, taskID, message)
			return err
		}
	} else {
		taskID = uuid.New().String()
	}
	_, err := e.ProcessRequest(ctx, taskID, message, nil, map[string]any{metaRequestedBy: clientID})
	return err
}

// HandleUserInput resumes a workflow that is waiting on the user.
func (e *Engine) HandleUserInput(ctx context.Context, taskID, message string) error {
	_, err := e.ResumeWithUserInput(ctx, taskID, message)
	return err
}

// HandleApproval answers a pending confirmation with a canonical yes
// or no. The reference is a selection request id when one is pending,
// otherwise the task id itself.
func (e *Engine) HandleApproval(ctx context.Context, requestRef string, approved bool) error {
	if requestRef == "" {
		return NewValidationError("requestId", "must not be empty")
	}
	taskID := requestRef
	if id, ok := e.tasks.peekPending(requestRef); ok {
		taskID = id
	}
	input := "yes"
	if !approved {
		input = "no"
	}
	_, err := e.ResumeWithUserInput(ctx, taskID, input)
	return err
}

// HandleOptionSelected resolves a selection request. A pending
// agent-selection starts its task with the chosen agent; any other
// reference is treated as a task waiting on a choice.
func (e *Engine) HandleOptionSelected(ctx context.Context, requestRef, option string) error {
	if option == "" {
		return NewValidationError("option", "must not be empty")
	}
	if sel, ok := e.tasks.takePending(requestRef); ok {
		desc, found := e.descriptor(option)
		if !found {
			// Re-park the request so the client can pick again.
			e.tasks.addPending(requestRef, sel.taskID, sel.request)
			return NewValidationError("option", fmt.Sprintf("unknown agent %q", option))
		}
		_, err := e.ProcessRequest(ctx, sel.taskID, sel.request, []models.AgentDescriptor{desc}, nil)
		return err
	}
	_, err := e.ResumeWithUserInput(ctx, requestRef, option)
	return err
}

// UpdateLLMConfig rebinds the LLM provider at runtime.
func (e *Engine) UpdateLLMConfig(ctx context.Context, msg *events.ClientMessage) error {
	if e.rebinder == nil {
		return ErrRebindUnavailable
	}
	if err := e.rebinder.Rebind(llm.Update{
		Provider:  msg.Provider,
		Model:     msg.Model,
		BaseURL:   msg.BaseURL,
		APIKeyEnv: msg.APIKeyEnv,
	}); err != nil {
		return fmt.Errorf("rebind llm: %w", err)
	}
	e.log.Info("llm configuration updated", "provider", msg.Provider, "model", msg.Model)
	e.emitStepLog(ctx, "", nil, events.LogInfo, "Language model configuration updated",
		map[string]any{"provider": msg.Provider, "model": msg.Model})
	return nil
}

// requestAgentSelection publishes an agent-selection request and parks
// the task description until a select_option reply arrives.
func (e *Engine) requestAgentSelection(ctx context.Context, taskID, description string) error {
	if len(e.agents) == 0 {
		return NewValidationError("agentId", "no agents configured to choose from")
	}
	requestID := uuid.New().String()
	e.tasks.addPending(requestID, taskID, description)

	options := make([]events.AgentOption, 0, len(e.agents))
	for _, a := range e.agents {
		options = append(options, events.AgentOption{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
		})
	}
	e.log.Info("agent selection requested", "task_id", taskID, "request_id", requestID)
	return e.publisher.PublishAgentSelectionRequest(ctx, events.RequestAgentSelectionPayload{
		ID:      requestID,
		TaskID:  taskID,
		Prompt:  fmt.Sprintf("Choose an agent to handle: %s", truncate(description, 140)),
		Options: options,
	})
}

// taskDescription digs the human description out of an assign_task
// payload.
func taskDescription(task map[string]any) string {
	if task == nil {
		return ""
	}
	for _, key := range []string{"description", "request", "text"} {
		if s, ok := task[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
