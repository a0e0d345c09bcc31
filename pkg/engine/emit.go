package engine

import (
	"context"
	"fmt"

	"github.com/cadenza-io/cadenza/pkg/events"
	"github.com/cadenza-io/cadenza/pkg/models"
)

// Identity the engine uses when it speaks or logs as itself.
const (
	orchestratorID   = "orchestrator"
	orchestratorName = "Cadenza"
)

// publish runs one emit, counting successes and logging failures. A
// failed emit never fails the workflow.
func (e *Engine) publish(fn func() error) {
	if err := fn(); err != nil {
		e.log.Warn("event emit failed", "error", err)
		return
	}
	e.metrics.EventsEmitted.Inc()
}

func (e *Engine) emitTaskStatus(ctx context.Context, taskID string, phase models.Phase) {
	e.publish(func() error {
		return e.publisher.PublishTaskStatusChange(ctx, events.TaskStatusChangePayload{
			TaskID: taskID,
			Status: string(phase),
		})
	})
}

func (e *Engine) emitAgentStatus(ctx context.Context, taskID string, step *models.Step, status models.AgentStatus, thinking string) {
	e.publish(func() error {
		return e.publisher.PublishAgentStatusChange(ctx, events.AgentStatusChangePayload{
			AgentID:       step.AgentID,
			AgentName:     step.AgentName,
			Status:        string(status),
			TaskID:        taskID,
			ThinkingState: thinking,
		})
	})
}

// emitStepLog records an agent log event. A nil step attributes the
// entry to the orchestrator itself.
func (e *Engine) emitStepLog(ctx context.Context, taskID string, step *models.Step, level, message string, details map[string]any) {
	agentID, agentName := orchestratorID, orchestratorName
	if step != nil {
		agentID, agentName = step.AgentID, displayNameFor(step)
	}
	e.publish(func() error {
		return e.publisher.PublishAgentLog(ctx, events.AgentLogPayload{
			AgentID:       agentID,
			AgentName:     agentName,
			Type:          level,
			Message:       message,
			Details:       details,
			RelatedTaskID: taskID,
		})
	})
}

// emitStepInteraction surfaces an agent turn to the user.
func (e *Engine) emitStepInteraction(ctx context.Context, taskID string, step *models.Step, message string, schema *models.InputSchema) {
	if message == "" {
		return
	}
	e.publish(func() error {
		return e.publisher.PublishTaskInteraction(ctx, events.TaskInteractionPayload{
			TaskID:      taskID,
			Role:        events.InteractionRoleAgent,
			Message:     message,
			AgentID:     step.AgentID,
			AgentName:   displayNameFor(step),
			InputSchema: schema,
		})
	})
}

// emitOrchestratorInteraction surfaces a message spoken by the engine
// itself: the final summary or a terminal failure explanation.
func (e *Engine) emitOrchestratorInteraction(ctx context.Context, taskID, message string) {
	if message == "" {
		return
	}
	e.publish(func() error {
		return e.publisher.PublishTaskInteraction(ctx, events.TaskInteractionPayload{
			TaskID:    taskID,
			Role:      events.InteractionRoleAgent,
			Message:   message,
			AgentID:   orchestratorID,
			AgentName: orchestratorName,
		})
	})
}

// emitUserInteraction records the user's reply in the event stream.
func (e *Engine) emitUserInteraction(ctx context.Context, taskID, message string) {
	e.publish(func() error {
		return e.publisher.PublishTaskInteraction(ctx, events.TaskInteractionPayload{
			TaskID:  taskID,
			Role:    events.InteractionRoleUser,
			Message: message,
		})
	})
}

// emitAgentSummary records a short digest of a worker's output.
func (e *Engine) emitAgentSummary(ctx context.Context, taskID string, step *models.Step, output string) {
	if output == "" {
		return
	}
	e.publish(func() error {
		return e.publisher.PublishAgentSummary(ctx, events.AgentSummaryPayload{
			AgentID:   step.AgentID,
			AgentName: displayNameFor(step),
			Summary:   truncate(output, 240),
			TaskID:    taskID,
		})
	})
}

// emitTaskSummary records the final task digest.
func (e *Engine) emitTaskSummary(ctx context.Context, taskID, summary string) {
	e.publish(func() error {
		return e.publisher.PublishTaskSummary(ctx, events.TaskSummaryPayload{
			TaskID:  taskID,
			Summary: summary,
		})
	})
}

// emitLLMRequest asks an out-of-process collaborator to run a prompt
// when no local model is configured.
func (e *Engine) emitLLMRequest(ctx context.Context, taskID, prompt string) {
	e.publish(func() error {
		return e.publisher.PublishLLMResponseRequest(ctx, events.RequestLLMResponsePayload{
			TaskID: taskID,
			Prompt: truncate(prompt, 2000),
		})
	})
}

// planOutline flattens a step list for log details.
func planOutline(steps []*models.Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, fmt.Sprintf("%d. [%s] %s: %s", s.Order, s.Role, displayNameFor(s), s.Description))
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
