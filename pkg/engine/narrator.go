package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cadenza-io/cadenza/pkg/llm"
	"github.com/cadenza-io/cadenza/pkg/models"
)

// fallbackSummary closes a task when the narrator LLM is unavailable
// or misbehaves. Finalization always speaks; it never fails the task.
const fallbackSummary = "I've completed all the steps for your request."

// finalize closes a workflow whose plan is exhausted: narrate a
// summary of the completed work, emit it as the closing interaction,
// and mark the task completed.
func (e *Engine) finalize(ctx context.Context, taskID string) (string, error) {
	if _, err := e.workflows.UpdatePhase(ctx, taskID, models.PhaseFinalizing); err != nil {
		return "", err
	}
	e.emitTaskStatus(ctx, taskID, models.PhaseFinalizing)

	wf, ok := e.workflows.Snapshot(taskID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, taskID)
	}
	message := e.narrate(ctx, wf)

	// Completion must land even if the run context died during
	// narration; the work is already done.
	done := context.WithoutCancel(ctx)
	if _, err := e.workflows.UpdatePhase(done, taskID, models.PhaseCompleted); err != nil {
		return "", err
	}
	e.metrics.TasksCompleted.Inc()
	e.tasks.forget(taskID)

	e.emitTaskStatus(done, taskID, models.PhaseCompleted)
	e.emitOrchestratorInteraction(done, taskID, message)
	e.emitTaskSummary(done, taskID, message)
	e.log.Info("task completed", "task_id", taskID)
	return message, nil
}

// narrate produces the final user-facing summary from the completed
// worker results and the confirmed conversation state. Best effort:
// any LLM problem falls back to the canned close.
func (e *Engine) narrate(ctx context.Context, wf *models.Workflow) string {
	if e.narrator == nil {
		return fallbackSummary
	}
	raw, err := e.narrator.Complete(ctx, llm.Request{
		System: "You are the closing voice of an assistant that just finished a task for the user. " +
			"Write one short, warm, plain-text message summarizing the outcome. " +
			"Never mention agents, steps, plans, or other internal machinery.",
		Prompt:    buildNarratorPrompt(wf),
		Component: "narrator",
	})
	if err != nil {
		e.log.Warn("narration failed, using fallback", "task_id", wf.TaskID, "error", err)
		return fallbackSummary
	}
	message := strings.TrimSpace(raw)
	if message == "" {
		return fallbackSummary
	}
	return message
}

// buildNarratorPrompt flattens the task's outcome for the summary
// call.
func buildNarratorPrompt(wf *models.Workflow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The user's request: %s\n", wf.OriginalRequest)

	if results := wf.CompletedWorkerResults(); len(results) > 0 {
		b.WriteString("\nWork completed:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- %s\n", truncate(r.Result, 400))
		}
	}

	if wf.Conversation != nil {
		if len(wf.Conversation.Facts) > 0 {
			if facts, err := json.Marshal(wf.Conversation.Facts); err == nil {
				fmt.Fprintf(&b, "\nDetails confirmed with the user: %s\n", facts)
			}
		}
		if len(wf.Conversation.Decisions) > 0 {
			if decisions, err := json.Marshal(wf.Conversation.Decisions); err == nil {
				fmt.Fprintf(&b, "Choices the user made: %s\n", decisions)
			}
		}
	}

	b.WriteString("\nTell the user how it went and what was accomplished.")
	return b.String()
}
