package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cadenza-io/cadenza/pkg/events"
	"github.com/cadenza-io/cadenza/pkg/llm"
	"github.com/cadenza-io/cadenza/pkg/planner"
)

// attemptReplan asks the planner for a fresh step list after a step
// failure. On success the new plan replaces the remaining steps
// wholesale: the cursor resets to the first new step while
// conversation state and stashed results survive. Returns false when
// no usable plan came back; the caller then fails the workflow.
func (e *Engine) attemptReplan(ctx context.Context, taskID, reason string) bool {
	wf, ok := e.workflows.Snapshot(taskID)
	if !ok {
		return false
	}

	e.metrics.Replans.Inc()
	plan, err := e.planner.Plan(ctx, planner.PlanInput{
		TaskID:          taskID,
		Request:         wf.OriginalRequest,
		AvailableAgents: e.rosterFor(taskID),
		PreviousPlan:    wf.Steps,
		Reason:          "replan: " + reason,
	})
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			e.emitLLMRequest(ctx, taskID, wf.OriginalRequest)
		}
		e.log.Warn("replan failed", "task_id", taskID, "error", err)
		return false
	}
	if !plan.Success || len(plan.Steps) == 0 {
		e.log.Warn("replan produced no plan", "task_id", taskID, "analysis", plan.Analysis)
		return false
	}

	if _, err := e.workflows.ReplaceSteps(ctx, taskID, plan.Steps); err != nil {
		e.log.Error("failed to install replanned steps", "task_id", taskID, "error", err)
		return false
	}

	e.emitStepLog(ctx, taskID, nil, events.LogDecision,
		fmt.Sprintf("Replanned after failure: %s", reason),
		map[string]any{"steps": planOutline(plan.Steps)})
	e.log.Info("replan installed", "task_id", taskID, "steps", len(plan.Steps))
	return true
}
