package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-io/cadenza/pkg/agent"
	"github.com/cadenza-io/cadenza/pkg/breaker"
	"github.com/cadenza-io/cadenza/pkg/events"
	"github.com/cadenza-io/cadenza/pkg/models"
)

// runLoop drives the workflow until the plan is exhausted, a step
// parks waiting on the user, or the workflow fails. Callers hold the
// per-task lock. Returns the final user-visible message, or "" when
// the workflow parked.
func (e *Engine) runLoop(ctx context.Context, taskID string) (string, error) {
	for {
		if ctx.Err() != nil {
			e.failCancelled(ctx, taskID, nil)
			return "", ctx.Err()
		}

		wf, ok := e.workflows.Snapshot(taskID)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, taskID)
		}

		step := wf.ActiveStep()
		if step == nil {
			return e.finalize(ctx, taskID)
		}
		if step.Status == models.StepCompleted || step.Status == models.StepFailed {
			if _, err := e.workflows.AdvanceStep(ctx, taskID); err != nil {
				return "", err
			}
			continue
		}

		e.beginStep(ctx, taskID, step)
		res := e.dispatchStep(ctx, taskID, wf, step)

		switch res.Status {
		case models.AgentWaitingUser:
			return e.parkWaiting(ctx, taskID, step, res)

		case models.AgentCompleted:
			if err := e.completeStep(ctx, taskID, wf, step, res); err != nil {
				return "", err
			}

		case models.AgentRunning:
			// A long-running agent keeps the step; rehydration or an
			// external signal re-drives the loop later.
			e.log.Info("step parked running", "task_id", taskID, "step_id", step.ID)
			return "", nil

		default:
			done, msg, err := e.handleFailure(ctx, taskID, step, res)
			if done {
				return msg, err
			}
		}
	}
}

// beginStep marks the step running and announces the dispatch.
func (e *Engine) beginStep(ctx context.Context, taskID string, step *models.Step) {
	if _, err := e.workflows.Update(ctx, taskID, func(w *models.Workflow) error {
		if live := w.StepByID(step.ID); live != nil {
			live.MarkRunning()
		}
		return nil
	}); err != nil {
		e.log.Warn("failed to mark step running",
			"task_id", taskID, "step_id", step.ID, "error", err)
	}
	e.emitStepLog(ctx, taskID, step, events.LogInfo,
		fmt.Sprintf("Step %d dispatched to %s", step.Order, displayNameFor(step)), nil)
}

// dispatchStep runs one step through the matching agent path, with the
// agent's circuit breaker and thinking-state tracking around the call.
// Never returns nil.
func (e *Engine) dispatchStep(ctx context.Context, taskID string, wf *models.Workflow, step *models.Step) *models.AgentResult {
	br := e.breakerFor(step.AgentID)
	if br != nil {
		if err := br.Allow(); err != nil {
			e.metrics.BreakerRejections.WithLabelValues(step.AgentID).Inc()
			e.log.Warn("circuit open, dispatch rejected",
				"task_id", taskID, "agent_id", step.AgentID)
			return models.FailedResult(models.ErrCodeUnavailable,
				fmt.Sprintf("%s is temporarily unavailable", displayNameFor(step)))
		}
	}

	var machine *agent.ThinkingMachine
	if step.Role == models.RoleWorker {
		machine = agent.NewThinkingMachine(step.AgentID, e.thinkingNotifier(ctx, taskID, step))
		_ = machine.Fire(agent.EventStartTask)
	} else {
		e.emitAgentStatus(ctx, taskID, step, models.AgentRunning, "")
	}

	start := time.Now()
	var res *models.AgentResult
	if step.Role == models.RoleQAndA {
		res = e.qa.Handle(ctx, wf, step, step.UserInput)
	} else {
		res = e.executor.Execute(ctx, wf, step, step.UserInput)
	}
	e.metrics.StepDuration.Observe(time.Since(start).Seconds())
	e.metrics.StepsExecuted.WithLabelValues(string(step.Role)).Inc()

	if br != nil {
		br.Mark(failureOf(res))
	}
	if machine != nil {
		e.walkThinking(machine, res)
	}
	return res
}

// thinkingNotifier publishes an agent status update whenever the
// worker's thinking state advances. Transitions back to idle are noise
// and are skipped.
func (e *Engine) thinkingNotifier(ctx context.Context, taskID string, step *models.Step) agent.StateNotifier {
	return func(agentID string, from, to agent.ThinkingState) {
		if to == agent.ThinkingIdle {
			return
		}
		e.publish(func() error {
			return e.publisher.PublishAgentStatusChange(ctx, events.AgentStatusChangePayload{
				AgentID:       agentID,
				AgentName:     step.AgentName,
				Status:        string(models.AgentRunning),
				TaskID:        taskID,
				ThinkingState: string(to),
			})
		})
	}
}

// walkThinking advances the machine to match the dispatch outcome: the
// full success path for a completed step, reset for everything else.
func (e *Engine) walkThinking(m *agent.ThinkingMachine, res *models.AgentResult) {
	if res.Status == models.AgentCompleted {
		for _, ev := range []agent.ThinkingEvent{
			agent.EventInfoCollected,
			agent.EventStructureComplete,
			agent.EventValidationPassed,
			agent.EventTaskComplete,
		} {
			_ = m.Fire(ev)
		}
		return
	}
	_ = m.Fire(agent.EventReset)
}

// parkWaiting pauses the workflow on a question for the user. The
// question is the only part of a Q&A turn the user sees.
func (e *Engine) parkWaiting(ctx context.Context, taskID string, step *models.Step, res *models.AgentResult) (string, error) {
	_, err := e.workflows.Update(ctx, taskID, func(w *models.Workflow) error {
		if live := w.StepByID(step.ID); live != nil {
			live.Status = models.StepWaitingUser
			if res.Message != "" {
				live.UserPrompt = res.Message
			}
		}
		w.Phase = models.PhaseWaitingUser
		return nil
	})
	if err != nil {
		return "", err
	}
	e.emitTaskStatus(ctx, taskID, models.PhaseWaitingUser)
	e.emitAgentStatus(ctx, taskID, step, models.AgentWaitingUser, "")
	e.emitStepInteraction(ctx, taskID, step, res.Message, res.InputSchema)
	e.log.Info("task waiting for user input", "task_id", taskID, "step_id", step.ID)
	return "", nil
}

// completeStep records a completed step and its side effects in one
// atomic mutation: the result lands in the step and the context bag, a
// needs-worker gate schedules the named worker, a finished worker
// clears the scheduling state, and the cursor advances.
func (e *Engine) completeStep(ctx context.Context, taskID string, wf *models.Workflow, step *models.Step, res *models.AgentResult) error {
	output := res.Output()
	gate := res.IsGate()

	var scheduledWorker string
	if gate && res.GateReason() == models.GateNeedsWorkerExecution {
		scheduledWorker, _ = res.FinalData["worker_id"].(string)
	}
	workerDone := step.Role == models.RoleWorker && e.completesSchemaWork(wf, step)

	_, err := e.workflows.Update(ctx, taskID, func(w *models.Workflow) error {
		live := w.StepByID(step.ID)
		if live == nil {
			return fmt.Errorf("step %s vanished from plan", step.ID)
		}
		live.MarkCompleted(output)
		if output != "" {
			w.Context[models.StepResultContextKey(live.Order)] = output
		}

		if scheduledWorker != "" {
			w.Conversation.SetFlag(models.FlagNeedsWorker, true)
			w.Context[models.ContextKeyNextWorker] = scheduledWorker
			e.ensureWorkerStep(w, live, scheduledWorker)
		}

		if workerDone {
			w.Conversation.SetFlag(models.FlagWorkerDone, true)
			w.Conversation.SetFlag(models.FlagNeedsWorker, false)
			delete(w.Context, models.ContextKeyNextWorker)
		}

		if w.CurrentStep < len(w.Steps) {
			w.CurrentStep++
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.emitAgentStatus(ctx, taskID, step, models.AgentCompleted, "")
	if step.Role == models.RoleWorker {
		e.emitAgentSummary(ctx, taskID, step, output)
	}
	if gate {
		// Gate completions are bookkeeping; the user never sees them.
		e.emitStepLog(ctx, taskID, step, events.LogInfo,
			fmt.Sprintf("Step %d completed silently (%s)", step.Order, res.GateReason()), nil)
		return nil
	}
	if step.Role == models.RoleQAndA && res.Message != "" {
		// A visible Q&A completion is conversational closure.
		e.emitStepInteraction(ctx, taskID, step, res.Message, nil)
	}
	return nil
}

// completesSchemaWork reports whether a completed worker step satisfies
// the task's worker requirement: either a Q&A gate scheduled this
// agent, or the task schema names it.
func (e *Engine) completesSchemaWork(wf *models.Workflow, step *models.Step) bool {
	if next, _ := wf.Context[models.ContextKeyNextWorker].(string); next != "" && next == step.AgentID {
		return true
	}
	if e.schemas == nil || wf.SchemaType == "" {
		return false
	}
	sch, err := e.schemas.Get(wf.SchemaType)
	if err != nil {
		return false
	}
	return sch.WorkerID != "" && sch.WorkerID == step.AgentID
}

// ensureWorkerStep guarantees the plan has a pending step for the
// worker a gate scheduled, splicing one in right after the current
// step when the plan lacks it.
func (e *Engine) ensureWorkerStep(w *models.Workflow, after *models.Step, workerID string) {
	for _, s := range w.Steps {
		if s.AgentID == workerID && s.Role == models.RoleWorker && s.Status == models.StepPending {
			return
		}
	}

	name := workerID
	if desc, ok := e.descriptor(workerID); ok {
		name = desc.Name
	}
	inserted := &models.Step{
		ID:          uuid.New().String(),
		AgentID:     workerID,
		AgentName:   name,
		Role:        models.RoleWorker,
		Description: "Carry out the task with the details confirmed so far",
		Status:      models.StepPending,
	}

	idx := len(w.Steps) - 1
	for i, s := range w.Steps {
		if s.ID == after.ID {
			idx = i
			break
		}
	}
	rest := append([]*models.Step{inserted}, w.Steps[idx+1:]...)
	w.Steps = append(w.Steps[:idx+1], rest...)
	for i, s := range w.Steps {
		s.Order = i + 1
	}
}

// handleFailure decides whether a failed step ends the task. Returns
// done=false when a replan installed a fresh step list and the loop
// should continue.
func (e *Engine) handleFailure(ctx context.Context, taskID string, step *models.Step, res *models.AgentResult) (done bool, msg string, err error) {
	reason := failureMessage(res)
	code := failureCode(res)

	// Cancellation is terminal; a cancelled task is never replanned.
	if code == models.ErrCodeCancelled || ctx.Err() != nil {
		e.failCancelled(ctx, taskID, step)
		return true, "", ctx.Err()
	}

	e.emitAgentStatus(ctx, taskID, step, models.AgentFailed, "")
	e.emitStepLog(ctx, taskID, step, events.LogError,
		fmt.Sprintf("Step %d failed: %s", step.Order, reason),
		map[string]any{"code": code})

	// Record the failure so the replan prompt sees it.
	if _, err := e.workflows.Update(ctx, taskID, func(w *models.Workflow) error {
		if live := w.StepByID(step.ID); live != nil {
			live.MarkFailed(reason)
		}
		return nil
	}); err != nil {
		return true, "", err
	}

	if e.attemptReplan(ctx, taskID, reason) {
		return false, "", nil
	}

	final := fmt.Sprintf("I wasn't able to finish this task: %s. Please try again later.", reason)
	e.failTask(ctx, taskID, nil, code, "no recovery plan after step failure: "+reason, final)
	return true, final, nil
}

// failTask drives the workflow to failed. Terminal bookkeeping runs on
// a context detached from the task's cancellation so the phase change
// persists and events still go out. userMsg, when set, becomes the one
// user-visible interaction explaining the outcome.
func (e *Engine) failTask(ctx context.Context, taskID string, step *models.Step, code, logMsg, userMsg string) {
	ctx = context.WithoutCancel(ctx)

	if _, err := e.workflows.Update(ctx, taskID, func(w *models.Workflow) error {
		if step != nil {
			if live := w.StepByID(step.ID); live != nil && live.Status != models.StepCompleted {
				live.MarkFailed(logMsg)
			}
		}
		w.Phase = models.PhaseFailed
		if w.CompletedAt == nil {
			now := time.Now().UTC()
			w.CompletedAt = &now
		}
		return nil
	}); err != nil {
		e.log.Error("failed to persist terminal failure", "task_id", taskID, "error", err)
	}

	e.metrics.TasksFailed.Inc()
	e.tasks.forget(taskID)

	if step != nil {
		e.emitAgentStatus(ctx, taskID, step, models.AgentFailed, "")
	}
	e.emitTaskStatus(ctx, taskID, models.PhaseFailed)
	e.emitStepLog(ctx, taskID, step, events.LogError, logMsg, map[string]any{"code": code})
	if userMsg != "" {
		e.emitOrchestratorInteraction(ctx, taskID, userMsg)
	}
	e.log.Warn("task failed", "task_id", taskID, "code", code, "reason", logMsg)
}

// failCancelled fails the workflow with the cancellation code. No
// interaction is emitted; the caller asked for the stop.
func (e *Engine) failCancelled(ctx context.Context, taskID string, step *models.Step) {
	e.failTask(ctx, taskID, step, models.ErrCodeCancelled, "task cancelled", "")
}

func (e *Engine) breakerFor(agentID string) *breaker.Breaker {
	if e.breakers == nil {
		return nil
	}
	return e.breakers.Get(agentID)
}

// failureOf converts a result into the error the breaker records: nil
// for anything except a failed result.
func failureOf(res *models.AgentResult) error {
	if res.Status != models.AgentFailed {
		return nil
	}
	return errors.New(failureMessage(res))
}

// failureMessage extracts a human-readable reason from a failed result.
func failureMessage(res *models.AgentResult) string {
	if res.Error != nil && res.Error.Message != "" {
		return res.Error.Message
	}
	if res.Message != "" {
		return res.Message
	}
	return "agent failed without detail"
}

// failureCode returns the coded reason of a failed result.
func failureCode(res *models.AgentResult) string {
	if res.Error != nil && res.Error.Code != "" {
		return res.Error.Code
	}
	return models.ErrCodeInternal
}

func displayNameFor(step *models.Step) string {
	if step.AgentName != "" {
		return step.AgentName
	}
	return step.AgentID
}
