package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cadenza-io/cadenza/pkg/llm"
	"github.com/cadenza-io/cadenza/pkg/models"
)

// DefaultWorkerTimeout bounds a single worker execution.
const DefaultWorkerTimeout = 60 * time.Second

// Executor dispatches worker steps. Typed workers from the registry run
// directly; unregistered agents fall back to the generic LLM worker.
type Executor struct {
	registry *Registry
	llm      llm.Completion
	timeout  time.Duration
	log      *slog.Logger
}

// NewExecutor builds an executor. timeout <= 0 selects the default.
func NewExecutor(registry *Registry, llmClient llm.Completion, timeout time.Duration) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	if timeout <= 0 {
		timeout = DefaultWorkerTimeout
	}
	return &Executor{
		registry: registry,
		llm:      llmClient,
		timeout:  timeout,
		log:      slog.Default().With("component", "executor"),
	}
}

// Execute runs one worker step to completion. The returned result is
// never nil and never waiting_user: a worker has no channel to the user,
// so anything unresolvable comes back as a coded failure for the engine
// to replan around.
func (e *Executor) Execute(ctx context.Context, wf *models.Workflow, step *models.Step, userInput string) (res *models.AgentResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("worker panicked",
				"agent_id", step.AgentID,
				"task_id", wf.TaskID,
				"panic", r,
				"stack", string(debug.Stack()))
			res = models.FailedResult(models.ErrCodeInternal, fmt.Sprintf("worker panicked: %v", r))
		}
	}()

	tc := buildTaskContext(wf, userInput)
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if worker, ok := e.registry.Lookup(step.AgentID); ok {
		res = worker.ExecuteTask(execCtx, step.Description, tc)
	} else {
		res = e.executeGeneric(execCtx, step, tc)
	}

	return e.sanitize(execCtx, step, res)
}

// sanitize enforces the worker result contract on whatever came back.
func (e *Executor) sanitize(ctx context.Context, step *models.Step, res *models.AgentResult) *models.AgentResult {
	if res == nil {
		if err := timeoutOrCancel(ctx, step); err != nil {
			return err
		}
		return models.FailedResult(models.ErrCodeInternal,
			fmt.Sprintf("worker %s returned no result", step.AgentID))
	}
	if res.Status == models.AgentWaitingUser {
		// Workers cannot wait on the user. Downgrading to a failure lets
		// the planner insert a Q&A step on the next pass.
		e.log.Warn("worker returned waiting_user, treating as failure", "agent_id", step.AgentID)
		return models.FailedResult(models.ErrCodeInternal,
			fmt.Sprintf("worker %s asked for user input mid-execution", step.AgentID))
	}
	return res
}

// executeGeneric runs the step as a single LLM call.
func (e *Executor) executeGeneric(ctx context.Context, step *models.Step, tc TaskContext) *models.AgentResult {
	if e.llm == nil {
		return models.FailedResult(models.ErrCodeUnavailable,
			fmt.Sprintf("no implementation registered for agent %s and no language model configured", step.AgentID))
	}

	output, err := e.llm.Complete(ctx, llm.Request{
		System: fmt.Sprintf("You are %s, a worker agent. Do the work described and reply with the outcome. "+
			"You cannot ask the user anything; state plainly what is missing if you are blocked.", displayName(step)),
		Prompt:    buildWorkerPrompt(step, tc),
		Component: "worker",
	})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return models.FailedResult(models.ErrCodeTimeout,
				fmt.Sprintf("worker %s timed out", step.AgentID))
		case errors.Is(err, context.Canceled):
			return models.FailedResult(models.ErrCodeCancelled,
				fmt.Sprintf("worker %s was cancelled", step.AgentID))
		case errors.Is(err, llm.ErrNotConfigured):
			return models.FailedResult(models.ErrCodeUnavailable, "no language model configured")
		}
		return models.FailedResult(models.ErrCodeInternal, fmt.Sprintf("worker call failed: %v", err))
	}

	output = strings.TrimSpace(output)
	if output == "" {
		return models.FailedResult(models.ErrCodeEmptyOutput,
			fmt.Sprintf("worker %s produced no output", step.AgentID))
	}
	return models.CompletedResult("", output)
}

// timeoutOrCancel maps a dead context onto the right failure code.
func timeoutOrCancel(ctx context.Context, step *models.Step) *models.AgentResult {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return models.FailedResult(models.ErrCodeTimeout,
			fmt.Sprintf("worker %s timed out", step.AgentID))
	case context.Canceled:
		return models.FailedResult(models.ErrCodeCancelled,
			fmt.Sprintf("worker %s was cancelled", step.AgentID))
	}
	return nil
}

func buildTaskContext(wf *models.Workflow, userInput string) TaskContext {
	tc := TaskContext{
		TaskID:          wf.TaskID,
		OriginalRequest: wf.OriginalRequest,
		UserInput:       userInput,
		PreviousResults: wf.CompletedWorkerResults(),
	}
	if wf.Conversation != nil {
		tc.Facts = wf.Conversation.Facts
		tc.Decisions = wf.Conversation.Decisions
	}
	return tc
}

func buildWorkerPrompt(step *models.Step, tc TaskContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n\n", step.Description)
	fmt.Fprintf(&b, "Original user request: %s\n", tc.OriginalRequest)

	if tc.UserInput != "" {
		fmt.Fprintf(&b, "Latest user input: %s\n", tc.UserInput)
	}
	if len(tc.PreviousResults) > 0 {
		b.WriteString("\nResults from earlier steps:\n")
		for _, r := range tc.PreviousResults {
			fmt.Fprintf(&b, "- %s: %s\n", r.Agent, r.Result)
		}
	}
	if len(tc.Facts) > 0 || len(tc.Decisions) > 0 {
		if known, err := json.Marshal(map[string]any{"facts": tc.Facts, "decisions": tc.Decisions}); err == nil {
			b.WriteString("\nEstablished with the user:\n")
			b.Write(known)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func displayName(step *models.Step) string {
	if step.AgentName != "" {
		return step.AgentName
	}
	return step.AgentID
}
