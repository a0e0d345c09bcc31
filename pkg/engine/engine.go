// Package engine orchestrates multi-agent workflows end to end: it
// plans a request into steps, dispatches each step to the matching
// agent behind a circuit breaker, pauses for user input when a Q&A
// agent asks, replans after failures, and narrates a final summary.
//
// The engine owns every workflow mutation. Agents communicate purely
// through AgentResult values; they never touch workflow state. One
// task runs on one goroutine at a time: a per-task lock is held for
// the whole processing pass, and a weighted semaphore caps how many
// tasks run concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cadenza-io/cadenza/pkg/agent"
	"github.com/cadenza-io/cadenza/pkg/breaker"
	"github.com/cadenza-io/cadenza/pkg/events"
	"github.com/cadenza-io/cadenza/pkg/extract"
	"github.com/cadenza-io/cadenza/pkg/llm"
	"github.com/cadenza-io/cadenza/pkg/metrics"
	"github.com/cadenza-io/cadenza/pkg/models"
	"github.com/cadenza-io/cadenza/pkg/planner"
	"github.com/cadenza-io/cadenza/pkg/qa"
	"github.com/cadenza-io/cadenza/pkg/schema"
	"github.com/cadenza-io/cadenza/pkg/workflow"
)

// metaRequestedBy is the external-metadata key carrying the requester
// identity. It lands on Workflow.RequestedBy; every other key goes
// into the workflow context bag.
const metaRequestedBy = "requested_by"

// Config tunes the engine.
type Config struct {
	// MaxConcurrentTasks caps how many tasks may be processing at
	// once. Further tasks block in ProcessRequest until a slot frees.
	MaxConcurrentTasks int64 `yaml:"max_concurrent_tasks"`

	// WorkerTimeout bounds a single worker step execution. Consumed
	// by the executor built alongside the engine.
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 8,
		WorkerTimeout:      60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = def.WorkerTimeout
	}
	return c
}

// Rebinder swaps the LLM provider binding at runtime. *llm.Client
// implements it.
type Rebinder interface {
	Rebind(update llm.Update) error
}

// Deps are the engine's collaborators. Workflows, Planner, QA,
// Executor, and Publisher are required; the rest degrade gracefully
// when nil (no schema inference, no extraction, no breaker gating,
// canned final summaries, config updates rejected).
type Deps struct {
	Workflows *workflow.Manager
	Planner   *planner.Planner
	Schemas   *schema.Registry
	Extractor *extract.Extractor
	QA        *qa.Handler
	Executor  *agent.Executor
	Breakers  *breaker.Manager
	Publisher *events.Publisher
	Narrator  llm.Completion
	Rebinder  Rebinder
	Metrics   *metrics.Metrics

	// Agents is the default roster offered to the planner when a
	// caller does not narrow it.
	Agents []models.AgentDescriptor
}

// Engine drives workflows from request to final summary.
type Engine struct {
	cfg       Config
	workflows *workflow.Manager
	planner   *planner.Planner
	schemas   *schema.Registry
	extractor *extract.Extractor
	qa        *qa.Handler
	executor  *agent.Executor
	breakers  *breaker.Manager
	publisher *events.Publisher
	narrator  llm.Completion
	rebinder  Rebinder
	metrics   *metrics.Metrics
	agents    []models.AgentDescriptor

	sem   *semaphore.Weighted
	tasks *taskRegistry
	log   *slog.Logger
}

// New builds an engine from cfg and deps.
func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		cfg:       cfg,
		workflows: deps.Workflows,
		planner:   deps.Planner,
		schemas:   deps.Schemas,
		extractor: deps.Extractor,
		qa:        deps.QA,
		executor:  deps.Executor,
		breakers:  deps.Breakers,
		publisher: deps.Publisher,
		narrator:  deps.Narrator,
		rebinder:  deps.Rebinder,
		metrics:   m,
		agents:    deps.Agents,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentTasks),
		tasks:     newTaskRegistry(),
		log:       slog.With("component", "engine"),
	}
}

// Agents returns the engine's default roster.
func (e *Engine) Agents() []models.AgentDescriptor {
	out := make([]models.AgentDescriptor, len(e.agents))
	copy(out, e.agents)
	return out
}

// ProcessRequest creates a workflow for the request, plans it against
// the given roster (engine default when empty), and drives it until it
// completes, fails, or parks waiting for user input. extMeta entries
// land in the workflow context; the "requested_by" key becomes the
// requester identity. Returns the final user-visible message, or ""
// when the task parked.
func (e *Engine) ProcessRequest(ctx context.Context, taskID, request string, availableAgents []models.AgentDescriptor, extMeta map[string]any) (string, error) {
	return e.runNewTask(ctx, taskID, request, availableAgents, extMeta, nil)
}

// runNewTask is the shared entry for new workflows, with or without a
// pre-planned step list.
func (e *Engine) runNewTask(ctx context.Context, taskID, request string, roster []models.AgentDescriptor, extMeta map[string]any, plannedSteps []*models.Step) (msg string, err error) {
	if taskID == "" {
		return "", NewValidationError("taskId", "must not be empty")
	}
	request = strings.TrimSpace(request)
	if request == "" {
		return "", NewValidationError("request", "must not be empty")
	}
	if len(roster) == 0 {
		roster = e.agents
	}

	// The concurrency slot is taken before the per-task lock so a
	// burst of new tasks cannot starve resumes of running ones.
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire task slot: %w", err)
	}
	defer e.sem.Release(1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.tasks.beginRun(taskID, cancel, roster)
	defer e.tasks.endRun(taskID)

	release := e.workflows.Acquire(taskID)
	defer release()
	defer e.recoverTask(runCtx, taskID, &msg, &err)

	requestedBy, bag := splitMeta(extMeta)
	if _, err := e.workflows.Create(runCtx, taskID, request, requestedBy); err != nil {
		return "", err
	}
	e.metrics.TasksStarted.Inc()
	e.log.Info("task accepted", "task_id", taskID, "requested_by", requestedBy)
	e.emitTaskStatus(runCtx, taskID, models.PhaseAnalyzing)

	if len(bag) > 0 {
		if _, err := e.workflows.Update(runCtx, taskID, func(w *models.Workflow) error {
			for k, v := range bag {
				w.Context[k] = v
			}
			return nil
		}); err != nil {
			e.log.Warn("failed to stash task metadata", "task_id", taskID, "error", err)
		}
	}

	if len(plannedSteps) > 0 {
		return e.startExecution(runCtx, taskID, plannedSteps)
	}
	return e.analyzeAndRun(runCtx, taskID, roster)
}

// analyzeAndRun infers the task schema, produces the initial plan, and
// drives the workflow. Callers hold the per-task lock.
func (e *Engine) analyzeAndRun(ctx context.Context, taskID string, roster []models.AgentDescriptor) (string, error) {
	wf, ok := e.workflows.Snapshot(taskID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, taskID)
	}

	if wf.SchemaType == "" && e.schemas != nil {
		sch := e.schemas.InferFromRequest(ctx, wf.OriginalRequest)
		if _, err := e.workflows.Update(ctx, taskID, func(w *models.Workflow) error {
			w.SchemaType = sch.Type
			return nil
		}); err != nil {
			return "", err
		}
		e.log.Info("task schema inferred", "task_id", taskID, "schema_type", sch.Type)
	}

	plan, err := e.planner.Plan(ctx, planner.PlanInput{
		TaskID:          taskID,
		Request:         wf.OriginalRequest,
		AvailableAgents: roster,
	})
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			// Someone out of process may be able to run the planning
			// prompt for us; ask before giving up.
			e.emitLLMRequest(ctx, taskID, wf.OriginalRequest)
			return e.failAnalysis(ctx, taskID, "no language model is configured"), nil
		}
		if ctx.Err() != nil {
			e.failCancelled(ctx, taskID, nil)
			return "", ctx.Err()
		}
		return "", fmt.Errorf("plan task %s: %w", taskID, err)
	}
	if !plan.Success {
		return e.failAnalysis(ctx, taskID, plan.Analysis), nil
	}

	e.emitStepLog(ctx, taskID, nil, events.LogDecision,
		fmt.Sprintf("Planned %d steps", len(plan.Steps)),
		map[string]any{"analysis": plan.Analysis, "steps": planOutline(plan.Steps)})

	return e.startExecution(ctx, taskID, plan.Steps)
}

// startExecution installs a step plan and enters the dispatch loop.
func (e *Engine) startExecution(ctx context.Context, taskID string, steps []*models.Step) (string, error) {
	if _, err := e.workflows.SetSteps(ctx, taskID, steps); err != nil {
		return "", err
	}
	if _, err := e.workflows.UpdatePhase(ctx, taskID, models.PhaseExecuting); err != nil {
		return "", err
	}
	e.emitTaskStatus(ctx, taskID, models.PhaseExecuting)
	return e.runLoop(ctx, taskID)
}

// failAnalysis fails a workflow whose request could not be turned into
// a plan. Returns the message shown to the user.
func (e *Engine) failAnalysis(ctx context.Context, taskID, analysis string) string {
	msg := "I cannot analyze this request right now. Please try rephrasing it."
	if analysis != "" {
		msg = fmt.Sprintf("I cannot analyze this request: %s.", analysis)
	}
	e.failTask(ctx, taskID, nil, models.ErrCodeInternal, "initial planning failed: "+analysis, msg)
	return msg
}

// ResumeWithUserInput feeds the user's reply to a workflow parked in
// waiting_user and drives it until it completes, fails, or parks
// again. The reply is recorded as an interaction, run through fact
// extraction, and handed to the waiting step as its input.
func (e *Engine) ResumeWithUserInput(ctx context.Context, taskID, userInput string) (msg string, err error) {
	if taskID == "" {
		return "", NewValidationError("taskId", "must not be empty")
	}
	userInput = strings.TrimSpace(userInput)
	if userInput == "" {
		return "", NewValidationError("message", "must not be empty")
	}
	if _, ok := e.workflows.Snapshot(taskID); !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, taskID)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire task slot: %w", err)
	}
	defer e.sem.Release(1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.tasks.beginRun(taskID, cancel, nil)
	defer e.tasks.endRun(taskID)

	release := e.workflows.Acquire(taskID)
	defer release()
	defer e.recoverTask(runCtx, taskID, &msg, &err)

	wf, ok := e.workflows.Snapshot(taskID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, taskID)
	}
	if wf.Phase != models.PhaseWaitingUser {
		return "", fmt.Errorf("%w: task %s is %s", ErrNotWaiting, taskID, wf.Phase)
	}
	step := wf.ActiveStep()
	if step == nil || step.Status != models.StepWaitingUser {
		return "", fmt.Errorf("%w: task %s has no step awaiting input", ErrNotWaiting, taskID)
	}

	e.emitUserInteraction(runCtx, taskID, userInput)

	conv := wf.Conversation
	if e.extractor != nil {
		updated, exErr := e.extractor.ExtractAndUpdate(runCtx, userInput, wf.Conversation)
		if exErr != nil {
			e.failCancelled(runCtx, taskID, step)
			return "", exErr
		}
		conv = updated
	}

	if _, err := e.workflows.Update(runCtx, taskID, func(w *models.Workflow) error {
		if live := w.StepByID(step.ID); live != nil {
			live.UserInput = userInput
		}
		w.Conversation = conv
		w.Phase = models.PhaseExecuting
		return nil
	}); err != nil {
		return "", err
	}
	e.emitTaskStatus(runCtx, taskID, models.PhaseExecuting)

	return e.runLoop(runCtx, taskID)
}

// Cancel stops a task. An actively processing task is cancelled
// through its run context and fails on the cancellation path; a parked
// task is failed here directly. Cancelling an already-terminal task is
// a no-op.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	wf, ok := e.workflows.Snapshot(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, taskID)
	}
	if wf.Phase.Terminal() {
		return nil
	}

	if e.tasks.cancelRun(taskID) {
		e.log.Info("cancellation signalled", "task_id", taskID)
		return nil
	}

	// No goroutine to interrupt: the task is parked.
	release := e.workflows.Acquire(taskID)
	defer release()

	wf, ok = e.workflows.Snapshot(taskID)
	if !ok || wf.Phase.Terminal() {
		return nil
	}
	e.failCancelled(ctx, taskID, wf.ActiveStep())
	e.log.Info("parked task cancelled", "task_id", taskID)
	return nil
}

// ResumeInterrupted re-drives workflows that were mid-flight when the
// process stopped. Waiting workflows stay parked until the user
// replies; analyzing workflows are planned from scratch; executing and
// finalizing workflows re-enter the loop at their current step. Each
// task resumes on its own goroutine.
func (e *Engine) ResumeInterrupted(ctx context.Context, taskIDs []string) {
	for _, taskID := range taskIDs {
		wf, ok := e.workflows.Snapshot(taskID)
		if !ok || wf.Phase.Terminal() || wf.Phase == models.PhaseWaitingUser {
			continue
		}
		go func(taskID string) {
			if _, err := e.resumeInterrupted(ctx, taskID); err != nil {
				e.log.Error("failed to resume interrupted task", "task_id", taskID, "error", err)
			}
		}(taskID)
	}
}

func (e *Engine) resumeInterrupted(ctx context.Context, taskID string) (msg string, err error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire task slot: %w", err)
	}
	defer e.sem.Release(1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.tasks.beginRun(taskID, cancel, nil)
	defer e.tasks.endRun(taskID)

	release := e.workflows.Acquire(taskID)
	defer release()
	defer e.recoverTask(runCtx, taskID, &msg, &err)

	wf, ok := e.workflows.Snapshot(taskID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, taskID)
	}

	e.log.Info("resuming interrupted task", "task_id", taskID, "phase", wf.Phase)
	switch wf.Phase {
	case models.PhaseAnalyzing:
		return e.analyzeAndRun(runCtx, taskID, e.rosterFor(taskID))
	case models.PhaseExecuting, models.PhaseFinalizing:
		return e.runLoop(runCtx, taskID)
	default:
		return "", nil
	}
}

// recoverTask converts a panic escaping the task boundary into a
// failed workflow instead of a crashed process. Deferred inside the
// per-task lock.
func (e *Engine) recoverTask(ctx context.Context, taskID string, msg *string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	e.log.Error("panic while processing task",
		"task_id", taskID, "panic", r, "stack", string(debug.Stack()))
	e.failTask(ctx, taskID, nil, models.ErrCodeInternal,
		fmt.Sprintf("internal error: %v", r),
		"Something went wrong on my side while working on this. Please try again.")
	*msg = ""
	*err = fmt.Errorf("task %s: panic: %v", taskID, r)
}

// rosterFor returns the task's remembered roster, falling back to the
// engine default.
func (e *Engine) rosterFor(taskID string) []models.AgentDescriptor {
	if roster := e.tasks.roster(taskID); len(roster) > 0 {
		return roster
	}
	return e.agents
}

// descriptor finds an agent in the default roster by id or,
// case-insensitively, by name.
func (e *Engine) descriptor(ref string) (models.AgentDescriptor, bool) {
	for _, a := range e.agents {
		if a.ID == ref || strings.EqualFold(a.Name, ref) {
			return a, true
		}
	}
	return models.AgentDescriptor{}, false
}

// splitMeta separates the requester identity from context-bag entries.
func splitMeta(extMeta map[string]any) (string, map[string]any) {
	if len(extMeta) == 0 {
		return "", nil
	}
	requestedBy, _ := extMeta[metaRequestedBy].(string)
	bag := make(map[string]any, len(extMeta))
	for k, v := range extMeta {
		if k == metaRequestedBy {
			continue
		}
		bag[k] = v
	}
	return requestedBy, bag
}
