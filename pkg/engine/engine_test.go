package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	"github.com/cadenza-io/cadenza/pkg/store"
	"github.com/cadenza-io/cadenza/pkg/workflow"
)

// scriptedLLM plays back queued replies per component and records the
// prompts it saw. A component with no queued replies fails its call,
// which drives that component onto its fallback path.
type scriptedLLM struct {
	mu      sync.Mutex
	replies map[string][]string
	prompts map[string][]string
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		replies: make(map[string][]string),
		prompts: make(map[string][]string),
	}
}

func (s *scriptedLLM) queue(component string, replies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[component] = append(s.replies[component], replies...)
}

func (s *scriptedLLM) calls(component string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts[component])
}

func (s *scriptedLLM) lastPrompt(component string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompts := s.prompts[component]
	if len(prompts) == 0 {
		return ""
	}
	return prompts[len(prompts)-1]
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[req.Component] = append(s.prompts[req.Component], req.Prompt)
	queued := s.replies[req.Component]
	if len(queued) == 0 {
		return "", fmt.Errorf("no scripted %s reply", req.Component)
	}
	s.replies[req.Component] = queued[1:]
	return queued[0], nil
}

// stubWorker returns queued results in order, repeating the last one
// once the queue is down to a single entry.
type stubWorker struct {
	mu      sync.Mutex
	results []*models.AgentResult
}

func (w *stubWorker) ExecuteTask(_ context.Context, _ string, _ agent.TaskContext) *models.AgentResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.results) == 0 {
		return models.FailedResult(models.ErrCodeInternal, "no scripted result")
	}
	res := w.results[0]
	if len(w.results) > 1 {
		w.results = w.results[1:]
	}
	return res
}

// blockingWorker parks until its context dies, then reports the
// cancellation.
type blockingWorker struct {
	started chan struct{}
	once    sync.Once
}

func (w *blockingWorker) ExecuteTask(ctx context.Context, _ string, _ agent.TaskContext) *models.AgentResult {
	w.once.Do(func() { close(w.started) })
	<-ctx.Done()
	return models.FailedResult(models.ErrCodeCancelled, "work interrupted")
}

type fixtureConfig struct {
	agents   []models.AgentDescriptor
	schemas  []*schema.TaskSchema
	breaker  breaker.Config
	engine   Config
	rebinder Rebinder
}

type fixture struct {
	engine    *Engine
	workflows *workflow.Manager
	events    *events.EventStore
	llm       *scriptedLLM
	workers   *agent.Registry
	breakers  *breaker.Manager
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, fc fixtureConfig) *fixture {
	t.Helper()

	kv := store.NewMemoryStore()
	t.Cleanup(func() { _ = kv.Close() })

	manager := workflow.NewManager(workflow.NewRepository(kv))

	eventStore, err := events.NewEventStore(context.Background(), kv, events.StoreConfig{})
	require.NoError(t, err)
	publisher := events.NewPublisher(eventStore)

	script := newScriptedLLM()
	schemas, err := schema.NewRegistry(script, fc.schemas)
	require.NoError(t, err)

	workers := agent.NewRegistry()

	brCfg := fc.breaker
	if brCfg.FailureThreshold == 0 {
		brCfg = breaker.DefaultConfig()
	}
	breakers := breaker.NewManager(brCfg)

	m := metrics.New()
	eng := New(fc.engine, Deps{
		Workflows: manager,
		Planner:   planner.New(script),
		Schemas:   schemas,
		Extractor: extract.NewExtractor(script),
		QA:        qa.NewHandler(script, schemas),
		Executor:  agent.NewExecutor(workers, script, 5*time.Second),
		Breakers:  breakers,
		Publisher: publisher,
		Narrator:  script,
		Rebinder:  fc.rebinder,
		Metrics:   m,
		Agents:    fc.agents,
	})

	return &fixture{
		engine:    eng,
		workflows: manager,
		events:    eventStore,
		llm:       script,
		workers:   workers,
		breakers:  breakers,
		metrics:   m,
	}
}

func defaultRoster() []models.AgentDescriptor {
	return []models.AgentDescriptor{
		{ID: "concierge", Name: "Concierge", Type: "conversational"},
		{ID: "stable", Name: "Stable", Type: "worker"},
	}
}

func planReply(t *testing.T, steps ...map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"analysis": "scripted analysis", "steps": steps})
	require.NoError(t, err)
	return string(raw)
}

func qaStep(agentID, description, userPrompt string) map[string]any {
	step := map[string]any{"agent_id": agentID, "role": "q_and_a", "description": description}
	if userPrompt != "" {
		step["user_prompt"] = userPrompt
	}
	return step
}

func workerStep(agentID, description string) map[string]any {
	return map[string]any{"agent_id": agentID, "role": "worker", "description": description}
}

func taskEvents(t *testing.T, es *events.EventStore, taskID, eventType string) []events.Event {
	t.Helper()
	all, err := es.GetTaskEvents(context.Background(), taskID)
	require.NoError(t, err)
	var out []events.Event
	for _, ev := range all {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func interactions(t *testing.T, es *events.EventStore, taskID string) []events.TaskInteractionPayload {
	t.Helper()
	var out []events.TaskInteractionPayload
	for _, ev := range taskEvents(t, es, taskID, events.EventTypeTaskInteraction) {
		var p events.TaskInteractionPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		out = append(out, p)
	}
	return out
}

func statusSequence(t *testing.T, es *events.EventStore, taskID string) []string {
	t.Helper()
	var out []string
	for _, ev := range taskEvents(t, es, taskID, events.EventTypeTaskStatusChange) {
		var p events.TaskStatusChangePayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		out = append(out, p.Status)
	}
	return out
}

func TestSimpleRequestCompletesAfterOneQuestion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: defaultRoster()})
	f.llm.queue("planner", planReply(t,
		qaStep("concierge", "Find out what the user needs", "How can I help?")))
	f.llm.queue("narrator", "All done. Let me know if you need anything else!")

	msg, err := f.engine.ProcessRequest(ctx, "task-a", "hi", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, msg, "a parked task returns no message yet")

	wf, ok := f.workflows.Snapshot("task-a")
	require.True(t, ok)
	assert.Equal(t, models.PhaseWaitingUser, wf.Phase)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, models.StepWaitingUser, wf.Steps[0].Status)

	final, err := f.engine.ResumeWithUserInput(ctx, "task-a", "hi")
	require.NoError(t, err)
	assert.Equal(t, "All done. Let me know if you need anything else!", final)

	wf, _ = f.workflows.Snapshot("task-a")
	assert.Equal(t, models.PhaseCompleted, wf.Phase)
	require.NotNil(t, wf.CompletedAt)

	// The schema gate closed the step silently; the user saw exactly
	// the question, their reply, and the final summary.
	msgs := interactions(t, f.events, "task-a")
	require.Len(t, msgs, 3)
	assert.Equal(t, events.InteractionRoleAgent, msgs[0].Role)
	assert.Equal(t, "How can I help?", msgs[0].Message)
	assert.Equal(t, events.InteractionRoleUser, msgs[1].Role)
	assert.Equal(t, "hi", msgs[1].Message)
	assert.Equal(t, "All done. Let me know if you need anything else!", msgs[2].Message)

	assert.Equal(t,
		[]string{"analyzing", "executing", "waiting_user", "executing", "finalizing", "completed"},
		statusSequence(t, f.events, "task-a"))

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TasksStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TasksCompleted))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.TasksFailed))
}

func TestBookingCollectsFactsAcrossTurns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: defaultRoster()})
	f.llm.queue("planner", planReply(t,
		qaStep("concierge", "Collect the booking details", "")))
	f.llm.queue("qa",
		`{"status": "waiting_user", "message": "Where, when, and for how many people?"}`,
		`{"status": "waiting_user", "message": "Shall I confirm the booking?"}`)
	f.llm.queue("extractor",
		`{"facts": {"location": "Luigi's", "datetime": "tomorrow 19:00", "party_size": 4}}`)
	f.llm.queue("narrator", "Your table at Luigi's is booked!")

	_, err := f.engine.ProcessRequest(ctx, "task-b", "Book me a table", nil, nil)
	require.NoError(t, err)

	// Facts arrive, but the proceed decision is still missing, so the
	// same step asks again instead of completing.
	msg, err := f.engine.ResumeWithUserInput(ctx, "task-b", "Luigi's tomorrow at 7pm, four of us")
	require.NoError(t, err)
	assert.Empty(t, msg)

	wf, _ := f.workflows.Snapshot("task-b")
	assert.Equal(t, models.PhaseWaitingUser, wf.Phase)
	assert.Equal(t, "booking", wf.SchemaType)
	assert.True(t, wf.Conversation.HasFact("location"))
	assert.True(t, wf.Conversation.HasFact("datetime"))
	assert.True(t, wf.Conversation.HasFact("party_size"))
	assert.False(t, wf.Conversation.HasDecision("proceed"))

	final, err := f.engine.ResumeWithUserInput(ctx, "task-b", "yes")
	require.NoError(t, err)
	assert.Equal(t, "Your table at Luigi's is booked!", final)

	wf, _ = f.workflows.Snapshot("task-b")
	assert.Equal(t, models.PhaseCompleted, wf.Phase)
	assert.Equal(t, true, wf.Conversation.Decisions["proceed"])

	msgs := interactions(t, f.events, "task-b")
	require.Len(t, msgs, 5)
	assert.Equal(t, "Where, when, and for how many people?", msgs[0].Message)
	assert.Equal(t, "Luigi's tomorrow at 7pm, four of us", msgs[1].Message)
	assert.Equal(t, "Shall I confirm the booking?", msgs[2].Message)
	require.NotNil(t, msgs[2].InputSchema, "re-asks carry an input hint for the missing slot")
	assert.Equal(t, "proceed", msgs[2].InputSchema.Placeholder)
	assert.Equal(t, "yes", msgs[3].Message)
	assert.Equal(t, "Your table at Luigi's is booked!", msgs[4].Message)
}

func TestScheduledWorkerRunsAfterConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{
		agents: []models.AgentDescriptor{
			{ID: "concierge", Name: "Concierge"},
			{ID: "deployer", Name: "Deployer"},
		},
		schemas: []*schema.TaskSchema{{
			Type:              "deploy",
			RequiredFacts:     []string{"environment"},
			RequiredDecisions: []string{"proceed"},
			WorkerID:          "deployer",
			Keywords:          []string{"deploy"},
		}},
	})
	f.workers.Register("deployer", &stubWorker{results: []*models.AgentResult{
		models.CompletedResult("Deployed", "Deployed build 42 to staging"),
	}})
	f.llm.queue("planner", planReply(t,
		qaStep("concierge", "Confirm the deployment details", "")))
	f.llm.queue("qa", `{"status": "waiting_user", "message": "Which environment, and shall I proceed?"}`)
	f.llm.queue("extractor", `{"facts": {"environment": "staging"}, "decisions": {"proceed": true}}`)
	f.llm.queue("narrator", "Deployed to staging successfully.")

	_, err := f.engine.ProcessRequest(ctx, "task-c", "deploy my app", nil, nil)
	require.NoError(t, err)

	final, err := f.engine.ResumeWithUserInput(ctx, "task-c", "staging, go ahead")
	require.NoError(t, err)
	assert.Equal(t, "Deployed to staging successfully.", final)

	wf, _ := f.workflows.Snapshot("task-c")
	assert.Equal(t, models.PhaseCompleted, wf.Phase)

	// The confirmation gate spliced a step for the schema's worker
	// into the plan and the loop executed it immediately.
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, "deployer", wf.Steps[1].AgentID)
	assert.Equal(t, models.RoleWorker, wf.Steps[1].Role)
	assert.Equal(t, models.StepCompleted, wf.Steps[1].Status)
	assert.Equal(t, 2, wf.Steps[1].Order)

	assert.True(t, wf.Conversation.Flag(models.FlagWorkerDone))
	assert.False(t, wf.Conversation.Flag(models.FlagNeedsWorker))
	_, stillScheduled := wf.Context[models.ContextKeyNextWorker]
	assert.False(t, stillScheduled)
	assert.Equal(t, "Deployed build 42 to staging", wf.Context[models.StepResultContextKey(2)])

	// Gate completion stayed invisible: question, reply, summary only.
	msgs := interactions(t, f.events, "task-c")
	require.Len(t, msgs, 3)
	assert.Equal(t, "Which environment, and shall I proceed?", msgs[0].Message)
	assert.Equal(t, "staging, go ahead", msgs[1].Message)
	assert.Equal(t, "Deployed to staging successfully.", msgs[2].Message)

	summaries := taskEvents(t, f.events, "task-c", events.EventTypeAgentSummary)
	require.Len(t, summaries, 1)
	var digest events.AgentSummaryPayload
	require.NoError(t, json.Unmarshal(summaries[0].Payload, &digest))
	assert.Equal(t, "deployer", digest.AgentID)
	assert.Equal(t, "Deployed build 42 to staging", digest.Summary)

	// The worker's thinking states streamed out while it ran.
	var thinking []string
	for _, ev := range taskEvents(t, f.events, "task-c", events.EventTypeAgentStatusChange) {
		var p events.AgentStatusChangePayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		if p.AgentID == "deployer" && p.ThinkingState != "" {
			thinking = append(thinking, p.ThinkingState)
		}
	}
	assert.Equal(t, []string{"EXPLORING", "STRUCTURING", "VALIDATING", "SUMMARIZING"}, thinking)
}

func TestGateCompletionStaysSilentMidPlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: defaultRoster()})
	f.workers.Register("stable", &stubWorker{results: []*models.AgentResult{
		models.CompletedResult("reserved", "Reserved table 7"),
	}})
	f.llm.queue("planner", planReply(t,
		qaStep("concierge", "Collect the booking details", "What do you need?"),
		workerStep("stable", "Make the reservation")))
	f.llm.queue("extractor",
		`{"facts": {"location": "Luigi's", "datetime": "friday 20:00", "party_size": 2}, "decisions": {"proceed": true}}`)
	f.llm.queue("narrator", "Reserved!")

	_, err := f.engine.ProcessRequest(ctx, "task-gate", "book a table for two", nil, nil)
	require.NoError(t, err)

	final, err := f.engine.ResumeWithUserInput(ctx, "task-gate", "Luigi's, friday 8pm, two people, yes")
	require.NoError(t, err)
	assert.Equal(t, "Reserved!", final)

	// With a worker step still pending, the gate reports its reason as
	// required_slots_filled rather than schema_complete.
	var gateLogged bool
	for _, ev := range taskEvents(t, f.events, "task-gate", events.EventTypeAgentLog) {
		var p events.AgentLogPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		if p.Message == "Step 1 completed silently (required_slots_filled)" {
			gateLogged = true
		}
	}
	assert.True(t, gateLogged)

	msgs := interactions(t, f.events, "task-gate")
	require.Len(t, msgs, 3)
	assert.Equal(t, "What do you need?", msgs[0].Message)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(f.metrics.StepsExecuted.WithLabelValues(string(models.RoleWorker))))
	assert.Equal(t, float64(2),
		testutil.ToFloat64(f.metrics.StepsExecuted.WithLabelValues(string(models.RoleQAndA))))
}

func TestBreakerOpensAndReplanRoutesAroundFailingAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{
		agents: []models.AgentDescriptor{
			{ID: "flaky", Name: "Flaky"},
			{ID: "backup", Name: "Backup"},
		},
		breaker: breaker.Config{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
			HalfOpenMaxCalls: 1,
		},
	})
	f.workers.Register("flaky", &stubWorker{results: []*models.AgentResult{
		models.FailedResult(models.ErrCodeInternal, "connection refused"),
	}})
	f.workers.Register("backup", &stubWorker{results: []*models.AgentResult{
		models.CompletedResult("done", "completed the job"),
	}})

	flakyPlan := planReply(t, workerStep("flaky", "Do the thing"))
	f.llm.queue("planner",
		flakyPlan, // initial plan
		flakyPlan, // replan after failure 1
		flakyPlan, // replan after failure 2
		flakyPlan, // replan after failure 3; circuit is open by now
		planReply(t, workerStep("backup", "Do the thing another way")))
	f.llm.queue("narrator", "Finished after rerouting.")

	final, err := f.engine.ProcessRequest(ctx, "task-d", "do the thing", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Finished after rerouting.", final)

	wf, _ := f.workflows.Snapshot("task-d")
	assert.Equal(t, models.PhaseCompleted, wf.Phase)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, "backup", wf.Steps[0].AgentID)

	assert.Equal(t, breaker.StateOpen, f.breakers.Get("flaky").State())
	assert.Equal(t, breaker.StateClosed, f.breakers.Get("backup").State())

	assert.Equal(t, 5, f.llm.calls("planner"))
	assert.Equal(t, float64(4), testutil.ToFloat64(f.metrics.Replans))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(f.metrics.BreakerRejections.WithLabelValues("flaky")))

	// The rejected dispatch surfaced as a synthesized failure.
	var rejected bool
	for _, ev := range taskEvents(t, f.events, "task-d", events.EventTypeAgentLog) {
		var p events.AgentLogPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		if p.Type == events.LogError && p.Message == "Step 1 failed: Flaky is temporarily unavailable" {
			rejected = true
		}
	}
	assert.True(t, rejected)
}

func TestCancelDuringWorkerExecution(t *testing.T) {
	f := newFixture(t, fixtureConfig{agents: []models.AgentDescriptor{{ID: "slow", Name: "Slow"}}})
	w := &blockingWorker{started: make(chan struct{})}
	f.workers.Register("slow", w)
	f.llm.queue("planner", planReply(t, workerStep("slow", "Crunch for a while")))

	type outcome struct {
		msg string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		msg, err := f.engine.ProcessRequest(context.Background(), "task-f", "crunch it", nil, nil)
		done <- outcome{msg, err}
	}()

	select {
	case <-w.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	require.NoError(t, f.engine.Cancel(context.Background(), "task-f"))

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not unwind after cancellation")
	}
	require.Error(t, got.err)
	assert.ErrorIs(t, got.err, context.Canceled)
	assert.Empty(t, got.msg)

	wf, _ := f.workflows.Snapshot("task-f")
	assert.Equal(t, models.PhaseFailed, wf.Phase)
	require.NotNil(t, wf.CompletedAt)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, models.StepFailed, wf.Steps[0].Status)

	// Cancellation is terminal: no replan round, nothing said to the
	// user, but the error is on the record.
	assert.Equal(t, 1, f.llm.calls("planner"))
	assert.Empty(t, interactions(t, f.events, "task-f"))

	var cancelLogged bool
	for _, ev := range taskEvents(t, f.events, "task-f", events.EventTypeAgentLog) {
		var p events.AgentLogPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		if p.Type == events.LogError && p.Details["code"] == models.ErrCodeCancelled {
			cancelLogged = true
		}
	}
	assert.True(t, cancelLogged)

	// The per-task lock came back out with the goroutine.
	assert.NoError(t, f.engine.Cancel(context.Background(), "task-f"))
}

func TestCancelParkedTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: defaultRoster()})
	f.llm.queue("planner", planReply(t,
		qaStep("concierge", "Find out what the user needs", "How can I help?")))

	_, err := f.engine.ProcessRequest(ctx, "task-parked", "hello", nil, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(ctx, "task-parked"))

	wf, _ := f.workflows.Snapshot("task-parked")
	assert.Equal(t, models.PhaseFailed, wf.Phase)
	assert.Equal(t, models.StepFailed, wf.Steps[0].Status)

	_, err = f.engine.ResumeWithUserInput(ctx, "task-parked", "too late")
	assert.ErrorIs(t, err, ErrNotWaiting)
}

func TestRunningResultParksStepAndResumeInterruptedFinishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: []models.AgentDescriptor{{ID: "batch", Name: "Batch"}}})
	f.workers.Register("batch", &stubWorker{results: []*models.AgentResult{
		{Status: models.AgentRunning, Message: "still crunching"},
		models.CompletedResult("done", "crunched everything"),
	}})
	f.llm.queue("planner", planReply(t, workerStep("batch", "Crunch the numbers")))
	f.llm.queue("narrator", "Numbers crunched.")

	msg, err := f.engine.ProcessRequest(ctx, "task-run", "crunch", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, msg)

	wf, _ := f.workflows.Snapshot("task-run")
	assert.Equal(t, models.PhaseExecuting, wf.Phase)
	assert.Equal(t, models.StepRunning, wf.Steps[0].Status)

	// A restart re-drives executing workflows from their current step.
	f.engine.ResumeInterrupted(ctx, []string{"task-run"})

	require.Eventually(t, func() bool {
		wf, ok := f.workflows.Snapshot("task-run")
		return ok && wf.Phase == models.PhaseCompleted
	}, 5*time.Second, 10*time.Millisecond)

	wf, _ = f.workflows.Snapshot("task-run")
	assert.Equal(t, "crunched everything", wf.Steps[0].Result)
}

func TestResumeInterruptedLeavesWaitingTasksParked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: defaultRoster()})
	f.llm.queue("planner", planReply(t,
		qaStep("concierge", "Find out what the user needs", "How can I help?")))

	_, err := f.engine.ProcessRequest(ctx, "task-waiting", "hello", nil, nil)
	require.NoError(t, err)

	f.engine.ResumeInterrupted(ctx, []string{"task-waiting"})

	wf, _ := f.workflows.Snapshot("task-waiting")
	assert.Equal(t, models.PhaseWaitingUser, wf.Phase)
	assert.Equal(t, 1, f.llm.calls("planner"), "a parked task is not replanned on restart")
}

func TestPlanFailureFailsAnalysis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: defaultRoster()})
	// No planner reply queued: the planning call fails outright.

	msg, err := f.engine.ProcessRequest(ctx, "task-noplan", "do something", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, msg, "I cannot analyze this request")

	wf, _ := f.workflows.Snapshot("task-noplan")
	assert.Equal(t, models.PhaseFailed, wf.Phase)

	msgs := interactions(t, f.events, "task-noplan")
	require.Len(t, msgs, 1)
	assert.Equal(t, orchestratorID, msgs[0].AgentID)
	assert.Equal(t, msg, msgs[0].Message)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TasksFailed))
}

func TestEmptyRosterFailsAnalysis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{})

	msg, err := f.engine.ProcessRequest(ctx, "task-empty", "anything", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, msg, "no agents available")

	assert.Equal(t, 0, f.llm.calls("planner"), "planning is skipped without a roster")

	wf, _ := f.workflows.Snapshot("task-empty")
	assert.Equal(t, models.PhaseFailed, wf.Phase)
}

func TestZeroStepReplanFailsTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: defaultRoster()})
	f.workers.Register("stable", &stubWorker{results: []*models.AgentResult{
		models.FailedResult(models.ErrCodeInternal, "disk full"),
	}})
	f.llm.queue("planner",
		planReply(t, workerStep("stable", "Write the report")),
		`{"analysis": "nothing workable", "steps": []}`)

	msg, err := f.engine.ProcessRequest(ctx, "task-stuck", "write the report", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, msg, "I wasn't able to finish this task")
	assert.Contains(t, msg, "disk full")

	wf, _ := f.workflows.Snapshot("task-stuck")
	assert.Equal(t, models.PhaseFailed, wf.Phase)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Replans))

	msgs := interactions(t, f.events, "task-stuck")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "disk full")
}

func TestProcessRequestValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: defaultRoster()})

	_, err := f.engine.ProcessRequest(ctx, "", "hello", nil, nil)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	_, err = f.engine.ProcessRequest(ctx, "task-v", "   ", nil, nil)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestProcessRequestRejectsDuplicateTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: defaultRoster()})
	f.llm.queue("planner", planReply(t,
		qaStep("concierge", "Find out what the user needs", "How can I help?")))

	_, err := f.engine.ProcessRequest(ctx, "task-dup", "hello", nil, nil)
	require.NoError(t, err)

	_, err = f.engine.ProcessRequest(ctx, "task-dup", "hello again", nil, nil)
	assert.ErrorIs(t, err, workflow.ErrAlreadyExists)
}

func TestResumeUnknownTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: defaultRoster()})

	_, err := f.engine.ResumeWithUserInput(ctx, "nope", "hello")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestCancelUnknownAndTerminalTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: defaultRoster()})

	assert.ErrorIs(t, f.engine.Cancel(ctx, "ghost"), ErrWorkflowNotFound)

	// Terminal tasks absorb cancellation quietly.
	_, err := f.engine.ProcessRequest(ctx, "task-done", "anything", nil, nil)
	require.NoError(t, err) // fails analysis: no planner reply queued
	require.NoError(t, f.engine.Cancel(ctx, "task-done"))

	wf, _ := f.workflows.Snapshot("task-done")
	assert.Equal(t, models.PhaseFailed, wf.Phase)
}

// panicCompletion stands in for a narrator with a crashing bug.
type panicCompletion struct{}

func (panicCompletion) Complete(context.Context, llm.Request) (string, error) {
	panic("narrator exploded")
}

func TestPanicWhileProcessingFailsTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: []models.AgentDescriptor{{ID: "quick", Name: "Quick"}}})
	f.engine.narrator = panicCompletion{}
	f.workers.Register("quick", &stubWorker{results: []*models.AgentResult{
		models.CompletedResult("ok", "did the thing"),
	}})
	f.llm.queue("planner", planReply(t, workerStep("quick", "Do it")))

	_, err := f.engine.ProcessRequest(ctx, "task-panic", "do it", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	wf, _ := f.workflows.Snapshot("task-panic")
	assert.Equal(t, models.PhaseFailed, wf.Phase)
	require.NotNil(t, wf.CompletedAt)

	var apologized bool
	for _, p := range interactions(t, f.events, "task-panic") {
		if p.AgentID == orchestratorID && p.Message == "Something went wrong on my side while working on this. Please try again." {
			apologized = true
		}
	}
	assert.True(t, apologized)

	// The lock and the concurrency slot were both released.
	_, err = f.engine.ResumeWithUserInput(ctx, "task-panic", "hello?")
	assert.ErrorIs(t, err, ErrNotWaiting)
}

func TestRequestMetadataLandsOnWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureConfig{agents: defaultRoster()})
	f.llm.queue("planner", planReply(t,
		qaStep("concierge", "Find out what the user needs", "How can I help?")))

	_, err := f.engine.ProcessRequest(ctx, "task-meta", "hello", nil, map[string]any{
		"requested_by": "alice",
		"channel":      "web",
	})
	require.NoError(t, err)

	wf, _ := f.workflows.Snapshot("task-meta")
	assert.Equal(t, "alice", wf.RequestedBy)
	assert.Equal(t, "web", wf.Context["channel"])
	_, leaked := wf.Context["requested_by"]
	assert.False(t, leaked, "the requester identity is not duplicated into the context bag")
}
