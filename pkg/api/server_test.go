package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-io/cadenza/pkg/agent"
	"github.com/cadenza-io/cadenza/pkg/breaker"
	"github.com/cadenza-io/cadenza/pkg/config"
	"github.com/cadenza-io/cadenza/pkg/engine"
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

// scriptedLLM plays back queued replies per component. A component with
// no queued replies fails its call, which drives that component onto
// its fallback path.
type scriptedLLM struct {
	mu      sync.Mutex
	replies map[string][]string
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{replies: make(map[string][]string)}
}

func (s *scriptedLLM) queue(component string, replies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[component] = append(s.replies[component], replies...)
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.replies[req.Component]
	if len(queued) == 0 {
		return "", fmt.Errorf("no scripted %s reply", req.Component)
	}
	s.replies[req.Component] = queued[1:]
	return queued[0], nil
}

type fixture struct {
	server    *Server
	workflows *workflow.Manager
	events    *events.EventStore
	breakers  *breaker.Manager
	llm       *scriptedLLM
	rebind    *llm.Client
}

func newTestServer(t *testing.T, withRebinder bool) *fixture {
	t.Helper()

	kv := store.NewMemoryStore()
	t.Cleanup(func() { _ = kv.Close() })

	manager := workflow.NewManager(workflow.NewRepository(kv))

	eventStore, err := events.NewEventStore(context.Background(), kv, events.StoreConfig{})
	require.NoError(t, err)
	publisher := events.NewPublisher(eventStore)

	script := newScriptedLLM()
	schemas, err := schema.NewRegistry(script, nil)
	require.NoError(t, err)

	breakers := breaker.NewManager(breaker.DefaultConfig())
	m := metrics.New()

	var rebind *llm.Client
	deps := engine.Deps{
		Workflows: manager,
		Planner:   planner.New(script),
		Schemas:   schemas,
		Extractor: extract.NewExtractor(script),
		QA:        qa.NewHandler(script, schemas),
		Executor:  agent.NewExecutor(agent.NewRegistry(), script, 2*time.Second),
		Breakers:  breakers,
		Publisher: publisher,
		Narrator:  script,
		Metrics:   m,
		Agents: []models.AgentDescriptor{
			{ID: "concierge", Name: "Concierge", Type: "conversational", Description: "Talks with the user"},
			{ID: "mover", Name: "Mover", Type: "worker", Description: "Moves things"},
		},
	}
	if withRebinder {
		rebind = llm.NewClient(llm.Config{Provider: "openai", Model: "gpt-4o-mini"})
		deps.Rebinder = rebind
	}
	eng := engine.New(engine.Config{}, deps)

	hub := events.NewHub(eventStore, eng, events.DefaultHubConfig())
	hub.Start(context.Background())
	t.Cleanup(hub.Stop)

	srv := NewServer(config.ServerConfig{AllowedOrigins: []string{"*"}}, Deps{
		Engine:    eng,
		Workflows: manager,
		Events:    eventStore,
		Hub:       hub,
		Breakers:  breakers,
		Metrics:   m,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return &fixture{
		server:    srv,
		workflows: manager,
		events:    eventStore,
		breakers:  breakers,
		llm:       script,
		rebind:    rebind,
	}
}

// do drives one request through the full routing tree.
func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

// parkTask submits a request whose plan is a single question step and
// waits until the workflow parks on it. Returns the task id.
func (f *fixture) parkTask(t *testing.T, headers map[string]string) string {
	t.Helper()
	f.llm.queue("planner", `{"analysis":"needs a question","steps":[`+
		`{"agent_id":"concierge","role":"q_and_a","description":"Ask the user","user_prompt":"What exactly do you need?"}]}`)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{Request: "sort out my request"}, headers)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	accepted := decodeJSON[TaskAcceptedResponse](t, rec)
	require.NotEmpty(t, accepted.TaskID)

	require.Eventually(t, func() bool {
		wf, ok := f.workflows.Snapshot(accepted.TaskID)
		return ok && wf.Phase == models.PhaseWaitingUser
	}, 5*time.Second, 10*time.Millisecond, "task should park on the question")

	return accepted.TaskID
}

func TestHealthEndpoint(t *testing.T) {
	f := newTestServer(t, false)

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	health := decodeJSON[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.NotEmpty(t, health.Version)
	assert.NotEmpty(t, health.Commit)
	assert.NotEmpty(t, health.BuildDate)

	// Middleware applies to every route.
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newTestServer(t, false)

	rec := f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cadenza_tasks_started_total")
}

func TestCreateTaskParksOnQuestion(t *testing.T) {
	f := newTestServer(t, false)

	taskID := f.parkTask(t, map[string]string{"X-Forwarded-User": "alice"})

	wf, ok := f.workflows.Snapshot(taskID)
	require.True(t, ok)
	assert.Equal(t, "alice", wf.RequestedBy)
	assert.Equal(t, "api", wf.Context["channel"])
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, models.StepWaitingUser, wf.Steps[0].Status)
}

func TestCreateTaskValidation(t *testing.T) {
	f := newTestServer(t, false)

	t.Run("missing request", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "request field is required")
	})

	t.Run("whitespace request", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{Request: "   "}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("oversized request", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/tasks",
			CreateTaskRequest{Request: string(bytes.Repeat([]byte("x"), maxRequestBytes+1))}, nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestListTasks(t *testing.T) {
	f := newTestServer(t, false)

	first := f.parkTask(t, nil)
	second := f.parkTask(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/tasks", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decodeJSON[TaskListResponse](t, rec)
	require.Len(t, list.Tasks, 2)
	ids := []string{list.Tasks[0].TaskID, list.Tasks[1].TaskID}
	assert.ElementsMatch(t, []string{first, second}, ids)
	for _, task := range list.Tasks {
		assert.Equal(t, string(models.PhaseWaitingUser), task.Phase)
		assert.Equal(t, "sort out my request", task.Request)
		assert.Equal(t, 1, task.Steps)
	}
}

func TestGetTask(t *testing.T) {
	f := newTestServer(t, false)
	taskID := f.parkTask(t, nil)

	t.Run("known task", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		wf := decodeJSON[models.Workflow](t, rec)
		assert.Equal(t, taskID, wf.TaskID)
		assert.Equal(t, models.PhaseWaitingUser, wf.Phase)
	})

	t.Run("unknown task", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/tasks/nope", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTaskInputResumesTask(t *testing.T) {
	f := newTestServer(t, false)
	taskID := f.parkTask(t, nil)
	f.llm.queue("narrator", "All sorted.")

	rec := f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/input",
		TaskInputRequest{Message: "just do the usual"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		wf, ok := f.workflows.Snapshot(taskID)
		return ok && wf.Phase == models.PhaseCompleted
	}, 5*time.Second, 10*time.Millisecond, "answer should complete the task")
}

func TestTaskInputValidation(t *testing.T) {
	f := newTestServer(t, false)
	taskID := f.parkTask(t, nil)

	t.Run("empty message", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/input", TaskInputRequest{}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown task", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/tasks/nope/input",
			TaskInputRequest{Message: "hello"}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCancelTask(t *testing.T) {
	f := newTestServer(t, false)
	taskID := f.parkTask(t, nil)

	t.Run("parked task", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/cancel", nil, nil)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		require.Eventually(t, func() bool {
			wf, ok := f.workflows.Snapshot(taskID)
			return ok && wf.Phase.Terminal()
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("unknown task", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/tasks/nope/cancel", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTaskEvents(t *testing.T) {
	f := newTestServer(t, false)
	taskID := f.parkTask(t, nil)

	t.Run("known task has history", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/events", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeJSON[TaskEventsResponse](t, rec)
		assert.Equal(t, taskID, resp.TaskID)
		assert.NotEmpty(t, resp.Events)
	})

	t.Run("unknown task", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/tasks/nope/events", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestListAgents(t *testing.T) {
	f := newTestServer(t, false)

	rec := f.do(t, http.MethodGet, "/api/v1/agents", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeJSON[AgentsResponse](t, rec)
	require.Len(t, resp.Agents, 2)
	assert.Equal(t, "concierge", resp.Agents[0].ID)
	assert.Equal(t, "mover", resp.Agents[1].ID)
}

func TestBreakersEndpoint(t *testing.T) {
	f := newTestServer(t, false)

	t.Run("empty", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/breakers", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeJSON[BreakersResponse](t, rec)
		assert.Empty(t, resp.Breakers)
	})

	t.Run("sorted by name", func(t *testing.T) {
		f.breakers.Get("zulu")
		f.breakers.Get("alpha")

		rec := f.do(t, http.MethodGet, "/api/v1/breakers", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeJSON[BreakersResponse](t, rec)
		require.Len(t, resp.Breakers, 2)
		assert.Equal(t, "alpha", resp.Breakers[0].Name)
		assert.Equal(t, "zulu", resp.Breakers[1].Name)
	})
}

func TestUpdateLLMConfig(t *testing.T) {
	t.Run("rebinds the client", func(t *testing.T) {
		f := newTestServer(t, true)

		rec := f.do(t, http.MethodPut, "/api/v1/llm-config",
			LLMConfigRequest{Provider: "openrouter", Model: "big-brain-9"}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeJSON[LLMConfigResponse](t, rec)
		assert.Equal(t, "updated", resp.Status)

		cfg := f.rebind.Config()
		assert.Equal(t, "openrouter", cfg.Provider)
		assert.Equal(t, "big-brain-9", cfg.Model)
	})

	t.Run("empty body", func(t *testing.T) {
		f := newTestServer(t, true)
		rec := f.do(t, http.MethodPut, "/api/v1/llm-config", LLMConfigRequest{}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no rebinder configured", func(t *testing.T) {
		f := newTestServer(t, false)
		rec := f.do(t, http.MethodPut, "/api/v1/llm-config",
			LLMConfigRequest{Model: "anything"}, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestWebSocketUpgrade(t *testing.T) {
	f := newTestServer(t, false)

	server := httptest.NewServer(f.server.Handler())
	t.Cleanup(server.Close)

	url := "ws" + server.URL[len("http"):] + "/ws?client_id=smoke"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "connection.established", msg["type"])
	assert.Equal(t, "smoke", msg["client_id"])
}
