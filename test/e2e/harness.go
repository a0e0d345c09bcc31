// Package e2e boots a complete cadenza instance over in-memory
// infrastructure and exercises it the way external clients do: through
// real HTTP requests and WebSocket connections.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cadenza-io/cadenza/pkg/agent"
	"github.com/cadenza-io/cadenza/pkg/api"
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

// TestApp boots a complete cadenza instance for e2e testing.
type TestApp struct {
	// Core
	Config    *config.Config
	Store     store.Store
	Workflows *workflow.Manager
	Events    *events.EventStore

	// Test wiring
	LLM *ScriptedLLM

	// Real infrastructure
	Engine   *engine.Engine
	Hub      *events.Hub
	Breakers *breaker.Manager
	Metrics  *metrics.Metrics
	Rebinder *llm.Client
	Server   *api.Server

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg     *config.Config
	llm     *ScriptedLLM
	workers map[string]agent.WorkerAgent
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithLLM sets a pre-scripted completion client.
func WithLLM(client *ScriptedLLM) TestAppOption {
	return func(c *testAppConfig) { c.llm = client }
}

// WithWorker registers an in-process worker implementation under the
// given agent id before the engine starts.
func WithWorker(id string, w agent.WorkerAgent) TestAppOption {
	return func(c *testAppConfig) { c.workers[id] = w }
}

// WorkerFunc adapts a plain function to agent.WorkerAgent.
type WorkerFunc func(ctx context.Context, description string, tc agent.TaskContext) *models.AgentResult

// ExecuteTask implements agent.WorkerAgent.
func (f WorkerFunc) ExecuteTask(ctx context.Context, description string, tc agent.TaskContext) *models.AgentResult {
	return f(ctx, description, tc)
}

// NewTestApp creates and starts a full cadenza test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{workers: make(map[string]agent.WorkerAgent)}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = config.Default()
		tc.cfg.Server.AllowedOrigins = []string{"*"}
		tc.cfg.Engine.WorkerTimeout = 5 * time.Second
	}
	if tc.llm == nil {
		tc.llm = NewScriptedLLM()
	}

	ctx := context.Background()

	// 1. Storage — in-memory, behind the same interface the production
	// backends serve.
	kv := store.NewMemoryStore()
	t.Cleanup(func() { _ = kv.Close() })

	// 2. Event store and publisher.
	eventStore, err := events.NewEventStore(ctx, kv, tc.cfg.Events.Store)
	require.NoError(t, err)
	publisher := events.NewPublisher(eventStore)

	// 3. Workflow state.
	workflows := workflow.NewManager(workflow.NewRepository(kv))

	// 4. Pipeline components, all talking to the scripted LLM.
	schemas, err := schema.NewRegistry(tc.llm, tc.cfg.TaskSchemas)
	require.NoError(t, err)

	registry := agent.NewRegistry()
	for id, w := range tc.workers {
		registry.Register(id, w)
	}

	breakers := breaker.NewManager(tc.cfg.Breaker)
	m := metrics.New()
	rebinder := llm.NewClient(llm.Config{Provider: "openai", Model: "gpt-4o-mini"})

	eng := engine.New(tc.cfg.Engine, engine.Deps{
		Workflows: workflows,
		Planner:   planner.New(tc.llm),
		Schemas:   schemas,
		Extractor: extract.NewExtractor(tc.llm),
		QA:        qa.NewHandler(tc.llm, schemas),
		Executor:  agent.NewExecutor(registry, tc.llm, tc.cfg.Engine.WorkerTimeout),
		Breakers:  breakers,
		Publisher: publisher,
		Narrator:  tc.llm,
		Rebinder:  rebinder,
		Metrics:   m,
		Agents:    tc.cfg.Agents,
	})

	// 5. Hub — live event fan-out plus the WS command path.
	hub := events.NewHub(eventStore, eng, tc.cfg.Events.Hub)
	hub.Start(ctx)
	t.Cleanup(hub.Stop)

	// 6. HTTP server on a random port.
	server := api.NewServer(tc.cfg.Server, api.Deps{
		Engine:    eng,
		Workflows: workflows,
		Events:    eventStore,
		Hub:       hub,
		Breakers:  breakers,
		Metrics:   m,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &TestApp{
		Config:    tc.cfg,
		Store:     kv,
		Workflows: workflows,
		Events:    eventStore,
		LLM:       tc.llm,
		Engine:    eng,
		Hub:       hub,
		Breakers:  breakers,
		Metrics:   m,
		Rebinder:  rebinder,
		Server:    server,
		BaseURL:   ts.URL,
		WSURL:     "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		t:         t,
	}
}

// Connect opens a collecting WebSocket client against the app and
// waits for the connection handshake.
func (app *TestApp) Connect(clientID string) *WSClient {
	app.t.Helper()

	ws, err := WSConnect(context.Background(), app.WSURL+"?client_id="+clientID)
	require.NoError(app.t, err)
	app.t.Cleanup(func() { _ = ws.Close() })

	_, err = ws.WaitForEventType("connection.established", 5*time.Second)
	require.NoError(app.t, err)
	return ws
}

// CreateTask submits a task over HTTP and returns its accepted id.
func (app *TestApp) CreateTask(request string) string {
	app.t.Helper()

	var accepted struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	resp := app.postJSON("/api/v1/tasks", map[string]string{"request": request})
	defer resp.Body.Close()
	require.Equal(app.t, http.StatusAccepted, resp.StatusCode)
	require.NoError(app.t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.Equal(app.t, "accepted", accepted.Status)
	require.NotEmpty(app.t, accepted.TaskID)
	return accepted.TaskID
}

// SubmitInput answers a task waiting for user input over HTTP.
func (app *TestApp) SubmitInput(taskID, message string) {
	app.t.Helper()

	resp := app.postJSON("/api/v1/tasks/"+taskID+"/input", map[string]string{"message": message})
	defer resp.Body.Close()
	require.Equal(app.t, http.StatusAccepted, resp.StatusCode)
}

// CancelTask requests cancellation of a task over HTTP.
func (app *TestApp) CancelTask(taskID string) {
	app.t.Helper()

	resp := app.postJSON("/api/v1/tasks/"+taskID+"/cancel", nil)
	defer resp.Body.Close()
	require.Equal(app.t, http.StatusAccepted, resp.StatusCode)
}

// GetTask fetches the task's workflow over HTTP.
func (app *TestApp) GetTask(taskID string) *models.Workflow {
	app.t.Helper()

	wf, status := app.tryGetTask(taskID)
	require.Equal(app.t, http.StatusOK, status)
	return wf
}

// WaitForPhase polls the task endpoint until the workflow reaches the
// given phase.
func (app *TestApp) WaitForPhase(taskID string, phase models.Phase) {
	app.t.Helper()

	require.Eventually(app.t, func() bool {
		wf, status := app.tryGetTask(taskID)
		return status == http.StatusOK && wf.Phase == phase
	}, 10*time.Second, 20*time.Millisecond, "task %s never reached phase %s", taskID, phase)
}

func (app *TestApp) tryGetTask(taskID string) (*models.Workflow, int) {
	app.t.Helper()

	resp, err := http.Get(app.BaseURL + "/api/v1/tasks/" + taskID)
	require.NoError(app.t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode
	}
	var wf models.Workflow
	require.NoError(app.t, json.NewDecoder(resp.Body).Decode(&wf))
	return &wf, resp.StatusCode
}

func (app *TestApp) postJSON(path string, body any) *http.Response {
	app.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(app.t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(app.BaseURL+path, "application/json", &buf)
	require.NoError(app.t, err)
	return resp
}
