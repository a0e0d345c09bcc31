// Cadenza orchestration server — exposes the HTTP/WebSocket API and
// drives multi-agent workflows from request to final summary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/cadenza-io/cadenza/pkg/agent"
	"github.com/cadenza-io/cadenza/pkg/api"
	"github.com/cadenza-io/cadenza/pkg/breaker"
	"github.com/cadenza-io/cadenza/pkg/cleanup"
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
	"github.com/cadenza-io/cadenza/pkg/version"
	"github.com/cadenza-io/cadenza/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config",
		getEnv("CADENZA_CONFIG", "./config/cadenza.yaml"),
		"Path to the configuration file")
	flag.Parse()

	// Load .env next to the binary when present
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	slog.Info("Starting cadenza", "version", version.Full(), "config", *configPath)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the key-value store backing workflows, events, cursors
	kv, err := store.New(ctx, cfg.Store)
	if err != nil {
		slog.Error("Failed to open store", "type", cfg.Store.Type, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	slog.Info("Store ready", "type", cfg.Store.Type)

	// 3. Event store and publisher
	eventStore, err := events.NewEventStore(ctx, kv, cfg.Events.Store)
	if err != nil {
		slog.Error("Failed to initialize event store", "error", err)
		os.Exit(1)
	}
	publisher := events.NewPublisher(eventStore)

	// 4. Workflow manager; rehydrate whatever the last process left behind
	workflows := workflow.NewManager(workflow.NewRepository(kv))
	rehydrated, err := workflows.Rehydrate(ctx)
	if err != nil {
		slog.Error("Failed to rehydrate workflows", "error", err)
		os.Exit(1)
	}
	if len(rehydrated) > 0 {
		slog.Info("Rehydrated workflows", "count", len(rehydrated))
	}

	// 5. Metrics and the LLM client feeding them
	m := metrics.New()

	llmClient := llm.NewClient(cfg.LLM)
	llmClient.SetObserver(func(component string, d time.Duration, err error) {
		m.LLMCalls.WithLabelValues(component).Inc()
		m.LLMDuration.Observe(d.Seconds())
	})
	slog.Info("LLM client initialized", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	// 6. Reasoning components
	schemas, err := schema.NewRegistry(llmClient, cfg.TaskSchemas)
	if err != nil {
		slog.Error("Failed to build schema registry", "error", err)
		os.Exit(1)
	}

	// 7. Agent workers. Agents without a registered worker run on the
	// LLM completion path; nats-transport agents proxy to remote
	// processes over the NATS connection.
	registry := agent.NewRegistry()

	var nc *nats.Conn
	if cfg.NATS.Enabled() {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name(version.Full()))
		if err != nil {
			slog.Error("Failed to connect to NATS", "url", cfg.NATS.URL, "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		remotes := 0
		for _, desc := range cfg.Agents {
			if desc.Transport == models.TransportNATS {
				registry.Register(desc.ID, agent.NewRemoteWorker(nc, desc.ID, cfg.NATS.AgentSubjectPrefix))
				remotes++
			}
		}
		slog.Info("NATS connected", "url", cfg.NATS.URL, "remote_agents", remotes)
	}

	executor := agent.NewExecutor(registry, llmClient, cfg.Engine.WorkerTimeout)
	breakers := breaker.NewManager(cfg.Breaker)

	// 8. The engine
	eng := engine.New(cfg.Engine, engine.Deps{
		Workflows: workflows,
		Planner:   planner.New(llmClient),
		Schemas:   schemas,
		Extractor: extract.NewExtractor(llmClient),
		QA:        qa.NewHandler(llmClient, schemas),
		Executor:  executor,
		Breakers:  breakers,
		Publisher: publisher,
		Narrator:  llmClient,
		Rebinder:  llmClient,
		Metrics:   m,
		Agents:    cfg.Agents,
	})

	// 9. Fan-out: WebSocket hub, and the NATS bridge when configured
	hub := events.NewHub(eventStore, eng, cfg.Events.Hub)
	hub.Start(ctx)

	var bridge *events.Bridge
	if nc != nil {
		bridge = events.NewBridge(nc, eventStore, cfg.NATS.SubjectPrefix)
		bridge.Start(ctx)
		slog.Info("NATS event bridge started")
	}

	// 10. Resume tasks interrupted by the previous shutdown
	eng.ResumeInterrupted(ctx, rehydrated)

	// 11. Retention sweeps
	cleaner := cleanup.NewService(cfg.Cleanup.Resolve(), workflows, eventStore)
	cleaner.Start(ctx)

	// 12. HTTP server (non-blocking)
	httpServer := api.NewServer(cfg.Server, api.Deps{
		Engine:    eng,
		Workflows: workflows,
		Events:    eventStore,
		Hub:       hub,
		Breakers:  breakers,
		Metrics:   m,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Cadenza started successfully",
		"addr", cfg.Server.Host, "port", cfg.Server.Port,
		"agents", len(cfg.Agents))

	// 13. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 14. Graceful shutdown: stop taking requests, then drain the
	// event fan-out so cursors persist, then stop background sweeps.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if bridge != nil {
		bridge.Stop()
	}
	hub.Stop()
	cleaner.Stop()

	slog.Info("Shutdown complete")
}
