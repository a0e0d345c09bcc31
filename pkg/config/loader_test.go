package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-io/cadenza/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cadenza.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInitializeDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Initialize(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, int64(8), cfg.Engine.MaxConcurrentTasks)
	assert.Len(t, cfg.Agents, 2)
	assert.False(t, cfg.NATS.Enabled())
	assert.False(t, cfg.Cleanup.Resolve().Disabled)
}

func TestInitializeMergesUserFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
store:
  type: redis
  redis:
    addr: localhost:6379
llm:
  model: gpt-4o
  timeout: 45s
breaker:
  failure_threshold: 5
cleanup:
  enabled: false
agents:
  - id: booker
    name: Booker
    type: worker
    description: Handles reservations
`)

	cfg, err := Initialize(context.Background(), path)
	require.NoError(t, err)

	// Overridden fields.
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "localhost:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.True(t, cfg.Cleanup.Resolve().Disabled)

	// The agent list replaces the builtin roster wholesale.
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "booker", cfg.Agents[0].ID)

	// Untouched sections keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 200, cfg.Events.Hub.CatchupLimit)
}

func TestInitializeExpandsEnvironment(t *testing.T) {
	t.Setenv("CADENZA_TEST_REDIS", "redis.internal:6379")

	path := writeConfig(t, `
store:
  type: redis
  redis:
    addr: ${CADENZA_TEST_REDIS}
`)

	cfg, err := Initialize(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Redis.Addr)
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not: a: mapping")

	_, err := Initialize(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)

	var loadErr *LoadError
	assert.True(t, errors.As(err, &loadErr))
}

func TestInitializeRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
agents:
  - id: twin
    name: First
  - id: twin
    name: Second
`)

	_, err := Initialize(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)

	var valErr *ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Equal(t, "agents", valErr.Section)
	assert.Equal(t, "twin", valErr.ID)
}

func TestInitializeLoadsTaskSchemas(t *testing.T) {
	path := writeConfig(t, `
task_schemas:
  - type: deploy
    required_facts: [environment, version]
    required_decisions: [proceed]
    worker_id: deployer
    keywords: [deploy, release, ship]
`)

	cfg, err := Initialize(context.Background(), path)
	require.NoError(t, err)

	require.Len(t, cfg.TaskSchemas, 1)
	s := cfg.TaskSchemas[0]
	assert.Equal(t, "deploy", s.Type)
	assert.Equal(t, []string{"environment", "version"}, s.RequiredFacts)
	assert.Equal(t, "deployer", s.WorkerID)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CADENZA_TEST_HOST", "db.internal")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"braced", "host: ${CADENZA_TEST_HOST}", "host: db.internal"},
		{"bare", "host: $CADENZA_TEST_HOST", "host: db.internal"},
		{"missing expands empty", "key: ${CADENZA_TEST_UNSET_VAR}", "key: "},
		{"escaped dollar", "price: $$5", "price: $5"},
		{"no references", "plain: value", "plain: value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.in))))
		})
	}
}

func TestCleanupConfigResolve(t *testing.T) {
	enabled := true
	disabled := false

	assert.False(t, CleanupConfig{}.Resolve().Disabled, "omitted means enabled")
	assert.False(t, CleanupConfig{Enabled: &enabled}.Resolve().Disabled)
	assert.True(t, CleanupConfig{Enabled: &disabled}.Resolve().Disabled)

	resolved := CleanupConfig{Interval: time.Minute, WorkflowTTL: time.Hour, CursorTTL: 2 * time.Hour}.Resolve()
	assert.Equal(t, time.Minute, resolved.Interval)
	assert.Equal(t, time.Hour, resolved.WorkflowTTL)
	assert.Equal(t, 2*time.Hour, resolved.CursorTTL)
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return Default() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(*Config) {}, false},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, true},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, true},
		{"unknown store type", func(c *Config) { c.Store.Type = "etcd" }, true},
		{"file store without path", func(c *Config) { c.Store.Type = "file" }, true},
		{"redis store without addr", func(c *Config) { c.Store.Type = "redis" }, true},
		{"postgres store without host", func(c *Config) { c.Store.Type = "postgres" }, true},
		{"empty llm model", func(c *Config) { c.LLM.Model = "" }, true},
		{"negative concurrency", func(c *Config) { c.Engine.MaxConcurrentTasks = -1 }, true},
		{"negative breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = -1 }, true},
		{"agent without id", func(c *Config) {
			c.Agents = append(c.Agents, models.AgentDescriptor{Name: "Anon"})
		}, true},
		{"unknown transport", func(c *Config) {
			c.Agents[0].Transport = "carrier-pigeon"
		}, true},
		{"nats transport without url", func(c *Config) {
			c.Agents[0].Transport = models.TransportNATS
		}, true},
		{"nats transport with url", func(c *Config) {
			c.NATS.URL = "nats://localhost:4222"
			c.Agents[0].Transport = models.TransportNATS
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				var valErr *ValidationError
				assert.True(t, errors.As(err, &valErr))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
