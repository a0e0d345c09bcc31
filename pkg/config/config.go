// Package config loads and validates the cadenza YAML configuration:
// builtin defaults, deep-merged user overrides, and environment
// variable expansion.
package config

import (
	"time"

	"github.com/cadenza-io/cadenza/pkg/breaker"
	"github.com/cadenza-io/cadenza/pkg/cleanup"
	"github.com/cadenza-io/cadenza/pkg/engine"
	"github.com/cadenza-io/cadenza/pkg/events"
	"github.com/cadenza-io/cadenza/pkg/llm"
	"github.com/cadenza-io/cadenza/pkg/models"
	"github.com/cadenza-io/cadenza/pkg/schema"
	"github.com/cadenza-io/cadenza/pkg/store"
)

// Config is the complete cadenza.yaml structure. Every section has a
// builtin default; a user file overrides field by field.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Store   store.Config   `yaml:"store"`
	LLM     llm.Config     `yaml:"llm"`
	Engine  engine.Config  `yaml:"engine"`
	Breaker breaker.Config `yaml:"breaker"`
	Events  EventsConfig   `yaml:"events"`
	NATS    NATSConfig     `yaml:"nats"`
	Cleanup CleanupConfig  `yaml:"cleanup"`

	// Agents is the roster offered to the planner.
	Agents []models.AgentDescriptor `yaml:"agents"`

	// TaskSchemas extends (or overrides) the builtin task schemas.
	TaskSchemas []*schema.TaskSchema `yaml:"task_schemas"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// AllowedOrigins lists extra origins accepted for WebSocket
	// upgrades. The server's own host is always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// EventsConfig groups the event store and fan-out hub settings.
type EventsConfig struct {
	Store events.StoreConfig `yaml:"store"`
	Hub   events.HubConfig   `yaml:"hub"`
}

// NATSConfig enables the event bridge and remote workers when URL is
// set. Prefixes left empty fall back to the package defaults.
type NATSConfig struct {
	URL                string `yaml:"url"`
	SubjectPrefix      string `yaml:"subject_prefix"`
	AgentSubjectPrefix string `yaml:"agent_subject_prefix"`
}

// Enabled reports whether a NATS connection should be established.
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// CleanupConfig is the YAML-facing retention block. Enabled defaults
// to true when omitted.
type CleanupConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	WorkflowTTL time.Duration `yaml:"workflow_ttl"`
	CursorTTL   time.Duration `yaml:"cursor_ttl"`
}

// Resolve converts the YAML block into the cleanup service's config.
func (c CleanupConfig) Resolve() cleanup.Config {
	return cleanup.Config{
		Disabled:    c.Enabled != nil && !*c.Enabled,
		Interval:    c.Interval,
		WorkflowTTL: c.WorkflowTTL,
		CursorTTL:   c.CursorTTL,
	}
}

// Default returns the builtin configuration: a memory store, the
// standard engine and breaker tuning, and a minimal two-agent roster
// so a bare install can hold a conversation and run generic work.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Store:   store.Config{Type: "memory"},
		LLM:     llm.DefaultConfig(),
		Engine:  engine.DefaultConfig(),
		Breaker: breaker.DefaultConfig(),
		Events: EventsConfig{
			Store: events.DefaultStoreConfig(),
			Hub:   events.DefaultHubConfig(),
		},
		Cleanup: CleanupConfig{
			Interval:    time.Hour,
			WorkflowTTL: 24 * time.Hour,
			CursorTTL:   7 * 24 * time.Hour,
		},
		Agents: []models.AgentDescriptor{
			{
				ID:          "assistant",
				Name:        "Assistant",
				Type:        "conversational",
				Description: "Talks with the user to pin down what they need",
			},
			{
				ID:          "operator",
				Name:        "Operator",
				Type:        "worker",
				Description: "Carries out confirmed work items",
			},
		},
	}
}
