package config

import (
	"fmt"

	"github.com/cadenza-io/cadenza/pkg/models"
)

// Validate checks the merged configuration. Fail-fast: the first
// problem found is returned with its section and field named.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	if err := c.validateTuning(); err != nil {
		return err
	}
	if err := c.validateAgents(); err != nil {
		return err
	}
	return c.validateTaskSchemas()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return NewValidationError("server", "", "port",
			fmt.Errorf("%w: %d", ErrInvalidValue, c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return NewValidationError("server", "", "timeouts",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Type {
	case "", "memory":
	case "file":
		if c.Store.FilePath == "" {
			return NewValidationError("store", "", "file_path", ErrMissingRequiredField)
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return NewValidationError("store", "", "redis.addr", ErrMissingRequiredField)
		}
	case "postgres":
		if c.Store.Postgres.Host == "" {
			return NewValidationError("store", "", "postgres.host", ErrMissingRequiredField)
		}
		if c.Store.Postgres.Database == "" {
			return NewValidationError("store", "", "postgres.database", ErrMissingRequiredField)
		}
	default:
		return NewValidationError("store", "", "type",
			fmt.Errorf("%w: %q", ErrInvalidValue, c.Store.Type))
	}
	return nil
}

func (c *Config) validateLLM() error {
	if c.LLM.Model == "" {
		return NewValidationError("llm", "", "model", ErrMissingRequiredField)
	}
	if c.LLM.Timeout < 0 {
		return NewValidationError("llm", "", "timeout",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	return nil
}

func (c *Config) validateTuning() error {
	if c.Engine.MaxConcurrentTasks < 0 {
		return NewValidationError("engine", "", "max_concurrent_tasks",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.SuccessThreshold < 0 ||
		c.Breaker.HalfOpenMaxCalls < 0 {
		return NewValidationError("breaker", "", "thresholds",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if c.Events.Store.RingSize < 0 || c.Events.Store.TaskEventCap < 0 {
		return NewValidationError("events", "", "store",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	return nil
}

func (c *Config) validateAgents() error {
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return NewValidationError("agents", a.Name, "id", ErrMissingRequiredField)
		}
		if seen[a.ID] {
			return NewValidationError("agents", a.ID, "",
				fmt.Errorf("%w: duplicate agent id", ErrInvalidValue))
		}
		seen[a.ID] = true

		switch a.Transport {
		case "", models.TransportGeneric:
		case models.TransportNATS:
			if !c.NATS.Enabled() {
				return NewValidationError("agents", a.ID, "transport",
					fmt.Errorf("%w: nats transport requires nats.url", ErrInvalidValue))
			}
		default:
			return NewValidationError("agents", a.ID, "transport",
				fmt.Errorf("%w: %q", ErrInvalidValue, a.Transport))
		}
	}
	return nil
}

func (c *Config) validateTaskSchemas() error {
	seen := make(map[string]bool, len(c.TaskSchemas))
	for _, s := range c.TaskSchemas {
		if s == nil || s.Type == "" {
			return NewValidationError("task_schemas", "", "type", ErrMissingRequiredField)
		}
		if seen[s.Type] {
			return NewValidationError("task_schemas", s.Type, "",
				fmt.Errorf("%w: duplicate schema type", ErrInvalidValue))
		}
		seen[s.Type] = true
	}
	return nil
}
