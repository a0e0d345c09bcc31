package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. This is the primary entry point.
//
// Steps performed:
//  1. Start from the builtin defaults
//  2. Read the user YAML file, when present
//  3. Expand environment variable references
//  4. Deep-merge the user file over the defaults
//  5. Validate the result
func Initialize(ctx context.Context, path string) (*Config, error) {
	log := slog.With("config_file", path)
	log.Info("initializing configuration")

	cfg, err := load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("configuration initialized",
		"store", cfg.Store.Type,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"agents", len(cfg.Agents),
		"task_schemas", len(cfg.TaskSchemas),
		"nats", cfg.NATS.Enabled())

	return cfg, nil
}

func load(_ context.Context, path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("configuration file not found, running on builtin defaults",
				"path", path)
			return cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// Field-by-field override: values present in the user file win,
	// everything else keeps its default. Lists (agents, task_schemas)
	// replace wholesale.
	if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("merge failed: %w", err))
	}

	return cfg, nil
}
