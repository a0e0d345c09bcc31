// Package llm provides the completion client shared by every LLM-backed
// component: planner, Q&A handler, extractor, schema inference, and the
// generic worker. The client speaks the OpenAI chat-completions protocol
// and therefore works against any OpenAI-compatible endpoint via base_url.
//
// The provider binding can be swapped at runtime (update_llm_config);
// in-flight calls finish on the binding they started with.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNotConfigured is returned when no API key is available for the
// current binding. Callers treat this as a failed call; the engine may
// additionally ask an out-of-process collaborator to supply config.
var ErrNotConfigured = errors.New("llm: no API key configured")

// ErrEmptyResponse is returned when the provider replied without any
// usable completion text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Request is a single completion call.
type Request struct {
	// System is the optional system prompt.
	System string

	// Prompt is the user-turn content.
	Prompt string

	// JSONMode asks the provider to emit a single JSON object. Output
	// is still untrusted; callers must parse defensively.
	JSONMode bool

	// Component labels the calling subsystem for observability
	// ("planner", "qa", "extractor", ...).
	Component string
}

// Completion is the minimal LLM capability components depend on.
// *Client implements it; tests substitute scripted fakes.
type Completion interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Observer is notified after every completion attempt with the calling
// component, the call duration, and the resulting error if any. Wired
// at startup to feed metrics.
type Observer func(component string, duration time.Duration, err error)

// Config configures the provider binding.
type Config struct {
	// Provider is a label for logs and the config API ("openai",
	// "openrouter", "local", ...). The wire protocol is always
	// OpenAI-compatible; BaseURL selects the actual service.
	Provider string `yaml:"provider"`

	// Model is the model identifier sent with every request.
	Model string `yaml:"model"`

	// BaseURL overrides the provider endpoint. Empty means the OpenAI
	// default.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never appears in config files.
	APIKeyEnv string `yaml:"api_key_env"`

	// Timeout bounds each completion call.
	Timeout time.Duration `yaml:"timeout"`

	// Temperature is passed through to the provider.
	Temperature float32 `yaml:"temperature"`

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// DefaultConfig returns the standard LLM settings.
func DefaultConfig() Config {
	return Config{
		Provider:  "openai",
		Model:     "gpt-4o-mini",
		APIKeyEnv: "OPENAI_API_KEY",
		Timeout:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Provider == "" {
		c.Provider = def.Provider
	}
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = def.APIKeyEnv
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// ChatClient is the subset of the go-openai client the adapter calls.
// Kept as an interface so tests can substitute a scripted transport.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// binding pairs a transport with the config that produced it. Rebinds
// swap the whole pair atomically.
type binding struct {
	chat ChatClient
	cfg  Config
}

// Client is the process-wide completion client. Safe for concurrent use;
// Rebind swaps the provider binding without interrupting in-flight calls.
type Client struct {
	current atomic.Pointer[binding]
	observe atomic.Pointer[Observer]
}

// SetObserver installs the completion observer. Safe to call at any
// time; nil clears it.
func (c *Client) SetObserver(o Observer) {
	if o == nil {
		c.observe.Store(nil)
		return
	}
	c.observe.Store(&o)
}

// NewClient builds a client from cfg. A missing API key is not an error
// at construction time: the client is created unbound and every call
// returns ErrNotConfigured until a rebind supplies a key.
func NewClient(cfg Config) *Client {
	c := &Client{}
	b := newBinding(cfg.withDefaults())
	c.current.Store(b)
	if b.chat == nil {
		slog.Warn("LLM client created without an API key; completions disabled until configured",
			"provider", b.cfg.Provider, "api_key_env", b.cfg.APIKeyEnv)
	}
	return c
}

// NewClientWithChat builds a client over an explicit transport. Used by
// tests and by callers that manage their own HTTP stack.
func NewClientWithChat(chat ChatClient, cfg Config) *Client {
	c := &Client{}
	c.current.Store(&binding{chat: chat, cfg: cfg.withDefaults()})
	return c
}

func newBinding(cfg Config) *binding {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return &binding{cfg: cfg}
	}
	if cfg.BaseURL != "" {
		oc := openai.DefaultConfig(apiKey)
		oc.BaseURL = cfg.BaseURL
		return &binding{chat: openai.NewClientWithConfig(oc), cfg: cfg}
	}
	return &binding{chat: openai.NewClient(apiKey), cfg: cfg}
}

// Config returns the active binding's configuration.
func (c *Client) Config() Config {
	return c.current.Load().cfg
}

// Update names the rebindable fields. Empty fields keep their current
// values.
type Update struct {
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

// Rebind swaps the provider binding at runtime. In-flight completions
// finish on the old binding; new calls use the new one.
func (c *Client) Rebind(update Update) error {
	cfg := c.current.Load().cfg
	if update.Provider != "" {
		cfg.Provider = update.Provider
	}
	if update.Model != "" {
		cfg.Model = update.Model
	}
	if update.BaseURL != "" {
		cfg.BaseURL = update.BaseURL
	}
	if update.APIKeyEnv != "" {
		cfg.APIKeyEnv = update.APIKeyEnv
	}

	b := newBinding(cfg)
	c.current.Store(b)
	slog.Info("LLM binding updated",
		"provider", cfg.Provider, "model", cfg.Model,
		"base_url", cfg.BaseURL, "configured", b.chat != nil)
	return nil
}

// Complete runs one completion call against the active binding.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	out, err := c.complete(ctx, req)
	if o := c.observe.Load(); o != nil {
		component := req.Component
		if component == "" {
			component = "unknown"
		}
		(*o)(component, time.Since(start), err)
	}
	return out, err
}

func (c *Client) complete(ctx context.Context, req Request) (string, error) {
	b := c.current.Load()
	if b.chat == nil {
		return "", ErrNotConfigured
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	request := openai.ChatCompletionRequest{
		Model:       b.cfg.Model,
		Messages:    messages,
		Temperature: b.cfg.Temperature,
		MaxTokens:   b.cfg.MaxTokens,
	}
	if req.JSONMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := b.chat.CreateChatCompletion(callCtx, request)
	if err != nil {
		return "", fmt.Errorf("llm completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}
