package api

// CreateTaskRequest is the HTTP request body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Request string `json:"request"`
	Channel string `json:"channel,omitempty"`
}

// TaskInputRequest is the HTTP request body for POST /api/v1/tasks/:taskId/input.
type TaskInputRequest struct {
	Message string `json:"message"`
}

// LLMConfigRequest is the HTTP request body for PUT /api/v1/llm-config.
// All fields are optional; only the set ones change.
type LLMConfigRequest struct {
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
}
