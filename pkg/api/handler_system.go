package api

import (
	"net/http"
	"sort"

	echo "github.com/labstack/echo/v5"

	"github.com/cadenza-io/cadenza/pkg/breaker"
	"github.com/cadenza-io/cadenza/pkg/events"
)

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &AgentsResponse{Agents: s.engine.Agents()})
}

// breakersHandler handles GET /api/v1/breakers.
func (s *Server) breakersHandler(c *echo.Context) error {
	resp := BreakersResponse{Breakers: []breaker.Stats{}}
	if s.breakers != nil {
		resp.Breakers = s.breakers.Stats()
	}

	// Sort for deterministic output.
	sort.Slice(resp.Breakers, func(i, j int) bool {
		return resp.Breakers[i].Name < resp.Breakers[j].Name
	})

	return c.JSON(http.StatusOK, resp)
}

// updateLLMConfigHandler handles PUT /api/v1/llm-config.
// Rebinds the language model client at runtime; subsequent calls use
// the new provider, earlier in-flight calls finish on the old one.
func (s *Server) updateLLMConfigHandler(c *echo.Context) error {
	var req LLMConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Provider == "" && req.Model == "" && req.BaseURL == "" && req.APIKeyEnv == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one of provider, model, base_url, api_key_env is required")
	}

	msg := &events.ClientMessage{
		Type:      events.ClientMsgUpdateLLMConfig,
		Provider:  req.Provider,
		Model:     req.Model,
		BaseURL:   req.BaseURL,
		APIKeyEnv: req.APIKeyEnv,
	}
	if err := s.engine.UpdateLLMConfig(c.Request().Context(), msg); err != nil {
		return mapEngineError(err)
	}

	return c.JSON(http.StatusOK, &LLMConfigResponse{
		Status:   "updated",
		Provider: req.Provider,
		Model:    req.Model,
	})
}
