package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/cadenza-io/cadenza/pkg/version"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// External dependencies (LLM service, remote agents) are excluded so an
// orchestrator does not restart the process when a dependency degrades.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:    "ok",
		Version:   version.Version,
		Commit:    version.GitCommit,
		BuildDate: version.BuildDate,
	})
}
