package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/cadenza-io/cadenza/pkg/engine"
	"github.com/cadenza-io/cadenza/pkg/workflow"
)

// mapEngineError maps engine-layer errors to HTTP error responses.
func mapEngineError(err error) *echo.HTTPError {
	if engine.IsValidationError(err) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, engine.ErrWorkflowNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if errors.Is(err, engine.ErrNotWaiting) {
		return echo.NewHTTPError(http.StatusConflict, "task is not waiting for input")
	}
	if errors.Is(err, workflow.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "task already exists")
	}
	if errors.Is(err, engine.ErrRebindUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "llm reconfiguration is not available")
	}

	// Unexpected error
	slog.Error("Unexpected engine error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
