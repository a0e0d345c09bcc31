package api

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
)

// maxRequestBytes bounds the free-text request body of a task.
const maxRequestBytes = 64 * 1024

// createTaskHandler handles POST /api/v1/tasks.
// Creates a workflow and returns immediately; progress is observable on
// /ws and under /api/v1/tasks/:taskId.
func (s *Server) createTaskHandler(c *echo.Context) error {
	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	request := strings.TrimSpace(req.Request)
	if request == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request field is required")
	}
	if len(request) > maxRequestBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request exceeds maximum size")
	}

	channel := req.Channel
	if channel == "" {
		channel = "api"
	}
	meta := map[string]any{
		"requested_by": extractRequester(c),
		"channel":      channel,
	}

	taskID := uuid.New().String()

	// ProcessRequest drives the workflow to completion or its first
	// user question; the HTTP request does not wait for either.
	go func() {
		if _, err := s.engine.ProcessRequest(context.Background(), taskID, request, nil, meta); err != nil {
			s.log.Error("task processing failed", "task_id", taskID, "error", err)
		}
	}()

	return c.JSON(http.StatusAccepted, &TaskAcceptedResponse{
		TaskID:  taskID,
		Status:  "accepted",
		Message: "Task submitted for processing",
	})
}

// listTasksHandler handles GET /api/v1/tasks.
func (s *Server) listTasksHandler(c *echo.Context) error {
	workflows := s.workflows.List()

	resp := TaskListResponse{Tasks: make([]TaskSummary, 0, len(workflows))}
	for _, w := range workflows {
		resp.Tasks = append(resp.Tasks, TaskSummary{
			TaskID:      w.TaskID,
			Request:     w.OriginalRequest,
			Phase:       string(w.Phase),
			SchemaType:  w.SchemaType,
			RequestedBy: w.RequestedBy,
			Steps:       len(w.Steps),
			CurrentStep: w.CurrentStep,
			CreatedAt:   w.CreatedAt,
			UpdatedAt:   w.UpdatedAt,
			CompletedAt: w.CompletedAt,
		})
	}

	// Newest first, then by id for deterministic output.
	sort.Slice(resp.Tasks, func(i, j int) bool {
		if !resp.Tasks[i].CreatedAt.Equal(resp.Tasks[j].CreatedAt) {
			return resp.Tasks[i].CreatedAt.After(resp.Tasks[j].CreatedAt)
		}
		return resp.Tasks[i].TaskID < resp.Tasks[j].TaskID
	})

	return c.JSON(http.StatusOK, resp)
}

// getTaskHandler handles GET /api/v1/tasks/:taskId.
func (s *Server) getTaskHandler(c *echo.Context) error {
	taskID := c.Param("taskId")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	wf, ok := s.workflows.Snapshot(taskID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}

	return c.JSON(http.StatusOK, wf)
}

// taskInputHandler handles POST /api/v1/tasks/:taskId/input.
// Feeds a user answer into a waiting workflow and returns immediately.
func (s *Server) taskInputHandler(c *echo.Context) error {
	taskID := c.Param("taskId")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	var req TaskInputRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message field is required")
	}

	if _, ok := s.workflows.Snapshot(taskID); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}

	go func() {
		if _, err := s.engine.ResumeWithUserInput(context.Background(), taskID, req.Message); err != nil {
			s.log.Error("task resume failed", "task_id", taskID, "error", err)
		}
	}()

	return c.JSON(http.StatusAccepted, &TaskAcceptedResponse{
		TaskID:  taskID,
		Status:  "accepted",
		Message: "Input submitted",
	})
}

// cancelTaskHandler handles POST /api/v1/tasks/:taskId/cancel.
func (s *Server) cancelTaskHandler(c *echo.Context) error {
	taskID := c.Param("taskId")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	if err := s.engine.Cancel(c.Request().Context(), taskID); err != nil {
		return mapEngineError(err)
	}

	return c.JSON(http.StatusAccepted, &CancelResponse{
		TaskID:  taskID,
		Message: "Task cancellation requested",
	})
}

// taskEventsHandler handles GET /api/v1/tasks/:taskId/events.
func (s *Server) taskEventsHandler(c *echo.Context) error {
	taskID := c.Param("taskId")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	evs, err := s.events.GetTaskEvents(c.Request().Context(), taskID)
	if err != nil {
		return mapEngineError(err)
	}
	if len(evs) == 0 {
		if _, ok := s.workflows.Snapshot(taskID); !ok {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
	}

	return c.JSON(http.StatusOK, &TaskEventsResponse{TaskID: taskID, Events: evs})
}
