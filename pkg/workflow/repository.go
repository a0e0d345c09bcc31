// Package workflow provides durable workflow state management: a
// store-backed repository and an in-memory manager that serializes all
// work on a task behind a per-task lock.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cadenza-io/cadenza/pkg/models"
	"github.com/cadenza-io/cadenza/pkg/store"
)

// ErrNotFound is returned when a task has no workflow.
var ErrNotFound = errors.New("workflow not found")

// WorkflowKey returns the store key for a task's serialized workflow.
// Format: "workflow:{task_id}"
func WorkflowKey(taskID string) string {
	return "workflow:" + taskID
}

// Repository persists workflows in the Store. Every phase transition and
// step mutation is saved before the per-task lock is released, so state
// after a persisted step is authoritative across restarts.
type Repository struct {
	kv store.Store
}

// NewRepository creates a Repository over kv.
func NewRepository(kv store.Store) *Repository {
	return &Repository{kv: kv}
}

// Save serializes and stores the workflow.
func (r *Repository) Save(ctx context.Context, w *models.Workflow) error {
	data, err := w.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize workflow %s: %w", w.TaskID, err)
	}
	if err := r.kv.Set(ctx, WorkflowKey(w.TaskID), data); err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", w.TaskID, err)
	}
	return nil
}

// Load returns the stored workflow for a task, or ErrNotFound.
func (r *Repository) Load(ctx context.Context, taskID string) (*models.Workflow, error) {
	data, err := r.kv.Get(ctx, WorkflowKey(taskID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load workflow %s: %w", taskID, err)
	}

	w, err := models.DeserializeWorkflow(data)
	if err != nil {
		return nil, fmt.Errorf("corrupt workflow %s: %w", taskID, err)
	}
	return w, nil
}

// Delete removes a task's stored workflow.
func (r *Repository) Delete(ctx context.Context, taskID string) error {
	if err := r.kv.Delete(ctx, WorkflowKey(taskID)); err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", taskID, err)
	}
	return nil
}

// Exists reports whether a task has a stored workflow.
func (r *Repository) Exists(ctx context.Context, taskID string) (bool, error) {
	_, err := r.kv.Get(ctx, WorkflowKey(taskID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check workflow %s: %w", taskID, err)
	}
	return true, nil
}

// ListAll loads every stored workflow. Undecodable records are skipped
// with a warning rather than failing the whole listing.
func (r *Repository) ListAll(ctx context.Context) ([]*models.Workflow, error) {
	keys, err := r.kv.Keys(ctx, "workflow:")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(keys))
	for _, key := range keys {
		taskID := key[len("workflow:"):]
		w, err := r.Load(ctx, taskID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			slog.Warn("Skipping unreadable workflow", "task_id", taskID, "error", err)
			continue
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}
