package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cadenza-io/cadenza/pkg/models"
)

// ErrAlreadyExists is returned when creating a workflow for a task that
// already has one.
var ErrAlreadyExists = errors.New("workflow already exists")

// Manager owns the in-memory workflow map and the per-task locks.
//
// Two locks are involved. The manager's own mutex guards the maps and
// individual field access; its critical sections are short. The per-task
// lock returned by Acquire serializes the logical execution of a task
// and is held across agent calls, so a ResumeWithUserInput can never
// interleave with an in-flight step of the same task. Different tasks
// proceed concurrently.
//
// Mutations go through Update, which persists the workflow before
// returning; callers holding the per-task lock therefore always leave
// durable state behind.
type Manager struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
	locks     map[string]*sync.Mutex

	repo *Repository
}

// NewManager creates an empty Manager persisting through repo.
func NewManager(repo *Repository) *Manager {
	return &Manager{
		workflows: make(map[string]*models.Workflow),
		locks:     make(map[string]*sync.Mutex),
		repo:      repo,
	}
}

// Acquire locks the task and returns the release func. The lock is held
// across agent calls; contention is bounded by the number of concurrent
// operations on the same task, not by agent latency of other tasks.
func (m *Manager) Acquire(taskID string) func() {
	m.mu.Lock()
	lock, ok := m.locks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[taskID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Create registers and persists a new workflow for the task. Callers
// must hold the task's lock.
func (m *Manager) Create(ctx context.Context, taskID, request, requestedBy string) (*models.Workflow, error) {
	m.mu.Lock()
	if _, exists := m.workflows[taskID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, taskID)
	}
	w := models.NewWorkflow(taskID, request)
	w.RequestedBy = requestedBy
	m.workflows[taskID] = w
	snapshot := w.Clone()
	m.mu.Unlock()

	if err := m.repo.Save(ctx, snapshot); err != nil {
		m.mu.Lock()
		delete(m.workflows, taskID)
		m.mu.Unlock()
		return nil, err
	}
	return snapshot, nil
}

// Snapshot returns a deep copy of the task's workflow.
func (m *Manager) Snapshot(taskID string) (*models.Workflow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workflows[taskID]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// List returns deep copies of all tracked workflows.
func (m *Manager) List() []*models.Workflow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Workflow, 0, len(m.workflows))
	for _, w := range m.workflows {
		out = append(out, w.Clone())
	}
	return out
}

// HasPendingWorkflow reports whether the task has a workflow in a
// non-terminal phase.
func (m *Manager) HasPendingWorkflow(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workflows[taskID]
	return ok && !w.Phase.Terminal()
}

// Update applies fn to the live workflow under the manager's mutex,
// stamps UpdatedAt, persists, and returns a snapshot. The snapshot is
// taken inside the critical section so it reflects exactly the mutation
// that was saved.
func (m *Manager) Update(ctx context.Context, taskID string, fn func(*models.Workflow) error) (*models.Workflow, error) {
	m.mu.Lock()
	w, ok := m.workflows[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err := fn(w); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	w.UpdatedAt = time.Now().UTC()
	snapshot := w.Clone()
	m.mu.Unlock()

	if err := m.repo.Save(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// UpdatePhase transitions the workflow phase, stamping CompletedAt on
// terminal phases.
func (m *Manager) UpdatePhase(ctx context.Context, taskID string, phase models.Phase) (*models.Workflow, error) {
	return m.Update(ctx, taskID, func(w *models.Workflow) error {
		w.Phase = phase
		if phase.Terminal() && w.CompletedAt == nil {
			now := time.Now().UTC()
			w.CompletedAt = &now
		}
		return nil
	})
}

// SetContextValue writes one key into the workflow's context bag.
func (m *Manager) SetContextValue(ctx context.Context, taskID, key string, value any) (*models.Workflow, error) {
	return m.Update(ctx, taskID, func(w *models.Workflow) error {
		w.Context[key] = value
		return nil
	})
}

// SetSteps installs the initial plan.
func (m *Manager) SetSteps(ctx context.Context, taskID string, steps []*models.Step) (*models.Workflow, error) {
	return m.Update(ctx, taskID, func(w *models.Workflow) error {
		w.Steps = steps
		w.CurrentStep = 0
		return nil
	})
}

// ReplaceSteps swaps in a replanned step list wholesale: the cursor
// resets to the first step while the conversation state is kept.
func (m *Manager) ReplaceSteps(ctx context.Context, taskID string, steps []*models.Step) (*models.Workflow, error) {
	return m.Update(ctx, taskID, func(w *models.Workflow) error {
		w.Steps = steps
		w.CurrentStep = 0
		return nil
	})
}

// AdvanceStep moves the cursor past the current step.
func (m *Manager) AdvanceStep(ctx context.Context, taskID string) (*models.Workflow, error) {
	return m.Update(ctx, taskID, func(w *models.Workflow) error {
		if w.CurrentStep < len(w.Steps) {
			w.CurrentStep++
		}
		return nil
	})
}

// Evict drops a workflow from memory, leaving persisted state alone.
// The per-task lock entry is removed with it.
func (m *Manager) Evict(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, taskID)
	delete(m.locks, taskID)
}

// Rehydrate loads persisted workflows into memory. Called once on
// startup so tasks survive a restart; returns the ids of workflows that
// were mid-flight when the process died.
func (m *Manager) Rehydrate(ctx context.Context) ([]string, error) {
	stored, err := m.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var interrupted []string
	m.mu.Lock()
	for _, w := range stored {
		if _, exists := m.workflows[w.TaskID]; exists {
			continue
		}
		m.workflows[w.TaskID] = w
		if !w.Phase.Terminal() {
			interrupted = append(interrupted, w.TaskID)
		}
	}
	m.mu.Unlock()
	return interrupted, nil
}

// CleanupTerminal evicts and deletes workflows that reached a terminal
// phase before the cutoff. Returns the ids removed so callers can drop
// related state (event lists, cursors).
func (m *Manager) CleanupTerminal(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	m.mu.RLock()
	var expired []string
	for id, w := range m.workflows {
		if w.Phase.Terminal() && w.CompletedAt != nil && w.CompletedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	var removed []string
	for _, id := range expired {
		if err := m.repo.Delete(ctx, id); err != nil {
			return removed, err
		}
		m.Evict(id)
		removed = append(removed, id)
	}
	return removed, nil
}
