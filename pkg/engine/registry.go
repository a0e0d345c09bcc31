package engine

import (
	"context"
	"sync"

	"github.com/cadenza-io/cadenza/pkg/models"
)

// taskRegistry tracks per-task runtime state that never persists: the
// cancel function for an in-flight run, the agent roster the task was
// started with (replans reuse it), and out-of-process requests awaiting
// a client reply.
type taskRegistry struct {
	mu      sync.Mutex
	running map[string]context.CancelFunc
	rosters map[string][]models.AgentDescriptor
	pending map[string]pendingSelection
}

// pendingSelection is an agent-selection request published for a task
// that has not started yet. The select_option reply starts it.
type pendingSelection struct {
	taskID  string
	request string
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{
		running: make(map[string]context.CancelFunc),
		rosters: make(map[string][]models.AgentDescriptor),
		pending: make(map[string]pendingSelection),
	}
}

// beginRun registers the cancel function for a task's active run and,
// when a roster is given, remembers it for later replans and resumes.
func (r *taskRegistry) beginRun(taskID string, cancel context.CancelFunc, roster []models.AgentDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[taskID] = cancel
	if len(roster) > 0 {
		r.rosters[taskID] = roster
	}
}

// endRun drops the cancel function once a run returns. The roster is
// kept while the task may still resume.
func (r *taskRegistry) endRun(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, taskID)
}

// cancelRun fires the active run's cancel function and reports whether
// a run was actually in flight.
func (r *taskRegistry) cancelRun(taskID string) bool {
	r.mu.Lock()
	cancel, ok := r.running[taskID]
	delete(r.running, taskID)
	r.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// roster returns the roster the task was started with, or nil.
func (r *taskRegistry) roster(taskID string) []models.AgentDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosters[taskID]
}

// forget drops all runtime state for a task. Called on terminal phases.
func (r *taskRegistry) forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, taskID)
	delete(r.rosters, taskID)
}

// addPending records an agent-selection request awaiting a reply.
func (r *taskRegistry) addPending(requestID, taskID, request string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[requestID] = pendingSelection{taskID: taskID, request: request}
}

// takePending consumes a pending selection by request id.
func (r *taskRegistry) takePending(requestID string) (pendingSelection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sel, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	return sel, ok
}

// peekPending resolves a request id to its task without consuming it.
func (r *taskRegistry) peekPending(requestID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sel, ok := r.pending[requestID]
	return sel.taskID, ok
}
