// Package agent executes the worker steps of a workflow. A worker takes
// a step description plus the task context and produces exactly one
// result; workers never talk to the user and never return waiting_user.
//
// Dispatch has two paths: agents registered with a typed WorkerAgent
// implementation (in-process or remote over NATS) run through it, and
// everything else runs through the generic LLM-backed worker.
package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/cadenza-io/cadenza/pkg/models"
)

// TaskContext is everything a worker may draw on for one execution.
type TaskContext struct {
	TaskID          string              `json:"taskId"`
	OriginalRequest string              `json:"originalRequest"`
	UserInput       string              `json:"userInput,omitempty"`
	PreviousResults []models.StepResult `json:"previousResults,omitempty"`
	Facts           map[string]any      `json:"facts,omitempty"`
	Decisions       map[string]any      `json:"decisions,omitempty"`
}

// WorkerAgent is a typed worker implementation. ExecuteTask must honor
// ctx cancellation and must never return a waiting_user result; a
// worker that needs user input reports what is missing and lets a Q&A
// step collect it.
type WorkerAgent interface {
	ExecuteTask(ctx context.Context, description string, tc TaskContext) *models.AgentResult
}

// Registry maps agent ids to typed worker implementations.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]WorkerAgent
}

// NewRegistry returns an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]WorkerAgent)}
}

// Register binds a worker implementation to an agent id, replacing any
// previous binding.
func (r *Registry) Register(id string, w WorkerAgent) {
	if id == "" || w == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[id] = w
}

// Lookup returns the worker bound to the agent id.
func (r *Registry) Lookup(id string) (WorkerAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// IDs returns the registered agent ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workers))
	for id := range r.workers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
