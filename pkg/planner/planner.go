// Package planner turns a user request plus an agent roster into an
// ordered step plan. Plans alternate worker and Q&A steps under three
// rules the prompt enforces: workers never talk to the user, a Q&A
// confirmation follows any worker whose output needs user sign-off, and
// every plan ends with a Q&A finalization step.
//
// The planner also handles replanning: given the previous plan and a
// failure reason it produces a fresh plan that routes around the failure.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cadenza-io/cadenza/pkg/llm"
	"github.com/cadenza-io/cadenza/pkg/models"
)

// PlanInput carries everything one planning round needs.
type PlanInput struct {
	TaskID  string
	Request string

	// AvailableAgents is the roster the plan may draw from. An empty
	// roster fails the plan without an LLM call.
	AvailableAgents []models.AgentDescriptor

	// PreviousPlan, when set, switches the prompt into replan mode.
	PreviousPlan []*models.Step

	// Reason explains why a replan was requested.
	Reason string
}

// PlanResult is the outcome of one planning round. Success is false
// when no usable plan could be produced; Analysis then explains why.
type PlanResult struct {
	Success  bool
	Steps    []*models.Step
	Analysis string
}

// Planner produces step plans via the LLM.
type Planner struct {
	llm llm.Completion
	log *slog.Logger
}

// New returns a planner backed by llmClient.
func New(llmClient llm.Completion) *Planner {
	return &Planner{
		llm: llmClient,
		log: slog.Default().With("component", "planner"),
	}
}

// Plan runs one planning round. The error return is reserved for
// context cancellation and a missing LLM binding; every other problem
// is reported through PlanResult.Success so the engine can fail the
// task gracefully.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (*PlanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(in.AvailableAgents) == 0 {
		return &PlanResult{Success: false, Analysis: "no agents available"}, nil
	}

	raw, err := p.llm.Complete(ctx, llm.Request{
		System:    plannerSystemPrompt,
		Prompt:    buildPrompt(in),
		JSONMode:  true,
		Component: "planner",
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, llm.ErrNotConfigured) {
			// Surfaced as an error so the engine can ask an external
			// collaborator for provider config before failing the task.
			return nil, err
		}
		p.log.Warn("planning call failed", "task_id", in.TaskID, "error", err)
		return &PlanResult{Success: false, Analysis: fmt.Sprintf("planning failed: %v", err)}, nil
	}

	envelope, err := decodeEnvelope(raw)
	if err != nil {
		p.log.Warn("plan output undecodable", "task_id", in.TaskID, "error", err)
		return &PlanResult{Success: false, Analysis: "plan output could not be parsed"}, nil
	}

	steps := p.materialize(envelope.Steps, in.AvailableAgents)
	if len(steps) == 0 {
		p.log.Warn("plan contained no usable steps", "task_id", in.TaskID)
		return &PlanResult{Success: false, Analysis: "plan contained no usable steps"}, nil
	}

	p.log.Info("plan produced",
		"task_id", in.TaskID,
		"steps", len(steps),
		"replan", len(in.PreviousPlan) > 0)
	return &PlanResult{Success: true, Steps: steps, Analysis: envelope.Analysis}, nil
}

// materialize converts decoded plan entries into workflow steps: fresh
// ids, 1-based order, normalized roles, agent names resolved from the
// roster. Entries without an agent id or description are dropped.
func (p *Planner) materialize(entries []planStep, roster []models.AgentDescriptor) []*models.Step {
	names := make(map[string]string, len(roster))
	for _, a := range roster {
		names[a.ID] = a.Name
	}

	steps := make([]*models.Step, 0, len(entries))
	for _, entry := range entries {
		if entry.AgentID == "" || entry.Description == "" {
			p.log.Warn("dropping malformed plan step",
				"agent_id", entry.AgentID, "role", entry.Role)
			continue
		}

		role, known := NormalizeRole(entry.Role)
		if !known {
			p.log.Warn("unknown step role, treating as worker",
				"role", entry.Role, "agent_id", entry.AgentID)
		}

		name := entry.AgentName
		if resolved, ok := names[entry.AgentID]; ok && resolved != "" {
			name = resolved
		}
		if name == "" {
			name = entry.AgentID
		}

		steps = append(steps, &models.Step{
			ID:          uuid.NewString(),
			AgentID:     entry.AgentID,
			AgentName:   name,
			Role:        role,
			Description: entry.Description,
			Order:       len(steps) + 1,
			Status:      models.StepPending,
			UserPrompt:  entry.UserPrompt,
		})
	}
	return steps
}
