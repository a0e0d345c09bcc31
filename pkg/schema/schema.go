// Package schema defines task schemas: declarative descriptions of what a
// conversation must collect before a task type is considered complete, and
// a registry that classifies incoming requests into those types.
package schema

import (
	"strings"

	"github.com/cadenza-io/cadenza/pkg/models"
)

// GeneralType is the fallback schema type. It has no requirements, so a
// general conversation completes on the first gate check.
const GeneralType = "general"

// ActionType is what the conversation should do next.
type ActionType string

const (
	// ActionAsk means required information is still missing.
	ActionAsk ActionType = "ask"
	// ActionExecute means the schema's worker should run now.
	ActionExecute ActionType = "execute"
	// ActionComplete means the schema is satisfied.
	ActionComplete ActionType = "complete"
)

// NextAction is the gate verdict for one conversation state.
type NextAction struct {
	Type ActionType

	// WorkerID is set when Type is ActionExecute.
	WorkerID string

	// Missing lists the fact or decision keys still unfilled when Type
	// is ActionAsk, in schema order.
	Missing []string
}

// TaskSchema declares the information a task type needs: facts the user
// must supply, decisions they must confirm, and optionally a worker that
// performs the task once the conversation has everything.
type TaskSchema struct {
	Type              string   `yaml:"type" json:"type"`
	RequiredFacts     []string `yaml:"required_facts" json:"requiredFacts,omitempty"`
	RequiredDecisions []string `yaml:"required_decisions" json:"requiredDecisions,omitempty"`
	WorkerID          string   `yaml:"worker_id" json:"workerId,omitempty"`

	// Keywords drive classification when no LLM verdict is available.
	// Matched as case-insensitive substrings of the request.
	Keywords []string `yaml:"keywords" json:"keywords,omitempty"`
}

// NextAction decides what the conversation should do next. The order is
// fixed: missing facts first, then missing decisions, then the worker,
// then completion. A nil state is treated as empty.
func (s *TaskSchema) NextAction(state *models.ConversationState) NextAction {
	if state == nil {
		state = models.NewConversationState()
	}

	if missing := state.MissingFacts(s.RequiredFacts); len(missing) > 0 {
		return NextAction{Type: ActionAsk, Missing: missing}
	}
	if missing := state.MissingDecisions(s.RequiredDecisions); len(missing) > 0 {
		return NextAction{Type: ActionAsk, Missing: missing}
	}
	if s.WorkerID != "" && !state.Flag(models.FlagWorkerDone) {
		return NextAction{Type: ActionExecute, WorkerID: s.WorkerID}
	}
	return NextAction{Type: ActionComplete}
}

// matches reports whether any schema keyword appears in the request.
// The request must already be lowercased.
func (s *TaskSchema) matches(request string) bool {
	for _, kw := range s.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(request, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// builtinSchemas are always registered. Config-declared schemas with the
// same type override them.
func builtinSchemas() []*TaskSchema {
	return []*TaskSchema{
		{
			Type: GeneralType,
		},
		{
			Type:              "booking",
			RequiredFacts:     []string{"location", "datetime", "party_size"},
			RequiredDecisions: []string{"proceed"},
			Keywords:          []string{"book", "reserve", "reservation", "table", "appointment"},
		},
		{
			Type:          "research",
			RequiredFacts: []string{"topic"},
			Keywords:      []string{"research", "find out", "look up", "investigate", "search for"},
		},
	}
}
