package planner

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/cadenza-io/cadenza/pkg/models"
)

// planEnvelope is the JSON shape the planner prompt requests.
type planEnvelope struct {
	Analysis string     `json:"analysis"`
	Steps    []planStep `json:"steps"`
}

// planStep is one raw plan entry before validation.
type planStep struct {
	AgentID     string `json:"agent_id"`
	AgentName   string `json:"agent_name"`
	Role        string `json:"role"`
	Description string `json:"description"`
	UserPrompt  string `json:"user_prompt"`
}

// decodeEnvelope parses LLM plan output. The model sometimes emits a
// bare step array instead of the envelope; both are accepted. Broken
// JSON goes through repair before decoding.
func decodeEnvelope(raw string) (*planEnvelope, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, errors.New("empty plan output")
	}

	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		repaired = text
	}

	var envelope planEnvelope
	if err := json.Unmarshal([]byte(repaired), &envelope); err == nil && len(envelope.Steps) > 0 {
		return &envelope, nil
	}

	var bare []planStep
	if err := json.Unmarshal([]byte(repaired), &bare); err == nil && len(bare) > 0 {
		return &planEnvelope{Steps: bare}, nil
	}

	return nil, errors.New("no decodable steps in plan output")
}

// ParseSteps decodes an externally supplied plan (for example one
// attached to an assign_task command) into workflow steps. Roles are
// normalized and malformed entries dropped, same as LLM plans.
func ParseSteps(data []byte) ([]*models.Step, error) {
	envelope, err := decodeEnvelope(string(data))
	if err != nil {
		return nil, err
	}
	steps := New(nil).materialize(envelope.Steps, nil)
	if len(steps) == 0 {
		return nil, errors.New("plan contained no usable steps")
	}
	return steps, nil
}

// NormalizeRole maps the role tokens LLMs actually emit onto the two
// canonical roles. Unknown tokens default to worker; the second return
// reports whether the token was recognized.
func NormalizeRole(token string) (models.StepRole, bool) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "q_and_a", "q&a", "qa", "question", "answer", "q_a":
		return models.RoleQAndA, true
	case "worker", "tool", "":
		return models.RoleWorker, true
	default:
		return models.RoleWorker, false
	}
}
