package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-io/cadenza/pkg/llm"
	"github.com/cadenza-io/cadenza/pkg/models"
)

// scriptedLLM plays back canned completions and records prompts.
type scriptedLLM struct {
	responses []string
	err       error
	prompts   []string
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.prompts = append(s.prompts, req.Prompt)
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", errors.New("script exhausted")
	}
	out := s.responses[0]
	s.responses = s.responses[1:]
	return out, nil
}

func roster() []models.AgentDescriptor {
	return []models.AgentDescriptor{
		{ID: "search", Name: "Search Agent", Type: "worker", Description: "finds information"},
		{ID: "assistant", Name: "Assistant", Type: "conversational"},
	}
}

func TestPlanProducesSteps(t *testing.T) {
	fake := &scriptedLLM{responses: []string{`{
		"analysis": "two phase task",
		"steps": [
			{"agent_id": "search", "role": "worker", "description": "find options"},
			{"agent_id": "assistant", "role": "q_and_a", "description": "confirm with the user", "user_prompt": "Do these look right?"}
		]
	}`}}
	p := New(fake)

	res, err := p.Plan(context.Background(), PlanInput{
		TaskID:          "task-1",
		Request:         "find me options",
		AvailableAgents: roster(),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "two phase task", res.Analysis)
	require.Len(t, res.Steps, 2)

	first := res.Steps[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 1, first.Order)
	assert.Equal(t, "search", first.AgentID)
	assert.Equal(t, "Search Agent", first.AgentName, "names resolve from the roster")
	assert.Equal(t, models.RoleWorker, first.Role)
	assert.Equal(t, models.StepPending, first.Status)

	second := res.Steps[1]
	assert.Equal(t, 2, second.Order)
	assert.Equal(t, models.RoleQAndA, second.Role)
	assert.Equal(t, "Do these look right?", second.UserPrompt)

	assert.NotEqual(t, first.ID, second.ID, "step ids are fresh")
}

func TestPlanEmptyRoster(t *testing.T) {
	fake := &scriptedLLM{}
	p := New(fake)

	res, err := p.Plan(context.Background(), PlanInput{TaskID: "t", Request: "anything"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Analysis, "no agents")
	assert.Empty(t, fake.prompts, "no LLM call without agents")
}

func TestPlanRepairsSloppyJSON(t *testing.T) {
	fake := &scriptedLLM{responses: []string{
		"Here is the plan: {\"steps\": [{\"agent_id\": \"search\", \"role\": \"worker\", \"description\": \"look\"},]}",
	}}
	p := New(fake)

	res, err := p.Plan(context.Background(), PlanInput{TaskID: "t", Request: "r", AvailableAgents: roster()})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.Steps, 1)
}

func TestPlanAcceptsBareArray(t *testing.T) {
	fake := &scriptedLLM{responses: []string{
		`[{"agent_id": "search", "role": "worker", "description": "look"}]`,
	}}
	p := New(fake)

	res, err := p.Plan(context.Background(), PlanInput{TaskID: "t", Request: "r", AvailableAgents: roster()})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.Steps, 1)
}

func TestPlanUndecodableOutput(t *testing.T) {
	fake := &scriptedLLM{responses: []string{"I cannot produce a plan for this."}}
	p := New(fake)

	res, err := p.Plan(context.Background(), PlanInput{TaskID: "t", Request: "r", AvailableAgents: roster()})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.Steps)
}

func TestPlanDropsMalformedSteps(t *testing.T) {
	fake := &scriptedLLM{responses: []string{`{"steps": [
		{"agent_id": "", "role": "worker", "description": "no agent"},
		{"agent_id": "search", "role": "worker", "description": ""},
		{"agent_id": "search", "role": "worker", "description": "the good one"}
	]}`}}
	p := New(fake)

	res, err := p.Plan(context.Background(), PlanInput{TaskID: "t", Request: "r", AvailableAgents: roster()})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "the good one", res.Steps[0].Description)
	assert.Equal(t, 1, res.Steps[0].Order, "order is contiguous after drops")
}

func TestPlanAllStepsMalformed(t *testing.T) {
	fake := &scriptedLLM{responses: []string{`{"steps": [{"agent_id": "", "description": ""}]}`}}
	p := New(fake)

	res, err := p.Plan(context.Background(), PlanInput{TaskID: "t", Request: "r", AvailableAgents: roster()})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestPlanLLMFailure(t *testing.T) {
	fake := &scriptedLLM{err: errors.New("provider down")}
	p := New(fake)

	res, err := p.Plan(context.Background(), PlanInput{TaskID: "t", Request: "r", AvailableAgents: roster()})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestPlanUnconfiguredLLM(t *testing.T) {
	fake := &scriptedLLM{err: llm.ErrNotConfigured}
	p := New(fake)

	_, err := p.Plan(context.Background(), PlanInput{TaskID: "t", Request: "r", AvailableAgents: roster()})
	require.ErrorIs(t, err, llm.ErrNotConfigured)
}

func TestReplanPromptCarriesHistory(t *testing.T) {
	fake := &scriptedLLM{responses: []string{
		`{"steps": [{"agent_id": "assistant", "role": "q_and_a", "description": "wrap up"}]}`,
	}}
	p := New(fake)

	previous := []*models.Step{
		{Order: 1, AgentID: "search", Role: models.RoleWorker, Description: "find options",
			Status: models.StepFailed, Result: "TIMEOUT: no reply"},
	}
	res, err := p.Plan(context.Background(), PlanInput{
		TaskID:          "t",
		Request:         "r",
		AvailableAgents: roster(),
		PreviousPlan:    previous,
		Reason:          "replan: step 1 failed",
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Len(t, fake.prompts, 1)
	prompt := fake.prompts[0]
	assert.Contains(t, prompt, "previous plan")
	assert.Contains(t, prompt, "TIMEOUT: no reply")
	assert.Contains(t, prompt, "replan: step 1 failed")
}

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		token string
		want  models.StepRole
		known bool
	}{
		{"worker", models.RoleWorker, true},
		{"tool", models.RoleWorker, true},
		{"q_and_a", models.RoleQAndA, true},
		{"Q_AND_A", models.RoleQAndA, true},
		{"qa", models.RoleQAndA, true},
		{"question", models.RoleQAndA, true},
		{"answer", models.RoleQAndA, true},
		{"", models.RoleWorker, true},
		{"supervisor", models.RoleWorker, false},
	}
	for _, tt := range tests {
		t.Run("token_"+tt.token, func(t *testing.T) {
			role, known := NormalizeRole(tt.token)
			assert.Equal(t, tt.want, role)
			assert.Equal(t, tt.known, known)
		})
	}
}

func TestParseSteps(t *testing.T) {
	steps, err := ParseSteps([]byte(`{"steps": [
		{"agent_id": "search", "agent_name": "Search", "role": "worker", "description": "look"}
	]}`))
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "Search", steps[0].AgentName)
	assert.NotEmpty(t, steps[0].ID)

	_, err = ParseSteps([]byte(`{"steps": []}`))
	require.Error(t, err)
}
