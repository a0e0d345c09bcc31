package models

import "time"

// StepRole distinguishes work-performing steps from user-facing ones.
type StepRole string

const (
	RoleWorker StepRole = "worker"
	RoleQAndA  StepRole = "q_and_a"
)

// StepStatus is the lifecycle status of a single plan step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepWaitingUser StepStatus = "waiting_user"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
)

// Step is one unit of a workflow plan. Order is 1-based and strictly
// increasing within a plan; step ids are fresh per plan, so events that
// reference a step id stay unambiguous across replans.
type Step struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	AgentName   string         `json:"agent_name"`
	Role        StepRole       `json:"role"`
	Description string         `json:"description"`
	Order       int            `json:"order"`
	Status      StepStatus     `json:"status"`
	Result      string         `json:"result,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	UserInput   string         `json:"user_input,omitempty"`
	UserPrompt  string         `json:"user_prompt,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// MarkRunning stamps the step as running. The start time is recorded
// only on the first transition so retries keep the original stamp.
func (s *Step) MarkRunning() {
	s.Status = StepRunning
	if s.StartedAt == nil {
		now := time.Now().UTC()
		s.StartedAt = &now
	}
}

// MarkCompleted stamps the step completed with its result text.
func (s *Step) MarkCompleted(result string) {
	s.Status = StepCompleted
	s.Result = result
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// MarkFailed stamps the step failed, keeping the failure reason as the
// step result for replan prompts.
func (s *Step) MarkFailed(reason string) {
	s.Status = StepFailed
	s.Result = reason
	now := time.Now().UTC()
	s.CompletedAt = &now
}
