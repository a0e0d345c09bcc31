package planner

import (
	"fmt"
	"strings"
)

const plannerSystemPrompt = "You are an orchestration planner. You break a user request " +
	"into an ordered plan of steps executed by the agents you are given. " +
	"Respond with a single JSON object and nothing else."

func buildPrompt(in PlanInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "User request: %s\n\n", in.Request)

	b.WriteString("Available agents:\n")
	for _, a := range in.AvailableAgents {
		fmt.Fprintf(&b, "- id: %s, name: %s, type: %s", a.ID, a.Name, a.Type)
		if a.Description != "" {
			fmt.Fprintf(&b, ", description: %s", a.Description)
		}
		b.WriteString("\n")
	}

	if len(in.PreviousPlan) > 0 {
		b.WriteString("\nThe previous plan did not finish. Step outcomes so far:\n")
		for _, s := range in.PreviousPlan {
			fmt.Fprintf(&b, "%d. [%s] %s (%s): %s", s.Order, s.AgentID, s.Description, s.Role, s.Status)
			if s.Result != "" {
				fmt.Fprintf(&b, " | result: %s", truncate(s.Result, 200))
			}
			b.WriteString("\n")
		}
		if in.Reason != "" {
			fmt.Fprintf(&b, "\nReplan reason: %s\n", in.Reason)
		}
		b.WriteString("Produce a new plan that works around the failure. Do not repeat steps that already completed; reuse their results instead.\n")
	}

	b.WriteString(`
Rules:
1. WORKER steps do the actual work and never talk to the user.
2. Whenever a worker's output needs user sign-off, the next step must be a Q_AND_A step that confirms it.
3. The final step is always a Q_AND_A step that wraps up with the user.

Each step needs:
- agent_id: one of the agent ids above
- role: "worker" or "q_and_a"
- description: what the step does
- user_prompt: only for q_and_a steps that open with a fixed question (optional)

Respond with JSON:
{"analysis": "<one-paragraph reading of the request>", "steps": [{"agent_id": "...", "role": "...", "description": "...", "user_prompt": "..."}]}
`)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
