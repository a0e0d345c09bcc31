// Package qa implements the Q&A steps of a workflow: the conversational
// turns that collect missing information from the user, confirm worker
// output, and close a task out.
//
// Before spending an LLM call on question generation, the handler runs
// the task schema's gate. When the conversation already holds everything
// the schema requires, the step completes silently; those gate
// completions are never shown to the user.
package qa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/cadenza-io/cadenza/pkg/llm"
	"github.com/cadenza-io/cadenza/pkg/models"
	"github.com/cadenza-io/cadenza/pkg/schema"
)

// Handler runs a single Q&A turn.
type Handler struct {
	llm     llm.Completion
	schemas *schema.Registry
	log     *slog.Logger
}

// NewHandler returns a Q&A handler. schemas may be nil; the gate is
// then skipped and every turn goes to the LLM.
func NewHandler(llmClient llm.Completion, schemas *schema.Registry) *Handler {
	return &Handler{
		llm:     llmClient,
		schemas: schemas,
		log:     slog.Default().With("component", "qa"),
	}
}

// Handle runs one Q&A turn for the step. userInput is empty on the
// step's first turn and carries the user's reply afterwards. The result
// is one of: waiting_user with a question, a silent gate completion, a
// visible completion, or a failure.
func (h *Handler) Handle(ctx context.Context, wf *models.Workflow, step *models.Step, userInput string) *models.AgentResult {
	// A planned opening question needs no LLM round-trip.
	if userInput == "" && step.UserPrompt != "" {
		msg := step.UserPrompt
		if summary := latestWorkerResult(wf); summary != "" {
			msg = fmt.Sprintf("Here's what I have so far: %s\n\n%s", summary, step.UserPrompt)
		}
		return models.WaitingResult(msg, nil)
	}

	var missing []string
	if userInput != "" && wf.Conversation != nil {
		if sch := h.schemaFor(wf); sch != nil {
			action := sch.NextAction(wf.Conversation)
			switch action.Type {
			case schema.ActionComplete:
				reason := models.GateSchemaComplete
				if hasLaterStep(wf, step) {
					reason = models.GateRequiredSlotsFilled
				}
				return models.GateResult(reason)

			case schema.ActionExecute:
				res := models.GateResult(models.GateNeedsWorkerExecution)
				res.FinalData["worker_id"] = action.WorkerID
				return res

			case schema.ActionAsk:
				missing = action.Missing
			}
		}
	}

	return h.generate(ctx, wf, step, userInput, missing)
}

func (h *Handler) schemaFor(wf *models.Workflow) *schema.TaskSchema {
	if h.schemas == nil || wf.SchemaType == "" {
		return nil
	}
	sch, err := h.schemas.Get(wf.SchemaType)
	if err != nil {
		h.log.Warn("workflow references unknown schema type",
			"task_id", wf.TaskID, "schema_type", wf.SchemaType)
		return nil
	}
	return sch
}

// turn is the JSON shape the question generator must produce.
type turn struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// generate asks the LLM for the next conversational turn.
func (h *Handler) generate(ctx context.Context, wf *models.Workflow, step *models.Step, userInput string, missing []string) *models.AgentResult {
	raw, err := h.llm.Complete(ctx, llm.Request{
		System: "You are the conversational voice of an assistant working on the user's task. " +
			"Respond with a single JSON object and nothing else.",
		Prompt:    buildTurnPrompt(wf, step, userInput, missing),
		JSONMode:  true,
		Component: "qa",
	})
	if err != nil {
		return failureFor(err)
	}

	repaired, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		repaired = raw
	}
	var t turn
	if err := json.Unmarshal([]byte(repaired), &t); err != nil || t.Message == "" {
		// Unparseable output is still a message for the user; losing it
		// would stall the conversation.
		h.log.Warn("turn output undecodable, using raw text", "task_id", wf.TaskID)
		return models.WaitingResult(strings.TrimSpace(raw), nil)
	}

	if strings.EqualFold(t.Status, string(models.AgentCompleted)) {
		return models.CompletedResult(t.Message, t.Message)
	}
	return models.WaitingResult(t.Message, inputSchemaFor(missing))
}

func buildTurnPrompt(wf *models.Workflow, step *models.Step, userInput string, missing []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "The user's task: %s\n", wf.OriginalRequest)
	fmt.Fprintf(&b, "This conversation turn is for: %s\n", step.Description)

	if results := wf.CompletedWorkerResults(); len(results) > 0 {
		b.WriteString("\nWork completed behind the scenes:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- %s\n", truncate(r.Result, 300))
		}
	}

	if wf.Conversation != nil {
		if known, err := json.Marshal(map[string]any{
			"facts":     wf.Conversation.Facts,
			"decisions": wf.Conversation.Decisions,
		}); err == nil {
			b.WriteString("\nAlready established with the user:\n")
			b.Write(known)
			b.WriteString("\n")
		}
	}

	if inputs := userInputs(wf, userInput); len(inputs) > 0 {
		b.WriteString("\nWhat the user has said so far:\n")
		for _, in := range inputs {
			fmt.Fprintf(&b, "- %s\n", in)
		}
	}

	if len(missing) > 0 {
		fmt.Fprintf(&b, "\nStill needed from the user: %s\n", strings.Join(missing, ", "))
	}

	b.WriteString(`
Rules:
- Ask exactly one actionable question, or wrap up if nothing is needed.
- Never re-ask or restate information the user already provided.
- Never mention internal machinery: no agent names, steps, plans, or schemas.

Respond with JSON: {"status": "waiting_user" | "completed", "message": "<what to say to the user>"}
`)
	return b.String()
}

// userInputs collects the user's replies in step order, ending with the
// current turn's input.
func userInputs(wf *models.Workflow, current string) []string {
	var out []string
	for _, s := range wf.Steps {
		if s.UserInput != "" && s.UserInput != current {
			out = append(out, s.UserInput)
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

// inputSchemaFor renders the first missing key as a free-text hint.
func inputSchemaFor(missing []string) *models.InputSchema {
	if len(missing) == 0 {
		return nil
	}
	return &models.InputSchema{
		Kind:        models.InputFreeText,
		Placeholder: strings.ReplaceAll(missing[0], "_", " "),
	}
}

// latestWorkerResult returns the most recent completed worker output.
func latestWorkerResult(wf *models.Workflow) string {
	results := wf.CompletedWorkerResults()
	if len(results) == 0 {
		return ""
	}
	return truncate(results[len(results)-1].Result, 240)
}

// hasLaterStep reports whether any step after the given one is still
// pending or running.
func hasLaterStep(wf *models.Workflow, step *models.Step) bool {
	for _, s := range wf.Steps {
		if s.Order > step.Order && (s.Status == models.StepPending || s.Status == models.StepRunning) {
			return true
		}
	}
	return false
}

// failureFor maps an LLM transport error onto a coded failure result.
func failureFor(err error) *models.AgentResult {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.FailedResult(models.ErrCodeTimeout, "The conversation timed out while composing a reply.")
	case errors.Is(err, context.Canceled):
		return models.FailedResult(models.ErrCodeCancelled, "The conversation was cancelled.")
	case errors.Is(err, llm.ErrNotConfigured):
		return models.FailedResult(models.ErrCodeUnavailable, "No language model is configured.")
	default:
		return models.FailedResult(models.ErrCodeInternal, fmt.Sprintf("The conversation could not continue: %v", err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
