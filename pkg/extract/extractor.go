// Package extract turns free-form user replies into structured
// conversation state: facts, decisions, and explicit corrections.
//
// Extraction is additive. A fact the user already supplied is never
// silently overwritten by a later reply; only keys the model lists under
// corrections may replace existing values. Decisions are the user's
// current answer and always take the latest value.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/cadenza-io/cadenza/pkg/llm"
	"github.com/cadenza-io/cadenza/pkg/models"
)

// MetadataLastUserInput is the metadata key holding the raw text of the
// most recent user reply.
const MetadataLastUserInput = "last_user_input"

// Extractor merges user replies into conversation state. The LLM client
// may be nil; extraction then relies on pattern matching alone.
type Extractor struct {
	llm llm.Completion
	log *slog.Logger
}

// NewExtractor returns an extractor backed by llmClient.
func NewExtractor(llmClient llm.Completion) *Extractor {
	return &Extractor{
		llm: llmClient,
		log: slog.Default().With("component", "extractor"),
	}
}

// extraction is the shape the LLM must produce.
type extraction struct {
	Facts       map[string]any `json:"facts"`
	Decisions   map[string]any `json:"decisions"`
	Corrections []string       `json:"corrections"`
}

// ExtractAndUpdate parses userInput and merges what it learns into a
// copy of state. The input state is never mutated. Extraction problems
// are logged and degrade to pattern matching; they never fail the task.
func (e *Extractor) ExtractAndUpdate(ctx context.Context, userInput string, state *models.ConversationState) (*models.ConversationState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}

	var updated *models.ConversationState
	if state == nil {
		updated = models.NewConversationState()
	} else {
		updated = state.Clone()
		updated.Normalize()
	}
	updated.Metadata[MetadataLastUserInput] = userInput

	if ext, ok := e.extractLLM(ctx, userInput, updated); ok {
		merge(updated, ext)
		return updated, nil
	}

	if value, ok := matchDecision(userInput); ok {
		updated.Decisions["proceed"] = value
	}
	return updated, nil
}

// extractLLM runs the structured extraction call. Returns false when no
// LLM is configured, the call fails, or the output cannot be decoded;
// the caller then falls back to pattern matching.
func (e *Extractor) extractLLM(ctx context.Context, userInput string, state *models.ConversationState) (*extraction, bool) {
	if e.llm == nil {
		return nil, false
	}

	raw, err := e.llm.Complete(ctx, llm.Request{
		System:    "You extract structured information from user replies. Respond with a single JSON object and nothing else.",
		Prompt:    buildPrompt(userInput, state),
		JSONMode:  true,
		Component: "extractor",
	})
	if err != nil {
		e.log.Warn("extraction call failed, falling back to pattern matching", "error", err)
		return nil, false
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		repaired = raw
	}
	var ext extraction
	if err := json.Unmarshal([]byte(repaired), &ext); err != nil {
		e.log.Warn("extraction output undecodable, falling back to pattern matching", "error", err)
		return nil, false
	}
	return &ext, true
}

func buildPrompt(userInput string, state *models.ConversationState) string {
	known, _ := json.Marshal(map[string]any{
		"facts":     state.Facts,
		"decisions": state.Decisions,
	})

	var b strings.Builder
	b.WriteString("Extract facts and decisions from the user's reply.\n\n")
	b.WriteString("Already known:\n")
	b.Write(known)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- facts: objective values the reply supplies (e.g. location, datetime, party_size). Use snake_case keys.\n")
	b.WriteString("- decisions: choices or confirmations (e.g. proceed: true when the user agrees, false when they decline).\n")
	b.WriteString("- corrections: the fact keys, if any, whose already-known value the user is explicitly changing.\n")
	b.WriteString("- Do not invent values. Omit anything the reply does not state.\n\n")
	b.WriteString("Respond with JSON: {\"facts\": {...}, \"decisions\": {...}, \"corrections\": [...]}\n\n")
	fmt.Fprintf(&b, "User reply: %s", userInput)
	return b.String()
}

// merge applies an extraction to state in place. Facts only fill gaps
// unless the key is listed under corrections; decisions always take the
// newest value. Nil values are ignored entirely: extraction can never
// erase information.
func merge(state *models.ConversationState, ext *extraction) {
	corrected := make(map[string]bool, len(ext.Corrections))
	for _, k := range ext.Corrections {
		corrected[k] = true
	}

	for k, v := range ext.Facts {
		if v == nil {
			continue
		}
		if state.HasFact(k) && !corrected[k] {
			continue
		}
		state.Facts[k] = v
	}
	for k, v := range ext.Decisions {
		if v == nil {
			continue
		}
		state.Decisions[k] = v
	}
}

// Affirmation and refusal prefixes for the pattern fallback. Matching is
// prefix-based on the normalized reply so embedded negations ("I don't
// know yet") stay neutral.
var (
	affirmativePrefixes = []string{
		"yes", "yeah", "yep", "sure", "ok", "okay", "confirm", "confirmed",
		"proceed", "go ahead", "sounds good", "do it", "please do", "affirmative",
	}
	negativePrefixes = []string{
		"no", "nope", "cancel", "stop", "don't", "do not", "abort", "negative",
	}
)

// matchDecision classifies a reply as an affirmation or refusal.
func matchDecision(userInput string) (value, ok bool) {
	normalized := strings.ToLower(strings.TrimSpace(userInput))
	normalized = strings.Trim(normalized, ".,!")
	if normalized == "" {
		return false, false
	}

	// Refusals first: "no" must win over any affirmative it could shadow.
	for _, p := range negativePrefixes {
		if matchesPrefix(normalized, p) {
			return false, true
		}
	}
	for _, p := range affirmativePrefixes {
		if matchesPrefix(normalized, p) {
			return true, true
		}
	}
	return false, false
}

// matchesPrefix reports whether input is the prefix itself or starts
// with it at a word boundary.
func matchesPrefix(input, prefix string) bool {
	if input == prefix {
		return true
	}
	if !strings.HasPrefix(input, prefix) {
		return false
	}
	rest := input[len(prefix):]
	return strings.HasPrefix(rest, " ") || strings.HasPrefix(rest, ",") || strings.HasPrefix(rest, "!") || strings.HasPrefix(rest, ".")
}
