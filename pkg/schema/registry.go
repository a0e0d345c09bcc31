package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kaptinlin/jsonrepair"

	"github.com/cadenza-io/cadenza/pkg/llm"
)

// ErrSchemaNotFound is returned by Get for unregistered schema types.
var ErrSchemaNotFound = errors.New("schema not found")

// inferenceCacheSize bounds the request-to-type cache.
const inferenceCacheSize = 256

// Registry holds the known task schemas and classifies requests into
// them. Classification prefers a cached verdict, then the LLM, then
// keyword matching, then the general fallback.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*TaskSchema

	llm   llm.Completion // nil disables LLM classification
	cache *lru.Cache[string, string]
	log   *slog.Logger
}

// NewRegistry builds a registry holding the builtin schemas plus extra.
// Extra schemas override builtins with the same type. llmClient may be
// nil, in which case inference uses keywords only.
func NewRegistry(llmClient llm.Completion, extra []*TaskSchema) (*Registry, error) {
	cache, err := lru.New[string, string](inferenceCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating inference cache: %w", err)
	}

	r := &Registry{
		schemas: make(map[string]*TaskSchema),
		llm:     llmClient,
		cache:   cache,
		log:     slog.Default().With("component", "schema_registry"),
	}
	for _, s := range builtinSchemas() {
		r.Register(s)
	}
	for _, s := range extra {
		r.Register(s)
	}
	return r, nil
}

// Register adds or replaces a schema. Schemas with an empty type are
// ignored.
func (r *Registry) Register(s *TaskSchema) {
	if s == nil || s.Type == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Type] = s
}

// Get returns the schema for the type, or ErrSchemaNotFound.
func (r *Registry) Get(schemaType string) (*TaskSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[schemaType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, schemaType)
	}
	return s, nil
}

// Types returns the registered schema types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// InferFromRequest classifies a request into a registered schema.
// Never fails: every fallback ends at the general schema.
func (r *Registry) InferFromRequest(ctx context.Context, request string) *TaskSchema {
	normalized := normalizeRequest(request)
	if normalized == "" {
		return r.mustGet(GeneralType)
	}

	if cached, ok := r.cache.Get(normalized); ok {
		if s, err := r.Get(cached); err == nil {
			return s
		}
		// A config reload removed the type; reclassify.
		r.cache.Remove(normalized)
	}

	if t, ok := r.classifyLLM(ctx, request); ok {
		r.cache.Add(normalized, t)
		return r.mustGet(t)
	}

	if t, ok := r.classifyKeywords(normalized); ok {
		r.cache.Add(normalized, t)
		return r.mustGet(t)
	}

	r.cache.Add(normalized, GeneralType)
	return r.mustGet(GeneralType)
}

// classifyLLM asks the LLM to pick a registered type. Returns false on
// any error or unregistered verdict; inference then falls through to
// keywords.
func (r *Registry) classifyLLM(ctx context.Context, request string) (string, bool) {
	if r.llm == nil {
		return "", false
	}

	raw, err := r.llm.Complete(ctx, llm.Request{
		System:    "You classify user requests into task types. Respond with a single JSON object and nothing else.",
		Prompt:    r.classificationPrompt(request),
		JSONMode:  true,
		Component: "schema",
	})
	if err != nil {
		r.log.Warn("LLM classification failed, falling back to keywords", "error", err)
		return "", false
	}

	var verdict struct {
		Type string `json:"type"`
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		repaired = raw
	}
	if err := json.Unmarshal([]byte(repaired), &verdict); err != nil {
		r.log.Warn("LLM classification returned undecodable JSON", "error", err)
		return "", false
	}

	verdict.Type = strings.TrimSpace(strings.ToLower(verdict.Type))
	if _, err := r.Get(verdict.Type); err != nil {
		r.log.Warn("LLM classification named an unknown type", "type", verdict.Type)
		return "", false
	}
	return verdict.Type, true
}

func (r *Registry) classificationPrompt(request string) string {
	var b strings.Builder
	b.WriteString("Classify the request below into exactly one of these task types:\n")
	for _, t := range r.Types() {
		b.WriteString("- ")
		b.WriteString(t)
		b.WriteString("\n")
	}
	b.WriteString("\nIf none fits, use \"general\".\n")
	b.WriteString("Respond with JSON: {\"type\": \"<task type>\"}\n\n")
	b.WriteString("Request: ")
	b.WriteString(request)
	return b.String()
}

// classifyKeywords returns the first schema (in sorted type order, for
// determinism) whose keyword appears in the request.
func (r *Registry) classifyKeywords(normalized string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		if r.schemas[t].matches(normalized) {
			return t, true
		}
	}
	return "", false
}

// mustGet returns the schema or the general fallback. The general schema
// is always registered, so this never returns nil.
func (r *Registry) mustGet(schemaType string) *TaskSchema {
	if s, err := r.Get(schemaType); err == nil {
		return s
	}
	s, _ := r.Get(GeneralType)
	return s
}

// normalizeRequest lowercases and collapses whitespace so trivially
// different phrasings share a cache entry.
func normalizeRequest(request string) string {
	return strings.Join(strings.Fields(strings.ToLower(request)), " ")
}
