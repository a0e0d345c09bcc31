package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-io/cadenza/pkg/llm"
)

// scriptedLLM plays back canned completions and counts calls.
type scriptedLLM struct {
	responses []string
	err       error
	calls     int
}

func (s *scriptedLLM) Complete(_ context.Context, _ llm.Request) (string, error) {
	s.calls++
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

func TestRegistryGet(t *testing.T) {
	r, err := NewRegistry(nil, nil)
	require.NoError(t, err)

	s, err := r.Get(GeneralType)
	require.NoError(t, err)
	assert.Equal(t, GeneralType, s.Type)

	_, err = r.Get("no-such-type")
	require.ErrorIs(t, err, ErrSchemaNotFound)
}

func TestRegisterOverridesBuiltin(t *testing.T) {
	custom := &TaskSchema{Type: "booking", RequiredFacts: []string{"venue"}}
	r, err := NewRegistry(nil, []*TaskSchema{custom})
	require.NoError(t, err)

	s, err := r.Get("booking")
	require.NoError(t, err)
	assert.Equal(t, []string{"venue"}, s.RequiredFacts)
}

func TestInferUsesLLMVerdict(t *testing.T) {
	fake := &scriptedLLM{responses: []string{`{"type": "research"}`}}
	r, err := NewRegistry(fake, nil)
	require.NoError(t, err)

	s := r.InferFromRequest(context.Background(), "what do we know about quasars")
	assert.Equal(t, "research", s.Type)
	assert.Equal(t, 1, fake.calls)
}

func TestInferRepairsSloppyJSON(t *testing.T) {
	// Trailing commentary around the object is a common LLM failure mode.
	fake := &scriptedLLM{responses: []string{"Sure! {\"type\": \"booking\",}"}}
	r, err := NewRegistry(fake, nil)
	require.NoError(t, err)

	s := r.InferFromRequest(context.Background(), "book me a table somewhere nice")
	assert.Equal(t, "booking", s.Type)
}

func TestInferCachesVerdict(t *testing.T) {
	fake := &scriptedLLM{responses: []string{`{"type": "research"}`}}
	r, err := NewRegistry(fake, nil)
	require.NoError(t, err)

	first := r.InferFromRequest(context.Background(), "Research the history of tea")
	// Same request modulo case and spacing hits the cache.
	second := r.InferFromRequest(context.Background(), "  research THE history  of tea ")

	assert.Equal(t, first.Type, second.Type)
	assert.Equal(t, 1, fake.calls, "second classification served from cache")
}

func TestInferUnknownLLMTypeFallsBackToKeywords(t *testing.T) {
	fake := &scriptedLLM{responses: []string{`{"type": "made-up-type"}`}}
	r, err := NewRegistry(fake, nil)
	require.NoError(t, err)

	s := r.InferFromRequest(context.Background(), "please reserve a table for two")
	assert.Equal(t, "booking", s.Type)
}

func TestInferLLMErrorFallsBackToKeywords(t *testing.T) {
	fake := &scriptedLLM{err: errors.New("provider down")}
	r, err := NewRegistry(fake, nil)
	require.NoError(t, err)

	s := r.InferFromRequest(context.Background(), "book a room for friday")
	assert.Equal(t, "booking", s.Type)
}

func TestInferWithoutLLMUsesKeywords(t *testing.T) {
	r, err := NewRegistry(nil, nil)
	require.NoError(t, err)

	s := r.InferFromRequest(context.Background(), "can you look up the tallest bridge")
	assert.Equal(t, "research", s.Type)
}

func TestInferFallsBackToGeneral(t *testing.T) {
	r, err := NewRegistry(nil, nil)
	require.NoError(t, err)

	s := r.InferFromRequest(context.Background(), "hello there")
	assert.Equal(t, GeneralType, s.Type)

	s = r.InferFromRequest(context.Background(), "")
	assert.Equal(t, GeneralType, s.Type)
}

func TestTypesSorted(t *testing.T) {
	r, err := NewRegistry(nil, []*TaskSchema{{Type: "alpha"}})
	require.NoError(t, err)

	types := r.Types()
	assert.Contains(t, types, "alpha")
	assert.Contains(t, types, GeneralType)
	assert.IsIncreasing(t, types)
}
