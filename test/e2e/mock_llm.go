package e2e

import (
	"context"
	"fmt"
	"sync"

	"github.com/cadenza-io/cadenza/pkg/llm"
)

// LLMScriptEntry defines a single scripted LLM response.
type LLMScriptEntry struct {
	Text string // Response content
	Err  error  // Return error from Complete()
}

// ScriptedLLM implements llm.Completion with a dual-dispatch mock:
// component-aware routing for calls whose role is known up front
// (planner, extractor, narrator, qa, worker, schema), plus a sequential
// fallback consumed in call order for anything unrouted.
type ScriptedLLM struct {
	mu         sync.Mutex
	sequential []LLMScriptEntry // consumed in order for non-routed calls
	seqIndex   int
	routes     map[string][]LLMScriptEntry // component → per-component script
	routeIndex map[string]int              // component → current index
	calls      []llm.Request
}

// NewScriptedLLM creates an empty scripted completion client.
func NewScriptedLLM() *ScriptedLLM {
	return &ScriptedLLM{
		routes:     make(map[string][]LLMScriptEntry),
		routeIndex: make(map[string]int),
	}
}

// AddSequential adds an entry consumed in order by calls no route matches.
func (c *ScriptedLLM) AddSequential(entry LLMScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequential = append(c.sequential, entry)
}

// AddRouted adds an entry for a specific component label. Routed entries
// are consumed in order per component; leftovers are harmless.
func (c *ScriptedLLM) AddRouted(component string, entry LLMScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[component] = append(c.routes[component], entry)
}

// Complete implements llm.Completion.
func (c *ScriptedLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.calls = append(c.calls, req)
	entry, err := c.nextEntry(req)
	c.mu.Unlock()

	if err != nil {
		return "", err
	}
	if entry.Err != nil {
		return "", entry.Err
	}
	return entry.Text, nil
}

// CallCount returns the total number of Complete() calls made.
func (c *ScriptedLLM) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// CallsFor returns the captured requests issued under the given
// component label, in call order.
func (c *ScriptedLLM) CallsFor(component string) []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []llm.Request
	for _, call := range c.calls {
		if call.Component == component {
			out = append(out, call)
		}
	}
	return out
}

// nextEntry selects the next script entry using dual dispatch.
// Must be called with c.mu held.
func (c *ScriptedLLM) nextEntry(req llm.Request) (*LLMScriptEntry, error) {
	if entries, ok := c.routes[req.Component]; ok {
		idx := c.routeIndex[req.Component]
		if idx < len(entries) {
			c.routeIndex[req.Component] = idx + 1
			return &entries[idx], nil
		}
	}

	if c.seqIndex < len(c.sequential) {
		entry := &c.sequential[c.seqIndex]
		c.seqIndex++
		return entry, nil
	}

	return nil, fmt.Errorf("ScriptedLLM: no more entries (component=%q, sequential=%d/%d)",
		req.Component, c.seqIndex, len(c.sequential))
}
