package streaming

import (
	"sort"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmux/pkg/types"
)

// Aggregator reconstructs a logical ChatResponse from the sequence of
// StreamChunk values a provider adapter emits, while passing every chunk
// through to the caller immediately and unmodified. It never buffers the
// stream — it is a pure fold over chunks already seen, grounded in the
// accumulation stream.go's StreamReader performs inline (accumulated
// strings.Builder, TTFT capture) but pulled into a standalone type because
// its reconstruction rules (tool-call grouping by index, cost-from-last-
// chunk, reasoning content) go well beyond what a Recv loop reconstructs
// inline.
type Aggregator struct {
	id      string
	object  string
	created int64
	model   string

	choices map[int]*choiceState
	usage   *types.Usage

	sawAnyChunk bool
}

type choiceState struct {
	role             string
	content          strBuilder
	reasoning        strBuilder
	finishReason     string
	toolCallsByIndex map[int]*toolCallAccum
	toolCallOrder    []int
}

type toolCallAccum struct {
	id        string
	toolType  string
	name      string
	arguments strBuilder
}

// strBuilder is a tiny byte-accumulator; using a named type instead of
// strings.Builder directly keeps choiceState copyable by value in tests.
type strBuilder struct {
	b []byte
}

func (s *strBuilder) WriteString(v string) {
	if v == "" {
		return
	}
	s.b = append(s.b, v...)
}

func (s *strBuilder) String() string { return string(s.b) }

// NewAggregator creates an empty aggregator for one logical stream.
func NewAggregator() *Aggregator {
	return &Aggregator{choices: make(map[int]*choiceState)}
}

// Feed folds one chunk into the aggregator's running state. It never
// returns an error: a malformed chunk is passed through to the caller
// unaggregated rather than aborting reconstruction (mid-stream errors
// are surfaced by the caller out of band, not synthesized here).
func (a *Aggregator) Feed(chunk *types.StreamChunk) {
	if chunk == nil {
		return
	}
	a.sawAnyChunk = true
	if a.id == "" {
		a.id = chunk.ID
	}
	if a.object == "" {
		a.object = chunk.Object
	}
	if a.created == 0 {
		a.created = chunk.Created
	}
	if a.model == "" {
		a.model = chunk.Model
	}

	// Usage is taken from the last chunk that carries a non-nil Usage,
	// including trailing chunks with an empty Choices slice.
	if chunk.Usage != nil {
		u := *chunk.Usage
		a.usage = &u
	}

	for _, c := range chunk.Choices {
		cs := a.choiceFor(c.Index)

		// Role is set once, from whichever chunk sets it first.
		if cs.role == "" && c.Delta.Role != "" {
			cs.role = c.Delta.Role
		}

		cs.content.WriteString(c.Delta.Content)
		cs.reasoning.WriteString(c.Delta.ReasoningContent)

		for _, tc := range c.Delta.ToolCalls {
			a.accumulateToolCall(cs, tc)
		}

		// Finish reason is taken from the last chunk that sets it.
		if c.FinishReason != "" {
			cs.finishReason = c.FinishReason
		}
	}
}

func (a *Aggregator) choiceFor(index int) *choiceState {
	cs, ok := a.choices[index]
	if !ok {
		cs = &choiceState{toolCallsByIndex: make(map[int]*toolCallAccum)}
		a.choices[index] = cs
	}
	return cs
}

// accumulateToolCall groups tool-call deltas by their declared Index
// field: providers split one tool call's arguments across many chunks,
// each chunk repeating the call's position in delta.tool_calls so
// fragments can be grouped before ID/Name/Type necessarily arrive. A
// chunk with no Index repeats the ID of a call already seen on this
// choice, which is grouped by that ID instead; a chunk with neither
// starts a new call at the next unused position.
func (a *Aggregator) accumulateToolCall(cs *choiceState, tc types.ToolCall) {
	idx := cs.resolveToolCallIndex(tc)
	acc, ok := cs.toolCallsByIndex[idx]
	if !ok {
		acc = &toolCallAccum{}
		cs.toolCallsByIndex[idx] = acc
		cs.toolCallOrder = append(cs.toolCallOrder, idx)
	}
	if tc.ID != "" {
		acc.id = tc.ID
	}
	if tc.Type != "" {
		acc.toolType = tc.Type
	}
	if tc.Function.Name != "" {
		acc.name = tc.Function.Name
	}
	acc.arguments.WriteString(tc.Function.Arguments)
}

// resolveToolCallIndex recovers the provider-declared tool-call index for
// tc within cs. Precedence: an explicit Index field wins; otherwise a
// repeated ID reuses its existing slot; otherwise the call starts a new
// slot at the next unused position.
func (cs *choiceState) resolveToolCallIndex(tc types.ToolCall) int {
	if tc.Index != nil {
		return *tc.Index
	}
	if tc.ID != "" {
		for _, order := range cs.toolCallOrder {
			if cs.toolCallsByIndex[order].id == tc.ID {
				return order
			}
		}
	}
	return len(cs.toolCallsByIndex)
}

// Final reconstructs the ChatResponse as of everything fed so far. Safe
// to call at any point, including mid-stream for diagnostics, but the
// caller should call it once after the terminal chunk for the result
// that feeds usage logging and cost accounting.
func (a *Aggregator) Final() *types.ChatResponse {
	resp := &types.ChatResponse{
		ID:      a.id,
		Object:  a.object,
		Created: a.created,
		Model:   a.model,
		Usage:   a.usage,
	}

	indices := make([]int, 0, len(a.choices))
	for idx := range a.choices {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		cs := a.choices[idx]
		msg := types.ChatMessage{
			Role:             cs.role,
			ReasoningContent: cs.reasoning.String(),
		}
		if msg.Role == "" {
			msg.Role = "assistant"
		}
		if content, err := json.Marshal(cs.content.String()); err == nil {
			msg.Content = content
		}

		for _, order := range cs.toolCallOrder {
			acc := cs.toolCallsByIndex[order]
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:   acc.id,
				Type: acc.toolType,
				Function: types.ToolCallFunction{
					Name:      acc.name,
					Arguments: acc.arguments.String(),
				},
			})
		}

		resp.Choices = append(resp.Choices, types.Choice{
			Index:        idx,
			Message:      msg,
			FinishReason: cs.finishReason,
		})
	}

	return resp
}

// SawAnyChunk reports whether Feed was ever called with a non-nil chunk.
func (a *Aggregator) SawAnyChunk() bool { return a.sawAnyChunk }
