// Package types defines core data structures for LLM API requests and responses.
// All types are designed to be compatible with OpenAI's Chat Completion API format.
package types //nolint:revive // package name is intentional

import "github.com/goccy/go-json"

// ChatRequest represents an OpenAI-compatible chat completion request.
// It serves as the unified input format for all LLM providers.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	// Tags are request-level tags for routing decisions.
	Tags []string `json:"tags,omitempty"`

	// Region is the caller's requested region, matched against each
	// deployment's allowed regions by the precall region filter. Empty
	// skips the filter.
	Region string `json:"region,omitempty"`

	// NumRetries overrides both the deployment's and the router's default
	// retry count for this request only. Nil means "no override" — the
	// deployment's NumRetries, falling back to the router default, applies.
	NumRetries *int `json:"num_retries,omitempty"`

	// MockTimeout forces a synthetic Timeout error instead of making any
	// network call, for exercising retry/fallback/cooldown behavior in
	// tests without a live provider. A supported request field, not a
	// debug-only flag.
	MockTimeout bool `json:"mock_timeout,omitempty"`

	// MockResponse forces the client to return this response verbatim
	// instead of making any network call, again for tests that need a
	// deterministic completion without a live provider.
	MockResponse *ChatResponse `json:"mock_response,omitempty"`

	// Extra holds provider-specific parameters that are passed through unchanged.
	// This enables zero-copy forwarding of unknown fields.
	Extra map[string]json.RawMessage `json:"-"`

	// CallType identifies which facade entry point produced this request
	// ("acompletion", "anthropic_messages", ...). It never crosses the
	// wire — it only gates internal bookkeeping such as which call types
	// are allowed to write a prompt-cache affinity entry. Empty is
	// treated the same as "acompletion".
	CallType string `json:"-"`
}

// ChatMessage represents a single message in the conversation.
type ChatMessage struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	Name             string          `json:"name,omitempty"`
	ToolCalls        []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
}

// Tool represents a function that the model can call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall represents a function call made by the model.
//
// Index is only meaningful on a streaming delta: providers split one tool
// call's arguments across many chunks, each chunk repeating the call's
// position in choices[i].delta.tool_calls so a consumer can group
// fragments before ID/Name/Type have necessarily arrived. It is absent on
// a non-streaming message's tool calls.
type ToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction contains the function name and arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ResponseFormat specifies the output format for the model.
type ResponseFormat struct {
	Type string `json:"type"`
}

// Reset clears the ChatRequest for reuse.
func (r *ChatRequest) Reset() {
	r.Model = ""
	r.Messages = r.Messages[:0] // Keep capacity
	r.Stream = false
	r.MaxTokens = 0
	r.Temperature = nil
	r.TopP = nil
	r.N = 0
	r.Stop = r.Stop[:0]
	r.PresencePenalty = nil
	r.FrequencyPenalty = nil
	r.User = ""
	r.Tools = r.Tools[:0]
	r.ToolChoice = nil
	r.ResponseFormat = nil
	r.StreamOptions = nil
	r.Tags = nil
	r.Region = ""
	r.NumRetries = nil
	r.MockTimeout = false
	r.MockResponse = nil
	r.CallType = ""
	// Clear map but keep it if possible, or just nil it.
	// For simplicity and safety, nil it.
	r.Extra = nil
}
