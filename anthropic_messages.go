package llmux

import "context"

// AnthropicMessages serves an Anthropic Messages API-shaped call through the
// same routing/retry/fallback path as ChatCompletion. The Router treats
// anthropic_messages as a long-form chat-like call type distinct from
// acompletion only insofar as it's also eligible to write a prompt-cache
// affinity entry on success — the wire-level translation between
// Anthropic's Messages shape and the normalized ChatRequest/ChatResponse
// is a provider-adapter concern, not the Router's.
func (c *Client) AnthropicMessages(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req != nil {
		req.CallType = "anthropic_messages"
	}
	return c.ChatCompletion(ctx, req)
}

// AnthropicMessagesStream is the streaming form of AnthropicMessages.
func (c *Client) AnthropicMessagesStream(ctx context.Context, req *ChatRequest) (*StreamReader, error) {
	if req != nil {
		req.CallType = "anthropic_messages"
	}
	return c.ChatCompletionStream(ctx, req)
}
