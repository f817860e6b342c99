package llmux

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/blueberrycongee/llmux/pkg/types"
)

// promptCacheAffinityTTL bounds how long a fingerprint->deployment mapping
// stays live. Short on purpose: affinity is a hint for warming a provider's
// own prompt cache, not a durable routing decision.
const promptCacheAffinityTTL = 5 * time.Minute

// promptCacheFingerprint hashes the verbatim message content (role + raw
// content bytes, in order) so that repeats of the same conversation prefix
// map to the same affinity key regardless of which deployment served them
// last. There is no cache-control boundary concept in the normalized
// ChatMessage type today, so the fingerprint covers the full message list
// rather than truncating at a provider-specific cache-control marker.
func promptCacheFingerprint(messages []types.ChatMessage) string {
	if len(messages) == 0 {
		return ""
	}
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write(m.Content)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func promptCacheKey(fingerprint string) string {
	return "prompt_cache:" + fingerprint
}

// isPromptCacheEligibleCallType reports whether a call_type's post-call hook
// is allowed to write a prompt-cache affinity entry: any long-form
// chat-like call counts, not just the plain completion path.
func isPromptCacheEligibleCallType(callType string) bool {
	switch callType {
	case "", "acompletion":
		// "" covers ChatCompletion callers that never set CallType, which
		// defaults to the plain chat/completion path.
		return true
	case "anthropic_messages":
		return true
	default:
		return false
	}
}

// promptCacheAffinityHint looks up the deployment that last served this
// prompt's fingerprint, for the PickWithContext caller to prefer. A cache
// miss or disabled cache both return "" — the precall pipeline then runs
// its normal strategy with no affinity bias; a cache miss degrades
// routing, it never fails the request.
func (c *Client) promptCacheAffinityHint(ctx context.Context, req *ChatRequest) string {
	if c.cache == nil || req == nil || len(req.Messages) == 0 {
		return ""
	}
	fp := promptCacheFingerprint(req.Messages)
	if fp == "" {
		return ""
	}
	data, err := c.cache.Get(ctx, promptCacheKey(fp))
	if err != nil || len(data) == 0 {
		return ""
	}
	return string(data)
}

// recordPromptCacheAffinity is the post-call hook: on a successful call
// whose call_type is eligible, remember which deployment served this
// prompt's fingerprint so the next request with the same prefix is biased
// toward the same deployment.
func (c *Client) recordPromptCacheAffinity(ctx context.Context, req *ChatRequest, deploymentID string) {
	if c.cache == nil || req == nil || deploymentID == "" || !isPromptCacheEligibleCallType(req.CallType) {
		return
	}
	fp := promptCacheFingerprint(req.Messages)
	if fp == "" {
		return
	}
	_ = c.cache.Set(ctx, promptCacheKey(fp), []byte(deploymentID), promptCacheAffinityTTL)
}
