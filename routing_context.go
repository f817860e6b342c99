package llmux

import (
	"github.com/blueberrycongee/llmux/pkg/router"
	"github.com/blueberrycongee/llmux/pkg/types"
)

func buildRouterRequestContext(req *types.ChatRequest, promptTokens int, isStreaming bool) *router.RequestContext {
	return buildRouterRequestContextWithAffinity(req, promptTokens, isStreaming, "")
}

func buildRouterRequestContextWithAffinity(req *types.ChatRequest, promptTokens int, isStreaming bool, preferredDeploymentID string) *router.RequestContext {
	if req == nil {
		return &router.RequestContext{}
	}

	tags := make([]string, len(req.Tags))
	copy(tags, req.Tags)

	return &router.RequestContext{
		Model:                 req.Model,
		IsStreaming:           isStreaming,
		Tags:                  tags,
		EstimatedInputTokens:  promptTokens,
		Region:                req.Region,
		PreferredDeploymentID: preferredDeploymentID,
	}
}

func sanitizeChatRequestForProvider(req *types.ChatRequest) *types.ChatRequest {
	if req == nil {
		return nil
	}

	_, modelName := types.SplitProviderModel(req.Model)
	needsClone := len(req.Tags) > 0 || req.Region != "" || req.NumRetries != nil ||
		req.MockTimeout || req.MockResponse != nil || (modelName != "" && modelName != req.Model)
	if !needsClone {
		return req
	}

	cloned := *req
	cloned.Tags = nil
	cloned.Region = ""
	cloned.NumRetries = nil
	cloned.MockTimeout = false
	cloned.MockResponse = nil
	if modelName != "" && modelName != cloned.Model {
		cloned.Model = modelName
	}
	return &cloned
}
