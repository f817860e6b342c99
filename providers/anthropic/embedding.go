package anthropic

import (
	"context"
	"net/http"

	"github.com/blueberrycongee/llmux/pkg/errors"
	"github.com/blueberrycongee/llmux/pkg/types"
)

// SupportEmbedding reports that this adapter has no /embeddings
// equivalent — Anthropic doesn't expose an embedding endpoint.
func (p *Provider) SupportEmbedding() bool {
	return false
}

// BuildEmbeddingRequest always fails: see SupportEmbedding.
func (p *Provider) BuildEmbeddingRequest(ctx context.Context, req *types.EmbeddingRequest) (*http.Request, error) {
	return nil, errors.NewInvalidRequestError(ProviderName, "", "embedding not supported by anthropic")
}

// ParseEmbeddingResponse always fails: see SupportEmbedding.
func (p *Provider) ParseEmbeddingResponse(resp *http.Response) (*types.EmbeddingResponse, error) {
	return nil, errors.NewInvalidRequestError(ProviderName, "", "embedding not supported by anthropic")
}
