// Package openai is the Router core's pass-through ProviderAdapter
// reference (spec §4.7): OpenAI's wire format for chat completions and
// streaming deltas is already the gateway's normalized shape, so this
// adapter's BuildRequest/ParseResponse/ParseStreamChunk are largely
// direct (un)marshals rather than a field-by-field translation — compare
// with providers/anthropic, the translating reference adapter.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmux/pkg/errors"
	"github.com/blueberrycongee/llmux/pkg/provider"
	"github.com/blueberrycongee/llmux/pkg/types"
)

const (
	// ProviderName is the registry tag this adapter installs itself under.
	ProviderName = "openai"

	// DefaultBaseURL is used when a deployment config doesn't set one.
	DefaultBaseURL = "https://api.openai.com/v1"

	chatCompletionsPath = "/chat/completions"
)

// Provider adapts the Router core's normalized request/response/stream
// types to OpenAI's Chat Completions API.
type Provider struct {
	apiKey      string
	tokenSource provider.TokenSource
	baseURL     string
	models      []string
	headers     map[string]string
}

// New builds a Provider from functional options, defaulting to the public
// OpenAI endpoint.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: DefaultBaseURL,
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig builds a Provider from a resolved deployment Config. An
// untrusted or misconfigured base_url is rejected here, at config load,
// rather than surfacing as a confusing connection failure on first call.
func NewFromConfig(cfg provider.Config) (provider.Provider, error) {
	if cfg.BaseURL != "" {
		if err := provider.ValidateBaseURL(cfg.BaseURL, cfg.AllowPrivateBaseURL); err != nil {
			return nil, fmt.Errorf("openai provider %q: %w", cfg.Name, err)
		}
	}

	p := New(
		WithAPIKey(cfg.APIKey),
		WithBaseURL(cfg.BaseURL),
		WithModels(cfg.Models...),
		WithTokenSource(cfg.TokenSource),
	)
	for k, v := range cfg.Headers {
		p.headers[k] = v
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return ProviderName
}

// SupportedModels returns the list of supported models.
func (p *Provider) SupportedModels() []string {
	return p.models
}

// SupportsModel reports whether this provider should handle model: an
// explicit entry in the deployment's model list always matches, and a
// gpt-/o1- prefix matches even for models not explicitly configured, so a
// newly released OpenAI model doesn't require a config change to route.
func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1-")
}

// BuildRequest marshals req directly: the normalized ChatRequest shape
// already matches OpenAI's wire format. Keys in req.Extra are then merged
// into the body, except those a typed field already wrote.
func (p *Provider) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if len(req.Extra) > 0 {
		var merged map[string]json.RawMessage
		if err := json.Unmarshal(body, &merged); err != nil {
			return nil, fmt.Errorf("merge extra: %w", err)
		}
		for k, v := range req.Extra {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
		if body, err = json.Marshal(merged); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(chatCompletionsPath), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	token, err := provider.GetToken(p.tokenSource, p.apiKey)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

// ParseResponse unmarshals resp directly into the normalized ChatResponse.
func (p *Provider) ParseResponse(resp *http.Response) (*types.ChatResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var chatResp types.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &chatResp, nil
}

// ParseStreamChunk parses one `data: {...}` SSE event, or returns (nil,
// nil) for the `data: [DONE]` sentinel and blank keep-alive lines.
func (p *Provider) ParseStreamChunk(data []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	trimmed = bytes.TrimPrefix(trimmed, []byte("data: "))
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}

	return &chunk, nil
}

// MapError converts an OpenAI error body into the Router core's typed
// error taxonomy so retry/fallback/cooldown decisions can switch on
// error kind instead of re-parsing a status code at every call site.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return errors.NewAuthenticationError(ProviderName, "", message)
	case http.StatusTooManyRequests:
		return errors.NewRateLimitError(ProviderName, "", message)
	case http.StatusBadRequest:
		return errors.NewInvalidRequestError(ProviderName, "", message)
	case http.StatusNotFound:
		return errors.NewNotFoundError(ProviderName, "", message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errors.NewTimeoutError(ProviderName, "", message)
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return errors.NewServiceUnavailableError(ProviderName, "", message)
	default:
		return errors.NewInternalError(ProviderName, "", message)
	}
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimSuffix(p.baseURL, "/") + path
}
