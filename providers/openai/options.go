package openai

import "github.com/blueberrycongee/llmux/pkg/provider"

// Option configures a Provider built via New.
type Option func(*Provider)

// WithAPIKey sets the static bearer token used when no TokenSource is set.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		p.apiKey = key
	}
}

// WithTokenSource overrides the static API key with a dynamic token
// source (e.g. a short-lived OIDC/IAM token refreshed on each call). Nil
// is a no-op, so callers can pass cfg.TokenSource unconditionally.
func WithTokenSource(ts provider.TokenSource) Option {
	return func(p *Provider) {
		if ts != nil {
			p.tokenSource = ts
		}
	}
}

// WithBaseURL overrides DefaultBaseURL. Empty is a no-op.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithModels sets the model names this deployment advertises.
func WithModels(models ...string) Option {
	return func(p *Provider) {
		p.models = models
	}
}

// WithHeader adds a static header sent on every request.
func WithHeader(key, value string) Option {
	return func(p *Provider) {
		p.headers[key] = value
	}
}
