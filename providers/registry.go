// Package providers is the startup-time registry that turns a deployment's
// `provider` tag into a concrete ProviderAdapter factory (pkg/provider.Factory).
//
// The Router core treats wire-level translation as an external collaborator
// (see spec §1/§7 "Duck-typed adapter discovery... replace with a registry
// keyed by provider enum, populated at startup"): an unknown provider name
// fails at config load, never at first call. Only two reference adapters
// ship in this module — openai (the pass-through case: the wire and
// normalized shapes already match) and anthropic (the translating case: a
// distinct request/response/stream wire format, thinking/reasoning content,
// and a separate image-block encoding). Every other provider a deployment
// config names is expected to Register its own factory from the embedding
// program before any request references it.
package providers

import (
	"fmt"
	"sync"

	"github.com/blueberrycongee/llmux/pkg/provider"
	"github.com/blueberrycongee/llmux/providers/anthropic"
	"github.com/blueberrycongee/llmux/providers/openai"
)

// factories holds one provider.Factory per registered provider type name.
type factoryTable struct {
	mu    sync.RWMutex
	byTag map[string]provider.Factory
}

var (
	factories = &factoryTable{byTag: make(map[string]provider.Factory)}
	bootOnce  sync.Once
)

// Register associates a provider type tag with the factory that builds it.
// Calling Register again for a tag already present replaces the factory,
// which lets an embedding program override a built-in reference adapter.
func Register(providerType string, factory provider.Factory) {
	factories.mu.Lock()
	defer factories.mu.Unlock()
	factories.byTag[providerType] = factory
}

// Get returns the factory registered for providerType, if any.
func Get(providerType string) (provider.Factory, bool) {
	factories.mu.RLock()
	defer factories.mu.RUnlock()
	f, ok := factories.byTag[providerType]
	return f, ok
}

// Create builds a provider.Provider from a deployment's resolved config.
// An unrecognized Type fails here, at config load, rather than at the
// first request that tries to route to it.
func Create(cfg provider.Config) (provider.Provider, error) {
	factory, ok := Get(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q (registered: %v)", cfg.Type, List())
	}
	return factory(cfg)
}

// List returns the provider type tags currently registered.
func List() []string {
	factories.mu.RLock()
	defer factories.mu.RUnlock()

	names := make([]string, 0, len(factories.byTag))
	for name := range factories.byTag {
		names = append(names, name)
	}
	return names
}

// RegisterBuiltins installs the in-tree reference adapters. Safe to call
// more than once; only the first call has any effect.
func RegisterBuiltins() {
	bootOnce.Do(func() {
		Register(openai.ProviderName, openai.NewFromConfig)
		Register(anthropic.ProviderName, anthropic.NewFromConfig)
	})
}

func init() {
	RegisterBuiltins()
}
