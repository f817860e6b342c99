package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWarnings_FallbackWithSingleProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{{Name: "openai", Type: "openai", APIKey: "sk-test", Models: []string{"gpt-4"}}}
	cfg.Routing.FallbackEnabled = true

	warnings := cfg.Warnings()
	require.True(t, hasWarning(warnings, WarningFallbackSingleProvider))
}

func TestWarnings_FallbackWithMultipleProviders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{
		{Name: "openai", Type: "openai", APIKey: "sk-test", Models: []string{"gpt-4"}},
		{Name: "anthropic", Type: "anthropic", APIKey: "sk-test", Models: []string{"claude-3"}},
	}
	cfg.Routing.FallbackEnabled = true
	cfg.Routing.CooldownPeriod = 60_000_000_000 // 60s, avoid tripping the cooldown warning too

	warnings := cfg.Warnings()
	require.False(t, hasWarning(warnings, WarningFallbackSingleProvider))
}

func TestWarnings_CooldownDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routing.CooldownPeriod = 0

	warnings := cfg.Warnings()
	require.True(t, hasWarning(warnings, WarningCooldownDisabled))
}

func TestWarnings_DistributedWithLocalCache(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routing.Distributed = true
	cfg.Cache.Type = "local"

	warnings := cfg.Warnings()
	require.True(t, hasWarning(warnings, WarningDistributedCacheLocal))
}

func TestWarnings_DistributedWithRedisCache(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routing.Distributed = true
	cfg.Cache.Type = "redis"

	warnings := cfg.Warnings()
	require.False(t, hasWarning(warnings, WarningDistributedCacheLocal))
}

func hasWarning(warnings []Warning, code WarningCode) bool {
	for _, w := range warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}
