package domain

import (
	"fmt"
	"strings"
)

// Provider enumerates the supported AI platforms as a closed set. Lookup
// is exact (after lowercasing); unknown names fail loudly instead of
// being fuzzy-matched against an alias table.
type Provider string

const (
	ProviderDoubao Provider = "doubao"
	ProviderQwen   Provider = "qwen"
	ProviderGLM    Provider = "glm"
	ProviderSpark  Provider = "spark"
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// Providers lists every supported provider in a stable order.
func Providers() []Provider {
	return []Provider{ProviderDoubao, ProviderQwen, ProviderGLM, ProviderSpark, ProviderOpenAI, ProviderGemini}
}

// ParseProvider resolves a provider name to its tagged variant.
func ParseProvider(name string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(name))) {
	case ProviderDoubao:
		return ProviderDoubao, nil
	case ProviderQwen:
		return ProviderQwen, nil
	case ProviderGLM:
		return ProviderGLM, nil
	case ProviderSpark:
		return ProviderSpark, nil
	case ProviderOpenAI:
		return ProviderOpenAI, nil
	case ProviderGemini:
		return ProviderGemini, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}

// Domestic reports whether the provider is a domestic platform. The
// default fallback table never crosses regions.
func (p Provider) Domestic() bool {
	switch p {
	case ProviderDoubao, ProviderQwen, ProviderGLM, ProviderSpark:
		return true
	default:
		return false
	}
}

// DefaultFallbacks returns the static per-platform fallback table:
// each domestic platform falls back to the other domestic platforms,
// each overseas platform to the other overseas platforms.
func DefaultFallbacks() map[Provider][]Provider {
	out := make(map[Provider][]Provider, len(Providers()))
	for _, p := range Providers() {
		var fb []Provider
		for _, q := range Providers() {
			if q != p && q.Domestic() == p.Domestic() {
				fb = append(fb, q)
			}
		}
		out[p] = fb
	}
	return out
}
