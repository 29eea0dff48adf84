// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/llm-dispatch/internal/domain"
)

// fallbacksFile is the YAML shape of an external fallback table:
//
//	fallbacks:
//	  doubao: [qwen, glm]
//	  openai: [gemini]
type fallbacksFile struct {
	Fallbacks map[string][]string `yaml:"fallbacks"`
}

// LoadFallbacks returns the per-platform fallback table. Without a
// configured file it returns the built-in table (domestic platforms fall
// back to domestic, overseas to overseas). A file entry replaces the
// built-in chain for that platform only; unknown provider names fail
// loudly.
func (c Config) LoadFallbacks() (map[domain.Provider][]domain.Provider, error) {
	table := domain.DefaultFallbacks()
	if c.FallbacksFile == "" {
		return table, nil
	}

	raw, err := os.ReadFile(c.FallbacksFile)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadFallbacks: %w", err)
	}
	var f fallbacksFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("op=config.LoadFallbacks: parse %s: %w", c.FallbacksFile, err)
	}

	for name, chain := range f.Fallbacks {
		p, err := domain.ParseProvider(name)
		if err != nil {
			return nil, fmt.Errorf("op=config.LoadFallbacks: %w", err)
		}
		parsed := make([]domain.Provider, 0, len(chain))
		for _, fb := range chain {
			q, err := domain.ParseProvider(fb)
			if err != nil {
				return nil, fmt.Errorf("op=config.LoadFallbacks: fallback of %s: %w", name, err)
			}
			parsed = append(parsed, q)
		}
		table[p] = parsed
	}
	return table, nil
}
