// Package tokencount estimates token usage for provider calls whose
// responses omit a usage block.
//
// It uses tiktoken-go, a Go port of OpenAI's tiktoken. The domestic
// platforms tokenize differently, but cl100k_base is close enough for
// cost tracking and metrics.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Usage represents token counts for a chat completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Counter provides thread-safe token counting per model.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a token counter instance.
func NewCounter() *Counter {
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

func (c *Counter) encodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName maps provider model IDs to tiktoken-known names.
// The domestic model families all approximate to GPT-4 tokenization.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}

// CountTokens counts tokens in text for a given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.encodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// EstimateUsage computes token usage for a chat completion, accounting
// for the per-message overhead of OpenAI-compatible APIs. Falls back to
// a rough 4-chars-per-token estimate if encoding fails.
func (c *Counter) EstimateUsage(systemPrompt, userPrompt, completion, model string) Usage {
	enc, err := c.encodingForModel(model)
	if err != nil {
		slog.Warn("token encoding unavailable, using estimate",
			slog.String("model", model),
			slog.Any("error", err))
		prompt := (len(systemPrompt) + len(userPrompt)) / 4
		compl := len(completion) / 4
		return Usage{PromptTokens: prompt, CompletionTokens: compl, TotalTokens: prompt + compl}
	}

	// 3 tokens of framing per message plus 1 for the role, and 3 to prime
	// the assistant reply.
	const tokensPerMessage, tokensPerRole = 3, 1
	prompt := 0
	for _, m := range []struct{ role, content string }{
		{"system", systemPrompt},
		{"user", userPrompt},
	} {
		if m.content == "" {
			continue
		}
		prompt += tokensPerMessage + tokensPerRole
		prompt += len(enc.Encode(m.role, nil, nil))
		prompt += len(enc.Encode(m.content, nil, nil))
	}
	prompt += 3

	compl := len(enc.Encode(completion, nil, nil))
	return Usage{PromptTokens: prompt, CompletionTokens: compl, TotalTokens: prompt + compl}
}
