package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProvider(t *testing.T) {
	t.Run("known providers resolve", func(t *testing.T) {
		for _, p := range Providers() {
			got, err := ParseProvider(string(p))
			require.NoError(t, err)
			assert.Equal(t, p, got)
		}
	})

	t.Run("case and whitespace are normalized", func(t *testing.T) {
		got, err := ParseProvider("  Doubao ")
		require.NoError(t, err)
		assert.Equal(t, ProviderDoubao, got)
	})

	t.Run("unknown name fails loudly", func(t *testing.T) {
		_, err := ParseProvider("doubao-pro-32k")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownProvider)
	})

	t.Run("empty name fails", func(t *testing.T) {
		_, err := ParseProvider("")
		assert.ErrorIs(t, err, ErrUnknownProvider)
	})
}

func TestDefaultFallbacks(t *testing.T) {
	fb := DefaultFallbacks()

	t.Run("domestic platforms never fall back cross-region", func(t *testing.T) {
		for _, p := range []Provider{ProviderDoubao, ProviderQwen, ProviderGLM, ProviderSpark} {
			require.Contains(t, fb, p)
			for _, q := range fb[p] {
				assert.True(t, q.Domestic(), "fallback %s for %s must be domestic", q, p)
				assert.NotEqual(t, p, q)
			}
			assert.Len(t, fb[p], 3)
		}
	})

	t.Run("overseas platforms fall back to overseas", func(t *testing.T) {
		assert.Equal(t, []Provider{ProviderGemini}, fb[ProviderOpenAI])
		assert.Equal(t, []Provider{ProviderOpenAI}, fb[ProviderGemini])
	})
}

func TestFailureResponse(t *testing.T) {
	r := FailureResponse("doubao", "doubao-pro", ErrorKindServerError, "status 500")
	assert.False(t, r.Success)
	assert.Equal(t, ErrorKindServerError, r.ErrorKind)
	assert.Equal(t, "status 500", r.ErrorMessage)
	assert.Equal(t, "doubao", r.Platform)
	assert.Equal(t, "doubao-pro", r.Model)
	assert.Empty(t, r.Content)
}
