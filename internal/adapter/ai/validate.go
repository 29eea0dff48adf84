package ai

import (
	"strings"

	"github.com/fairyhunter13/llm-dispatch/internal/domain"
)

// minValidContentLen is the shortest trimmed content accepted as a real
// answer. Anything shorter is treated as a degenerate response and the
// executor keeps looking at fallbacks.
const minValidContentLen = 10

// refusalPrefixes are code-detectable refusal openers. The check is a
// cheap screen, not a classifier: a response that opens with one of
// these and says nothing else useful is not worth winning the race.
var refusalPrefixes = []string{
	"i cannot",
	"i can't",
	"i'm unable",
	"i am unable",
	"i'm sorry, but",
	"i am sorry, but",
	"as an ai",
}

// IsValidAnswer reports whether a candidate response qualifies as the
// winner of a redundant execution: successful, substantive content, and
// not an obvious refusal.
func IsValidAnswer(resp domain.AIResponse) bool {
	if !resp.Success {
		return false
	}
	content := strings.TrimSpace(resp.Content)
	if len(content) < minValidContentLen {
		return false
	}
	lower := strings.ToLower(content)
	for _, p := range refusalPrefixes {
		if strings.HasPrefix(lower, p) {
			return false
		}
	}
	return true
}
