// Package heuristics provides the default in-process collaborators used when
// no external guardrail, intent, model or memory service is wired in.
package heuristics

import (
	"context"
	"strings"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
)

// DefaultUnsafePatterns are the keywords screened by KeywordClassifier.
var DefaultUnsafePatterns = []string{"hack", "exploit", "malicious"}

// KeywordClassifier flags text containing any of its patterns. Every match
// becomes a category, so flagged text is sent to review rather than blocked.
type KeywordClassifier struct {
	patterns []string
}

// NewKeywordClassifier creates a classifier. No patterns selects
// DefaultUnsafePatterns.
func NewKeywordClassifier(patterns ...string) *KeywordClassifier {
	if len(patterns) == 0 {
		patterns = DefaultUnsafePatterns
	}
	lower := make([]string, len(patterns))
	for i, p := range patterns {
		lower[i] = strings.ToLower(p)
	}
	return &KeywordClassifier{patterns: lower}
}

// FilterSafety implements orchestrator.SafetyClassifier.
func (c *KeywordClassifier) FilterSafety(_ context.Context, text string) (*orchestrator.SafetyResult, error) {
	lower := strings.ToLower(text)
	flagged := []string{}
	for _, p := range c.patterns {
		if strings.Contains(lower, p) {
			flagged = append(flagged, "Detected: "+p)
		}
	}

	score := 1.0
	if len(flagged) > 0 {
		score = 1 - float64(len(flagged))/float64(len(c.patterns))
	}
	return &orchestrator.SafetyResult{
		IsSafe:            len(flagged) == 0,
		FlaggedCategories: flagged,
		SafetyScore:       score,
	}, nil
}
