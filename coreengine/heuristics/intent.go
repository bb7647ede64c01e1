package heuristics

import (
	"context"
	"regexp"
	"strings"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
)

type intentRule struct {
	intent     string
	confidence float64
	keywords   []string
	tools      []string
}

// Rules are checked in order; the first rule with a matching keyword wins.
var intentRules = []intentRule{
	{intent: "code_generation", confidence: 0.8, keywords: []string{"code", "program", "function"}},
	{intent: "email_compose", confidence: 0.75, keywords: []string{"email", "e-mail"}},
	{intent: "weather_query", confidence: 0.75, keywords: []string{"weather", "forecast", "temperature"}},
	{intent: "time_query", confidence: 0.75, keywords: []string{"what time", "current time", "date today"}, tools: []string{"current_time"}},
	{intent: "book_query", confidence: 0.7, keywords: []string{"book", "novel", "author"}},
	{intent: "information_retrieval", confidence: 0.7, keywords: []string{"search", "find", "lookup"}},
}

var (
	locationPattern = regexp.MustCompile(`\b(?:in|at|for)\s+([A-Z][\p{L}]+(?:\s+[A-Z][\p{L}]+)*)`)
	quotedPattern   = regexp.MustCompile(`["“]([^"”]+)["”]`)
	timePattern     = regexp.MustCompile(`(?i)\b(today|tomorrow|tonight|yesterday|now|this (?:morning|afternoon|evening|week|weekend))\b`)
)

// KeywordAnalyzer classifies prompts by keyword and extracts location, time
// and book entities.
type KeywordAnalyzer struct{}

// NewKeywordAnalyzer creates a KeywordAnalyzer.
func NewKeywordAnalyzer() *KeywordAnalyzer {
	return &KeywordAnalyzer{}
}

// AnalyzeIntent implements orchestrator.IntentAnalyzer.
func (a *KeywordAnalyzer) AnalyzeIntent(_ context.Context, prompt string, _ map[string]any) (*orchestrator.IntentResult, error) {
	lower := strings.ToLower(prompt)
	result := &orchestrator.IntentResult{PrimaryIntent: "general_chat", Confidence: 0.6}

	for _, rule := range intentRules {
		if containsAny(lower, rule.keywords) {
			result.PrimaryIntent = rule.intent
			result.Confidence = rule.confidence
			result.SuggestedTools = append([]string{}, rule.tools...)
			break
		}
	}

	result.Entities = extractEntities(prompt, result.PrimaryIntent)
	result.RequiresClarification = len(strings.Fields(prompt)) == 1 && result.PrimaryIntent != "general_chat"
	return result, nil
}

func extractEntities(prompt, intent string) []orchestrator.Entity {
	var entities []orchestrator.Entity
	for _, m := range locationPattern.FindAllStringSubmatch(prompt, -1) {
		entities = append(entities, orchestrator.Entity{Type: "location", Value: m[1]})
	}
	for _, m := range timePattern.FindAllStringSubmatch(prompt, -1) {
		entities = append(entities, orchestrator.Entity{Type: "time", Value: strings.ToLower(m[1])})
	}
	if intent == "book_query" {
		for _, m := range quotedPattern.FindAllStringSubmatch(prompt, -1) {
			entities = append(entities, orchestrator.Entity{Type: "book", Value: m[1]})
		}
	}
	return entities
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
