package heuristics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
)

// EchoRouter routes by intent and plan complexity and generates a
// deterministic acknowledgement, streamed one word at a time.
type EchoRouter struct {
	// ChunkDelay is slept between words.
	ChunkDelay time.Duration
}

// NewEchoRouter creates an EchoRouter.
func NewEchoRouter() *EchoRouter {
	return &EchoRouter{}
}

// SelectProvider implements orchestrator.ModelRouter.
func (r *EchoRouter) SelectProvider(_ context.Context, req orchestrator.ChatRequest, prefs map[string]any) (*orchestrator.ProviderSelection, error) {
	if p, ok := prefs["preferred_provider"].(string); ok && p != "" {
		model, _ := prefs["preferred_model"].(string)
		if model == "" {
			model = "default"
		}
		return &orchestrator.ProviderSelection{Provider: p, Model: model, Reason: "User preference"}, nil
	}

	switch {
	case req.Intent == "code_generation":
		return &orchestrator.ProviderSelection{Provider: "openai", Model: "gpt-4", Reason: "Code generation requires advanced reasoning"}, nil
	case req.Plan != nil && req.Plan.Complexity == state.ComplexityHigh:
		return &orchestrator.ProviderSelection{Provider: "anthropic", Model: "claude-3-opus", Reason: "High complexity task requires powerful model"}, nil
	default:
		return &orchestrator.ProviderSelection{Provider: "local", Model: "llama-3.1-8b", Reason: "Standard task suitable for local model"}, nil
	}
}

// Reply builds the full response text for req.
func Reply(req orchestrator.ChatRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I understand you said: '%s'. ", req.Prompt)
	if n := len(req.ToolResults); n > 0 {
		fmt.Fprintf(&b, "I used %d tools to help with your request. ", n)
	}
	model := req.Model
	if model == "" {
		model = "default"
	}
	fmt.Fprintf(&b, "This response was generated using %s.", model)
	return b.String()
}

// StreamChat implements orchestrator.ModelRouter.
func (r *EchoRouter) StreamChat(ctx context.Context, req orchestrator.ChatRequest, _ map[string]any) (<-chan orchestrator.ChatChunk, error) {
	words := strings.SplitAfter(Reply(req), " ")
	out := make(chan orchestrator.ChatChunk)
	go func() {
		defer close(out)
		for i, w := range words {
			if w == "" {
				continue
			}
			if i > 0 && r.ChunkDelay > 0 {
				select {
				case <-time.After(r.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- orchestrator.ChatChunk{Text: w}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
