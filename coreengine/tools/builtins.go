package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// NewDefaultRegistry returns a registry holding the built-in tools.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, def := range Builtins(time.Now) {
		// Built-ins always carry a name and handler.
		_ = r.Register(def)
	}
	return r
}

// Builtins returns the built-in tool definitions.
func Builtins(now func() time.Time) []*ToolDefinition {
	return []*ToolDefinition{
		{
			Name:        "current_time",
			Description: "Returns the current time, optionally in an IANA timezone",
			Category:    "utility",
			RiskLevel:   "low",
			Handler: func(_ context.Context, inv Invocation) (map[string]any, error) {
				loc := time.UTC
				if tz, _ := inv.Params["timezone"].(string); tz != "" {
					l, err := time.LoadLocation(tz)
					if err != nil {
						return nil, fmt.Errorf("unknown timezone %q", tz)
					}
					loc = l
				}
				t := now().In(loc)
				return map[string]any{
					"time":     t.Format(time.RFC3339),
					"timezone": loc.String(),
					"weekday":  t.Weekday().String(),
				}, nil
			},
		},
		{
			Name:        "echo",
			Description: "Returns its text parameter",
			Category:    "utility",
			RiskLevel:   "low",
			Handler: func(_ context.Context, inv Invocation) (map[string]any, error) {
				text, _ := inv.Params["text"].(string)
				if strings.TrimSpace(text) == "" {
					return nil, fmt.Errorf("text parameter is required")
				}
				return map[string]any{"text": text}, nil
			},
		},
	}
}
