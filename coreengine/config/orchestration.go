// Package config provides the orchestration configuration value object and
// service configuration loading.
//
// OrchestrationConfig is immutable by convention: updates produce a new
// value via ApplyUpdates, and the orchestrator rebuilds its graph from it.
package config

import (
	"fmt"
	"sort"
)

// OrchestrationConfig holds the toggles that shape the conversation graph.
type OrchestrationConfig struct {
	// Gates
	EnableAuthGate     bool `json:"enable_auth_gate" koanf:"enable_auth_gate"`
	EnableSafetyGate   bool `json:"enable_safety_gate" koanf:"enable_safety_gate"`
	EnableMemoryFetch  bool `json:"enable_memory_fetch" koanf:"enable_memory_fetch"`
	EnableApprovalGate bool `json:"enable_approval_gate" koanf:"enable_approval_gate"`

	// Execution
	StreamingEnabled  bool `json:"streaming_enabled" koanf:"streaming_enabled"`
	CheckpointEnabled bool `json:"checkpoint_enabled" koanf:"checkpoint_enabled"`
	MaxRetries        int  `json:"max_retries" koanf:"max_retries"`
	TimeoutSeconds    int  `json:"timeout_seconds" koanf:"timeout_seconds"`

	// Guardrail profile: false disables content filtering in safety_gate.
	ContentFiltering bool `json:"content_filtering" koanf:"content_filtering"`
}

// DefaultOrchestrationConfig returns the default configuration.
func DefaultOrchestrationConfig() OrchestrationConfig {
	return OrchestrationConfig{
		EnableAuthGate:     true,
		EnableSafetyGate:   true,
		EnableMemoryFetch:  true,
		EnableApprovalGate: false,
		StreamingEnabled:   false,
		CheckpointEnabled:  true,
		MaxRetries:         3,
		TimeoutSeconds:     300,
		ContentFiltering:   true,
	}
}

// Validate validates the configuration.
func (c OrchestrationConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must be >= 0, got %d", c.TimeoutSeconds)
	}
	return nil
}

// UpdatableFields lists the keys accepted by ApplyUpdates.
func UpdatableFields() []string {
	fields := make([]string, 0, len(boolFields)+len(intFields))
	for k := range boolFields {
		fields = append(fields, k)
	}
	for k := range intFields {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

var boolFields = map[string]func(*OrchestrationConfig) *bool{
	"enable_auth_gate":     func(c *OrchestrationConfig) *bool { return &c.EnableAuthGate },
	"enable_safety_gate":   func(c *OrchestrationConfig) *bool { return &c.EnableSafetyGate },
	"enable_memory_fetch":  func(c *OrchestrationConfig) *bool { return &c.EnableMemoryFetch },
	"enable_approval_gate": func(c *OrchestrationConfig) *bool { return &c.EnableApprovalGate },
	"streaming_enabled":    func(c *OrchestrationConfig) *bool { return &c.StreamingEnabled },
	"checkpoint_enabled":   func(c *OrchestrationConfig) *bool { return &c.CheckpointEnabled },
	"content_filtering":    func(c *OrchestrationConfig) *bool { return &c.ContentFiltering },
}

var intFields = map[string]func(*OrchestrationConfig) *int{
	"max_retries":     func(c *OrchestrationConfig) *int { return &c.MaxRetries },
	"timeout_seconds": func(c *OrchestrationConfig) *int { return &c.TimeoutSeconds },
}

// ApplyUpdates returns a copy of c with the given updates applied.
// Unknown keys and nil values are ignored; values of the wrong type are an
// error. The second return value reports whether anything changed.
func (c OrchestrationConfig) ApplyUpdates(updates map[string]any) (OrchestrationConfig, bool, error) {
	next := c
	for key, value := range updates {
		if value == nil {
			continue
		}
		if field, ok := boolFields[key]; ok {
			b, ok := value.(bool)
			if !ok {
				return c, false, fmt.Errorf("%s must be a bool, got %T", key, value)
			}
			*field(&next) = b
			continue
		}
		if field, ok := intFields[key]; ok {
			switch v := value.(type) {
			case int:
				*field(&next) = v
			case int64:
				*field(&next) = int(v)
			case float64:
				*field(&next) = int(v)
			default:
				return c, false, fmt.Errorf("%s must be a number, got %T", key, value)
			}
		}
	}
	if err := next.Validate(); err != nil {
		return c, false, err
	}
	return next, next != c, nil
}

// ToMap converts config to a map.
func (c OrchestrationConfig) ToMap() map[string]any {
	return map[string]any{
		"enable_auth_gate":     c.EnableAuthGate,
		"enable_safety_gate":   c.EnableSafetyGate,
		"enable_memory_fetch":  c.EnableMemoryFetch,
		"enable_approval_gate": c.EnableApprovalGate,
		"streaming_enabled":    c.StreamingEnabled,
		"checkpoint_enabled":   c.CheckpointEnabled,
		"max_retries":          c.MaxRetries,
		"timeout_seconds":      c.TimeoutSeconds,
		"content_filtering":    c.ContentFiltering,
	}
}
