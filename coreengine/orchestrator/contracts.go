// Package orchestrator assembles the conversation graph: the ten stages,
// their conditional routes, the collaborator resolver, the execution entry
// points and session telemetry.
package orchestrator

import (
	"context"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
)

// =============================================================================
// COLLABORATOR CONTRACTS
// =============================================================================
//
// Every collaborator is optional. A stage that finds its collaborator absent
// degrades and records a warning instead of failing.

// User is an identity returned by an AuthProvider.
type User struct {
	UserID      string
	Email       string
	Roles       []string
	TenantID    string
	IsActive    bool
	Preferences map[string]any
}

// AuthProvider resolves identities. A nil user with a nil error means the
// identity is unknown.
type AuthProvider interface {
	ValidateToken(ctx context.Context, token string) (*User, error)
	GetUser(ctx context.Context, userID string) (*User, error)
}

// SafetyResult is a classifier verdict.
type SafetyResult struct {
	IsSafe            bool
	FlaggedCategories []string
	SafetyScore       float64
}

// SafetyClassifier screens user text.
type SafetyClassifier interface {
	FilterSafety(ctx context.Context, text string) (*SafetyResult, error)
}

// ContextRequest carries everything a ContextBuilder may use.
type ContextRequest struct {
	UserID    string
	SessionID string
	Prompt    string
	History   []state.HistoryEntry
	Settings  map[string]any
	Memories  []map[string]any
}

// ContextBuilder assembles memory_context.
type ContextBuilder interface {
	BuildContext(ctx context.Context, req ContextRequest) (map[string]any, error)
}

// MemoryRecord is one conversation turn persisted by memory_write.
type MemoryRecord struct {
	TenantID       string
	Content        string
	UserID         string
	SessionID      string
	ConversationID string
	Tags           []string
	Importance     int
	Metadata       map[string]any
}

// MemoryStore persists conversation turns.
type MemoryStore interface {
	StoreMemory(ctx context.Context, rec MemoryRecord) error
}

// MemoryRecaller is implemented by memory stores that can also return
// relevant memories for a prompt.
type MemoryRecaller interface {
	RecallMemories(ctx context.Context, userID, query string, limit int) ([]map[string]any, error)
}

// Entity is a typed span extracted by intent analysis.
type Entity struct {
	Type  string
	Value string
}

// IntentResult is the output of an IntentAnalyzer.
type IntentResult struct {
	PrimaryIntent         string
	Confidence            float64
	SuggestedTools        []string
	Entities              []Entity
	RequiresClarification bool
}

// IntentAnalyzer classifies the latest prompt.
type IntentAnalyzer interface {
	AnalyzeIntent(ctx context.Context, prompt string, context map[string]any) (*IntentResult, error)
}

// ChatRequest is sent to the ModelRouter for selection and generation.
type ChatRequest struct {
	SessionID     string
	Prompt        string
	Intent        string
	History       []state.HistoryEntry
	Plan          *state.ExecutionPlan
	Safety        *state.SafetyEvaluation
	Tools         []string
	ToolResults   []state.ToolResult
	MemorySummary string
	Streaming     bool
	Provider      string
	Model         string
}

// ProviderSelection is the routing decision of a ModelRouter.
type ProviderSelection struct {
	Provider string
	Model    string
	Reason   string
}

// ChatChunk is one streamed fragment. A chunk with Err set ends the stream.
type ChatChunk struct {
	Text string
	Err  error
}

// ModelRouter selects a provider and generates responses. SelectProvider
// returns nil when no provider is suitable. StreamChat closes its channel
// when generation ends.
type ModelRouter interface {
	SelectProvider(ctx context.Context, req ChatRequest, prefs map[string]any) (*ProviderSelection, error)
	StreamChat(ctx context.Context, req ChatRequest, prefs map[string]any) (<-chan ChatChunk, error)
}

// ToolOutcome is the result of one tool invocation.
type ToolOutcome struct {
	Success bool
	Data    map[string]any
	Error   string
}

// ToolExecutor runs named tools.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, params map[string]any, toolCtx map[string]any, userID, sessionID string) (*ToolOutcome, error)
}

// Collaborators is the capability set handed to New. Static values win over
// resolvers; a resolver is called lazily on first use.
type Collaborators struct {
	Auth    AuthProvider
	Safety  SafetyClassifier
	Context ContextBuilder
	Memory  MemoryStore
	Intent  IntentAnalyzer
	Router  ModelRouter
	Tools   ToolExecutor

	ResolveAuth    func() (AuthProvider, error)
	ResolveContext func() (ContextBuilder, error)
	ResolveMemory  func() (MemoryStore, error)
	ResolveTools   func() (ToolExecutor, error)
}
