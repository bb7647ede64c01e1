package state

import (
	"encoding/json"
	"time"
)

// Message is one role-tagged conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// HistoryEntry is a message normalized by memory_fetch.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// UserProfile is the identity resolved by auth_gate.
type UserProfile struct {
	UserID      string         `json:"user_id"`
	Email       string         `json:"email,omitempty"`
	Roles       []string       `json:"roles"`
	TenantID    string         `json:"tenant_id,omitempty"`
	IsActive    bool           `json:"is_active"`
	Preferences map[string]any `json:"preferences,omitempty"`
	Degraded    bool           `json:"degraded,omitempty"`
}

// SafetyEvaluation is the raw classifier result.
type SafetyEvaluation struct {
	IsSafe            bool     `json:"is_safe"`
	FlaggedCategories []string `json:"flagged_categories"`
	SafetyScore       float64  `json:"safety_score"`
}

// ExecutionPlan is produced by planner.
type ExecutionPlan struct {
	Steps                []string   `json:"steps"`
	ToolsRequired        []string   `json:"tools_required"`
	Complexity           Complexity `json:"complexity"`
	EstimatedTimeSeconds float64    `json:"estimated_time"`
	RequiresHumanReview  bool       `json:"requires_human_review"`
}

// ToolCall pairs a tool with its resolved parameters.
type ToolCall struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	ToolName string         `json:"tool_name"`
	Success  bool           `json:"success"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ToolExecutionMetadata aggregates tool_exec counts.
type ToolExecutionMetadata struct {
	Executed int `json:"executed"`
	Failed   int `json:"failed"`
}

// State is the single mutable record passed between stages. A State is
// owned by exactly one graph execution; it is never shared across sessions.
type State struct {
	// Identity
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id"`

	// Input
	Messages     []Message      `json:"messages"`
	UserSettings map[string]any `json:"user_settings,omitempty"`

	// Auth
	AuthStatus      AuthStatus      `json:"auth_status"`
	UserPermissions map[string]bool `json:"user_permissions,omitempty"`
	UserProfile     *UserProfile    `json:"user_profile,omitempty"`
	AuthContext     map[string]any  `json:"auth_context,omitempty"`

	// Safety
	SafetyStatus     SafetyStatus      `json:"safety_status"`
	SafetyFlags      []string          `json:"safety_flags,omitempty"`
	SafetyEvaluation *SafetyEvaluation `json:"safety_evaluation,omitempty"`

	// Memory
	MemoryContext       map[string]any `json:"memory_context,omitempty"`
	ConversationHistory []HistoryEntry `json:"conversation_history,omitempty"`

	// Intent & planning
	DetectedIntent   string         `json:"detected_intent"`
	IntentConfidence float64        `json:"intent_confidence"`
	IntentAnalysis   map[string]any `json:"intent_analysis,omitempty"`
	ExecutionPlan    *ExecutionPlan `json:"execution_plan,omitempty"`

	// Routing
	SelectedProvider string `json:"selected_provider"`
	SelectedModel    string `json:"selected_model"`
	RoutingReason    string `json:"routing_reason"`

	// Tools
	ToolCalls             []ToolCall             `json:"tool_calls"`
	ToolResults           []ToolResult           `json:"tool_results,omitempty"`
	ToolExecutionMetadata *ToolExecutionMetadata `json:"tool_execution_metadata,omitempty"`

	// Response
	Response         string         `json:"response"`
	ResponseMetadata map[string]any `json:"response_metadata,omitempty"`

	// Human-in-the-loop
	RequiresApproval bool           `json:"requires_approval"`
	ApprovalStatus   ApprovalStatus `json:"approval_status"`
	ApprovalReason   string         `json:"approval_reason"`

	// Diagnostics (append-only)
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`

	// Streaming
	StreamingEnabled bool     `json:"streaming_enabled"`
	StreamChunks     []string `json:"stream_chunks,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	authToken string
}

// New creates a fresh state for one invocation.
func New(messages []Message, userID, sessionID string) *State {
	msgs := make([]Message, len(messages))
	copy(msgs, messages)
	return &State{
		UserID:    userID,
		SessionID: sessionID,
		Messages:  msgs,
		Errors:    []string{},
		Warnings:  []string{},
		Metadata:  make(map[string]any),
		CreatedAt: time.Now().UTC(),
	}
}

// SetAuthToken attaches a bearer token for auth_gate. The token is left out
// of Snapshot and Partial; only checkpoints carry it.
func (s *State) SetAuthToken(token string) {
	s.authToken = token
}

// AuthToken returns the bearer token, if any.
func (s *State) AuthToken() string {
	return s.authToken
}

// AddError appends a hard error.
func (s *State) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// AddWarning appends a soft warning.
func (s *State) AddWarning(msg string) {
	s.Warnings = append(s.Warnings, msg)
}

// HasMessages reports whether there is any input.
func (s *State) HasMessages() bool {
	return len(s.Messages) > 0
}

// LatestPrompt returns the content of the last message, or "".
func (s *State) LatestPrompt() string {
	if len(s.Messages) == 0 {
		return ""
	}
	return s.Messages[len(s.Messages)-1].Content
}

// AppendMessage adds a message to the conversation.
func (s *State) AppendMessage(role Role, content string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
}

// ToolNames lists the tool names of ToolCalls in order.
func (s *State) ToolNames() []string {
	if s.ToolCalls == nil {
		return nil
	}
	names := make([]string, 0, len(s.ToolCalls))
	for _, tc := range s.ToolCalls {
		names = append(names, tc.ToolName)
	}
	return names
}

// =============================================================================
// Serialization
// =============================================================================

// Snapshot returns a JSON-shaped map of every field.
func (s *State) Snapshot() map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"errors": append([]string{}, s.Errors...)}
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"errors": append([]string{}, s.Errors...)}
	}
	return out
}

// Partial returns the subset of Snapshot named by keys. Missing keys map to nil.
func (s *State) Partial(keys ...string) map[string]any {
	snap := s.Snapshot()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = snap[k]
	}
	return out
}

// Marshal encodes the state for a checkpoint, including the auth token.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(checkpointState{State: s, Token: s.authToken})
}

// Unmarshal decodes a state produced by Marshal.
func Unmarshal(data []byte) (*State, error) {
	cs := checkpointState{State: &State{}}
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, err
	}
	cs.State.authToken = cs.Token
	if cs.State.Errors == nil {
		cs.State.Errors = []string{}
	}
	if cs.State.Warnings == nil {
		cs.State.Warnings = []string{}
	}
	return cs.State, nil
}

type checkpointState struct {
	*State
	Token string `json:"auth_token,omitempty"`
}

// =============================================================================
// Clone - deep copy for checkpoints
// =============================================================================

// Clone creates a deep copy of the state.
func (s *State) Clone() *State {
	clone := &State{
		UserID:           s.UserID,
		SessionID:        s.SessionID,
		TenantID:         s.TenantID,
		AuthStatus:       s.AuthStatus,
		SafetyStatus:     s.SafetyStatus,
		DetectedIntent:   s.DetectedIntent,
		IntentConfidence: s.IntentConfidence,
		SelectedProvider: s.SelectedProvider,
		SelectedModel:    s.SelectedModel,
		RoutingReason:    s.RoutingReason,
		Response:         s.Response,
		RequiresApproval: s.RequiresApproval,
		ApprovalStatus:   s.ApprovalStatus,
		ApprovalReason:   s.ApprovalReason,
		StreamingEnabled: s.StreamingEnabled,
		CreatedAt:        s.CreatedAt,
		authToken:        s.authToken,
	}

	if s.Messages != nil {
		clone.Messages = make([]Message, len(s.Messages))
		copy(clone.Messages, s.Messages)
	}
	if s.ConversationHistory != nil {
		clone.ConversationHistory = make([]HistoryEntry, len(s.ConversationHistory))
		copy(clone.ConversationHistory, s.ConversationHistory)
	}
	clone.SafetyFlags = copyStringSlice(s.SafetyFlags)
	clone.Errors = copyStringSlice(s.Errors)
	clone.Warnings = copyStringSlice(s.Warnings)
	clone.StreamChunks = copyStringSlice(s.StreamChunks)

	clone.UserSettings = deepCopyAnyMap(s.UserSettings)
	clone.AuthContext = deepCopyAnyMap(s.AuthContext)
	clone.MemoryContext = deepCopyAnyMap(s.MemoryContext)
	clone.IntentAnalysis = deepCopyAnyMap(s.IntentAnalysis)
	clone.ResponseMetadata = deepCopyAnyMap(s.ResponseMetadata)
	clone.Metadata = deepCopyAnyMap(s.Metadata)

	if s.UserPermissions != nil {
		clone.UserPermissions = make(map[string]bool, len(s.UserPermissions))
		for k, v := range s.UserPermissions {
			clone.UserPermissions[k] = v
		}
	}
	if s.UserProfile != nil {
		p := *s.UserProfile
		p.Roles = copyStringSlice(s.UserProfile.Roles)
		p.Preferences = deepCopyAnyMap(s.UserProfile.Preferences)
		clone.UserProfile = &p
	}
	if s.SafetyEvaluation != nil {
		e := *s.SafetyEvaluation
		e.FlaggedCategories = copyStringSlice(s.SafetyEvaluation.FlaggedCategories)
		clone.SafetyEvaluation = &e
	}
	if s.ExecutionPlan != nil {
		p := *s.ExecutionPlan
		p.Steps = copyStringSlice(s.ExecutionPlan.Steps)
		p.ToolsRequired = copyStringSlice(s.ExecutionPlan.ToolsRequired)
		clone.ExecutionPlan = &p
	}
	if s.ToolCalls != nil {
		clone.ToolCalls = make([]ToolCall, len(s.ToolCalls))
		for i, tc := range s.ToolCalls {
			clone.ToolCalls[i] = ToolCall{ToolName: tc.ToolName, Parameters: deepCopyAnyMap(tc.Parameters)}
		}
	}
	if s.ToolResults != nil {
		clone.ToolResults = make([]ToolResult, len(s.ToolResults))
		for i, tr := range s.ToolResults {
			tr.Output = deepCopyAnyMap(tr.Output)
			clone.ToolResults[i] = tr
		}
	}
	if s.ToolExecutionMetadata != nil {
		m := *s.ToolExecutionMetadata
		clone.ToolExecutionMetadata = &m
	}

	return clone
}

func copyStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	result := make([]string, len(s))
	copy(result, s)
	return result
}

func deepCopyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyAnyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopyValue(item)
		}
		return result
	case []string:
		return copyStringSlice(val)
	case []map[string]any:
		result := make([]map[string]any, len(val))
		for i, m := range val {
			result[i] = deepCopyAnyMap(m)
		}
		return result
	default:
		return v
	}
}
