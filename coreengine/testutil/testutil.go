// Package testutil provides configurable mock collaborators and a capturing
// logger for orchestrator tests.
//
// All mocks are safe for concurrent use and record their calls for
// assertion.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
)

// =============================================================================
// MOCK AUTH PROVIDER
// =============================================================================

// MockAuthProvider implements orchestrator.AuthProvider.
type MockAuthProvider struct {
	// Users maps user IDs to identities.
	Users map[string]*orchestrator.User

	// Tokens maps bearer tokens to user IDs.
	Tokens map[string]string

	// Error causes every call to fail.
	Error error

	Calls int

	mu sync.Mutex
}

// NewMockAuthProvider creates an empty MockAuthProvider.
func NewMockAuthProvider() *MockAuthProvider {
	return &MockAuthProvider{
		Users:  make(map[string]*orchestrator.User),
		Tokens: make(map[string]string),
	}
}

// WithUser registers a user with the given roles.
func (m *MockAuthProvider) WithUser(userID string, active bool, roles ...string) *MockAuthProvider {
	m.Users[userID] = &orchestrator.User{UserID: userID, Roles: roles, IsActive: active}
	return m
}

// WithToken maps a token to a registered user.
func (m *MockAuthProvider) WithToken(token, userID string) *MockAuthProvider {
	m.Tokens[token] = userID
	return m
}

// ValidateToken implements orchestrator.AuthProvider.
func (m *MockAuthProvider) ValidateToken(_ context.Context, token string) (*orchestrator.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Error != nil {
		return nil, m.Error
	}
	userID, ok := m.Tokens[token]
	if !ok {
		return nil, nil
	}
	return m.copyUser(userID), nil
}

// GetUser implements orchestrator.AuthProvider.
func (m *MockAuthProvider) GetUser(_ context.Context, userID string) (*orchestrator.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Error != nil {
		return nil, m.Error
	}
	return m.copyUser(userID), nil
}

func (m *MockAuthProvider) copyUser(userID string) *orchestrator.User {
	u, ok := m.Users[userID]
	if !ok {
		return nil
	}
	c := *u
	c.Roles = append([]string{}, u.Roles...)
	return &c
}

// =============================================================================
// MOCK SAFETY CLASSIFIER
// =============================================================================

// MockSafetyClassifier flags text containing any configured keyword.
type MockSafetyClassifier struct {
	// Flagged maps lowercase keywords to categories. An empty category
	// marks the keyword as a hard block with no category.
	Flagged map[string]string

	Error error

	Calls []string

	mu sync.Mutex
}

// NewMockSafetyClassifier creates a classifier that considers all text safe.
func NewMockSafetyClassifier() *MockSafetyClassifier {
	return &MockSafetyClassifier{Flagged: make(map[string]string)}
}

// WithFlag flags keyword under category.
func (m *MockSafetyClassifier) WithFlag(keyword, category string) *MockSafetyClassifier {
	m.Flagged[strings.ToLower(keyword)] = category
	return m
}

// FilterSafety implements orchestrator.SafetyClassifier.
func (m *MockSafetyClassifier) FilterSafety(_ context.Context, text string) (*orchestrator.SafetyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, text)
	if m.Error != nil {
		return nil, m.Error
	}

	lower := strings.ToLower(text)
	result := &orchestrator.SafetyResult{IsSafe: true, SafetyScore: 1, FlaggedCategories: []string{}}
	for keyword, category := range m.Flagged {
		if strings.Contains(lower, keyword) {
			result.IsSafe = false
			result.SafetyScore = 0
			if category != "" {
				result.FlaggedCategories = append(result.FlaggedCategories, category)
			}
		}
	}
	return result, nil
}

// =============================================================================
// MOCK CONTEXT BUILDER
// =============================================================================

// MockContextBuilder returns a fixed summary.
type MockContextBuilder struct {
	Summary string
	Error   error
	Calls   []orchestrator.ContextRequest

	mu sync.Mutex
}

// BuildContext implements orchestrator.ContextBuilder.
func (m *MockContextBuilder) BuildContext(_ context.Context, req orchestrator.ContextRequest) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)
	if m.Error != nil {
		return nil, m.Error
	}
	return map[string]any{
		"context_summary": m.Summary,
		"history_length":  len(req.History),
		"memories":        len(req.Memories),
	}, nil
}

// =============================================================================
// MOCK MEMORY STORE
// =============================================================================

// MockMemoryStore records stored memories.
type MockMemoryStore struct {
	Records []orchestrator.MemoryRecord
	Error   error

	mu sync.Mutex
}

// StoreMemory implements orchestrator.MemoryStore.
func (m *MockMemoryStore) StoreMemory(_ context.Context, rec orchestrator.MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Error != nil {
		return m.Error
	}
	m.Records = append(m.Records, rec)
	return nil
}

// Stored returns a copy of the stored records.
func (m *MockMemoryStore) Stored() []orchestrator.MemoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]orchestrator.MemoryRecord{}, m.Records...)
}

// =============================================================================
// MOCK INTENT ANALYZER
// =============================================================================

// MockIntentAnalyzer returns Results by prompt substring, else Default.
type MockIntentAnalyzer struct {
	Results map[string]*orchestrator.IntentResult
	Default *orchestrator.IntentResult
	Error   error

	mu    sync.Mutex
	calls int
}

// NewMockIntentAnalyzer creates an analyzer defaulting to general_chat.
func NewMockIntentAnalyzer() *MockIntentAnalyzer {
	return &MockIntentAnalyzer{
		Results: make(map[string]*orchestrator.IntentResult),
		Default: &orchestrator.IntentResult{PrimaryIntent: "general_chat", Confidence: 0.8},
	}
}

// WithIntent maps prompts containing substr to result.
func (m *MockIntentAnalyzer) WithIntent(substr string, result *orchestrator.IntentResult) *MockIntentAnalyzer {
	m.Results[substr] = result
	return m
}

// AnalyzeIntent implements orchestrator.IntentAnalyzer.
func (m *MockIntentAnalyzer) AnalyzeIntent(_ context.Context, prompt string, _ map[string]any) (*orchestrator.IntentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.Error != nil {
		return nil, m.Error
	}
	for substr, result := range m.Results {
		if strings.Contains(prompt, substr) {
			c := *result
			return &c, nil
		}
	}
	if m.Default == nil {
		return nil, nil
	}
	c := *m.Default
	return &c, nil
}

// CallCount returns the number of calls.
func (m *MockIntentAnalyzer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// =============================================================================
// MOCK MODEL ROUTER
// =============================================================================

// MockModelRouter selects a fixed provider and streams Chunks, or echoes the
// prompt word by word when Chunks is empty.
type MockModelRouter struct {
	Provider string
	Model    string

	// Chunks, when set, are streamed verbatim.
	Chunks []string

	// Delay is applied before each chunk.
	Delay time.Duration

	SelectError error
	StreamError error
	// ChunkError is sent after the configured chunks.
	ChunkError error

	Requests []orchestrator.ChatRequest

	mu sync.Mutex
}

// NewMockModelRouter creates a router selecting mock/mock-model.
func NewMockModelRouter() *MockModelRouter {
	return &MockModelRouter{Provider: "mock", Model: "mock-model"}
}

// WithChunks sets the streamed chunks.
func (m *MockModelRouter) WithChunks(chunks ...string) *MockModelRouter {
	m.Chunks = chunks
	return m
}

// SelectProvider implements orchestrator.ModelRouter.
func (m *MockModelRouter) SelectProvider(_ context.Context, req orchestrator.ChatRequest, _ map[string]any) (*orchestrator.ProviderSelection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.SelectError != nil {
		return nil, m.SelectError
	}
	if m.Provider == "" {
		return nil, nil
	}
	return &orchestrator.ProviderSelection{Provider: m.Provider, Model: m.Model}, nil
}

// StreamChat implements orchestrator.ModelRouter.
func (m *MockModelRouter) StreamChat(ctx context.Context, req orchestrator.ChatRequest, _ map[string]any) (<-chan orchestrator.ChatChunk, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	chunks := append([]string{}, m.Chunks...)
	streamErr, chunkErr, delay := m.StreamError, m.ChunkError, m.Delay
	m.mu.Unlock()

	if streamErr != nil {
		return nil, streamErr
	}
	if len(chunks) == 0 {
		chunks = EchoChunks(req.Prompt)
	}

	out := make(chan orchestrator.ChatChunk)
	go func() {
		defer close(out)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- orchestrator.ChatChunk{Text: c}:
			case <-ctx.Done():
				return
			}
		}
		if chunkErr != nil {
			select {
			case out <- orchestrator.ChatChunk{Err: chunkErr}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// EchoChunks splits the deterministic echo reply into word chunks.
func EchoChunks(prompt string) []string {
	reply := fmt.Sprintf("You said: %s", prompt)
	words := strings.Fields(reply)
	chunks := make([]string, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		chunks[i] = w
	}
	return chunks
}

// =============================================================================
// MOCK TOOL EXECUTOR
// =============================================================================

// MockToolExecutor implements orchestrator.ToolExecutor.
type MockToolExecutor struct {
	// Results maps tool names to their data.
	Results map[string]map[string]any

	// Errors maps tool names to errors they should return.
	Errors map[string]error

	// Panics lists tools that panic.
	Panics map[string]bool

	Calls []ToolCall

	mu sync.Mutex
}

// ToolCall records a single tool execution for assertion.
type ToolCall struct {
	ToolName string
	Params   map[string]any
	Context  map[string]any
}

// NewMockToolExecutor creates a MockToolExecutor with sensible defaults.
func NewMockToolExecutor() *MockToolExecutor {
	return &MockToolExecutor{
		Results: make(map[string]map[string]any),
		Errors:  make(map[string]error),
		Panics:  make(map[string]bool),
	}
}

// WithResult adds a tool result.
func (m *MockToolExecutor) WithResult(toolName string, result map[string]any) *MockToolExecutor {
	m.Results[toolName] = result
	return m
}

// WithError configures a tool to return an error.
func (m *MockToolExecutor) WithError(toolName string, err error) *MockToolExecutor {
	m.Errors[toolName] = err
	return m
}

// WithPanic configures a tool to panic.
func (m *MockToolExecutor) WithPanic(toolName string) *MockToolExecutor {
	m.Panics[toolName] = true
	return m
}

// ExecuteTool implements orchestrator.ToolExecutor.
func (m *MockToolExecutor) ExecuteTool(_ context.Context, name string, params map[string]any, toolCtx map[string]any, _, _ string) (*orchestrator.ToolOutcome, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, ToolCall{ToolName: name, Params: params, Context: toolCtx})
	panics := m.Panics[name]
	err, hasErr := m.Errors[name]
	result, hasResult := m.Results[name]
	m.mu.Unlock()

	if panics {
		panic("tool " + name + " exploded")
	}
	if hasErr {
		return nil, err
	}
	if !hasResult {
		result = map[string]any{"tool": name}
	}
	return &orchestrator.ToolOutcome{Success: true, Data: result}, nil
}

// CallCount returns the number of calls (thread-safe).
func (m *MockToolExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// LogEntry is one captured log call.
type LogEntry struct {
	Level   string
	Message string
	Fields  []any
}

// MockLogger captures log calls.
type MockLogger struct {
	entries *[]LogEntry
	fields  []any
	mu      *sync.Mutex
}

// NewMockLogger creates a capturing logger.
func NewMockLogger() *MockLogger {
	return &MockLogger{entries: &[]LogEntry{}, mu: &sync.Mutex{}}
}

func (l *MockLogger) log(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fields := append(append([]any{}, l.fields...), kv...)
	*l.entries = append(*l.entries, LogEntry{Level: level, Message: msg, Fields: fields})
}

func (l *MockLogger) Debug(msg string, kv ...any) { l.log("debug", msg, kv) }
func (l *MockLogger) Info(msg string, kv ...any)  { l.log("info", msg, kv) }
func (l *MockLogger) Warn(msg string, kv ...any)  { l.log("warn", msg, kv) }
func (l *MockLogger) Error(msg string, kv ...any) { l.log("error", msg, kv) }

// Bind returns a logger sharing the capture buffer with extra fields.
func (l *MockLogger) Bind(kv ...any) logging.Logger {
	return &MockLogger{entries: l.entries, fields: append(append([]any{}, l.fields...), kv...), mu: l.mu}
}

// Entries returns a copy of captured entries.
func (l *MockLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry{}, (*l.entries)...)
}

// HasMessage reports whether any entry carries msg.
func (l *MockLogger) HasMessage(msg string) bool {
	for _, e := range l.Entries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}
