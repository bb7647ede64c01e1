package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/config"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
)

// =============================================================================
// TEST FAKES
// =============================================================================

var fixedNow = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

type fakeAuth struct {
	user *User
	err  error
}

func (f *fakeAuth) ValidateToken(context.Context, string) (*User, error) { return f.user, f.err }
func (f *fakeAuth) GetUser(context.Context, string) (*User, error)       { return f.user, f.err }

type fakeSafety struct {
	result *SafetyResult
	err    error
}

func (f *fakeSafety) FilterSafety(context.Context, string) (*SafetyResult, error) {
	return f.result, f.err
}

type fakeIntent struct {
	result *IntentResult
	err    error
}

func (f *fakeIntent) AnalyzeIntent(context.Context, string, map[string]any) (*IntentResult, error) {
	return f.result, f.err
}

type fakeRouter struct {
	chunks    []string
	selectErr error
	streamErr error
	// selectFails limits selectErr to the first n calls when set.
	selectFails int
	selectCalls int
}

func (f *fakeRouter) SelectProvider(context.Context, ChatRequest, map[string]any) (*ProviderSelection, error) {
	f.selectCalls++
	if f.selectErr != nil && (f.selectFails == 0 || f.selectCalls <= f.selectFails) {
		return nil, f.selectErr
	}
	return &ProviderSelection{Provider: "local", Model: "echo"}, nil
}

func (f *fakeRouter) StreamChat(context.Context, ChatRequest, map[string]any) (<-chan ChatChunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan ChatChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- ChatChunk{Text: c}
	}
	close(ch)
	return ch, nil
}

type fakeTools struct{}

func (fakeTools) ExecuteTool(_ context.Context, name string, params map[string]any, _ map[string]any, _, _ string) (*ToolOutcome, error) {
	switch name {
	case "broken":
		return nil, errors.New("backend down")
	case "panicky":
		panic("boom")
	case "soft_fail":
		return &ToolOutcome{Success: false}, nil
	}
	return &ToolOutcome{Success: true, Data: map[string]any{"tool": name, "params": len(params)}}, nil
}

type fakeMemory struct {
	records  []MemoryRecord
	recalled []map[string]any
}

func (f *fakeMemory) StoreMemory(_ context.Context, rec MemoryRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeMemory) RecallMemories(context.Context, string, string, int) ([]map[string]any, error) {
	return f.recalled, nil
}

type fakeContext struct{ req ContextRequest }

func (f *fakeContext) BuildContext(_ context.Context, req ContextRequest) (map[string]any, error) {
	f.req = req
	return map[string]any{"context_summary": "summary", "memories": len(req.Memories)}, nil
}

func newTestStages(cfg config.OrchestrationConfig, c Collaborators) *stages {
	return &stages{
		cfg:      cfg,
		resolver: NewResolver(c, logging.Nop()),
		safety:   c.Safety,
		intent:   c.Intent,
		router:   c.Router,
		logger:   logging.Nop(),
		now:      fixedNow,
	}
}

func fullCollaborators() Collaborators {
	return Collaborators{
		Auth:    &fakeAuth{user: &User{UserID: "alice", Roles: []string{"admin"}, IsActive: true}},
		Safety:  &fakeSafety{result: &SafetyResult{IsSafe: true, SafetyScore: 1}},
		Context: &fakeContext{},
		Memory:  &fakeMemory{},
		Intent: &fakeIntent{result: &IntentResult{
			PrimaryIntent:  "weather_query",
			Confidence:     0.9,
			SuggestedTools: []string{"weather"},
			Entities:       []Entity{{Type: "location", Value: "Paris"}, {Type: "location", Value: "Rome"}},
		}},
		Router: &fakeRouter{chunks: []string{"Sunny ", "in Paris"}},
		Tools:  fakeTools{},
	}
}

func userState(prompt string) *state.State {
	return state.New([]state.Message{{Role: state.RoleUser, Content: prompt}}, "alice", "sess-1")
}

func stageFuncs(st *stages) map[string]func(context.Context, *state.State) (*state.State, error) {
	return map[string]func(context.Context, *state.State) (*state.State, error){
		StageAuthGate:      st.authGate,
		StageSafetyGate:    st.safetyGate,
		StageMemoryFetch:   st.memoryFetch,
		StageIntentDetect:  st.intentDetect,
		StagePlanner:       st.planner,
		StageRouterSelect:  st.routerSelect,
		StageToolExec:      st.toolExec,
		StageResponseSynth: st.responseSynth,
		StageApprovalGate:  st.approvalGate,
		StageMemoryWrite:   st.memoryWrite,
	}
}

// =============================================================================
// STAGE CONTRACTS
// =============================================================================

func TestStagesOnlyWriteOwnedFields(t *testing.T) {
	st := newTestStages(config.DefaultOrchestrationConfig(), fullCollaborators())
	funcs := stageFuncs(st)
	s := userState("weather in Paris?")

	for _, name := range StageOrder {
		before := s.Snapshot()
		prevErrors := append([]string{}, s.Errors...)
		prevWarnings := append([]string{}, s.Warnings...)

		var err error
		s, err = funcs[name](context.Background(), s)
		require.NoError(t, err, name)
		after := s.Snapshot()

		owned := map[string]bool{"errors": true, "warnings": true}
		for _, f := range stageFields[name] {
			owned[f] = true
		}
		for key, v := range after {
			if !owned[key] {
				assert.Equal(t, before[key], v, "%s changed %s", name, key)
			}
		}
		assert.Equal(t, prevErrors, s.Errors[:len(prevErrors)], name)
		assert.Equal(t, prevWarnings, s.Warnings[:len(prevWarnings)], name)
	}
	assert.Equal(t, "Sunny in Paris", s.Response)
}

func TestStagesAreDeterministic(t *testing.T) {
	for _, name := range StageOrder {
		t.Run(name, func(t *testing.T) {
			input := userState("weather in Paris?")
			input.AuthStatus = state.AuthStatusAuthenticated
			input.DetectedIntent = "weather_query"
			input.ToolCalls = []state.ToolCall{{ToolName: "weather", Parameters: map[string]any{"location": "Paris"}}}
			input.Response = "done"

			run := func() map[string]any {
				fn := stageFuncs(newTestStages(config.DefaultOrchestrationConfig(), fullCollaborators()))[name]
				out, err := fn(context.Background(), input.Clone())
				require.NoError(t, err)
				return out.Snapshot()
			}
			assert.Equal(t, run(), run())
		})
	}
}

func TestStagesTotalOnHostileInput(t *testing.T) {
	inputs := map[string]*state.State{
		"empty":     state.New(nil, "", ""),
		"long":      userState(strings.Repeat("a", 10000)),
		"non_ascii": userState("こんにちは 🌍 ¿qué tal?"),
		"no_user":   state.New([]state.Message{{Role: "robot", Content: "hi"}}, "", "s"),
	}
	collabs := map[string]Collaborators{
		"none": {},
		"full": fullCollaborators(),
	}
	for cname, c := range collabs {
		for iname, in := range inputs {
			t.Run(cname+"/"+iname, func(t *testing.T) {
				funcs := stageFuncs(newTestStages(config.DefaultOrchestrationConfig(), c))
				s := in.Clone()
				for _, name := range StageOrder {
					var err error
					s, err = funcs[name](context.Background(), s)
					require.NoError(t, err)
					require.NotNil(t, s)
				}
				assert.NotEmpty(t, s.Response)
			})
		}
	}
}

// =============================================================================
// AUTH GATE
// =============================================================================

func TestAuthGate(t *testing.T) {
	cfg := config.DefaultOrchestrationConfig()

	t.Run("authenticated admin", func(t *testing.T) {
		st := newTestStages(cfg, Collaborators{Auth: &fakeAuth{user: &User{UserID: "alice", Roles: []string{"admin"}, IsActive: true, TenantID: "acme"}}})
		s, _ := st.authGate(context.Background(), userState("hi"))
		assert.Equal(t, state.AuthStatusAuthenticated, s.AuthStatus)
		assert.Equal(t, "acme", s.TenantID)
		assert.Equal(t, map[string]bool{"chat": true, "tools": true, "model_management": true, "analytics": true}, s.UserPermissions)
		assert.Equal(t, "user_lookup", s.AuthContext["validation_method"])
		assert.Equal(t, "2026-01-02T03:04:05Z", s.AuthContext["validated_at"])
	})

	t.Run("token validation", func(t *testing.T) {
		st := newTestStages(cfg, Collaborators{Auth: &fakeAuth{user: &User{UserID: "bob", IsActive: true}}})
		in := state.New(nil, "", "s")
		in.SetAuthToken("tok")
		s, _ := st.authGate(context.Background(), in)
		assert.Equal(t, "bob", s.UserID)
		assert.Equal(t, "default", s.TenantID)
		assert.Equal(t, true, s.AuthContext["has_token"])
		assert.False(t, s.UserPermissions["tools"])
	})

	t.Run("provider error fails", func(t *testing.T) {
		st := newTestStages(cfg, Collaborators{Auth: &fakeAuth{err: errors.New("db down")}})
		s, _ := st.authGate(context.Background(), userState("hi"))
		assert.Equal(t, state.AuthStatusFailed, s.AuthStatus)
		assert.Contains(t, s.Errors, "Authentication error: db down")
		assert.Nil(t, s.UserPermissions)
	})

	t.Run("unknown identity fails", func(t *testing.T) {
		st := newTestStages(cfg, Collaborators{Auth: &fakeAuth{}})
		s, _ := st.authGate(context.Background(), userState("hi"))
		assert.Equal(t, state.AuthStatusFailed, s.AuthStatus)
		assert.Len(t, s.Errors, 1)
	})

	t.Run("degraded without provider", func(t *testing.T) {
		st := newTestStages(cfg, Collaborators{})
		s, _ := st.authGate(context.Background(), userState("hi"))
		assert.Equal(t, state.AuthStatusAuthenticated, s.AuthStatus)
		require.NotNil(t, s.UserProfile)
		assert.True(t, s.UserProfile.Degraded)
		assert.Equal(t, []string{"user"}, s.UserProfile.Roles)
		assert.False(t, s.UserPermissions["tools"])
		assert.Contains(t, s.Warnings, "Auth provider unavailable; using degraded user profile")
	})

	t.Run("no identity without provider", func(t *testing.T) {
		st := newTestStages(cfg, Collaborators{})
		s, _ := st.authGate(context.Background(), state.New(nil, "", "s"))
		assert.Equal(t, state.AuthStatusFailed, s.AuthStatus)
		assert.NotEmpty(t, s.Errors)
	})
}

// =============================================================================
// SAFETY GATE
// =============================================================================

func TestSafetyGate(t *testing.T) {
	cfg := config.DefaultOrchestrationConfig()
	tests := []struct {
		name     string
		safety   SafetyClassifier
		status   state.SafetyStatus
		approval bool
		errors   int
	}{
		{"safe", &fakeSafety{result: &SafetyResult{IsSafe: true}}, state.SafetyStatusSafe, false, 0},
		{"flagged", &fakeSafety{result: &SafetyResult{FlaggedCategories: []string{"violence"}}}, state.SafetyStatusReviewRequired, true, 0},
		{"blocked", &fakeSafety{result: &SafetyResult{}}, state.SafetyStatusUnsafe, false, 1},
		{"error", &fakeSafety{err: errors.New("timeout")}, state.SafetyStatusUnsafe, false, 1},
		{"nil result", &fakeSafety{}, state.SafetyStatusUnsafe, false, 1},
		{"absent", nil, state.SafetyStatusSafe, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStages(cfg, Collaborators{Safety: tt.safety})
			s, err := st.safetyGate(context.Background(), userState("text"))
			require.NoError(t, err)
			assert.Equal(t, tt.status, s.SafetyStatus)
			assert.Equal(t, tt.approval, s.RequiresApproval)
			assert.Len(t, s.Errors, tt.errors)
		})
	}

	t.Run("filtering disabled", func(t *testing.T) {
		off := cfg
		off.ContentFiltering = false
		st := newTestStages(off, Collaborators{Safety: &fakeSafety{result: &SafetyResult{}}})
		s, _ := st.safetyGate(context.Background(), userState("text"))
		assert.Equal(t, state.SafetyStatusSafe, s.SafetyStatus)
	})
}

// =============================================================================
// MEMORY FETCH
// =============================================================================

func TestMemoryFetch(t *testing.T) {
	cfg := config.DefaultOrchestrationConfig()

	t.Run("normalizes history and recalls memories", func(t *testing.T) {
		builder := &fakeContext{}
		mem := &fakeMemory{recalled: []map[string]any{{"content": "likes tea"}}}
		st := newTestStages(cfg, Collaborators{Context: builder, Memory: mem})

		in := state.New([]state.Message{{Role: "human", Content: "a"}, {Role: "ai", Content: "b"}, {Role: "user", Content: "c"}}, "u", "s")
		s, _ := st.memoryFetch(context.Background(), in)

		require.Len(t, s.ConversationHistory, 3)
		assert.Equal(t, state.RoleUser, s.ConversationHistory[0].Role)
		assert.Equal(t, state.RoleAssistant, s.ConversationHistory[1].Role)
		assert.Equal(t, "c", builder.req.Prompt)
		assert.Len(t, builder.req.Memories, 1)
		assert.Equal(t, "summary", s.MemoryContext["context_summary"])
	})

	t.Run("no builder keeps history", func(t *testing.T) {
		st := newTestStages(cfg, Collaborators{})
		s, _ := st.memoryFetch(context.Background(), userState("hi"))
		assert.Equal(t, "No prior context", s.MemoryContext["context_summary"])
		assert.Len(t, s.MemoryContext["conversation_history"], 1)
		assert.Len(t, s.Warnings, 1)
	})

	t.Run("empty input", func(t *testing.T) {
		st := newTestStages(cfg, Collaborators{})
		s, _ := st.memoryFetch(context.Background(), state.New(nil, "u", "s"))
		assert.Empty(t, s.ConversationHistory)
		assert.Equal(t, defaultMemoryContext(), s.MemoryContext)
	})
}

// =============================================================================
// INTENT & PLANNER
// =============================================================================

func TestIntentDetect(t *testing.T) {
	cfg := config.DefaultOrchestrationConfig()

	t.Run("tool calls from first entity of each type", func(t *testing.T) {
		st := newTestStages(cfg, fullCollaborators())
		s, _ := st.intentDetect(context.Background(), userState("weather?"))
		assert.Equal(t, "weather_query", s.DetectedIntent)
		require.Len(t, s.ToolCalls, 1)
		assert.Equal(t, map[string]any{"location": "Paris"}, s.ToolCalls[0].Parameters)
	})

	t.Run("confidence clamped", func(t *testing.T) {
		st := newTestStages(cfg, Collaborators{Intent: &fakeIntent{result: &IntentResult{PrimaryIntent: "x", Confidence: 7}}})
		s, _ := st.intentDetect(context.Background(), userState("x"))
		assert.Equal(t, 1.0, s.IntentConfidence)
		assert.Nil(t, s.ToolCalls)
	})

	t.Run("analyzer error falls back", func(t *testing.T) {
		st := newTestStages(cfg, Collaborators{Intent: &fakeIntent{err: errors.New("nope")}})
		s, _ := st.intentDetect(context.Background(), userState("x"))
		assert.Equal(t, "general_chat", s.DetectedIntent)
		assert.Equal(t, 0.5, s.IntentConfidence)
		assert.Len(t, s.Warnings, 1)
	})

	t.Run("no messages", func(t *testing.T) {
		st := newTestStages(cfg, fullCollaborators())
		s, _ := st.intentDetect(context.Background(), state.New(nil, "u", "s"))
		assert.Equal(t, "unknown", s.DetectedIntent)
		assert.Zero(t, s.IntentConfidence)
	})
}

func TestBuildToolCalls(t *testing.T) {
	calls := buildToolCalls([]string{"weather", "books"}, []Entity{
		{Type: "book", Value: "Dune"},
		{Type: "time", Value: "tomorrow"},
		{Type: "color", Value: "red"},
	})
	require.Len(t, calls, 2)
	assert.Equal(t, map[string]any{"book_title": "Dune", "time_reference": "tomorrow"}, calls[1].Parameters)

	calls[0].Parameters["mutated"] = true
	assert.NotContains(t, calls[1].Parameters, "mutated")

	assert.Nil(t, buildToolCalls(nil, []Entity{{Type: "location", Value: "x"}}))
}

func TestBuildPlan(t *testing.T) {
	weather := []state.ToolCall{{ToolName: "weather"}}

	plan := buildPlan("weather_query", nil, weather, state.SafetyStatusSafe)
	assert.Equal(t, []string{"execute_tools", "integrate_results", "compose_answer"}, plan.Steps)
	assert.Equal(t, []string{"weather"}, plan.ToolsRequired)
	assert.Equal(t, state.ComplexityLow, plan.Complexity)

	plan = buildPlan("code_generation", map[string]any{"requires_clarification": true}, nil, state.SafetyStatusReviewRequired)
	assert.Equal(t, "request_clarification", plan.Steps[0])
	assert.Equal(t, state.ComplexityMedium, plan.Complexity)
	assert.True(t, plan.RequiresHumanReview)
	assert.NotNil(t, plan.ToolsRequired)

	plan = buildPlan("", nil, nil, state.SafetyStatusSafe)
	assert.Equal(t, []string{"understand_request", "generate_response"}, plan.Steps)
	assert.False(t, plan.RequiresHumanReview)
}

// =============================================================================
// ROUTER, TOOLS & RESPONSE
// =============================================================================

func TestRouterSelect(t *testing.T) {
	cfg := config.DefaultOrchestrationConfig()

	st := newTestStages(cfg, Collaborators{Router: &fakeRouter{}})
	in := userState("hi")
	in.DetectedIntent = "general_chat"
	s, _ := st.routerSelect(context.Background(), in)
	assert.Equal(t, "local", s.SelectedProvider)
	assert.Equal(t, "Selected local/echo for intent general_chat", s.RoutingReason)

	st = newTestStages(cfg, Collaborators{Router: &fakeRouter{selectErr: errors.New("down")}})
	s, _ = st.routerSelect(context.Background(), userState("hi"))
	assert.Equal(t, fallbackProvider, s.SelectedProvider)
	assert.Equal(t, fallbackModel, s.SelectedModel)
	assert.Len(t, s.Warnings, 1)

	st = newTestStages(cfg, Collaborators{})
	s, _ = st.routerSelect(context.Background(), userState("hi"))
	assert.Equal(t, fallbackProvider, s.SelectedProvider)
}

func TestRouterSelectRetries(t *testing.T) {
	cfg := config.DefaultOrchestrationConfig()
	cfg.MaxRetries = 2

	t.Run("recovers from transient errors", func(t *testing.T) {
		router := &fakeRouter{selectErr: errors.New("busy"), selectFails: 2}
		st := newTestStages(cfg, Collaborators{Router: router})
		s, err := st.routerSelect(context.Background(), userState("hi"))
		require.NoError(t, err)
		assert.Equal(t, "local", s.SelectedProvider)
		assert.Equal(t, 3, router.selectCalls)
		assert.Empty(t, s.Warnings)
	})

	t.Run("falls back after max retries", func(t *testing.T) {
		router := &fakeRouter{selectErr: errors.New("down")}
		st := newTestStages(cfg, Collaborators{Router: router})
		s, _ := st.routerSelect(context.Background(), userState("hi"))
		assert.Equal(t, fallbackProvider, s.SelectedProvider)
		assert.Equal(t, 3, router.selectCalls)
		assert.Len(t, s.Warnings, 1)
	})

	t.Run("zero retries calls once", func(t *testing.T) {
		noRetry := cfg
		noRetry.MaxRetries = 0
		router := &fakeRouter{selectErr: errors.New("down")}
		st := newTestStages(noRetry, Collaborators{Router: router})
		st.routerSelect(context.Background(), userState("hi"))
		assert.Equal(t, 1, router.selectCalls)
	})

	t.Run("stops when context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		router := &fakeRouter{selectErr: errors.New("down")}
		st := newTestStages(cfg, Collaborators{Router: router})
		st.routerSelect(ctx, userState("hi"))
		assert.Equal(t, 1, router.selectCalls)
	})
}

func TestToolExecIsolatesFailures(t *testing.T) {
	st := newTestStages(config.DefaultOrchestrationConfig(), Collaborators{Tools: fakeTools{}})
	in := userState("x")
	in.ToolCalls = []state.ToolCall{
		{ToolName: "broken"},
		{ToolName: "panicky"},
		{ToolName: "soft_fail"},
		{ToolName: "weather", Parameters: map[string]any{"location": "Paris"}},
	}

	s, err := st.toolExec(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, s.ToolResults, 4)
	assert.Equal(t, "backend down", s.ToolResults[0].Error)
	assert.Contains(t, s.ToolResults[1].Error, "boom")
	assert.Equal(t, "tool reported failure", s.ToolResults[2].Error)
	assert.True(t, s.ToolResults[3].Success)
	assert.Equal(t, &state.ToolExecutionMetadata{Executed: 4, Failed: 3}, s.ToolExecutionMetadata)
	assert.Len(t, s.Warnings, 3)
}

func TestToolExecWithoutExecutor(t *testing.T) {
	st := newTestStages(config.DefaultOrchestrationConfig(), Collaborators{})
	in := userState("x")
	in.ToolCalls = []state.ToolCall{{ToolName: "a"}, {ToolName: "b"}}

	s, _ := st.toolExec(context.Background(), in)
	require.Len(t, s.ToolResults, 2)
	assert.False(t, s.ToolResults[0].Success)
	assert.Equal(t, 2, s.ToolExecutionMetadata.Failed)
	assert.Len(t, s.Warnings, 1)
}

func TestResponseSynth(t *testing.T) {
	cfg := config.DefaultOrchestrationConfig()

	t.Run("streams chunks in order", func(t *testing.T) {
		st := newTestStages(cfg, Collaborators{Router: &fakeRouter{chunks: []string{"a", "b", "c"}}})
		in := userState("hi")
		in.StreamingEnabled = true
		s, _ := st.responseSynth(context.Background(), in)
		assert.Equal(t, "abc", s.Response)
		assert.Equal(t, []string{"a", "b", "c"}, s.StreamChunks)
		assert.Equal(t, strings.Join(s.StreamChunks, ""), s.Response)
		assert.Equal(t, state.RoleAssistant, s.Messages[len(s.Messages)-1].Role)
	})

	t.Run("stream error falls back", func(t *testing.T) {
		st := newTestStages(cfg, Collaborators{Router: &fakeRouter{streamErr: errors.New("quota")}})
		in := userState("hi")
		in.StreamingEnabled = true
		s, _ := st.responseSynth(context.Background(), in)
		assert.Equal(t, fallbackResponse, s.Response)
		assert.Equal(t, []string{fallbackResponse}, s.StreamChunks)
		assert.Equal(t, true, s.ResponseMetadata["fallback"])
	})

	t.Run("no messages", func(t *testing.T) {
		st := newTestStages(cfg, Collaborators{})
		s, _ := st.responseSynth(context.Background(), state.New(nil, "u", "s"))
		assert.Equal(t, noMessageResponse, s.Response)
		assert.Nil(t, s.StreamChunks)
	})
}

// =============================================================================
// APPROVAL & MEMORY WRITE
// =============================================================================

func TestApprovalGate(t *testing.T) {
	st := newTestStages(config.DefaultOrchestrationConfig(), Collaborators{})

	s, _ := st.approvalGate(context.Background(), userState("x"))
	assert.Equal(t, state.ApprovalStatusApproved, s.ApprovalStatus)
	assert.Equal(t, autoApprovalReason, s.ApprovalReason)

	in := userState("x")
	in.SafetyStatus = state.SafetyStatusReviewRequired
	s, _ = st.approvalGate(context.Background(), in)
	assert.True(t, s.RequiresApproval)
	assert.Equal(t, state.ApprovalStatusPending, s.ApprovalStatus)
	assert.Equal(t, "Awaiting human approval: content flagged by safety review", s.ApprovalReason)

	s.ApprovalStatus = state.ApprovalStatusRejected
	s, _ = st.approvalGate(context.Background(), s)
	assert.Equal(t, state.ApprovalStatusRejected, s.ApprovalStatus)
}

func TestMemoryWrite(t *testing.T) {
	mem := &fakeMemory{}
	st := newTestStages(config.DefaultOrchestrationConfig(), Collaborators{Memory: mem})

	in := userState("x")
	in.TenantID = "acme"
	in.Response = "answer"
	in.DetectedIntent = "general_chat"
	s, _ := st.memoryWrite(context.Background(), in)
	assert.Empty(t, s.Warnings)
	require.Len(t, mem.records, 1)
	rec := mem.records[0]
	assert.Equal(t, "acme", rec.TenantID)
	assert.Equal(t, []string{"conversation", "general_chat"}, rec.Tags)
	assert.Equal(t, 5, rec.Importance)

	s, _ = st.memoryWrite(context.Background(), userState("x"))
	assert.Equal(t, []string{"No response to persist"}, s.Warnings)

	st = newTestStages(config.DefaultOrchestrationConfig(), Collaborators{})
	in = userState("x")
	in.Response = "answer"
	s, _ = st.memoryWrite(context.Background(), in)
	assert.Len(t, s.Warnings, 1)
}

// =============================================================================
// ROUTES
// =============================================================================

func TestRoutes(t *testing.T) {
	s := userState("x")
	assert.Equal(t, RouteReject, routeAfterAuth(s))
	s.AuthStatus = state.AuthStatusAuthenticated
	assert.Equal(t, RouteContinue, routeAfterAuth(s))

	s.SafetyStatus = state.SafetyStatusUnsafe
	assert.Equal(t, RouteReject, routeAfterSafety(s))
	s.SafetyStatus = state.SafetyStatusReviewRequired
	assert.Equal(t, RouteReview, routeAfterSafety(s))
	assert.Equal(t, RouteReview, routeAfterSynth(s))

	s.SafetyStatus = state.SafetyStatusSafe
	assert.Equal(t, RouteContinue, routeAfterSafety(s))
	assert.Equal(t, RouteApprove, routeAfterSynth(s))

	assert.Equal(t, RoutePending, routeAfterApproval(s))
	s.ApprovalStatus = state.ApprovalStatusApproved
	assert.Equal(t, RouteApproved, routeAfterApproval(s))
	s.ApprovalStatus = state.ApprovalStatusRejected
	assert.Equal(t, RouteRejected, routeAfterApproval(s))
}
