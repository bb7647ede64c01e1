package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/config"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/runtime"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	auth   *testutil.MockAuthProvider
	safety *testutil.MockSafetyClassifier
	intent *testutil.MockIntentAnalyzer
	router *testutil.MockModelRouter
	tools  *testutil.MockToolExecutor
	memory *testutil.MockMemoryStore
	logger *testutil.MockLogger
}

func newFixture() *fixture {
	return &fixture{
		auth:   testutil.NewMockAuthProvider().WithUser("alice", true, "user"),
		safety: testutil.NewMockSafetyClassifier().WithFlag("bomb", "").WithFlag("hack", "security").WithFlag("weapon", "violence"),
		intent: testutil.NewMockIntentAnalyzer(),
		router: testutil.NewMockModelRouter(),
		tools:  testutil.NewMockToolExecutor(),
		memory: &testutil.MockMemoryStore{},
		logger: testutil.NewMockLogger(),
	}
}

func (f *fixture) collaborators() orchestrator.Collaborators {
	return orchestrator.Collaborators{
		Auth:    f.auth,
		Safety:  f.safety,
		Context: &testutil.MockContextBuilder{Summary: "prior chat"},
		Memory:  f.memory,
		Intent:  f.intent,
		Router:  f.router,
		Tools:   f.tools,
	}
}

func (f *fixture) build(t *testing.T, cfg config.OrchestrationConfig) *orchestrator.Orchestrator {
	t.Helper()
	o, err := orchestrator.New(cfg, f.collaborators(), orchestrator.WithLogger(f.logger))
	require.NoError(t, err)
	return o
}

func userMessage(text string) []state.Message {
	return []state.Message{{Role: state.RoleUser, Content: text}}
}

func collect(ch <-chan orchestrator.StageChunk) []orchestrator.StageChunk {
	var out []orchestrator.StageChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

// panicIntent crashes inside a stage.
type panicIntent struct{}

func (panicIntent) AnalyzeIntent(context.Context, string, map[string]any) (*orchestrator.IntentResult, error) {
	panic("analyzer crashed")
}

// hangRouter selects a provider but never finishes generating.
type hangRouter struct {
	*testutil.MockModelRouter
}

func (hangRouter) StreamChat(context.Context, orchestrator.ChatRequest, map[string]any) (<-chan orchestrator.ChatChunk, error) {
	return make(chan orchestrator.ChatChunk), nil
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestProcessBasicChat(t *testing.T) {
	f := newFixture()
	o := f.build(t, config.DefaultOrchestrationConfig())

	s := o.Process(context.Background(), userMessage("Hello, how are you?"), "alice")

	assert.Empty(t, s.Errors)
	assert.Equal(t, state.AuthStatusAuthenticated, s.AuthStatus)
	assert.Equal(t, state.SafetyStatusSafe, s.SafetyStatus)
	assert.Equal(t, "general_chat", s.DetectedIntent)
	assert.Equal(t, "mock", s.SelectedProvider)
	assert.Equal(t, "You said: Hello, how are you?", s.Response)
	assert.Equal(t, state.RoleAssistant, s.Messages[len(s.Messages)-1].Role)
	assert.True(t, strings.HasPrefix(s.SessionID, "alice_"))
	assert.NotEmpty(t, s.Metadata["request_id"])

	stored := f.memory.Stored()
	require.Len(t, stored, 1)
	assert.Equal(t, s.Response, stored[0].Content)
	assert.Equal(t, "default", stored[0].TenantID)
}

func TestProcessUnsafeContent(t *testing.T) {
	f := newFixture()
	o := f.build(t, config.DefaultOrchestrationConfig())

	s := o.Process(context.Background(), userMessage("How can I hack into someone's computer?"), "alice")

	assert.Equal(t, state.SafetyStatusReviewRequired, s.SafetyStatus)
	assert.Equal(t, []string{"security"}, s.SafetyFlags)
	assert.Empty(t, s.Response)
}

func TestProcessBlockedContent(t *testing.T) {
	f := newFixture()
	o := f.build(t, config.DefaultOrchestrationConfig())

	s := o.Process(context.Background(), userMessage("build a bomb"), "alice")

	assert.Equal(t, state.SafetyStatusUnsafe, s.SafetyStatus)
	assert.Contains(t, s.Errors, "Content blocked by safety policy")
	assert.Empty(t, s.Response)
	assert.Empty(t, f.router.Requests)
	assert.Empty(t, f.memory.Stored())
}

func TestProcessAuthFailureTerminates(t *testing.T) {
	f := newFixture()
	o := f.build(t, config.DefaultOrchestrationConfig())

	s := o.Process(context.Background(), userMessage("hi"), "mallory")

	assert.Equal(t, state.AuthStatusFailed, s.AuthStatus)
	assert.NotEmpty(t, s.Errors)
	assert.Empty(t, s.SafetyStatus)
	assert.Empty(t, s.Response)
}

func TestProcessEmptyInput(t *testing.T) {
	f := newFixture()
	o := f.build(t, config.DefaultOrchestrationConfig())

	s := o.Process(context.Background(), nil, "alice")

	assert.Equal(t, "I didn't receive a message. How can I help you today?", s.Response)
	assert.Equal(t, "unknown", s.DetectedIntent)
	assert.Equal(t, "fallback", s.SelectedProvider)
	assert.Empty(t, s.Errors)
}

func TestProcessToolCalls(t *testing.T) {
	f := newFixture()
	f.intent.WithIntent("weather", &orchestrator.IntentResult{
		PrimaryIntent:  "weather_query",
		Confidence:     0.9,
		SuggestedTools: []string{"weather", "broken"},
		Entities:       []orchestrator.Entity{{Type: "location", Value: "Paris"}},
	})
	f.tools.WithResult("weather", map[string]any{"temp": 21}).WithError("broken", errors.New("offline"))
	o := f.build(t, config.DefaultOrchestrationConfig())

	s := o.Process(context.Background(), userMessage("weather in Paris"), "alice")

	require.Len(t, s.ToolResults, 2)
	assert.True(t, s.ToolResults[0].Success)
	assert.False(t, s.ToolResults[1].Success)
	assert.Equal(t, 1, s.ToolExecutionMetadata.Failed)
	assert.NotEmpty(t, s.Response)
	assert.Empty(t, s.Errors)
	assert.Equal(t, "Paris", f.tools.Calls[0].Params["location"])
}

func TestProcessStageFailureIsRecorded(t *testing.T) {
	f := newFixture()
	collab := f.collaborators()
	collab.Intent = panicIntent{}
	o, err := orchestrator.New(config.DefaultOrchestrationConfig(), collab)
	require.NoError(t, err)

	s := o.Process(context.Background(), userMessage("hi"), "alice")

	require.Len(t, s.Errors, 1)
	assert.Contains(t, s.Errors[0], "Processing error:")
	assert.Contains(t, s.Errors[0], "analyzer crashed")

	stats := o.RuntimeStatus()
	assert.Equal(t, 1, stats.TotalFailed)
	require.NotNil(t, stats.LastError)
	assert.Equal(t, s.SessionID, stats.LastError.SessionID)
}

func TestProcessWithoutCollaborators(t *testing.T) {
	o, err := orchestrator.New(config.DefaultOrchestrationConfig(), orchestrator.Collaborators{})
	require.NoError(t, err)

	s := o.Process(context.Background(), userMessage("hi"), "alice")

	assert.Empty(t, s.Errors)
	assert.Equal(t, state.AuthStatusAuthenticated, s.AuthStatus)
	assert.Equal(t, "I'm sorry, I couldn't generate a response right now. Please try again.", s.Response)
	assert.NotEmpty(t, s.Warnings)
}

// =============================================================================
// STREAMING
// =============================================================================

func TestStreamProcessMatchesBatch(t *testing.T) {
	f := newFixture()
	o := f.build(t, config.DefaultOrchestrationConfig())

	chunks := collect(o.StreamProcess(context.Background(), userMessage("stream me"), "alice", orchestrator.WithSessionID("s-1")))

	var stages []string
	for _, c := range chunks {
		stages = append(stages, c.Stage)
		assert.Equal(t, "s-1", c.Data["session_id"])
	}
	assert.Equal(t, []string{
		orchestrator.StageAuthGate,
		orchestrator.StageSafetyGate,
		orchestrator.StageMemoryFetch,
		orchestrator.StageIntentDetect,
		orchestrator.StagePlanner,
		orchestrator.StageRouterSelect,
		orchestrator.StageToolExec,
		orchestrator.StageResponseSynth,
		orchestrator.StageMemoryWrite,
	}, stages)

	synth := chunks[7].Data
	var joined strings.Builder
	for _, part := range synth["stream_chunks"].([]any) {
		joined.WriteString(part.(string))
	}
	assert.Equal(t, synth["response"], joined.String())
	assert.Equal(t, "You said: stream me", joined.String())
	assert.NotContains(t, synth, "detected_intent")

	batch := f.build(t, config.DefaultOrchestrationConfig()).
		Process(context.Background(), userMessage("stream me"), "alice")
	assert.Equal(t, batch.Response, synth["response"])
}

func TestStreamProcessErrorChunk(t *testing.T) {
	f := newFixture()
	collab := f.collaborators()
	collab.Intent = panicIntent{}
	o, err := orchestrator.New(config.DefaultOrchestrationConfig(), collab)
	require.NoError(t, err)

	chunks := collect(o.StreamProcess(context.Background(), userMessage("hi"), "alice"))

	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.Equal(t, orchestrator.ErrorStage, last.Stage)
	assert.Contains(t, last.Data["error"], "Streaming error:")
	assert.Equal(t, 1, o.RuntimeStatus().TotalFailed)
}

func TestStreamProcessTimeoutErrorChunk(t *testing.T) {
	f := newFixture()
	collab := f.collaborators()
	collab.Router = hangRouter{f.router}
	cfg := config.DefaultOrchestrationConfig()
	cfg.TimeoutSeconds = 1
	o, err := orchestrator.New(cfg, collab)
	require.NoError(t, err)

	const runs = 8
	results := make([][]orchestrator.StageChunk, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = collect(o.StreamProcess(context.Background(), userMessage("hi"), "alice"))
		}(i)
	}
	wg.Wait()

	for i, chunks := range results {
		require.NotEmpty(t, chunks, "run %d", i)
		last := chunks[len(chunks)-1]
		assert.Equal(t, orchestrator.ErrorStage, last.Stage, "run %d", i)
		assert.Contains(t, last.Data["error"], "deadline exceeded", "run %d", i)
	}
	assert.Equal(t, runs, o.RuntimeStatus().TotalFailed)
}

func TestStreamProcessCancelled(t *testing.T) {
	f := newFixture()
	f.router.Delay = 50 * time.Millisecond
	o := f.build(t, config.DefaultOrchestrationConfig())

	ctx, cancel := context.WithCancel(context.Background())
	ch := o.StreamProcess(ctx, userMessage("a long answer please"), "alice")
	<-ch
	cancel()
	for range ch {
	}

	assert.Eventually(t, func() bool {
		return o.RuntimeStatus().ActiveSessions == 0
	}, time.Second, 10*time.Millisecond)
}

// =============================================================================
// APPROVAL
// =============================================================================

func TestApprovalSuspendAndResume(t *testing.T) {
	f := newFixture()
	o := f.build(t, config.DefaultOrchestrationConfig())
	ctx := context.Background()

	s := o.Process(ctx, userMessage("tell me about a weapon"), "alice", orchestrator.WithSessionID("review-1"))
	assert.Equal(t, state.SafetyStatusReviewRequired, s.SafetyStatus)
	assert.Equal(t, state.ApprovalStatusPending, s.ApprovalStatus)
	assert.True(t, s.RequiresApproval)

	cp, err := o.GetState(ctx, "review-1")
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusSuspended, cp.Status)
	assert.Equal(t, orchestrator.StageApprovalGate, cp.NextNode)

	again := o.Process(ctx, userMessage("tell me about a weapon"), "alice", orchestrator.WithSessionID("review-1"))
	assert.Contains(t, again.Warnings, "Session review-1 is awaiting approval")
	assert.Equal(t, state.ApprovalStatusPending, again.ApprovalStatus)

	resumed, err := o.Resume(ctx, "review-1", orchestrator.ApprovalDecision{Status: state.ApprovalStatusApproved, Reviewer: "bob"})
	require.NoError(t, err)
	assert.Equal(t, state.ApprovalStatusApproved, resumed.ApprovalStatus)
	assert.Equal(t, "Approved by reviewer", resumed.ApprovalReason)
	assert.Equal(t, "bob", resumed.Metadata["approval_reviewer"])

	cp, err = o.GetState(ctx, "review-1")
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusCompleted, cp.Status)

	_, err = o.Resume(ctx, "review-1", orchestrator.ApprovalDecision{Status: state.ApprovalStatusApproved})
	assert.ErrorIs(t, err, runtime.ErrNotSuspended)
}

func TestSubmitApprovalThenProcess(t *testing.T) {
	f := newFixture()
	o := f.build(t, config.DefaultOrchestrationConfig())
	ctx := context.Background()

	o.Process(ctx, userMessage("weapon talk"), "alice", orchestrator.WithSessionID("review-2"))

	err := o.SubmitApproval(ctx, "review-2", orchestrator.ApprovalDecision{Status: state.ApprovalStatusRejected, Reason: "policy"})
	require.NoError(t, err)

	cp, err := o.GetState(ctx, "review-2")
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusSuspended, cp.Status)
	assert.Equal(t, state.ApprovalStatusRejected, cp.State.ApprovalStatus)

	s := o.Process(ctx, userMessage("weapon talk"), "alice", orchestrator.WithSessionID("review-2"))
	assert.Equal(t, state.ApprovalStatusRejected, s.ApprovalStatus)
	assert.Equal(t, "policy", s.ApprovalReason)
	assert.Empty(t, f.memory.Stored())

	cp, err = o.GetState(ctx, "review-2")
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusCompleted, cp.Status)
}

func TestApprovalDecisionValidation(t *testing.T) {
	f := newFixture()
	o := f.build(t, config.DefaultOrchestrationConfig())

	_, err := o.Resume(context.Background(), "x", orchestrator.ApprovalDecision{Status: state.ApprovalStatusPending})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidDecision)

	err = o.SubmitApproval(context.Background(), "missing", orchestrator.ApprovalDecision{Status: state.ApprovalStatusApproved})
	assert.ErrorIs(t, err, runtime.ErrNoCheckpoint)
}

func TestApprovalGateEnabledSafeContentGoesStraightToMemory(t *testing.T) {
	f := newFixture()
	cfg := config.DefaultOrchestrationConfig()
	cfg.EnableApprovalGate = true
	o := f.build(t, cfg)

	chunks := collect(o.StreamProcess(context.Background(), userMessage("hello"), "alice"))
	last := chunks[len(chunks)-1]
	assert.Equal(t, orchestrator.StageMemoryWrite, last.Stage)
	assert.Equal(t, orchestrator.StageResponseSynth, chunks[len(chunks)-2].Stage)
	assert.Len(t, f.memory.Stored(), 1)
}

func TestApprovalGateDisabledSkipsStage(t *testing.T) {
	f := newFixture()
	o := f.build(t, config.DefaultOrchestrationConfig())

	s := o.Process(context.Background(), userMessage("hello"), "alice")
	assert.Empty(t, s.ApprovalStatus)
	assert.Len(t, f.memory.Stored(), 1)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

func TestDisabledGatesAreSkipped(t *testing.T) {
	f := newFixture()
	cfg := config.DefaultOrchestrationConfig()
	cfg.EnableAuthGate = false
	cfg.EnableSafetyGate = false
	cfg.EnableMemoryFetch = false
	o := f.build(t, cfg)

	s := o.Process(context.Background(), userMessage("hack the planet"), "nobody")

	assert.Empty(t, s.SafetyStatus)
	assert.Nil(t, s.ConversationHistory)
	assert.NotEmpty(t, s.Response)
	assert.NotContains(t, o.RuntimeStatus().Stages, orchestrator.StageSafetyGate)
}

func TestUpdateConfiguration(t *testing.T) {
	f := newFixture()
	o := f.build(t, config.DefaultOrchestrationConfig())

	next, err := o.UpdateConfiguration(map[string]any{"enable_safety_gate": false, "unknown": 1})
	require.NoError(t, err)
	assert.False(t, next.EnableSafetyGate)
	assert.False(t, o.Config().EnableSafetyGate)
	assert.NotContains(t, o.RuntimeStatus().Stages, orchestrator.StageSafetyGate)
	assert.True(t, f.logger.HasMessage("configuration_updated"))

	_, err = o.UpdateConfiguration(map[string]any{"timeout_seconds": "soon"})
	assert.Error(t, err)
	assert.False(t, o.Config().EnableSafetyGate)

	_, err = o.UpdateConfiguration(map[string]any{"max_retries": -1})
	assert.Error(t, err)
}

func TestConfigUpdateDoesNotDisturbInflightRun(t *testing.T) {
	f := newFixture()
	f.router.Delay = 20 * time.Millisecond
	o := f.build(t, config.DefaultOrchestrationConfig())

	var (
		wg       sync.WaitGroup
		inflight *state.State
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		inflight = o.Process(context.Background(), userMessage("one two three four"), "alice")
	}()

	require.Eventually(t, func() bool {
		return o.RuntimeStatus().ActiveSessions == 1
	}, time.Second, time.Millisecond)

	_, err := o.UpdateConfiguration(map[string]any{"enable_safety_gate": false})
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, state.SafetyStatusSafe, inflight.SafetyStatus)
	assert.Equal(t, "You said: one two three four", inflight.Response)

	after := o.Process(context.Background(), userMessage("hi"), "alice")
	assert.Empty(t, after.SafetyStatus)
}

func TestCheckpointingDisabled(t *testing.T) {
	f := newFixture()
	cfg := config.DefaultOrchestrationConfig()
	cfg.CheckpointEnabled = false
	o := f.build(t, cfg)

	s := o.Process(context.Background(), userMessage("weapon"), "alice", orchestrator.WithSessionID("x"))
	assert.Equal(t, state.ApprovalStatusPending, s.ApprovalStatus)

	_, err := o.GetState(context.Background(), "x")
	assert.ErrorIs(t, err, runtime.ErrCheckpointingDisabled)
}

func TestCheckpointerFactoryError(t *testing.T) {
	_, err := orchestrator.New(config.DefaultOrchestrationConfig(), orchestrator.Collaborators{},
		orchestrator.WithCheckpointerFactory(func() (runtime.Checkpointer, error) {
			return nil, errors.New("disk full")
		}))
	assert.ErrorContains(t, err, "disk full")
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := config.DefaultOrchestrationConfig()
	cfg.TimeoutSeconds = -5
	_, err := orchestrator.New(cfg, orchestrator.Collaborators{})
	assert.Error(t, err)
}

// =============================================================================
// RESOLVER & STATUS
// =============================================================================

func TestLazyCollaboratorFailureIsCached(t *testing.T) {
	calls := 0
	o, err := orchestrator.New(config.DefaultOrchestrationConfig(), orchestrator.Collaborators{
		ResolveMemory: func() (orchestrator.MemoryStore, error) {
			calls++
			return nil, errors.New("no database")
		},
	})
	require.NoError(t, err)

	first := o.Process(context.Background(), userMessage("a"), "alice")
	second := o.Process(context.Background(), userMessage("b"), "alice")

	assert.Equal(t, 1, calls)
	assert.Contains(t, first.Warnings, "Memory store unavailable; conversation not persisted")
	assert.Contains(t, second.Warnings, "Memory store unavailable; conversation not persisted")
	assert.Equal(t, "failed", o.RuntimeStatus().Collaborators["memory"])
}

func TestRuntimeStatus(t *testing.T) {
	f := newFixture()
	o := f.build(t, config.DefaultOrchestrationConfig())

	o.Process(context.Background(), userMessage("hi"), "alice")
	o.Process(context.Background(), userMessage("bomb"), "alice")

	st := o.RuntimeStatus()
	assert.Equal(t, orchestrator.GraphName, st.Graph)
	assert.Equal(t, 2, st.TotalProcessed)
	assert.Equal(t, st.TotalProcessed, st.TotalSucceeded+st.TotalFailed)
	assert.Equal(t, 2, st.LatencySamples)
	assert.Equal(t, "injected", st.Collaborators["router"])
	assert.Equal(t, "resolved", st.Collaborators["auth"])
	assert.Equal(t, true, st.Config["enable_safety_gate"])
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	f := newFixture()
	o := f.build(t, config.DefaultOrchestrationConfig())

	var wg sync.WaitGroup
	results := make([]*state.State, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prompt := strings.Repeat("x", i+1)
			results[i] = o.Process(context.Background(), userMessage(prompt), "alice")
		}(i)
	}
	wg.Wait()

	for i, s := range results {
		assert.Equal(t, "You said: "+strings.Repeat("x", i+1), s.Response)
	}
	assert.Equal(t, 20, o.RuntimeStatus().TotalProcessed)
}
