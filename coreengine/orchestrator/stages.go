package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/config"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/observability"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/typeutil"
)

const (
	fallbackProvider = "fallback"
	fallbackModel    = "kari-fallback-v1"

	defaultTenant = "default"

	noMessageResponse = "I didn't receive a message. How can I help you today?"
	fallbackResponse  = "I'm sorry, I couldn't generate a response right now. Please try again."

	autoApprovalReason = "Policy auto-approval"
)

// stages binds the ten stage functions to one configuration and collaborator
// set. A new stages value is built on every graph rebuild.
type stages struct {
	cfg      config.OrchestrationConfig
	resolver *Resolver
	safety   SafetyClassifier
	intent   IntentAnalyzer
	router   ModelRouter
	logger   logging.Logger
	now      func() time.Time
}

// =============================================================================
// AUTH GATE
// =============================================================================

func (st *stages) authGate(ctx context.Context, s *state.State) (*state.State, error) {
	provider, ok := st.resolver.Auth.Get()
	if !ok {
		if s.UserID == "" {
			s.AuthStatus = state.AuthStatusFailed
			s.AddError("Authentication required: no user identity provided")
			return s, nil
		}
		// Degraded identity never carries more than the base role.
		st.applyUser(s, &User{UserID: s.UserID, Roles: []string{"user"}, IsActive: true}, "degraded")
		s.UserProfile.Degraded = true
		s.AddWarning("Auth provider unavailable; using degraded user profile")
		return s, nil
	}

	token := s.AuthToken()
	var (
		user   *User
		err    error
		method string
	)
	switch {
	case token != "":
		method = "token"
		user, err = provider.ValidateToken(ctx, token)
	case s.UserID != "":
		method = "user_lookup"
		user, err = provider.GetUser(ctx, s.UserID)
	default:
		s.AuthStatus = state.AuthStatusFailed
		s.AddError("Authentication required: no user identity provided")
		return s, nil
	}

	if err != nil {
		st.logger.Warn("auth_gate_error", "session_id", s.SessionID, "error", err.Error())
		s.AuthStatus = state.AuthStatusFailed
		s.AddError(fmt.Sprintf("Authentication error: %v", err))
		return s, nil
	}
	if user == nil {
		s.AuthStatus = state.AuthStatusFailed
		s.AddError("Authentication failed: identity could not be resolved")
		return s, nil
	}

	st.applyUser(s, user, method)
	return s, nil
}

func (st *stages) applyUser(s *state.State, user *User, method string) {
	if s.UserID == "" {
		s.UserID = user.UserID
	}

	tenant := user.TenantID
	if tenant == "" {
		tenant = s.TenantID
	}
	if tenant == "" {
		tenant = defaultTenant
	}
	s.TenantID = tenant

	roles := append([]string{}, user.Roles...)
	s.AuthStatus = state.AuthStatusAuthenticated
	s.UserPermissions = permissionsFor(roles, user.IsActive)
	s.UserProfile = &state.UserProfile{
		UserID:      user.UserID,
		Email:       user.Email,
		Roles:       roles,
		TenantID:    tenant,
		IsActive:    user.IsActive,
		Preferences: user.Preferences,
	}
	s.AuthContext = map[string]any{
		"has_token":         s.AuthToken() != "",
		"validation_method": method,
		"validated_at":      st.now().UTC().Format(time.RFC3339),
	}
}

func permissionsFor(roles []string, active bool) map[string]bool {
	has := func(names ...string) bool {
		for _, r := range roles {
			for _, n := range names {
				if r == n {
					return true
				}
			}
		}
		return false
	}
	return map[string]bool{
		"chat":             active,
		"tools":            has("admin", "developer", "power_user"),
		"model_management": has("admin"),
		"analytics":        has("admin", "analyst"),
	}
}

// =============================================================================
// SAFETY GATE
// =============================================================================

func (st *stages) safetyGate(ctx context.Context, s *state.State) (*state.State, error) {
	if !s.HasMessages() || !st.cfg.ContentFiltering {
		s.SafetyStatus = state.SafetyStatusSafe
		return s, nil
	}
	if st.safety == nil {
		s.SafetyStatus = state.SafetyStatusSafe
		s.AddWarning("Safety classifier unavailable; content was not screened")
		return s, nil
	}

	result, err := st.safety.FilterSafety(ctx, s.LatestPrompt())
	if err == nil && result == nil {
		err = fmt.Errorf("classifier returned no result")
	}
	if err != nil {
		st.logger.Warn("safety_gate_error", "session_id", s.SessionID, "error", err.Error())
		s.SafetyStatus = state.SafetyStatusUnsafe
		s.AddError(fmt.Sprintf("Safety check error: %v", err))
		return s, nil
	}

	categories := append([]string{}, result.FlaggedCategories...)
	s.SafetyEvaluation = &state.SafetyEvaluation{
		IsSafe:            result.IsSafe,
		FlaggedCategories: categories,
		SafetyScore:       result.SafetyScore,
	}
	s.SafetyFlags = append([]string{}, categories...)

	switch {
	case result.IsSafe:
		s.SafetyStatus = state.SafetyStatusSafe
	case len(categories) > 0:
		s.SafetyStatus = state.SafetyStatusReviewRequired
		s.RequiresApproval = true
		s.AddWarning("Content flagged for review: " + strings.Join(categories, ", "))
	default:
		s.SafetyStatus = state.SafetyStatusUnsafe
		s.AddError("Content blocked by safety policy")
	}
	return s, nil
}

// =============================================================================
// MEMORY FETCH
// =============================================================================

func defaultMemoryContext() map[string]any {
	return map[string]any{
		"conversation_history": []any{},
		"context_summary":      "No prior context",
		"memories":             []any{},
	}
}

func (st *stages) memoryFetch(ctx context.Context, s *state.State) (*state.State, error) {
	if !s.HasMessages() {
		s.ConversationHistory = []state.HistoryEntry{}
		s.MemoryContext = defaultMemoryContext()
		return s, nil
	}

	history := make([]state.HistoryEntry, 0, len(s.Messages))
	for _, m := range s.Messages {
		role := state.NormalizeRole(string(m.Role))
		history = append(history, state.HistoryEntry{Role: role, Content: m.Content, Type: role.MessageType()})
	}
	s.ConversationHistory = history

	builder, ok := st.resolver.Context.Get()
	if !ok {
		fallback := defaultMemoryContext()
		fallback["conversation_history"] = historyMaps(history)
		s.MemoryContext = fallback
		s.AddWarning("Context builder unavailable; using conversation history only")
		return s, nil
	}

	req := ContextRequest{
		UserID:    s.UserID,
		SessionID: s.SessionID,
		Prompt:    s.LatestPrompt(),
		History:   append([]state.HistoryEntry{}, history...),
		Settings:  s.UserSettings,
		Memories:  st.recall(ctx, s),
	}
	built, err := builder.BuildContext(ctx, req)
	if err != nil {
		st.logger.Warn("memory_fetch_error", "session_id", s.SessionID, "error", err.Error())
		s.MemoryContext = defaultMemoryContext()
		s.AddWarning(fmt.Sprintf("Memory fetch error: %v", err))
		return s, nil
	}
	if built == nil {
		built = defaultMemoryContext()
	}
	s.MemoryContext = built
	return s, nil
}

func (st *stages) recall(ctx context.Context, s *state.State) []map[string]any {
	store, ok := st.resolver.Memory.Get()
	if !ok {
		return nil
	}
	recaller, ok := store.(MemoryRecaller)
	if !ok {
		return nil
	}
	memories, err := recaller.RecallMemories(ctx, s.UserID, s.LatestPrompt(), 5)
	if err != nil {
		st.logger.Debug("memory_recall_error", "session_id", s.SessionID, "error", err.Error())
		return nil
	}
	return memories
}

func historyMaps(history []state.HistoryEntry) []any {
	out := make([]any, 0, len(history))
	for _, h := range history {
		out = append(out, map[string]any{"role": string(h.Role), "content": h.Content, "type": h.Type})
	}
	return out
}

// =============================================================================
// INTENT DETECT
// =============================================================================

// entityParams maps entity types to tool parameter names.
var entityParams = []struct {
	entity string
	param  string
}{
	{"location", "location"},
	{"book", "book_title"},
	{"time", "time_reference"},
}

func (st *stages) intentDetect(ctx context.Context, s *state.State) (*state.State, error) {
	if !s.HasMessages() {
		s.DetectedIntent = "unknown"
		s.IntentConfidence = 0
		s.IntentAnalysis = map[string]any{}
		s.ToolCalls = nil
		return s, nil
	}

	var result *IntentResult
	if st.intent == nil {
		s.AddWarning("Intent analyzer unavailable; defaulting to general_chat")
	} else {
		var err error
		result, err = st.intent.AnalyzeIntent(ctx, s.LatestPrompt(), map[string]any{
			"user_id":          s.UserID,
			"session_id":       s.SessionID,
			"memory_context":   s.MemoryContext,
			"history_length":   len(s.ConversationHistory),
			"safety_status":    string(s.SafetyStatus),
			"user_permissions": s.UserPermissions,
		})
		if err != nil {
			st.logger.Warn("intent_detect_error", "session_id", s.SessionID, "error", err.Error())
			s.AddWarning(fmt.Sprintf("Intent detection error: %v", err))
			result = nil
		}
	}
	if result == nil {
		result = &IntentResult{PrimaryIntent: "general_chat", Confidence: 0.5}
	}

	intent := result.PrimaryIntent
	if intent == "" {
		intent = "general_chat"
	}
	s.DetectedIntent = intent
	s.IntentConfidence = clamp01(result.Confidence)

	entities := make([]any, 0, len(result.Entities))
	for _, e := range result.Entities {
		entities = append(entities, map[string]any{"type": e.Type, "value": e.Value})
	}
	tools := make([]any, 0, len(result.SuggestedTools))
	for _, t := range result.SuggestedTools {
		tools = append(tools, t)
	}
	s.IntentAnalysis = map[string]any{
		"primary_intent":         intent,
		"confidence":             s.IntentConfidence,
		"suggested_tools":        tools,
		"entities":               entities,
		"requires_clarification": result.RequiresClarification,
	}
	s.ToolCalls = buildToolCalls(result.SuggestedTools, result.Entities)
	return s, nil
}

// buildToolCalls pairs every suggested tool with parameters taken from the
// first entity of each known type. No tools yields nil.
func buildToolCalls(tools []string, entities []Entity) []state.ToolCall {
	if len(tools) == 0 {
		return nil
	}
	params := make(map[string]any)
	for _, mapping := range entityParams {
		for _, e := range entities {
			if e.Type == mapping.entity {
				params[mapping.param] = e.Value
				break
			}
		}
	}

	calls := make([]state.ToolCall, 0, len(tools))
	for _, name := range tools {
		p := make(map[string]any, len(params))
		for k, v := range params {
			p[k] = v
		}
		calls = append(calls, state.ToolCall{ToolName: name, Parameters: p})
	}
	return calls
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// =============================================================================
// PLANNER
// =============================================================================

func (st *stages) planner(_ context.Context, s *state.State) (*state.State, error) {
	s.ExecutionPlan = buildPlan(s.DetectedIntent, s.IntentAnalysis, s.ToolCalls, s.SafetyStatus)
	return s, nil
}

// buildPlan is a pure function of the intent, analysis, tool calls and
// safety status.
func buildPlan(intent string, analysis map[string]any, calls []state.ToolCall, safety state.SafetyStatus) *state.ExecutionPlan {
	toolNames := make([]string, 0, len(calls))
	for _, c := range calls {
		toolNames = append(toolNames, c.ToolName)
	}

	plan := &state.ExecutionPlan{ToolsRequired: toolNames}
	switch intent {
	case "code_generation":
		plan.Steps = []string{"analyze_requirements", "generate_code", "validate_output"}
		plan.Complexity = state.ComplexityMedium
		plan.EstimatedTimeSeconds = 6
	case "email_compose":
		plan.Steps = []string{"gather_context", "draft_email", "review_tone"}
		plan.Complexity = state.ComplexityMedium
		plan.EstimatedTimeSeconds = 6
	case "weather_query", "time_query", "information_retrieval", "book_query":
		if len(calls) > 0 {
			plan.Steps = []string{"execute_tools", "integrate_results", "compose_answer"}
		} else {
			plan.Steps = []string{"recall_memory", "integrate_context", "compose_answer"}
		}
		plan.Complexity = state.ComplexityLow
		plan.EstimatedTimeSeconds = 4
	default:
		plan.Steps = []string{"understand_request", "generate_response"}
		plan.Complexity = state.ComplexityLow
		plan.EstimatedTimeSeconds = 2
	}

	if typeutil.SafeBoolDefault(analysis["requires_clarification"], false) {
		plan.Steps = append([]string{"request_clarification"}, plan.Steps...)
	}
	plan.RequiresHumanReview = safety == state.SafetyStatusReviewRequired
	return plan
}

// =============================================================================
// ROUTER SELECT
// =============================================================================

func (st *stages) routerSelect(ctx context.Context, s *state.State) (*state.State, error) {
	fallback := func(reason string) (*state.State, error) {
		s.SelectedProvider = fallbackProvider
		s.SelectedModel = fallbackModel
		s.RoutingReason = reason
		return s, nil
	}

	if !s.HasMessages() {
		return fallback("No messages to route; using fallback provider")
	}
	if st.router == nil {
		return fallback("Model router unavailable; using fallback provider")
	}

	selection, err := st.selectProvider(ctx, s)
	if err != nil {
		st.logger.Warn("router_select_error", "session_id", s.SessionID, "error", err.Error())
		s.AddWarning(fmt.Sprintf("Provider selection error: %v", err))
		return fallback("Provider selection failed; using fallback provider")
	}
	if selection == nil || selection.Provider == "" {
		return fallback("No provider available; using fallback provider")
	}

	s.SelectedProvider = selection.Provider
	s.SelectedModel = selection.Model
	s.RoutingReason = selection.Reason
	if s.RoutingReason == "" {
		s.RoutingReason = fmt.Sprintf("Selected %s/%s for intent %s", selection.Provider, selection.Model, s.DetectedIntent)
	}
	return s, nil
}

// selectProvider calls the router, retrying failed selections up to
// MaxRetries times while ctx is live.
func (st *stages) selectProvider(ctx context.Context, s *state.State) (*ProviderSelection, error) {
	req := chatRequest(s)
	var err error
	for attempt := 0; attempt <= st.cfg.MaxRetries; attempt++ {
		var selection *ProviderSelection
		selection, err = st.router.SelectProvider(ctx, req, s.UserSettings)
		if err == nil {
			return selection, nil
		}
		if ctx.Err() != nil {
			break
		}
		st.logger.Debug("router_select_retry", "session_id", s.SessionID, "attempt", attempt+1, "error", err.Error())
	}
	return nil, err
}

// chatRequest bundles the state a ModelRouter sees.
func chatRequest(s *state.State) ChatRequest {
	var results []state.ToolResult
	if len(s.ToolResults) > 0 {
		results = append([]state.ToolResult{}, s.ToolResults...)
	}
	return ChatRequest{
		SessionID:     s.SessionID,
		Prompt:        s.LatestPrompt(),
		Intent:        s.DetectedIntent,
		History:       append([]state.HistoryEntry{}, s.ConversationHistory...),
		Plan:          s.ExecutionPlan,
		Safety:        s.SafetyEvaluation,
		Tools:         s.ToolNames(),
		ToolResults:   results,
		MemorySummary: typeutil.SafeStringDefault(s.MemoryContext["context_summary"], ""),
		Streaming:     s.StreamingEnabled,
		Provider:      s.SelectedProvider,
		Model:         s.SelectedModel,
	}
}

// =============================================================================
// TOOL EXEC
// =============================================================================

func (st *stages) toolExec(ctx context.Context, s *state.State) (*state.State, error) {
	if len(s.ToolCalls) == 0 {
		s.ToolResults = nil
		s.ToolExecutionMetadata = &state.ToolExecutionMetadata{}
		return s, nil
	}

	executor, ok := st.resolver.Tools.Get()
	results := make([]state.ToolResult, 0, len(s.ToolCalls))
	meta := &state.ToolExecutionMetadata{}

	if !ok {
		for _, call := range s.ToolCalls {
			results = append(results, state.ToolResult{ToolName: call.ToolName, Success: false, Error: "tool executor unavailable"})
			observability.RecordToolCall(call.ToolName, "unavailable")
		}
		meta.Failed = len(results)
		s.ToolResults = results
		s.ToolExecutionMetadata = meta
		s.AddWarning(fmt.Sprintf("Tool executor unavailable; %d tool call(s) skipped", len(results)))
		return s, nil
	}

	toolCtx := map[string]any{
		"intent": s.DetectedIntent,
		"plan":   s.Partial("execution_plan")["execution_plan"],
	}
	for _, call := range s.ToolCalls {
		result := st.executeTool(ctx, executor, call, toolCtx, s)
		meta.Executed++
		if !result.Success {
			meta.Failed++
			s.AddWarning(fmt.Sprintf("Tool %s failed: %s", call.ToolName, result.Error))
		}
		results = append(results, result)
	}
	s.ToolResults = results
	s.ToolExecutionMetadata = meta
	return s, nil
}

// executeTool isolates one tool call; a failure or panic is recorded in the
// returned result.
func (st *stages) executeTool(ctx context.Context, executor ToolExecutor, call state.ToolCall, toolCtx map[string]any, s *state.State) (result state.ToolResult) {
	result.ToolName = call.ToolName
	defer func() {
		if r := recover(); r != nil {
			result = state.ToolResult{ToolName: call.ToolName, Error: fmt.Sprintf("tool panicked: %v", r)}
		}
		status := "success"
		if !result.Success {
			status = "error"
		}
		observability.RecordToolCall(call.ToolName, status)
	}()

	params := make(map[string]any, len(call.Parameters))
	for k, v := range call.Parameters {
		params[k] = v
	}
	outcome, err := executor.ExecuteTool(ctx, call.ToolName, params, toolCtx, s.UserID, s.SessionID)
	switch {
	case err != nil:
		result.Error = err.Error()
	case outcome == nil:
		result.Error = "tool returned no result"
	case !outcome.Success:
		result.Error = outcome.Error
		if result.Error == "" {
			result.Error = "tool reported failure"
		}
	default:
		result.Success = true
		result.Output = outcome.Data
	}
	return result
}

// =============================================================================
// RESPONSE SYNTH
// =============================================================================

func (st *stages) responseSynth(ctx context.Context, s *state.State) (*state.State, error) {
	var chunks []string
	status := "success"

	switch {
	case !s.HasMessages():
		status = "skipped"
	case st.router == nil:
		status = "unavailable"
		s.AddWarning("Model router unavailable; using fallback response")
	default:
		var err error
		chunks, err = st.consumeChat(ctx, s)
		if err != nil {
			status = "error"
			st.logger.Warn("response_synth_error", "session_id", s.SessionID, "error", err.Error())
			s.AddWarning(fmt.Sprintf("Response generation error: %v", err))
		}
	}

	response := strings.Join(chunks, "")
	usedFallback := strings.TrimSpace(response) == ""
	if usedFallback {
		chunks = nil
		response = fallbackResponse
		if !s.HasMessages() {
			response = noMessageResponse
		}
	}

	s.Response = response
	s.AppendMessage(state.RoleAssistant, response)
	s.ResponseMetadata = map[string]any{
		"provider":     s.SelectedProvider,
		"model":        s.SelectedModel,
		"tool_results": len(s.ToolResults),
		"chunk_count":  len(chunks),
		"fallback":     usedFallback,
	}
	if s.StreamingEnabled {
		if len(chunks) == 0 {
			chunks = []string{response}
		}
		s.StreamChunks = chunks
	}
	observability.RecordModelResponse(s.SelectedProvider, s.SelectedModel, status)
	return s, nil
}

// consumeChat drains the router's stream in order. Fragments received
// before an error are kept.
func (st *stages) consumeChat(ctx context.Context, s *state.State) ([]string, error) {
	stream, err := st.router.StreamChat(ctx, chatRequest(s), s.UserSettings)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		return nil, nil
	}

	var chunks []string
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return chunks, nil
			}
			if chunk.Err != nil {
				return chunks, chunk.Err
			}
			if chunk.Text != "" {
				chunks = append(chunks, chunk.Text)
			}
		case <-ctx.Done():
			return chunks, ctx.Err()
		}
	}
}

// =============================================================================
// APPROVAL GATE
// =============================================================================

// approvalRequired combines every source of a review requirement.
func approvalRequired(s *state.State) bool {
	return s.RequiresApproval ||
		s.SafetyStatus == state.SafetyStatusReviewRequired ||
		(s.ExecutionPlan != nil && s.ExecutionPlan.RequiresHumanReview)
}

func (st *stages) approvalGate(_ context.Context, s *state.State) (*state.State, error) {
	s.RequiresApproval = approvalRequired(s)

	// A decision supplied out of band is kept.
	if s.ApprovalStatus.IsDecided() {
		return s, nil
	}
	if !s.RequiresApproval {
		s.ApprovalStatus = state.ApprovalStatusApproved
		s.ApprovalReason = autoApprovalReason
		return s, nil
	}

	s.ApprovalStatus = state.ApprovalStatusPending
	s.ApprovalReason = "Awaiting human approval: " + approvalCause(s)
	return s, nil
}

func approvalCause(s *state.State) string {
	switch {
	case s.SafetyStatus == state.SafetyStatusReviewRequired:
		return "content flagged by safety review"
	case s.ExecutionPlan != nil && s.ExecutionPlan.RequiresHumanReview:
		return "plan requires human review"
	default:
		return "approval requested"
	}
}

// =============================================================================
// MEMORY WRITE
// =============================================================================

func (st *stages) memoryWrite(ctx context.Context, s *state.State) (*state.State, error) {
	store, ok := st.resolver.Memory.Get()
	if !ok {
		s.AddWarning("Memory store unavailable; conversation not persisted")
		return s, nil
	}
	if strings.TrimSpace(s.Response) == "" {
		s.AddWarning("No response to persist")
		return s, nil
	}

	intent := s.DetectedIntent
	if intent == "" {
		intent = "unknown"
	}
	toolExecution := map[string]any{"executed": 0, "failed": 0}
	if s.ToolExecutionMetadata != nil {
		toolExecution["executed"] = s.ToolExecutionMetadata.Executed
		toolExecution["failed"] = s.ToolExecutionMetadata.Failed
	}

	err := store.StoreMemory(ctx, MemoryRecord{
		TenantID:       s.TenantID,
		Content:        s.Response,
		UserID:         s.UserID,
		SessionID:      s.SessionID,
		ConversationID: s.SessionID,
		Tags:           []string{"conversation", intent},
		Importance:     5,
		Metadata: map[string]any{
			"provider":       s.SelectedProvider,
			"model":          s.SelectedModel,
			"intent":         intent,
			"tool_execution": toolExecution,
			"safety":         string(s.SafetyStatus),
		},
	})
	if err != nil {
		st.logger.Warn("memory_write_error", "session_id", s.SessionID, "error", err.Error())
		s.AddWarning(fmt.Sprintf("Memory write error: %v", err))
	}
	return s, nil
}
