package orchestrator

import "github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"

// Stage names.
const (
	StageAuthGate      = "auth_gate"
	StageSafetyGate    = "safety_gate"
	StageMemoryFetch   = "memory_fetch"
	StageIntentDetect  = "intent_detect"
	StagePlanner       = "planner"
	StageRouterSelect  = "router_select"
	StageToolExec      = "tool_exec"
	StageResponseSynth = "response_synth"
	StageApprovalGate  = "approval_gate"
	StageMemoryWrite   = "memory_write"
)

// StageOrder is the fixed execution order.
var StageOrder = []string{
	StageAuthGate,
	StageSafetyGate,
	StageMemoryFetch,
	StageIntentDetect,
	StagePlanner,
	StageRouterSelect,
	StageToolExec,
	StageResponseSynth,
	StageApprovalGate,
	StageMemoryWrite,
}

// stageFields lists the state fields each stage may write, by JSON name.
// errors and warnings are shared and append-only.
var stageFields = map[string][]string{
	StageAuthGate:      {"user_id", "tenant_id", "auth_status", "user_permissions", "user_profile", "auth_context"},
	StageSafetyGate:    {"safety_status", "safety_flags", "safety_evaluation", "requires_approval"},
	StageMemoryFetch:   {"memory_context", "conversation_history"},
	StageIntentDetect:  {"detected_intent", "intent_confidence", "intent_analysis", "tool_calls"},
	StagePlanner:       {"execution_plan"},
	StageRouterSelect:  {"selected_provider", "selected_model", "routing_reason"},
	StageToolExec:      {"tool_results", "tool_execution_metadata"},
	StageResponseSynth: {"response", "response_metadata", "messages", "stream_chunks"},
	StageApprovalGate:  {"requires_approval", "approval_status", "approval_reason"},
	StageMemoryWrite:   {},
}

var sharedFields = []string{"errors", "warnings"}

// StageFields returns the fields owned by stage.
func StageFields(stage string) []string {
	return append([]string{}, stageFields[stage]...)
}

// stagePartial is the streaming payload for one stage: its owned fields,
// the session id and the diagnostics lists.
func stagePartial(stage string, s *state.State) map[string]any {
	keys := make([]string, 0, len(stageFields[stage])+len(sharedFields)+1)
	keys = append(keys, "session_id")
	keys = append(keys, stageFields[stage]...)
	keys = append(keys, sharedFields...)
	return s.Partial(keys...)
}
