package orchestrator

import (
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/config"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/runtime"
)

// GraphName names the compiled conversation graph in logs and metrics.
const GraphName = "karen_orchestration"

// buildGraph assembles the conversation graph for cfg.
//
// auth_gate always runs; when disabled it loses its reject route. Disabled
// safety_gate and memory_fetch stages are left out and their predecessor
// points at the next enabled stage. approval_gate is always present since
// the safety review route leads to it; the response_synth route to it only
// exists when the approval gate is enabled. A pending approval suspends the
// run at approval_gate.
func buildGraph(cfg config.OrchestrationConfig, st *stages, checkpointer runtime.Checkpointer, logger logging.Logger) (*runtime.CompiledGraph, error) {
	g := runtime.NewGraph(GraphName)

	g.AddNode(StageAuthGate, st.authGate)
	if cfg.EnableSafetyGate {
		g.AddNode(StageSafetyGate, st.safetyGate)
	}
	if cfg.EnableMemoryFetch {
		g.AddNode(StageMemoryFetch, st.memoryFetch)
	}
	g.AddNode(StageIntentDetect, st.intentDetect).
		AddNode(StagePlanner, st.planner).
		AddNode(StageRouterSelect, st.routerSelect).
		AddNode(StageToolExec, st.toolExec).
		AddNode(StageResponseSynth, st.responseSynth).
		AddNode(StageApprovalGate, st.approvalGate).
		AddNode(StageMemoryWrite, st.memoryWrite)

	afterSafety := StageIntentDetect
	if cfg.EnableMemoryFetch {
		afterSafety = StageMemoryFetch
	}
	afterAuth := afterSafety
	if cfg.EnableSafetyGate {
		afterAuth = StageSafetyGate
	}

	g.SetEntry(StageAuthGate)
	if cfg.EnableAuthGate {
		g.AddConditionalEdges(StageAuthGate, routeAfterAuth, map[string]runtime.Target{
			RouteContinue: runtime.Goto(afterAuth),
			RouteReject:   runtime.Goto(runtime.End),
		})
	} else {
		g.AddEdge(StageAuthGate, afterAuth)
	}

	if cfg.EnableSafetyGate {
		g.AddConditionalEdges(StageSafetyGate, routeAfterSafety, map[string]runtime.Target{
			RouteContinue: runtime.Goto(afterSafety),
			RouteReject:   runtime.Goto(runtime.End),
			RouteReview:   runtime.Goto(StageApprovalGate),
		})
	}
	if cfg.EnableMemoryFetch {
		g.AddEdge(StageMemoryFetch, StageIntentDetect)
	}

	g.AddEdge(StageIntentDetect, StagePlanner).
		AddEdge(StagePlanner, StageRouterSelect).
		AddEdge(StageRouterSelect, StageToolExec).
		AddEdge(StageToolExec, StageResponseSynth)

	if cfg.EnableApprovalGate {
		g.AddConditionalEdges(StageResponseSynth, routeAfterSynth, map[string]runtime.Target{
			RouteApprove: runtime.Goto(StageMemoryWrite),
			RouteReview:  runtime.Goto(StageApprovalGate),
		})
	} else {
		g.AddEdge(StageResponseSynth, StageMemoryWrite)
	}

	g.AddConditionalEdges(StageApprovalGate, routeAfterApproval, map[string]runtime.Target{
		RouteApproved: runtime.Goto(StageMemoryWrite),
		RouteRejected: runtime.Goto(runtime.End),
		RoutePending:  runtime.Suspend(StageApprovalGate),
	})
	g.AddEdge(StageMemoryWrite, runtime.End)

	return g.Compile(checkpointer, runtime.WithLogger(logger))
}
