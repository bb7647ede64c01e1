package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/observability"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
)

var tracer = otel.Tracer("karen/runtime")

// StageOutput is emitted after each node during streaming. The final output
// has Stage == End and carries the run status and any error.
type StageOutput struct {
	Stage  string
	State  *state.State
	Status RunStatus
	Err    error
}

// Result is the outcome of a batch run.
type Result struct {
	State    *state.State
	Status   RunStatus
	NextNode string
	Steps    int
}

// CompiledGraph is an immutable, executable graph. It is safe for concurrent
// use by multiple threads with distinct thread IDs.
type CompiledGraph struct {
	name          string
	nodes         map[string]NodeFunc
	order         []string
	edges         map[string]string
	conditional   map[string]*conditionalEdge
	entry         string
	maxNodeVisits int
	checkpointer  Checkpointer
	logger        logging.Logger
}

// Name returns the graph name.
func (c *CompiledGraph) Name() string {
	return c.name
}

// Nodes returns node names in registration order.
func (c *CompiledGraph) Nodes() []string {
	return append([]string{}, c.order...)
}

// Entry returns the entry node.
func (c *CompiledGraph) Entry() string {
	return c.entry
}

// Successors returns every node reachable in one step from node, including
// suspension targets, in no particular order.
func (c *CompiledGraph) Successors(node string) []string {
	if to, ok := c.edges[node]; ok {
		return []string{to}
	}
	edge, ok := c.conditional[node]
	if !ok {
		return nil
	}
	seen := make(map[string]bool, len(edge.targets))
	out := make([]string, 0, len(edge.targets))
	for _, target := range edge.targets {
		if !seen[target.Node] {
			seen[target.Node] = true
			out = append(out, target.Node)
		}
	}
	return out
}

// Checkpointing reports whether the graph persists checkpoints.
func (c *CompiledGraph) Checkpointing() bool {
	return c.checkpointer != nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// Run executes the graph from the entry node to End or a suspension point.
// An empty threadID disables persistence for this run.
func (c *CompiledGraph) Run(ctx context.Context, threadID string, s *state.State) (*Result, error) {
	return c.execute(ctx, threadID, s, c.entry, 0, nil)
}

// Stream executes the graph and emits a StageOutput per executed node,
// followed by an End marker. The channel is closed after the marker.
func (c *CompiledGraph) Stream(ctx context.Context, threadID string, s *state.State) <-chan StageOutput {
	return c.stream(ctx, func(emit func(StageOutput) bool) (*Result, error) {
		return c.execute(ctx, threadID, s, c.entry, 0, emit)
	})
}

// Resume continues a suspended thread from its checkpointed next node.
// mutate, if non-nil, is applied to the restored state before execution.
func (c *CompiledGraph) Resume(ctx context.Context, threadID string, mutate func(*state.State)) (*Result, error) {
	cp, err := c.loadSuspended(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cp.State)
	}
	c.logger.Info("graph_resumed", "thread_id", threadID, "next_node", cp.NextNode, "step", cp.Step)
	return c.execute(ctx, threadID, cp.State, cp.NextNode, cp.Step, nil)
}

// ResumeStream is the streaming variant of Resume. Load errors are reported
// on the End marker.
func (c *CompiledGraph) ResumeStream(ctx context.Context, threadID string, mutate func(*state.State)) <-chan StageOutput {
	return c.stream(ctx, func(emit func(StageOutput) bool) (*Result, error) {
		cp, err := c.loadSuspended(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if mutate != nil {
			mutate(cp.State)
		}
		c.logger.Info("graph_resumed", "thread_id", threadID, "next_node", cp.NextNode, "step", cp.Step)
		return c.execute(ctx, threadID, cp.State, cp.NextNode, cp.Step, emit)
	})
}

// Checkpoint returns the saved checkpoint for threadID.
func (c *CompiledGraph) Checkpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	if c.checkpointer == nil {
		return nil, ErrCheckpointingDisabled
	}
	return c.checkpointer.Get(ctx, threadID)
}

// UpdateCheckpoint applies mutate to the checkpointed state of threadID
// without running any node.
func (c *CompiledGraph) UpdateCheckpoint(ctx context.Context, threadID string, mutate func(*state.State)) (*Checkpoint, error) {
	cp, err := c.Checkpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}
	mutate(cp.State)
	cp.UpdatedAt = time.Now().UTC()
	if err := c.checkpointer.Put(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (c *CompiledGraph) loadSuspended(ctx context.Context, threadID string) (*Checkpoint, error) {
	cp, err := c.Checkpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp.Status != StatusSuspended {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotSuspended, threadID, cp.Status)
	}
	return cp, nil
}

func (c *CompiledGraph) stream(ctx context.Context, run func(emit func(StageOutput) bool) (*Result, error)) <-chan StageOutput {
	out := make(chan StageOutput, len(c.order)+1)

	emit := func(o StageOutput) bool {
		select {
		case out <- o:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		res, err := run(emit)
		end := StageOutput{Stage: End, Err: err, Status: StatusFailed}
		if res != nil {
			end.State = res.State
			end.Status = res.Status
		}
		// Prefer the buffer so the marker survives a cancelled consumer.
		select {
		case out <- end:
		default:
			emit(end)
		}
	}()
	return out
}

// execute is the core loop shared by batch, streaming and resume paths.
func (c *CompiledGraph) execute(ctx context.Context, threadID string, s *state.State, start string, step int, emit func(StageOutput) bool) (*Result, error) {
	if s == nil {
		return nil, errors.New("nil state")
	}
	persist := c.checkpointer != nil && threadID != ""
	visits := make(map[string]int)
	node := start
	startTime := time.Now()

	c.logger.Debug("graph_started", "thread_id", threadID, "start", start)

	for node != End {
		if err := ctx.Err(); err != nil {
			c.logger.Info("graph_cancelled", "thread_id", threadID, "node", node, "reason", err.Error())
			c.persist(ctx, persist, threadID, node, StatusFailed, s, step)
			return &Result{State: s, Status: StatusFailed, NextNode: node, Steps: step}, err
		}

		visits[node]++
		if visits[node] > c.maxNodeVisits {
			c.logger.Warn("node_visit_limit_exceeded", "thread_id", threadID, "node", node, "limit", c.maxNodeVisits)
			c.persist(ctx, persist, threadID, node, StatusFailed, s, step)
			return &Result{State: s, Status: StatusFailed, NextNode: node, Steps: step},
				fmt.Errorf("%w: %s visited more than %d times", ErrMaxNodeVisits, node, c.maxNodeVisits)
		}

		next, err := c.runNode(ctx, node, s)
		if err != nil {
			c.persist(ctx, persist, threadID, node, StatusFailed, s, step)
			return &Result{State: s, Status: StatusFailed, NextNode: node, Steps: step}, err
		}
		s = next
		step++

		target, err := c.nextTarget(node, s)
		if err != nil {
			c.persist(ctx, persist, threadID, node, StatusFailed, s, step)
			return &Result{State: s, Status: StatusFailed, NextNode: node, Steps: step}, err
		}

		if emit != nil {
			emit(StageOutput{Stage: node, State: s.Clone(), Status: StatusRunning})
		}

		if target.Suspend {
			observability.RecordSuspension(c.name, target.Node)
			c.logger.Info("graph_suspended", "thread_id", threadID, "after", node, "resume_at", target.Node)
			c.persist(ctx, persist, threadID, target.Node, StatusSuspended, s, step)
			return &Result{State: s, Status: StatusSuspended, NextNode: target.Node, Steps: step}, nil
		}

		node = target.Node
		status := StatusRunning
		if node == End {
			status = StatusCompleted
		}
		c.persist(ctx, persist, threadID, node, status, s, step)
	}

	c.logger.Debug("graph_completed",
		"thread_id", threadID,
		"steps", step,
		"duration_ms", int(time.Since(startTime).Milliseconds()),
	)
	return &Result{State: s, Status: StatusCompleted, NextNode: End, Steps: step}, nil
}

// runNode executes one node inside a span, recovering panics as errors.
func (c *CompiledGraph) runNode(ctx context.Context, node string, s *state.State) (out *state.State, err error) {
	ctx, span := tracer.Start(ctx, "graph.node",
		trace.WithAttributes(
			attribute.String("karen.graph.name", c.name),
			attribute.String("karen.graph.node", node),
			attribute.String("karen.session.id", s.SessionID),
		),
	)
	defer span.End()

	startTime := time.Now()

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("node %s panicked: %v", node, r)
		}

		durationMS := int(time.Since(startTime).Milliseconds())
		span.SetAttributes(attribute.Int("duration_ms", durationMS))
		if err != nil {
			observability.RecordStageExecution(c.name, node, "error", durationMS)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Error("node_error", "node", node, "session_id", s.SessionID, "error", err.Error(), "duration_ms", durationMS)
			return
		}
		observability.RecordStageExecution(c.name, node, "success", durationMS)
		span.SetStatus(codes.Ok, "success")
		c.logger.Debug("node_completed", "node", node, "session_id", s.SessionID, "duration_ms", durationMS)
	}()

	out, err = c.nodes[node](ctx, s)
	if err == nil && out == nil {
		err = fmt.Errorf("node %s returned no state", node)
	}
	return out, err
}

func (c *CompiledGraph) nextTarget(node string, s *state.State) (Target, error) {
	if to, ok := c.edges[node]; ok {
		return Goto(to), nil
	}
	edge := c.conditional[node]
	label := edge.route(s)
	target, ok := edge.targets[label]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s from %s", ErrUnknownRoute, label, node)
	}
	return target, nil
}

func (c *CompiledGraph) persist(ctx context.Context, enabled bool, threadID, next string, status RunStatus, s *state.State, step int) {
	if !enabled {
		return
	}
	// Persist even when the run context is done so failures stay inspectable.
	saveCtx := ctx
	if ctx.Err() != nil {
		saveCtx = context.WithoutCancel(ctx)
	}
	err := c.checkpointer.Put(saveCtx, &Checkpoint{
		ThreadID:  threadID,
		NextNode:  next,
		Status:    status,
		State:     s,
		Step:      step,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Warn("checkpoint_persist_error", "thread_id", threadID, "error", err.Error())
	}
}

// IsGraphError reports whether err originates from graph execution control
// rather than a node.
func IsGraphError(err error) bool {
	var ge *GraphError
	return errors.As(err, &ge) || errors.Is(err, ErrUnknownRoute) || errors.Is(err, ErrMaxNodeVisits)
}
