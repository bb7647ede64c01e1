package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/config"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/runtime"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
)

// ErrorStage is the stage name of the streaming error sentinel chunk.
const ErrorStage = "error"

// ErrInvalidDecision is returned for approval decisions that are neither
// approved nor rejected.
var ErrInvalidDecision = errors.New("approval decision must be approved or rejected")

// StageChunk is one streaming item: the stage that just ran and the part of
// the state it owns.
type StageChunk struct {
	Stage string         `json:"stage"`
	Data  map[string]any `json:"data"`
}

// ApprovalDecision is a human verdict on a suspended session.
type ApprovalDecision struct {
	Status   state.ApprovalStatus `json:"status"`
	Reason   string               `json:"reason,omitempty"`
	Reviewer string               `json:"reviewer,omitempty"`
}

// Validate validates the decision.
func (d ApprovalDecision) Validate() error {
	if !d.Status.IsDecided() {
		return fmt.Errorf("%w: got %q", ErrInvalidDecision, d.Status)
	}
	return nil
}

func (d ApprovalDecision) apply(s *state.State) {
	s.ApprovalStatus = d.Status
	s.ApprovalReason = d.Reason
	if s.ApprovalReason == "" {
		if d.Status == state.ApprovalStatusApproved {
			s.ApprovalReason = "Approved by reviewer"
		} else {
			s.ApprovalReason = "Rejected by reviewer"
		}
	}
	if d.Reviewer != "" {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any)
		}
		s.Metadata["approval_reviewer"] = d.Reviewer
	}
}

// =============================================================================
// OPTIONS
// =============================================================================

type processOptions struct {
	sessionID    string
	tenantID     string
	token        string
	userSettings map[string]any
	metadata     map[string]any
}

// ProcessOption configures one Process or StreamProcess call.
type ProcessOption func(*processOptions)

// WithSessionID sets the session id. Reusing a session id continues a
// suspended session when checkpointing is enabled.
func WithSessionID(id string) ProcessOption {
	return func(o *processOptions) { o.sessionID = id }
}

// WithTenantID sets the tenant used when the identity carries none.
func WithTenantID(id string) ProcessOption {
	return func(o *processOptions) { o.tenantID = id }
}

// WithToken passes a bearer token to auth_gate.
func WithToken(token string) ProcessOption {
	return func(o *processOptions) { o.token = token }
}

// WithUserSettings passes user settings to the context builder and router.
func WithUserSettings(settings map[string]any) ProcessOption {
	return func(o *processOptions) { o.userSettings = settings }
}

// WithMetadata attaches caller metadata to the state.
func WithMetadata(md map[string]any) ProcessOption {
	return func(o *processOptions) { o.metadata = md }
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCheckpointerFactory sets how a checkpoint store is created on every
// graph build. The default is an in-memory saver.
func WithCheckpointerFactory(f func() (runtime.Checkpointer, error)) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.newCheckpointer = f
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs conversations through the stage graph. It is safe for
// concurrent use. A configuration change only affects invocations started
// after it; running ones keep the graph they captured.
type Orchestrator struct {
	collab          Collaborators
	resolver        *Resolver
	telemetry       *Telemetry
	logger          logging.Logger
	newCheckpointer func() (runtime.Checkpointer, error)
	now             func() time.Time

	configMu sync.RWMutex
	cfg      config.OrchestrationConfig
	graph    *runtime.CompiledGraph
}

// New validates cfg and builds the graph.
func New(cfg config.OrchestrationConfig, collab Collaborators, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestration config: %w", err)
	}

	o := &Orchestrator{
		collab: collab,
		logger: logging.Nop(),
		newCheckpointer: func() (runtime.Checkpointer, error) {
			return runtime.NewMemorySaver(), nil
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Bind("component", "orchestrator")
	o.resolver = NewResolver(collab, o.logger)
	o.telemetry = newTelemetry(o.now)

	graph, err := o.build(cfg)
	if err != nil {
		return nil, err
	}
	o.cfg = cfg
	o.graph = graph
	return o, nil
}

func (o *Orchestrator) build(cfg config.OrchestrationConfig) (*runtime.CompiledGraph, error) {
	var checkpointer runtime.Checkpointer
	if cfg.CheckpointEnabled {
		cp, err := o.newCheckpointer()
		if err != nil {
			return nil, fmt.Errorf("failed to create checkpointer: %w", err)
		}
		checkpointer = cp
	}
	st := &stages{
		cfg:      cfg,
		resolver: o.resolver,
		safety:   o.collab.Safety,
		intent:   o.collab.Intent,
		router:   o.collab.Router,
		logger:   o.logger,
		now:      o.now,
	}
	graph, err := buildGraph(cfg, st, checkpointer, o.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build graph: %w", err)
	}
	return graph, nil
}

func (o *Orchestrator) current() (config.OrchestrationConfig, *runtime.CompiledGraph) {
	o.configMu.RLock()
	defer o.configMu.RUnlock()
	return o.cfg, o.graph
}

// Config returns the active configuration.
func (o *Orchestrator) Config() config.OrchestrationConfig {
	cfg, _ := o.current()
	return cfg
}

// Resolver returns the collaborator resolver.
func (o *Orchestrator) Resolver() *Resolver {
	return o.resolver
}

// UpdateConfiguration applies the known keys of updates and rebuilds the
// graph and its checkpoint store. Checkpoints of the previous store are not
// carried over.
func (o *Orchestrator) UpdateConfiguration(updates map[string]any) (config.OrchestrationConfig, error) {
	o.configMu.Lock()
	defer o.configMu.Unlock()

	next, changed, err := o.cfg.ApplyUpdates(updates)
	if err != nil {
		return o.cfg, fmt.Errorf("invalid configuration update: %w", err)
	}
	if !changed {
		return o.cfg, nil
	}

	graph, err := o.build(next)
	if err != nil {
		return o.cfg, err
	}
	o.cfg = next
	o.graph = graph
	o.logger.Info("configuration_updated", "config", next.ToMap())
	return next, nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// Process runs a conversation turn to completion or to an approval
// suspension. It never panics or returns an error; failures are recorded in
// the returned state's errors.
func (o *Orchestrator) Process(ctx context.Context, messages []state.Message, userID string, opts ...ProcessOption) (final *state.State) {
	cfg, graph := o.current()
	po := applyProcessOptions(opts)
	s := o.newState(messages, userID, po, cfg.StreamingEnabled)
	final = s

	logger := o.logger.Bind("session_id", s.SessionID)
	sess := o.telemetry.Register(s.SessionID, "batch")
	errMsg := ""
	defer func() {
		if r := recover(); r != nil {
			errMsg = fmt.Sprintf("Processing error: %v", r)
			final.AddError(errMsg)
			logger.Error("process_panic", "error", errMsg)
		}
		o.telemetry.Finalize(sess, errMsg)
	}()

	runCtx, cancel := withTimeout(ctx, cfg.TimeoutSeconds)
	defer cancel()

	logger.Info("process_started", "user_id", userID, "messages", len(messages))
	threadID := threadFor(cfg, s.SessionID)

	var (
		res *runtime.Result
		err error
	)
	if cp := o.suspendedCheckpoint(runCtx, graph, threadID, po.sessionID != ""); cp != nil {
		if !cp.State.ApprovalStatus.IsDecided() {
			final = cp.State
			final.AddWarning(fmt.Sprintf("Session %s is awaiting approval", threadID))
			logger.Info("process_awaiting_approval")
			return final
		}
		res, err = graph.Resume(runCtx, threadID, nil)
	} else {
		res, err = graph.Run(runCtx, threadID, s)
	}

	if res != nil && res.State != nil {
		final = res.State
	}
	if err != nil {
		errMsg = fmt.Sprintf("Processing error: %v", err)
		final.AddError(errMsg)
		logger.Error("process_failed", "error", err.Error())
		return final
	}

	logger.Info("process_completed", "status", string(res.Status), "steps", res.Steps)
	return final
}

// StreamProcess runs a conversation turn and yields one chunk per executed
// stage. Streaming is always enabled on the state. A failure yields a single
// chunk with Stage == ErrorStage. The channel is closed when the run ends;
// callers must drain it or cancel ctx.
func (o *Orchestrator) StreamProcess(ctx context.Context, messages []state.Message, userID string, opts ...ProcessOption) <-chan StageChunk {
	out := make(chan StageChunk, len(StageOrder)+1)
	go func() {
		defer close(out)
		o.streamSession(ctx, messages, userID, applyProcessOptions(opts), out)
	}()
	return out
}

func (o *Orchestrator) streamSession(ctx context.Context, messages []state.Message, userID string, po processOptions, out chan<- StageChunk) {
	cfg, graph := o.current()
	s := o.newState(messages, userID, po, true)

	logger := o.logger.Bind("session_id", s.SessionID)
	sess := o.telemetry.Register(s.SessionID, "stream")
	errMsg := ""

	runCtx, cancel := withTimeout(ctx, cfg.TimeoutSeconds)
	defer cancel()

	send := func(c StageChunk) bool {
		select {
		case out <- c:
			return true
		case <-runCtx.Done():
			return false
		}
	}
	// sendError delivers the error sentinel after runCtx may have expired.
	// It is dropped only when the caller's ctx is done.
	sendError := func(msg string) {
		c := StageChunk{Stage: ErrorStage, Data: map[string]any{"error": msg}}
		select {
		case out <- c:
		default:
			select {
			case out <- c:
			case <-ctx.Done():
			}
		}
	}
	defer func() {
		if r := recover(); r != nil {
			errMsg = fmt.Sprintf("Streaming error: %v", r)
			logger.Error("stream_panic", "error", errMsg)
			sendError(errMsg)
		}
		o.telemetry.Finalize(sess, errMsg)
	}()

	logger.Info("stream_started", "user_id", userID, "messages", len(messages))
	threadID := threadFor(cfg, s.SessionID)

	var stream <-chan runtime.StageOutput
	if cp := o.suspendedCheckpoint(runCtx, graph, threadID, po.sessionID != ""); cp != nil {
		if !cp.State.ApprovalStatus.IsDecided() {
			cp.State.AddWarning(fmt.Sprintf("Session %s is awaiting approval", threadID))
			send(StageChunk{Stage: StageApprovalGate, Data: stagePartial(StageApprovalGate, cp.State)})
			return
		}
		stream = graph.ResumeStream(runCtx, threadID, func(st *state.State) { st.StreamingEnabled = true })
	} else {
		stream = graph.Stream(runCtx, threadID, s)
	}

	stagesSent := 0
	for output := range stream {
		if output.Stage == runtime.End {
			if output.Err != nil {
				errMsg = fmt.Sprintf("Streaming error: %v", output.Err)
				logger.Error("stream_failed", "error", output.Err.Error())
				sendError(errMsg)
			} else {
				logger.Info("stream_completed", "status", string(output.Status), "stages", stagesSent)
			}
			continue
		}
		if send(StageChunk{Stage: output.Stage, Data: stagePartial(output.Stage, output.State)}) {
			stagesSent++
		}
	}
}

// Resume applies an approval decision to a suspended session and continues
// it from approval_gate. Errors are returned only when the session cannot be
// resumed; run failures are recorded in the returned state.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, decision ApprovalDecision) (*state.State, error) {
	if err := decision.Validate(); err != nil {
		return nil, err
	}
	cfg, graph := o.current()
	cp, err := o.loadSuspended(ctx, graph, sessionID)
	if err != nil {
		return nil, err
	}

	logger := o.logger.Bind("session_id", sessionID)
	sess := o.telemetry.Register(sessionID, "resume")
	errMsg := ""
	defer func() { o.telemetry.Finalize(sess, errMsg) }()

	runCtx, cancel := withTimeout(ctx, cfg.TimeoutSeconds)
	defer cancel()

	logger.Info("resume_started", "decision", string(decision.Status))
	res, err := graph.Resume(runCtx, sessionID, decision.apply)
	final := cp.State
	if res != nil && res.State != nil {
		final = res.State
	}
	if err != nil {
		errMsg = fmt.Sprintf("Processing error: %v", err)
		final.AddError(errMsg)
		logger.Error("resume_failed", "error", err.Error())
		return final, nil
	}
	logger.Info("resume_completed", "status", string(res.Status))
	return final, nil
}

// SubmitApproval records a decision on a suspended session without running
// it. The next Process call with the same session id continues the run.
func (o *Orchestrator) SubmitApproval(ctx context.Context, sessionID string, decision ApprovalDecision) error {
	if err := decision.Validate(); err != nil {
		return err
	}
	_, graph := o.current()
	if _, err := o.loadSuspended(ctx, graph, sessionID); err != nil {
		return err
	}
	if _, err := graph.UpdateCheckpoint(ctx, sessionID, decision.apply); err != nil {
		return fmt.Errorf("failed to record approval: %w", err)
	}
	o.logger.Info("approval_submitted", "session_id", sessionID, "decision", string(decision.Status))
	return nil
}

// GetState returns the latest checkpoint of a session.
func (o *Orchestrator) GetState(ctx context.Context, sessionID string) (*runtime.Checkpoint, error) {
	_, graph := o.current()
	return graph.Checkpoint(ctx, sessionID)
}

func (o *Orchestrator) loadSuspended(ctx context.Context, graph *runtime.CompiledGraph, sessionID string) (*runtime.Checkpoint, error) {
	cp, err := graph.Checkpoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp.Status != runtime.StatusSuspended {
		return nil, fmt.Errorf("%w: %s is %s", runtime.ErrNotSuspended, sessionID, cp.Status)
	}
	return cp, nil
}

// suspendedCheckpoint returns the checkpoint of an explicitly named session
// that is waiting at approval_gate.
func (o *Orchestrator) suspendedCheckpoint(ctx context.Context, graph *runtime.CompiledGraph, threadID string, explicit bool) *runtime.Checkpoint {
	if !explicit || threadID == "" {
		return nil
	}
	cp, err := o.loadSuspended(ctx, graph, threadID)
	if err != nil {
		return nil
	}
	return cp
}

func (o *Orchestrator) newState(messages []state.Message, userID string, po processOptions, streaming bool) *state.State {
	sessionID := po.sessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("%s_%s", userID, o.now().UTC().Format(time.RFC3339Nano))
	}
	s := state.New(messages, userID, sessionID)
	s.TenantID = po.tenantID
	s.SetAuthToken(po.token)
	s.UserSettings = po.userSettings
	for k, v := range po.metadata {
		s.Metadata[k] = v
	}
	s.Metadata["request_id"] = uuid.NewString()
	s.StreamingEnabled = streaming
	return s
}

func applyProcessOptions(opts []ProcessOption) processOptions {
	var po processOptions
	for _, opt := range opts {
		opt(&po)
	}
	return po
}

func threadFor(cfg config.OrchestrationConfig, sessionID string) string {
	if !cfg.CheckpointEnabled {
		return ""
	}
	return sessionID
}

func withTimeout(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}

// =============================================================================
// RUNTIME STATUS
// =============================================================================

// RuntimeStatus combines session telemetry with the active graph shape.
type RuntimeStatus struct {
	SessionStats
	Graph         string            `json:"graph"`
	Stages        []string          `json:"stages"`
	Config        map[string]any    `json:"config"`
	Collaborators map[string]string `json:"collaborators"`
}

// RuntimeStatus reports telemetry, configuration and collaborator state.
func (o *Orchestrator) RuntimeStatus() RuntimeStatus {
	cfg, graph := o.current()

	collaborators := make(map[string]string)
	for name, status := range o.resolver.Status() {
		collaborators[name] = string(status)
	}
	injected := func(present bool) string {
		if present {
			return "injected"
		}
		return string(SlotAbsent)
	}
	collaborators["safety"] = injected(o.collab.Safety != nil)
	collaborators["intent"] = injected(o.collab.Intent != nil)
	collaborators["router"] = injected(o.collab.Router != nil)

	return RuntimeStatus{
		SessionStats:  o.telemetry.Stats(),
		Graph:         graph.Name(),
		Stages:        graph.Nodes(),
		Config:        cfg.ToMap(),
		Collaborators: collaborators,
	}
}
