package orchestrator

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/observability"
)

// SlotStatus describes a resolver slot.
type SlotStatus string

const (
	SlotResolved   SlotStatus = "resolved"
	SlotFailed     SlotStatus = "failed"
	SlotUnresolved SlotStatus = "unresolved"
	SlotAbsent     SlotStatus = "absent"
)

// Slot lazily resolves one collaborator. Resolution is attempted at most
// once until it succeeds; a failure is cached and later calls return the
// zero value without retrying.
type Slot[T any] struct {
	name    string
	resolve func() (T, error)
	logger  logging.Logger

	mu       sync.Mutex
	value    T
	resolved bool
	failed   bool
}

// NewSlot creates a slot. A non-nil static value pre-fills the slot and
// resolve is never called.
func NewSlot[T any](name string, static T, resolve func() (T, error), logger logging.Logger) *Slot[T] {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Slot[T]{name: name, resolve: resolve, logger: logger}
	if !isNil(static) {
		s.value = static
		s.resolved = true
	}
	return s
}

// Get returns the collaborator and whether it is available.
func (s *Slot[T]) Get() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if s.resolved {
		return s.value, true
	}
	if s.failed || s.resolve == nil {
		return zero, false
	}

	v, err := s.safeResolve()
	if err == nil && isNil(v) {
		err = fmt.Errorf("resolver returned nil")
	}
	if err != nil {
		s.failed = true
		observability.RecordCollaboratorResolution(s.name, "failed")
		s.logger.Warn("collaborator_resolution_failed", "collaborator", s.name, "error", err.Error())
		return zero, false
	}

	s.value = v
	s.resolved = true
	observability.RecordCollaboratorResolution(s.name, "resolved")
	s.logger.Info("collaborator_resolved", "collaborator", s.name)
	return v, true
}

// Status reports the slot state without triggering resolution.
func (s *Slot[T]) Status() SlotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.resolved:
		return SlotResolved
	case s.failed:
		return SlotFailed
	case s.resolve == nil:
		return SlotAbsent
	default:
		return SlotUnresolved
	}
}

func (s *Slot[T]) safeResolve() (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolver panicked: %v", r)
		}
	}()
	return s.resolve()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// =============================================================================
// RESOLVER
// =============================================================================

// Resolver holds the lazily resolved optional collaborators shared across
// sessions. Each slot has its own lock.
type Resolver struct {
	Auth    *Slot[AuthProvider]
	Context *Slot[ContextBuilder]
	Memory  *Slot[MemoryStore]
	Tools   *Slot[ToolExecutor]
}

// NewResolver builds the slots from the collaborator set.
func NewResolver(c Collaborators, logger logging.Logger) *Resolver {
	return &Resolver{
		Auth:    NewSlot[AuthProvider]("auth", c.Auth, c.ResolveAuth, logger),
		Context: NewSlot[ContextBuilder]("context", c.Context, c.ResolveContext, logger),
		Memory:  NewSlot[MemoryStore]("memory", c.Memory, c.ResolveMemory, logger),
		Tools:   NewSlot[ToolExecutor]("tools", c.Tools, c.ResolveTools, logger),
	}
}

// Status reports every slot.
func (r *Resolver) Status() map[string]SlotStatus {
	return map[string]SlotStatus{
		"auth":    r.Auth.Status(),
		"context": r.Context.Status(),
		"memory":  r.Memory.Status(),
		"tools":   r.Tools.Status(),
	}
}
