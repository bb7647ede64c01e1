package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
)

// RunStatus is the lifecycle status of a thread.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSuspended RunStatus = "suspended"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

var (
	// ErrNoCheckpoint is returned when a thread has no saved checkpoint.
	ErrNoCheckpoint = errors.New("no checkpoint for thread")
	// ErrNotSuspended is returned when resuming a thread that is not suspended.
	ErrNotSuspended = errors.New("thread is not suspended")
	// ErrCheckpointingDisabled is returned by resume operations on a graph
	// compiled without a checkpointer.
	ErrCheckpointingDisabled = errors.New("checkpointing disabled")
)

// Checkpoint is the persisted position of one thread.
type Checkpoint struct {
	ThreadID  string
	NextNode  string
	Status    RunStatus
	State     *state.State
	Step      int
	UpdatedAt time.Time
}

// Checkpointer persists checkpoints keyed by thread ID.
type Checkpointer interface {
	Put(ctx context.Context, cp *Checkpoint) error
	// Get returns ErrNoCheckpoint when the thread is unknown.
	Get(ctx context.Context, threadID string) (*Checkpoint, error)
	Delete(ctx context.Context, threadID string) error
}

// =============================================================================
// MEMORY SAVER
// =============================================================================

type storedCheckpoint struct {
	nextNode  string
	status    RunStatus
	state     []byte
	step      int
	updatedAt time.Time
}

// MemorySaver keeps checkpoints in process memory. States are stored
// serialized so callers never share a live State with the saver.
type MemorySaver struct {
	mu      sync.RWMutex
	threads map[string]storedCheckpoint
}

// NewMemorySaver creates an empty MemorySaver.
func NewMemorySaver() *MemorySaver {
	return &MemorySaver{threads: make(map[string]storedCheckpoint)}
}

// Put stores cp, replacing any previous checkpoint for the thread.
func (m *MemorySaver) Put(_ context.Context, cp *Checkpoint) error {
	data, err := cp.State.Marshal()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[cp.ThreadID] = storedCheckpoint{
		nextNode:  cp.NextNode,
		status:    cp.Status,
		state:     data,
		step:      cp.Step,
		updatedAt: cp.UpdatedAt,
	}
	return nil
}

// Get loads the checkpoint for threadID.
func (m *MemorySaver) Get(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.RLock()
	stored, ok := m.threads[threadID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNoCheckpoint
	}
	s, err := state.Unmarshal(stored.state)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		ThreadID:  threadID,
		NextNode:  stored.nextNode,
		Status:    stored.status,
		State:     s,
		Step:      stored.step,
		UpdatedAt: stored.updatedAt,
	}, nil
}

// Delete removes the checkpoint for threadID.
func (m *MemorySaver) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	return nil
}

// Len returns the number of stored threads.
func (m *MemorySaver) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.threads)
}
