package orchestrator

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
)

func TestSlotStaticValueWins(t *testing.T) {
	var calls int
	slot := NewSlot[AuthProvider]("auth", &fakeAuth{}, func() (AuthProvider, error) {
		calls++
		return &fakeAuth{}, nil
	}, nil)

	_, ok := slot.Get()
	assert.True(t, ok)
	assert.Zero(t, calls)
	assert.Equal(t, SlotResolved, slot.Status())
}

func TestSlotResolvesOnce(t *testing.T) {
	var calls atomic.Int32
	slot := NewSlot[ToolExecutor]("tools", nil, func() (ToolExecutor, error) {
		calls.Add(1)
		return fakeTools{}, nil
	}, logging.Nop())
	assert.Equal(t, SlotUnresolved, slot.Status())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := slot.Get()
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestSlotCachesFailure(t *testing.T) {
	tests := []struct {
		name    string
		resolve func() (MemoryStore, error)
	}{
		{"error", func() (MemoryStore, error) { return nil, errors.New("no db") }},
		{"nil value", func() (MemoryStore, error) { return nil, nil }},
		{"typed nil", func() (MemoryStore, error) { return (*fakeMemory)(nil), nil }},
		{"panic", func() (MemoryStore, error) { panic("init crashed") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			slot := NewSlot[MemoryStore]("memory", nil, func() (MemoryStore, error) {
				calls++
				return tt.resolve()
			}, nil)

			for i := 0; i < 3; i++ {
				v, ok := slot.Get()
				assert.False(t, ok)
				assert.Nil(t, v)
			}
			assert.Equal(t, 1, calls)
			assert.Equal(t, SlotFailed, slot.Status())
		})
	}
}

func TestResolverStatus(t *testing.T) {
	r := NewResolver(Collaborators{
		Auth:         &fakeAuth{},
		ResolveTools: func() (ToolExecutor, error) { return fakeTools{}, nil },
	}, nil)

	assert.Equal(t, map[string]SlotStatus{
		"auth":    SlotResolved,
		"context": SlotAbsent,
		"memory":  SlotAbsent,
		"tools":   SlotUnresolved,
	}, r.Status())

	_, ok := r.Context.Get()
	assert.False(t, ok)
	assert.Equal(t, SlotAbsent, r.Context.Status())
}
