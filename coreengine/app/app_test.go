package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/config"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/runtime"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/testutil"
)

func userMessage(text string) []state.Message {
	return []state.Message{{Role: state.RoleUser, Content: text}}
}

func TestNewWithDefaults(t *testing.T) {
	a, err := New(nil, WithLogger(testutil.NewMockLogger()))
	require.NoError(t, err)
	defer a.Close()

	final := a.Orchestrator.Process(context.Background(), userMessage("What time is it?"), "alice",
		orchestrator.WithSessionID("app-1"))

	assert.Empty(t, final.Errors)
	assert.Equal(t, state.AuthStatusAuthenticated, final.AuthStatus)
	assert.Equal(t, "time_query", final.DetectedIntent)
	require.Len(t, final.ToolResults, 1)
	assert.True(t, final.ToolResults[0].Success)
	assert.Contains(t, final.Response, "I understand you said: 'What time is it?'")

	status := a.Orchestrator.RuntimeStatus()
	assert.Equal(t, "resolved", status.Collaborators["tools"])
	assert.Equal(t, "injected", status.Collaborators["router"])
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultServiceConfig()
	cfg.Checkpoint.Backend = "redis"
	_, err := New(cfg, WithLogger(testutil.NewMockLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown checkpoint backend")

	cfg = config.DefaultServiceConfig()
	cfg.Logging.Level = "loud"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestSQLiteCheckpoints(t *testing.T) {
	cfg := config.DefaultServiceConfig()
	cfg.Checkpoint.Backend = "sqlite"
	cfg.Checkpoint.SQLitePath = filepath.Join(t.TempDir(), "checkpoints.db")
	a, err := New(cfg, WithLogger(testutil.NewMockLogger()))
	require.NoError(t, err)
	defer a.Close()

	a.Orchestrator.Process(context.Background(), userMessage("Hello"), "alice", orchestrator.WithSessionID("sq-1"))

	cp, err := a.Orchestrator.GetState(context.Background(), "sq-1")
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusCompleted, cp.Status)
	assert.Equal(t, "alice", cp.State.UserID)

	// A rebuilt graph starts from an empty namespace.
	_, err = a.Orchestrator.UpdateConfiguration(map[string]any{"max_retries": 1})
	require.NoError(t, err)
	_, err = a.Orchestrator.GetState(context.Background(), "sq-1")
	assert.ErrorIs(t, err, runtime.ErrNoCheckpoint)
}

func TestWithCollaborators(t *testing.T) {
	auth := testutil.NewMockAuthProvider()
	a, err := New(nil,
		WithLogger(testutil.NewMockLogger()),
		WithCollaborators(orchestrator.Collaborators{Auth: auth, Router: testutil.NewMockModelRouter()}),
	)
	require.NoError(t, err)
	defer a.Close()

	final := a.Orchestrator.Process(context.Background(), userMessage("Hello"), "stranger")
	assert.Equal(t, state.AuthStatusFailed, final.AuthStatus)
	assert.Empty(t, final.Response)
}

func TestServers(t *testing.T) {
	a, err := New(nil, WithLogger(testutil.NewMockLogger()))
	require.NoError(t, err)
	defer a.Close()

	http, err := a.HTTPServer()
	require.NoError(t, err)
	assert.NotNil(t, http.Handler())

	g := a.GRPCServer()
	assert.Equal(t, ":50051", g.Address())
	g.GracefulStop()

	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
