package streaming

import (
	"context"
	"errors"
	"time"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
)

// ErrMissingUser is returned for requests without a user id.
var ErrMissingUser = errors.New("user_id is required")

// Processor runs a conversation turn stage by stage.
type Processor interface {
	StreamProcess(ctx context.Context, messages []state.Message, userID string, opts ...orchestrator.ProcessOption) <-chan orchestrator.StageChunk
}

// Request is one streaming conversation turn as sent by a client.
type Request struct {
	Messages     []state.Message `json:"messages"`
	UserID       string          `json:"user_id"`
	SessionID    string          `json:"session_id,omitempty"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Token        string          `json:"token,omitempty"`
	UserSettings map[string]any  `json:"user_settings,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// Validate validates the request.
func (r Request) Validate() error {
	if r.UserID == "" {
		return ErrMissingUser
	}
	return nil
}

// Options maps the request onto process options.
func (r Request) Options() []orchestrator.ProcessOption {
	opts := []orchestrator.ProcessOption{
		orchestrator.WithTenantID(r.TenantID),
		orchestrator.WithToken(r.Token),
	}
	if r.SessionID != "" {
		opts = append(opts, orchestrator.WithSessionID(r.SessionID))
	}
	if r.UserSettings != nil {
		opts = append(opts, orchestrator.WithUserSettings(r.UserSettings))
	}
	if r.Metadata != nil {
		opts = append(opts, orchestrator.WithMetadata(r.Metadata))
	}
	return opts
}

// Manager turns stage chunks into client events.
type Manager struct {
	proc   Processor
	logger logging.Logger
	now    func() time.Time
}

// NewManager creates a Manager over proc.
func NewManager(proc Processor, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		proc:   proc,
		logger: logger.Bind("component", "streaming"),
		now:    time.Now,
	}
}

// Events streams the events of one turn. The channel is closed when the
// turn ends or ctx is cancelled.
func (m *Manager) Events(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)

		chunks := m.proc.StreamProcess(ctx, req.Messages, req.UserID, req.Options()...)
		stopped := false
		for chunk := range chunks {
			if stopped {
				continue
			}
			for _, ev := range ChunkEvents(chunk, m.now()) {
				select {
				case out <- ev:
				case <-ctx.Done():
					stopped = true
				}
				if stopped {
					m.logger.Debug("stream_client_gone", "user_id", req.UserID, "stage", chunk.Stage)
					break
				}
			}
		}
	}()
	return out
}

func (m *Manager) errorEvent(msg string) Event {
	return Event{Type: EventError, Content: msg, Timestamp: timestamp(m.now())}
}
