package streaming

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/observability"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadWait  = 60 * time.Second
)

// NewUpgrader returns the WebSocket upgrader. With no allowed origins every
// origin is accepted.
func NewUpgrader(allowedOrigins ...string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return allowed[r.Header.Get("Origin")]
		},
	}
}

// HandleWebSocket upgrades the request and serves one turn over it.
func (m *Manager) HandleWebSocket(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}
	defer conn.Close()
	return m.ServeWebSocket(r.Context(), conn, r.URL.Query().Get("session_id"))
}

// ServeWebSocket sends the connection frame, reads one Request frame and
// streams the turn's events back as JSON frames. The connection is closed
// normally after the last event; the caller still owns conn.
func (m *Manager) ServeWebSocket(ctx context.Context, conn *websocket.Conn, sessionID string) error {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := m.logger.Bind("session_id", sessionID)

	hello := ConnectionFrame{
		Type:      "connection",
		Status:    "connected",
		SessionID: sessionID,
		Timestamp: timestamp(m.now()),
	}
	if err := m.writeFrame(conn, hello); err != nil {
		return fmt.Errorf("failed to send connection frame: %w", err)
	}

	var req Request
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
	if err := conn.ReadJSON(&req); err != nil {
		logger.Warn("ws_read_failed", "error", err.Error())
		_ = m.writeFrame(conn, m.errorEvent(fmt.Sprintf("invalid request: %v", err)))
		return m.closeNormal(conn)
	}
	if req.SessionID == "" {
		req.SessionID = sessionID
	}
	if err := req.Validate(); err != nil {
		_ = m.writeFrame(conn, m.errorEvent(err.Error()))
		return m.closeNormal(conn)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sent := 0
	for ev := range m.Events(ctx, req) {
		if err := m.writeFrame(conn, ev); err != nil {
			logger.Warn("ws_write_failed", "error", err.Error(), "events", sent)
			return err
		}
		observability.RecordStreamEvent("websocket", string(ev.Type))
		sent++
	}
	logger.Debug("ws_completed", "events", sent)
	return m.closeNormal(conn)
}

func (m *Manager) writeFrame(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}

func (m *Manager) closeNormal(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
