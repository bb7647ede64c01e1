package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/observability"
)

// SSEDone terminates every SSE stream.
const SSEDone = "data: [DONE]\n\n"

// SetSSEHeaders sets the headers of an event stream response.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// FormatSSE frames one event as an SSE data line.
func FormatSSE(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return []byte(fmt.Sprintf("data: %s\n\n", data)), nil
}

// WriteSSE streams one turn to w as server-sent events and terminates the
// stream with SSEDone. An invalid request is reported as a single error
// event. The returned error is a write failure; the client is gone.
func (m *Manager) WriteSSE(ctx context.Context, w http.ResponseWriter, req Request) error {
	SetSSEHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	flush(w)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var events <-chan Event
	if err := req.Validate(); err != nil {
		ch := make(chan Event, 1)
		ch <- m.errorEvent(err.Error())
		close(ch)
		events = ch
	} else {
		events = m.Events(ctx, req)
	}

	sent := 0
	for ev := range events {
		frame, err := FormatSSE(ev)
		if err != nil {
			m.logger.Warn("sse_encode_failed", "error", err.Error())
			continue
		}
		if _, err := w.Write(frame); err != nil {
			m.logger.Warn("sse_write_failed", "error", err.Error(), "events", sent)
			return err
		}
		flush(w)
		observability.RecordStreamEvent("sse", string(ev.Type))
		sent++
	}

	if _, err := fmt.Fprint(w, SSEDone); err != nil {
		return err
	}
	flush(w)
	m.logger.Debug("sse_completed", "user_id", req.UserID, "events", sent)
	return nil
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
