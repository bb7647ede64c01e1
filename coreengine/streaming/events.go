// Package streaming re-frames orchestrator stage chunks for streaming
// clients: CopilotKit-style events carried over SSE or WebSocket.
package streaming

import (
	"time"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/typeutil"
)

// EventType is the kind of a streaming event.
type EventType string

const (
	EventNodeStart EventType = "node_start"
	EventNodeEnd   EventType = "node_end"
	EventMessage   EventType = "message"
	EventError     EventType = "error"
)

// Event is the CopilotKit-style envelope sent to clients.
type Event struct {
	Type      EventType      `json:"type"`
	Node      string         `json:"node,omitempty"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// ConnectionFrame is the first frame of every WebSocket connection.
type ConnectionFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ChunkEvents converts one stage chunk into events. A stage yields
// node_start and node_end, followed by a message when it produced a
// response. The error sentinel chunk yields a single error event.
func ChunkEvents(chunk orchestrator.StageChunk, now time.Time) []Event {
	ts := timestamp(now)

	if chunk.Stage == orchestrator.ErrorStage {
		return []Event{{
			Type:      EventError,
			Content:   typeutil.SafeStringDefault(chunk.Data["error"], "unknown streaming error"),
			Timestamp: ts,
		}}
	}

	errs, _ := typeutil.SafeStringSlice(chunk.Data["errors"])
	warnings, _ := typeutil.SafeStringSlice(chunk.Data["warnings"])

	events := []Event{
		{Type: EventNodeStart, Node: chunk.Stage, Timestamp: ts},
		{
			Type: EventNodeEnd,
			Node: chunk.Stage,
			Metadata: map[string]any{
				"session_id": typeutil.SafeStringDefault(chunk.Data["session_id"], ""),
				"state":      chunk.Data,
				"errors":     len(errs),
				"warnings":   len(warnings),
			},
			Timestamp: ts,
		},
	}

	response := typeutil.SafeStringDefault(chunk.Data["response"], "")
	if response == "" {
		return events
	}

	md := map[string]any{}
	if provider, ok := typeutil.GetNestedString(chunk.Data, "response_metadata.provider"); ok {
		md["provider"] = provider
	}
	if model, ok := typeutil.GetNestedString(chunk.Data, "response_metadata.model"); ok {
		md["model"] = model
	}
	if n, ok := typeutil.GetNestedValue(chunk.Data, "response_metadata.chunk_count"); ok {
		md["chunk_count"] = typeutil.SafeIntDefault(n, 0)
	}
	if chunks, ok := typeutil.SafeStringSlice(chunk.Data["stream_chunks"]); ok {
		md["stream_chunks"] = chunks
	}

	return append(events, Event{
		Type:      EventMessage,
		Node:      chunk.Stage,
		Content:   response,
		Metadata:  md,
		Timestamp: ts,
	})
}
