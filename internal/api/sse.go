package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/docstral/docstral/internal/orchestrator"
)

// sseWriter emits the client event protocol over one SSE connection.
// It implements orchestrator.EventSink. Writes are serialized by the
// orchestrator; the writer itself is not safe for concurrent use.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter prepares the response for event streaming. The headers
// disable intermediary buffering and caching so tokens reach the
// client as they are written.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, nil
}

// Client event payloads. Every event carries a type discriminator.

type startEvent struct {
	Type string `json:"type"`
}

type tokenEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type sourcesEvent struct {
	Type string                `json:"type"`
	Data []orchestrator.Source `json:"data"`
}

type doneEvent struct {
	Type string `json:"type"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeEvent writes one SSE event with a JSON-encoded payload as
// "event: message" followed by data lines and an optional retry hint.
func (s *sseWriter) writeEvent(payload any, retryMS int) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "event: message\ndata: %s\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if retryMS > 0 {
		if _, err := fmt.Fprintf(s.w, "retry: %d\n", retryMS); err != nil {
			return fmt.Errorf("write retry hint: %w", err)
		}
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return fmt.Errorf("write event terminator: %w", err)
	}

	s.flusher.Flush()
	return nil
}

func (s *sseWriter) Start(retryMS int) error {
	return s.writeEvent(startEvent{Type: "start"}, retryMS)
}

func (s *sseWriter) Token(content string) error {
	return s.writeEvent(tokenEvent{Type: "token", Content: content}, 0)
}

func (s *sseWriter) Sources(refs []orchestrator.Source) error {
	return s.writeEvent(sourcesEvent{Type: "sources", Data: refs}, 0)
}

func (s *sseWriter) Done() error {
	return s.writeEvent(doneEvent{Type: "done"}, 0)
}

func (s *sseWriter) Error(message string) error {
	return s.writeEvent(errorEvent{Type: "error", Message: message}, 0)
}

// Heartbeat writes an SSE comment line, a no-op for clients that keeps
// idle intermediary connections open.
func (s *sseWriter) Heartbeat() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	s.flusher.Flush()
	return nil
}
