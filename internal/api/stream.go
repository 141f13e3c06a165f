package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/docstral/docstral/internal/orchestrator"
	"github.com/docstral/docstral/internal/store"
)

// Turner runs a single streaming conversation turn over a transcript.
type Turner interface {
	StreamTurn(ctx context.Context, chatID uuid.UUID, transcript []store.Message, sink orchestrator.EventSink) error
}

type streamRequest struct {
	Content string `json:"content"`
	Retry   bool   `json:"retry"`
}

// streamChat handles POST /api/v1/chats/{id}/stream. It records the
// user message, then streams the assistant turn back as server-sent
// events. All validation errors are returned as plain JSON before the
// SSE response begins.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request) {
	user, _ := currentUser(r.Context())

	chatID, ok := pathUUID(w, r, s.logger)
	if !ok {
		return
	}

	chat, err := s.chats.GetChat(r.Context(), user.ID, chatID)
	if err != nil {
		s.chatError(w, chatID, err)
		return
	}

	var payload streamRequest
	if err := decodeJSON(w, r, &payload); err != nil || strings.TrimSpace(payload.Content) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required", s.logger)
		return
	}

	last, err := s.chats.LastMessage(r.Context(), chat.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.chatError(w, chatID, err)
		return
	}

	if payload.Retry {
		// A retry replaces the trailing user message in place instead
		// of appending a duplicate.
		if last == nil || last.Role != store.RoleUser {
			writeError(w, http.StatusUnprocessableEntity, "invalid_retry", "no user message to retry", s.logger)
			return
		}
		if err := s.chats.UpdateMessageContent(r.Context(), last.ID, payload.Content); err != nil {
			s.chatError(w, chatID, err)
			return
		}
	} else {
		if last != nil && last.Role == store.RoleUser {
			writeError(w, http.StatusUnprocessableEntity, "consecutive_user_messages", "Cannot send multiple user messages in a row", s.logger)
			return
		}
		if _, err := s.chats.InsertMessage(r.Context(), chat.ID, store.RoleUser, payload.Content, nil); err != nil {
			s.chatError(w, chatID, err)
			return
		}
	}

	transcript, err := s.chats.ListMessages(r.Context(), chat.ID)
	if err != nil {
		s.chatError(w, chatID, err)
		return
	}

	sink, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming", s.logger)
		return
	}

	if err := s.turner.StreamTurn(r.Context(), chat.ID, transcript, sink); err != nil {
		// The error event has already been sent on the stream.
		s.logger.Error("stream turn failed", "chat_id", chat.ID, "error", err)
	}
}
