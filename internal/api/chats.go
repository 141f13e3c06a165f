package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/docstral/docstral/internal/log"
	"github.com/docstral/docstral/internal/store"
)

// ChatStore is the persistence surface the handlers need.
type ChatStore interface {
	ListChats(ctx context.Context, userID uuid.UUID, limit, offset int) ([]store.Chat, error)
	GetChat(ctx context.Context, userID, chatID uuid.UUID) (*store.Chat, error)
	CreateChat(ctx context.Context, userID uuid.UUID, title string) (*store.Chat, error)
	RenameChat(ctx context.Context, userID, chatID uuid.UUID, title string) error
	DeleteChat(ctx context.Context, userID, chatID uuid.UUID) error
	ListMessages(ctx context.Context, chatID uuid.UUID) ([]store.Message, error)
	LastMessage(ctx context.Context, chatID uuid.UUID) (*store.Message, error)
	InsertMessage(ctx context.Context, chatID uuid.UUID, role, content string, metrics *store.Metrics) (*store.Message, error)
	UpdateMessageContent(ctx context.Context, messageID uuid.UUID, content string) error
}

const (
	defaultChatLimit = 50
	maxChatLimit     = 200
)

type chatOut struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

type messageOut struct {
	ID               uuid.UUID `json:"id"`
	ChatID           uuid.UUID `json:"chatId"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	CreatedAt        time.Time `json:"createdAt"`
	LatencyMS        *int32    `json:"latencyMs"`
	PromptTokens     *int32    `json:"promptTokens"`
	CompletionTokens *int32    `json:"completionTokens"`
}

type chatDetail struct {
	chatOut
	Messages []messageOut `json:"messages"`
}

func toChatOut(c *store.Chat) chatOut {
	return chatOut{ID: c.ID, UserID: c.UserID, Title: c.Title, CreatedAt: c.CreatedAt}
}

func toMessageOut(m *store.Message) messageOut {
	return messageOut{
		ID:               m.ID,
		ChatID:           m.ChatID,
		Role:             m.Role,
		Content:          m.Content,
		CreatedAt:        m.CreatedAt,
		LatencyMS:        m.LatencyMS,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
	}
}

type chatCreate struct {
	Title string `json:"title"`
}

// listChats handles GET /api/v1/chats.
func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	user, _ := currentUser(r.Context())

	limit := queryInt(r, "limit", defaultChatLimit)
	if limit < 1 || limit > maxChatLimit {
		limit = defaultChatLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	chats, err := s.chats.ListChats(r.Context(), user.ID, limit, offset)
	if err != nil {
		s.logger.Error("list chats failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", s.logger)
		return
	}

	out := make([]chatOut, len(chats))
	for i := range chats {
		out[i] = toChatOut(&chats[i])
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

// createChat handles POST /api/v1/chats.
func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	user, _ := currentUser(r.Context())

	var payload chatCreate
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", s.logger)
		return
	}

	chat, err := s.chats.CreateChat(r.Context(), user.ID, payload.Title)
	if err != nil {
		s.logger.Error("create chat failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", s.logger)
		return
	}
	writeJSON(w, http.StatusCreated, toChatOut(chat), s.logger)
}

// getChat handles GET /api/v1/chats/{id}, returning the chat with its
// full transcript.
func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
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

	msgs, err := s.chats.ListMessages(r.Context(), chat.ID)
	if err != nil {
		s.logger.Error("list messages failed", "chat_id", chat.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", s.logger)
		return
	}

	detail := chatDetail{chatOut: toChatOut(chat), Messages: make([]messageOut, len(msgs))}
	for i := range msgs {
		detail.Messages[i] = toMessageOut(&msgs[i])
	}
	writeJSON(w, http.StatusOK, detail, s.logger)
}

// updateChat handles PUT /api/v1/chats/{id}.
func (s *Server) updateChat(w http.ResponseWriter, r *http.Request) {
	user, _ := currentUser(r.Context())

	chatID, ok := pathUUID(w, r, s.logger)
	if !ok {
		return
	}

	var payload chatCreate
	if err := decodeJSON(w, r, &payload); err != nil || payload.Title == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "title is required", s.logger)
		return
	}

	if err := s.chats.RenameChat(r.Context(), user.ID, chatID, payload.Title); err != nil {
		s.chatError(w, chatID, err)
		return
	}

	chat, err := s.chats.GetChat(r.Context(), user.ID, chatID)
	if err != nil {
		s.chatError(w, chatID, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatOut(chat), s.logger)
}

// deleteChat handles DELETE /api/v1/chats/{id}.
func (s *Server) deleteChat(w http.ResponseWriter, r *http.Request) {
	user, _ := currentUser(r.Context())

	chatID, ok := pathUUID(w, r, s.logger)
	if !ok {
		return
	}

	if err := s.chats.DeleteChat(r.Context(), user.ID, chatID); err != nil {
		s.chatError(w, chatID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// chatError maps store errors on a chat lookup to HTTP responses.
func (s *Server) chatError(w http.ResponseWriter, chatID uuid.UUID, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "chat not found", s.logger)
		return
	}
	s.logger.Error("chat operation failed", "chat_id", chatID, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", s.logger)
}

func pathUUID(w http.ResponseWriter, r *http.Request, logger log.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid chat id", logger)
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
