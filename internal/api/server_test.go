package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docstral/docstral/internal/log"
	"github.com/docstral/docstral/internal/orchestrator"
	"github.com/docstral/docstral/internal/store"
)

const testToken = "tok-alice"

type fakeAuth struct {
	users map[string]*store.User
}

func (f *fakeAuth) UserByTokenHash(_ context.Context, hash string) (*store.User, error) {
	u, ok := f.users[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

type fakeChats struct {
	mu       sync.Mutex
	chats    map[uuid.UUID]*store.Chat
	messages map[uuid.UUID][]store.Message
}

func newFakeChats() *fakeChats {
	return &fakeChats{
		chats:    make(map[uuid.UUID]*store.Chat),
		messages: make(map[uuid.UUID][]store.Message),
	}
}

func (f *fakeChats) ListChats(_ context.Context, userID uuid.UUID, limit, offset int) ([]store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Chat
	for _, c := range f.chats {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeChats) GetChat(_ context.Context, userID, chatID uuid.UUID) (*store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok || c.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeChats) CreateChat(_ context.Context, userID uuid.UUID, title string) (*store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if title == "" {
		title = "New Chat"
	}
	c := &store.Chat{ID: uuid.New(), UserID: userID, Title: title, CreatedAt: time.Now()}
	f.chats[c.ID] = c
	cp := *c
	return &cp, nil
}

func (f *fakeChats) RenameChat(_ context.Context, userID, chatID uuid.UUID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok || c.UserID != userID {
		return store.ErrNotFound
	}
	c.Title = title
	return nil
}

func (f *fakeChats) DeleteChat(_ context.Context, userID, chatID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok || c.UserID != userID {
		return store.ErrNotFound
	}
	delete(f.chats, chatID)
	delete(f.messages, chatID)
	return nil
}

func (f *fakeChats) ListMessages(_ context.Context, chatID uuid.UUID) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message(nil), f.messages[chatID]...), nil
}

func (f *fakeChats) LastMessage(_ context.Context, chatID uuid.UUID) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[chatID]
	if len(msgs) == 0 {
		return nil, store.ErrNotFound
	}
	m := msgs[len(msgs)-1]
	return &m, nil
}

func (f *fakeChats) InsertMessage(_ context.Context, chatID uuid.UUID, role, content string, metrics *store.Metrics) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := store.Message{ID: uuid.New(), ChatID: chatID, Role: role, Content: content, CreatedAt: time.Now()}
	if metrics != nil {
		m.LatencyMS = &metrics.LatencyMS
		m.PromptTokens = &metrics.PromptTokens
		m.CompletionTokens = &metrics.CompletionTokens
	}
	f.messages[chatID] = append(f.messages[chatID], m)
	return &m, nil
}

func (f *fakeChats) UpdateMessageContent(_ context.Context, messageID uuid.UUID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for chatID, msgs := range f.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				f.messages[chatID][i].Content = content
				return nil
			}
		}
	}
	return store.ErrNotFound
}

type fakeTurner struct {
	mu         sync.Mutex
	transcript []store.Message
	run        func(ctx context.Context, sink orchestrator.EventSink) error
}

func (f *fakeTurner) StreamTurn(ctx context.Context, _ uuid.UUID, transcript []store.Message, sink orchestrator.EventSink) error {
	f.mu.Lock()
	f.transcript = append([]store.Message(nil), transcript...)
	f.mu.Unlock()
	if f.run == nil {
		return nil
	}
	return f.run(ctx, sink)
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

type testEnv struct {
	server *Server
	chats  *fakeChats
	turner *fakeTurner
	user   *store.User
}

func newTestEnv(t *testing.T, opts ...func(*ServerConfig)) *testEnv {
	t.Helper()

	user := &store.User{ID: uuid.New(), FirstName: "Alice", LastName: "Chen", Email: "alice@example.com"}
	chats := newFakeChats()
	turner := &fakeTurner{}

	cfg := ServerConfig{
		Logger: log.NewNop(),
		Auth:   &fakeAuth{users: map[string]*store.User{hashToken(testToken): user}},
		Chats:  chats,
		Turner: turner,
		DB:     &fakePinger{},
		Mode:   "self-hosted",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &testEnv{server: NewServer(cfg), chats: chats, turner: turner, user: user}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestVerifyToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out userOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, env.user.ID.String(), out.ID)
	assert.Equal(t, "Alice Chen", out.Name)
	assert.Equal(t, "alice@example.com", out.Email)
}

func TestAuthRejections(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("unknown token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
		req.Header.Set("Authorization", "Bearer not-a-real-token")
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestChatLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/chats", chatCreate{Title: "Rate limits"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created chatOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Rate limits", created.Title)
	assert.Equal(t, env.user.ID, created.UserID)

	rec = env.do(t, http.MethodGet, "/api/v1/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []chatOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	_, err := env.chats.InsertMessage(context.Background(), created.ID, store.RoleUser, "How do limits work?", nil)
	require.NoError(t, err)

	rec = env.do(t, http.MethodGet, "/api/v1/chats/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail chatDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, "How do limits work?", detail.Messages[0].Content)
	assert.Nil(t, detail.Messages[0].LatencyMS)

	rec = env.do(t, http.MethodPut, "/api/v1/chats/"+created.ID.String(), chatCreate{Title: "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	var renamed chatOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &renamed))
	assert.Equal(t, "Renamed", renamed.Title)

	rec = env.do(t, http.MethodDelete, "/api/v1/chats/"+created.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/chats/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t)

	t.Run("malformed id", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/chats/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown chat", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/chats/"+uuid.NewString(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("rename without title", func(t *testing.T) {
		chat, err := env.chats.CreateChat(context.Background(), env.user.ID, "")
		require.NoError(t, err)
		rec := env.do(t, http.MethodPut, "/api/v1/chats/"+chat.ID.String(), chatCreate{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStreamValidation(t *testing.T) {
	env := newTestEnv(t)
	chat, err := env.chats.CreateChat(context.Background(), env.user.ID, "")
	require.NoError(t, err)
	streamPath := "/api/v1/chats/" + chat.ID.String() + "/stream"

	t.Run("empty content", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, streamPath, streamRequest{Content: "   "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown chat", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/chats/"+uuid.NewString()+"/stream", streamRequest{Content: "hi"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("retry with no user message", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, streamPath, streamRequest{Content: "hi", Retry: true})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("consecutive user messages", func(t *testing.T) {
		_, err := env.chats.InsertMessage(context.Background(), chat.ID, store.RoleUser, "first", nil)
		require.NoError(t, err)

		rec := env.do(t, http.MethodPost, streamPath, streamRequest{Content: "second"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), "Cannot send multiple user messages in a row")
	})
}

func TestStreamHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.turner.run = func(_ context.Context, sink orchestrator.EventSink) error {
		if err := sink.Start(2000); err != nil {
			return err
		}
		if err := sink.Token("Hello"); err != nil {
			return err
		}
		if err := sink.Sources([]orchestrator.Source{{Title: "Limits", URL: "https://docs.example.com/limits"}}); err != nil {
			return err
		}
		return sink.Done()
	}

	chat, err := env.chats.CreateChat(context.Background(), env.user.ID, "")
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/chats/"+chat.ID.String()+"/stream", streamRequest{Content: "What are the limits?"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	want := strings.Join([]string{
		"event: message",
		`data: {"type":"start"}`,
		"retry: 2000",
		"",
		"event: message",
		`data: {"type":"token","content":"Hello"}`,
		"",
		"event: message",
		`data: {"type":"sources","data":[{"title":"Limits","url":"https://docs.example.com/limits"}]}`,
		"",
		"event: message",
		`data: {"type":"done"}`,
		"",
		"",
	}, "\n")
	assert.Equal(t, want, rec.Body.String())

	// The user message must be persisted before the turn runs.
	require.Len(t, env.turner.transcript, 1)
	assert.Equal(t, store.RoleUser, env.turner.transcript[0].Role)
	assert.Equal(t, "What are the limits?", env.turner.transcript[0].Content)
}

func TestStreamRetryReplacesLastMessage(t *testing.T) {
	env := newTestEnv(t)
	chat, err := env.chats.CreateChat(context.Background(), env.user.ID, "")
	require.NoError(t, err)
	_, err = env.chats.InsertMessage(context.Background(), chat.ID, store.RoleUser, "original question", nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/chats/"+chat.ID.String()+"/stream", streamRequest{Content: "better question", Retry: true})
	require.Equal(t, http.StatusOK, rec.Code)

	msgs, err := env.chats.ListMessages(context.Background(), chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "better question", msgs[0].Content)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) {
		cfg.RatePerSecond = 0.001
		cfg.RateBurst = 1
	})

	rec := env.do(t, http.MethodGet, "/api/v1/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/chats", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) {
		cfg.CORSOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chats", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	t.Run("health reports mode without auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var out healthOut
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, "ok", out.Status)
		assert.Equal(t, "self-hosted", out.Mode)
	})

	t.Run("ready fails when database is down", func(t *testing.T) {
		down := newTestEnv(t, func(cfg *ServerConfig) {
			cfg.DB = &fakePinger{err: context.DeadlineExceeded}
		})
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rec := httptest.NewRecorder()
		down.server.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
