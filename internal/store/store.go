// Package store persists users, tokens, chats, and message transcripts
// in PostgreSQL.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/docstral/docstral/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a row does not exist or is not visible
// to the requesting user.
var ErrNotFound = errors.New("not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// User is an account row. Accounts are provisioned out of band; the
// service only reads them.
type User struct {
	ID        uuid.UUID
	FirstName string
	LastName  string
	Email     string
}

// Chat is one conversation owned by a user.
type Chat struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Title     string
	CreatedAt time.Time
}

// Message is one transcript entry. Metrics columns are populated for
// assistant messages only.
type Message struct {
	ID               uuid.UUID
	ChatID           uuid.UUID
	Role             string
	Content          string
	CreatedAt        time.Time
	LatencyMS        *int32
	PromptTokens     *int32
	CompletionTokens *int32
}

// Metrics carries the per-turn measurements persisted alongside an
// assistant message.
type Metrics struct {
	LatencyMS        int32
	PromptTokens     int32
	CompletionTokens int32
}

// Store runs queries against a pgx connection pool.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New creates a Store on an open pool.
func New(pool *pgxpool.Pool, logger log.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Open connects a pgx pool and verifies connectivity.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies all pending schema migrations.
func Migrate(pool *pgxpool.Pool) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Ping reports database reachability, used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UserByTokenHash resolves a bearer-token hash to its user and stamps
// the token's last use. Unknown hashes return ErrNotFound.
func (s *Store) UserByTokenHash(ctx context.Context, tokenHash string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		UPDATE user_tokens t
		SET last_used_at = now()
		FROM users u
		WHERE t.token = $1 AND u.id = t.user_id
		RETURNING u.id, u.first_name, u.last_name, u.email`,
		tokenHash,
	).Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("look up token: %w", err)
	}
	return &u, nil
}

// ListChats returns the user's chats, newest first.
func (s *Store) ListChats(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Chat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, created_at
		FROM chats
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns one chat, scoped to its owner.
func (s *Store) GetChat(ctx context.Context, userID, chatID uuid.UUID) (*Chat, error) {
	var c Chat
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, created_at
		FROM chats
		WHERE id = $1 AND user_id = $2`,
		chatID, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return &c, nil
}

// CreateChat inserts a chat for the user. An empty title gets the
// column default.
func (s *Store) CreateChat(ctx context.Context, userID uuid.UUID, title string) (*Chat, error) {
	if title == "" {
		title = "New Chat"
	}
	var c Chat
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chats (user_id, title)
		VALUES ($1, $2)
		RETURNING id, user_id, title, created_at`,
		userID, title,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}

	s.logger.Debug("created chat", "chat_id", c.ID, "user_id", userID)
	return &c, nil
}

// RenameChat updates a chat's title, scoped to its owner.
func (s *Store) RenameChat(ctx context.Context, userID, chatID uuid.UUID, title string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chats SET title = $1
		WHERE id = $2 AND user_id = $3`,
		title, chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("rename chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChat removes a chat and, via cascade, its messages.
func (s *Store) DeleteChat(ctx context.Context, userID, chatID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM chats
		WHERE id = $1 AND user_id = $2`,
		chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns the chat transcript in insertion order.
func (s *Store) ListMessages(ctx context.Context, chatID uuid.UUID) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, role, content, created_at, latency_ms, prompt_tokens, completion_tokens
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt,
			&m.LatencyMS, &m.PromptTokens, &m.CompletionTokens); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LastMessage returns the chat's most recent message, or ErrNotFound
// for an empty transcript.
func (s *Store) LastMessage(ctx context.Context, chatID uuid.UUID) (*Message, error) {
	var m Message
	err := s.pool.QueryRow(ctx, `
		SELECT id, chat_id, role, content, created_at, latency_ms, prompt_tokens, completion_tokens
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		chatID,
	).Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt,
		&m.LatencyMS, &m.PromptTokens, &m.CompletionTokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	return &m, nil
}

// InsertMessage appends a message to a chat. metrics may be nil.
func (s *Store) InsertMessage(ctx context.Context, chatID uuid.UUID, role, content string, metrics *Metrics) (*Message, error) {
	var latency, prompt, completion *int32
	if metrics != nil {
		latency = &metrics.LatencyMS
		prompt = &metrics.PromptTokens
		completion = &metrics.CompletionTokens
	}

	var m Message
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (chat_id, role, content, latency_ms, prompt_tokens, completion_tokens)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, chat_id, role, content, created_at, latency_ms, prompt_tokens, completion_tokens`,
		chatID, role, content, latency, prompt, completion,
	).Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt,
		&m.LatencyMS, &m.PromptTokens, &m.CompletionTokens)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &m, nil
}

// UpdateMessageContent overwrites a message's content in place, used
// by the retry path to reuse the trailing user message.
func (s *Store) UpdateMessageContent(ctx context.Context, messageID uuid.UUID, content string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET content = $1
		WHERE id = $2`,
		content, messageID,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
