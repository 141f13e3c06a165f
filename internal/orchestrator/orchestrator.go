// Package orchestrator drives one streaming conversation turn: the
// primary model call with tools, the tool round-trip, the final answer
// stream, and transcript persistence.
package orchestrator

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docstral/docstral/internal/llm"
	"github.com/docstral/docstral/internal/log"
	"github.com/docstral/docstral/internal/store"
)

// StartRetryMS is the client reconnect hint carried on the start event.
const StartRetryMS = 2000

// errorTag is the only error detail clients ever see. Upstream error
// bodies stay in the server logs.
const errorTag = "stream_error"

// Source is one citation surfaced to the client.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// EventSink receives the ordered client-visible events of one turn.
// The HTTP layer implements it over SSE; tests implement it in memory.
// A sink error means the client is gone and is treated like
// cancellation.
type EventSink interface {
	Start(retryMS int) error
	Token(content string) error
	Sources(refs []Source) error
	Done() error
	Error(message string) error
	Heartbeat() error
}

// Streamer is the slice of the LLM client the orchestrator consumes.
type Streamer interface {
	StreamChat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) iter.Seq2[llm.Event, error]
}

// Repository persists assistant messages at turn end.
type Repository interface {
	InsertMessage(ctx context.Context, chatID uuid.UUID, role, content string, metrics *store.Metrics) (*store.Message, error)
}

// Config tunes a single Orchestrator.
type Config struct {
	Temperature       float32
	TurnTimeout       time.Duration // 0 disables the turn deadline
	HeartbeatInterval time.Duration
}

// Orchestrator is constructed once at startup and shared across
// requests; it holds no per-turn state.
type Orchestrator struct {
	llm      Streamer
	executor *Executor
	repo     Repository
	tools    []llm.Tool // nil when retrieval is unavailable
	cfg      Config
	logger   log.Logger

	now func() time.Time
}

// New wires an orchestrator. tools is nil when the retrieval index is
// unavailable; the turn then runs tool-less end to end.
func New(streamer Streamer, executor *Executor, repo Repository, tools []llm.Tool, cfg Config, logger log.Logger) *Orchestrator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Orchestrator{
		llm:      streamer,
		executor: executor,
		repo:     repo,
		tools:    tools,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// turn is the mutable state of one streaming turn.
type turn struct {
	chatID   uuid.UUID
	messages []llm.Message
	sink     EventSink

	answer   strings.Builder
	sources  []Source
	usage    store.Metrics
	hasUsage bool
	lastPing time.Time
	started  time.Time
}

// StreamTurn runs one conversation turn over the given transcript and
// emits the client event sequence into sink. The trailing transcript
// entry is the user message being answered; the user row is already
// persisted by the caller.
//
// Event order on success: start, tokens, optional sources, done.
// On upstream failure: start, tokens, one error event; accumulated
// text is discarded. On cancellation (client disconnect or turn
// deadline): the stream just stops, and non-empty partial text is
// persisted best-effort.
func (o *Orchestrator) StreamTurn(ctx context.Context, chatID uuid.UUID, transcript []store.Message, sink EventSink) error {
	if o.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.TurnTimeout)
		defer cancel()
	}

	t := &turn{
		chatID:   chatID,
		messages: withSystemPrompt(toChatMessages(transcript)),
		sink:     sink,
		started:  o.now(),
		lastPing: o.now(),
	}

	if err := sink.Start(StartRetryMS); err != nil {
		return nil
	}

	o.logger.Info("streaming turn started",
		"chat_id", chatID,
		"messages", len(t.messages),
		"tools", len(o.tools) > 0,
	)

	toolCalls, err := o.streamPrimary(ctx, t)
	if err != nil {
		return o.finishAbnormal(ctx, t, err)
	}

	if len(toolCalls) > 0 {
		o.executeTools(ctx, t, toolCalls)
		if err := o.streamFinal(ctx, t); err != nil {
			return o.finishAbnormal(ctx, t, err)
		}
	}

	return o.finishNormal(ctx, t)
}

// streamPrimary consumes the first model stream. It returns the
// tool-call batch if one arrived; the primary stream logically ends
// there, since providers do not mix tool-call termination with further
// content.
func (o *Orchestrator) streamPrimary(ctx context.Context, t *turn) ([]llm.ToolCall, error) {
	opts := llm.ChatOptions{Tools: o.tools, Temperature: o.cfg.Temperature}
	for ev, err := range o.llm.StreamChat(ctx, t.messages, opts) {
		if err != nil {
			return nil, err
		}
		if len(ev.ToolCalls) > 0 {
			return ev.ToolCalls, nil
		}
		if err := o.consume(t, ev); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (o *Orchestrator) streamFinal(ctx context.Context, t *turn) error {
	// Tools stay off: the model must answer from the tool results, not
	// call tools again.
	opts := llm.ChatOptions{Temperature: o.cfg.Temperature}
	for ev, err := range o.llm.StreamChat(ctx, t.messages, opts) {
		if err != nil {
			return err
		}
		if err := o.consume(t, ev); err != nil {
			return err
		}
	}
	return nil
}

// errSinkClosed marks a failed client write; handled like cancellation.
var errSinkClosed = errors.New("event sink closed")

func (o *Orchestrator) consume(t *turn, ev llm.Event) error {
	if ev.Usage != nil {
		t.usage.PromptTokens += int32(ev.Usage.PromptTokens)
		t.usage.CompletionTokens += int32(ev.Usage.CompletionTokens)
		t.hasUsage = true
		return nil
	}
	if ev.Content == "" {
		return nil
	}

	t.answer.WriteString(ev.Content)
	if err := t.sink.Token(ev.Content); err != nil {
		return errSinkClosed
	}

	if now := o.now(); now.Sub(t.lastPing) > o.cfg.HeartbeatInterval {
		if err := t.sink.Heartbeat(); err != nil {
			return errSinkClosed
		}
		t.lastPing = now
	}
	return nil
}

// executeTools records the assistant's tool-call message, runs each
// call, appends the tool results to the working transcript, and
// collects source citations deduplicated by URL.
func (o *Orchestrator) executeTools(ctx context.Context, t *turn, calls []llm.ToolCall) {
	t.messages = append(t.messages, llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: calls,
	})

	seen := make(map[string]bool)
	for _, call := range calls {
		o.logger.Info("executing tool", "chat_id", t.chatID, "tool", call.Function.Name)

		result, chunks := o.executor.Execute(ctx, call)
		t.messages = append(t.messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    result,
			ToolCallID: call.ID,
		})

		for _, chunk := range chunks {
			if chunk.URL == "" || seen[chunk.URL] {
				continue
			}
			seen[chunk.URL] = true
			t.sources = append(t.sources, Source{Title: chunk.Title, URL: chunk.URL})
		}
	}
}

func (o *Orchestrator) finishNormal(ctx context.Context, t *turn) error {
	if len(t.sources) > 0 {
		if err := t.sink.Sources(t.sources); err != nil {
			o.persistPartial(ctx, t)
			return nil
		}
	}

	if text := strings.TrimSpace(t.answer.String()); text != "" {
		metrics := &store.Metrics{
			LatencyMS: int32(o.now().Sub(t.started).Milliseconds()),
		}
		if t.hasUsage {
			metrics.PromptTokens = t.usage.PromptTokens
			metrics.CompletionTokens = t.usage.CompletionTokens
		}
		if _, err := o.repo.InsertMessage(ctx, t.chatID, store.RoleAssistant, text, metrics); err != nil {
			// The client already has the full answer; failing the turn
			// now would only make it retry a completed generation.
			o.logger.Error("failed to persist assistant message", "chat_id", t.chatID, "error", err)
		}
	} else {
		o.logger.Warn("turn produced no content", "chat_id", t.chatID)
	}

	_ = t.sink.Done()
	return nil
}

// finishAbnormal handles the two failure shapes. Cancellation (client
// disconnect, turn deadline, sink write failure) persists partial text
// and ends the stream silently. Anything else emits one opaque error
// event and discards the accumulated text.
func (o *Orchestrator) finishAbnormal(ctx context.Context, t *turn, err error) error {
	if ctx.Err() != nil || errors.Is(err, errSinkClosed) {
		o.persistPartial(ctx, t)
		o.logger.Info("streaming turn cancelled", "chat_id", t.chatID, "error", err)
		return nil
	}

	o.logger.Error("streaming turn failed", "chat_id", t.chatID, "error", err)
	_ = t.sink.Error(errorTag)
	return err
}

// persistPartial saves accumulated text on the cancellation path. The
// write runs detached from the turn context so the cancellation that
// triggered it cannot also abort it.
func (o *Orchestrator) persistPartial(ctx context.Context, t *turn) {
	text := strings.TrimSpace(t.answer.String())
	if text == "" {
		return
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := o.repo.InsertMessage(dctx, t.chatID, store.RoleAssistant, text, nil); err != nil {
		o.logger.Error("failed to persist partial answer", "chat_id", t.chatID, "error", err)
		return
	}
	o.logger.Info("partial answer persisted", "chat_id", t.chatID, "chars", len(text))
}

func toChatMessages(transcript []store.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(transcript))
	for _, m := range transcript {
		role := m.Role
		switch role {
		case store.RoleUser, store.RoleAssistant, store.RoleSystem:
		default:
			role = store.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return msgs
}

func withSystemPrompt(msgs []llm.Message) []llm.Message {
	if len(msgs) > 0 && msgs[0].Role == llm.RoleSystem {
		return msgs
	}
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: llm.SystemPrompt})
	return append(out, msgs...)
}
