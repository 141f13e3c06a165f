package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/docstral/docstral/internal/config"
	"github.com/docstral/docstral/internal/log"
)

// Client is the chat-completion contract both backends satisfy.
type Client interface {
	// StreamChat issues one streaming chat request. The sequence yields
	// content fragments as they arrive, at most one tool-call batch, and
	// a final usage report when the upstream provides one. A non-nil
	// error terminates the sequence.
	StreamChat(ctx context.Context, messages []Message, opts ChatOptions) iter.Seq2[Event, error]

	// Invoke issues one blocking chat request and returns the complete
	// assistant message.
	Invoke(ctx context.Context, messages []Message, opts ChatOptions) (*Completion, error)

	// Healthy reports whether the backend is usable. Called once at
	// startup to pick a backend, never per request.
	Healthy(ctx context.Context) bool

	// Name identifies the backend in logs and health payloads.
	Name() string

	// Model returns the chat model this client requests.
	Model() string
}

// ErrNoBackend is returned by Select when neither backend is usable.
var ErrNoBackend = errors.New("no usable LLM backend")

const healthProbeTimeout = 5 * time.Second

// scanBufSize bounds a single SSE line. Provider deltas are small but
// tool-call argument fragments have no documented upper bound.
const scanBufSize = 1 << 20

// httpClient is the slim surface of *http.Client the backends need.
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// client implements Client for any OpenAI-compatible endpoint. The two
// backends differ only in construction: base URL, credentials, and
// health semantics.
type client struct {
	name     string
	baseURL  string
	apiKey   string
	model    string
	probeURL string // empty means key-presence health
	http     httpClient
	logger   log.Logger
}

// NewHosted builds the hosted-API backend. Health is key presence; the
// hosted endpoint is assumed reachable.
func NewHosted(cfg config.LLMConfig, logger log.Logger) Client {
	return &client{
		name:    "hosted",
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    newHTTPClient(cfg),
		logger:  logger,
	}
}

// NewSelfHosted builds the self-hosted backend. Health is an actual
// probe against the model-listing endpoint with a short timeout.
func NewSelfHosted(cfg config.LLMConfig, logger log.Logger) Client {
	base := strings.TrimRight(cfg.SelfHostedURL, "/")
	return &client{
		name:     "self-hosted",
		baseURL:  base,
		apiKey:   cfg.SelfHostedKey,
		model:    cfg.SelfHostedModel,
		probeURL: base + "/v1/models",
		http:     newHTTPClient(cfg),
		logger:   logger,
	}
}

func newHTTPClient(cfg config.LLMConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.ConnectTimeout
	return &http.Client{
		Transport: transport,
		// Read timeout is enforced per chunk via the request context by
		// callers; the stream as a whole must not be capped here or
		// long generations would be truncated mid-answer.
	}
}

// Select probes the self-hosted backend first and falls back to the
// hosted API, mirroring the deployment preference for local inference.
func Select(ctx context.Context, cfg config.LLMConfig, logger log.Logger) (Client, error) {
	if cfg.SelfHostedURL != "" {
		c := NewSelfHosted(cfg, logger)
		logger.Info("probing self-hosted LLM backend", "url", cfg.SelfHostedURL)
		if c.Healthy(ctx) {
			logger.Info("using self-hosted LLM backend", "model", c.Model())
			return c, nil
		}
		logger.Warn("self-hosted LLM backend unreachable, falling back to hosted API")
	}

	if cfg.APIKey != "" {
		c := NewHosted(cfg, logger)
		logger.Info("using hosted LLM backend", "model", c.Model())
		return c, nil
	}

	return nil, ErrNoBackend
}

func (c *client) Name() string  { return c.name }
func (c *client) Model() string { return c.model }

func (c *client) Healthy(ctx context.Context) bool {
	if c.probeURL == "" {
		return c.apiKey != ""
	}

	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, nil)
	if err != nil {
		return false
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("health probe failed", "backend", c.name, "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

// Wire shapes for the chat-completions protocol.

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Temperature   float32        `json:"temperature"`
	Stream        bool           `json:"stream"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	ToolChoice    string         `json:"tool_choice,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (c *client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *client) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	c.setHeaders(req)
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s chat request: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		// Never surface the upstream body to callers; it may carry
		// provider account detail. Log it at debug instead.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.logger.Debug("upstream chat error",
			"backend", c.name,
			"status", resp.StatusCode,
			"body", string(detail),
		)
		return nil, fmt.Errorf("%s chat request: unexpected status %d", c.name, resp.StatusCode)
	}
	return resp, nil
}

func (c *client) request(messages []Message, opts ChatOptions, stream bool) chatRequest {
	req := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: opts.Temperature,
		Stream:      stream,
		MaxTokens:   opts.MaxTokens,
		Tools:       opts.Tools,
	}
	if len(opts.Tools) > 0 {
		req.ToolChoice = "auto"
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return req
}

func (c *client) StreamChat(ctx context.Context, messages []Message, opts ChatOptions) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		resp, err := c.post(ctx, c.request(messages, opts, true))
		if err != nil {
			yield(Event{}, err)
			return
		}
		defer resp.Body.Close()

		acc := make(map[int]*ToolCall)

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), scanBufSize)

		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(line[len("data:"):])
			if data == "[DONE]" {
				return
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// Providers occasionally emit comment or partial frames;
				// a bad line is skipped, not fatal.
				c.logger.Debug("skipping malformed stream frame", "backend", c.name)
				continue
			}

			if chunk.Usage != nil {
				if !yield(Event{Usage: chunk.Usage}, nil) {
					return
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				if !yield(Event{Content: choice.Delta.Content}, nil) {
					return
				}
			}
			for _, d := range choice.Delta.ToolCalls {
				accumulate(acc, d)
			}

			if choice.FinishReason == "tool_calls" {
				if calls := drain(acc); len(calls) > 0 {
					if !yield(Event{ToolCalls: calls}, nil) {
						return
					}
				}
			}
		}

		if err := sc.Err(); err != nil {
			if ctx.Err() != nil {
				yield(Event{}, ctx.Err())
				return
			}
			yield(Event{}, fmt.Errorf("%s read stream: %w", c.name, err))
		}
	}
}

// accumulate merges one tool-call fragment into the running set. The
// map is keyed by delta index, never by call id: the id, name, and
// arguments of one call may each arrive in separate fragments, and ids
// are frequently empty on all but the first.
func accumulate(acc map[int]*ToolCall, d toolCallDelta) {
	call, ok := acc[d.Index]
	if !ok {
		call = &ToolCall{Type: "function"}
		acc[d.Index] = call
	}
	if d.ID != "" {
		call.ID = d.ID
	}
	if d.Type != "" {
		call.Type = d.Type
	}
	if d.Function.Name != "" {
		call.Function.Name = d.Function.Name
	}
	call.Function.Arguments += d.Function.Arguments
}

func drain(acc map[int]*ToolCall) []ToolCall {
	if len(acc) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(acc))
	for i := range acc {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)

	calls := make([]ToolCall, 0, len(acc))
	for _, i := range indexes {
		calls = append(calls, *acc[i])
	}
	clear(acc)
	return calls
}

func (c *client) Invoke(ctx context.Context, messages []Message, opts ChatOptions) (*Completion, error) {
	resp, err := c.post(ctx, c.request(messages, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%s decode chat response: %w", c.name, err)
	}
	if len(body.Choices) == 0 {
		return nil, fmt.Errorf("%s chat response has no choices", c.name)
	}

	msg := body.Choices[0].Message
	return &Completion{
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
		Usage:     body.Usage,
	}, nil
}
