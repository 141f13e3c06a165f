// Package llm speaks the OpenAI-compatible chat completion protocol to a
// hosted or self-hosted backend, in both streaming and blocking form.
package llm

import "encoding/json"

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a chat transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model request to invoke a named function.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a function definition advertised to the model.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes one callable function.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Usage reports token counts for a completed turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Event is one element of a streamed chat turn. Exactly one of the
// fields is meaningful per event: a Content fragment, a completed
// batch of ToolCalls, or a final Usage report.
type Event struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *Usage
}

// Completion is the result of a blocking chat call.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *Usage
}

// ChatOptions tunes a single chat request.
type ChatOptions struct {
	Tools       []Tool
	Temperature float32
	MaxTokens   int
}
