package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docstral/docstral/internal/llm"
	"github.com/docstral/docstral/internal/log"
	"github.com/docstral/docstral/internal/retrieval"
)

// Searcher is the retrieval surface the executor needs.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]retrieval.Chunk, error)
}

// Executor resolves tool invocations emitted by the model.
type Executor struct {
	searcher Searcher // nil when the index failed to load
	topK     int
	logger   log.Logger
}

// NewExecutor builds an executor over the retrieval service. searcher
// may be nil; every invocation then reports the tool unavailable.
func NewExecutor(searcher Searcher, topK int, logger log.Logger) *Executor {
	return &Executor{searcher: searcher, topK: topK, logger: logger}
}

// Execute runs one tool call and returns the tool-result text for the
// model plus the structured chunks it was built from. Failures are
// reported to the model as text, never as an error: a bad tool call
// should steer the model, not abort the turn.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) (string, []retrieval.Chunk) {
	if call.Function.Name != llm.ToolSearchDocumentation {
		return fmt.Sprintf("Error: Unknown tool '%s'", call.Function.Name), nil
	}
	if e.searcher == nil {
		return "Error: Documentation search not available", nil
	}

	var input llm.SearchDocumentationInput
	if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
		return "Error: Invalid tool call arguments", nil
	}
	if input.Query == "" {
		return "Error: No query provided", nil
	}

	chunks, err := e.searcher.Search(ctx, input.Query, e.topK)
	if err != nil {
		e.logger.Error("tool execution failed", "query", input.Query, "error", err)
		return fmt.Sprintf("Error executing tool: %v", err), nil
	}
	if len(chunks) == 0 {
		return "No relevant documentation found for this query.", nil
	}

	var b strings.Builder
	for i, chunk := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s\nURL: %s\nContent: %s\n", i+1, chunk.Title, chunk.URL, chunk.Text)
	}
	return b.String(), chunks
}
