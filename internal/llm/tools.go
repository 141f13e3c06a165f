package llm

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ToolSearchDocumentation is the function name the model invokes to
// search the documentation index.
const ToolSearchDocumentation = "search_documentation"

// SearchDocumentationInput is the argument shape of the
// search_documentation tool call.
type SearchDocumentationInput struct {
	Query string `json:"query" jsonschema_description:"A precise search query extracted from the user's question. Include key terms like model names, API endpoints, or feature names. Examples: 'mistral-large-2 pricing', 'streaming chat completion', 'function calling parameters'."`
}

// SearchTools returns the tool set advertised on the primary chat call.
func SearchTools() ([]Tool, error) {
	schema, err := jsonschema.For[SearchDocumentationInput](nil)
	if err != nil {
		return nil, fmt.Errorf("schema for %s tool: %w", ToolSearchDocumentation, err)
	}
	params, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode %s schema: %w", ToolSearchDocumentation, err)
	}

	return []Tool{{
		Type: "function",
		Function: FunctionDefinition{
			Name: ToolSearchDocumentation,
			Description: "Search Mistral AI's official documentation for ANY question about Mistral AI, including: " +
				"API usage, models, features, parameters, pricing, rate limits, authentication, deployment, " +
				"code examples, migration guides, and troubleshooting.\n\n" +
				"**When to use:** Call this for EVERY user question related to Mistral AI or its services. " +
				"Do not answer from memory without checking the docs first.\n\n" +
				"**Returns:** Relevant excerpts with document titles and URLs. You must cite these sources in your response.",
			Parameters: params,
		},
	}}, nil
}
