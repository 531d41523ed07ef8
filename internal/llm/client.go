package llm

import "context"

type Message struct {
	Role    string
	Content string
}

type JSONSchema struct {
	Name   string
	Schema map[string]any
	Strict bool
}

type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	JSONSchema  *JSONSchema
}

// Usage mirrors the upstream token accounting when the provider reports it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client is the language-model collaborator. The memory core never depends on
// a concrete provider; anything speaking the OpenAI chat protocol fits.
type Client interface {
	GenerateText(ctx context.Context, messages []Message, opts GenerateOptions) (string, Usage, error)
	StreamText(ctx context.Context, messages []Message, opts GenerateOptions, onDelta func(delta string)) (full string, usage Usage, err error)
	GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error)
	Model() string
}
