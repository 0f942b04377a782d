package llm

import "context"

// Client is the provider-neutral completion interface the agent loop
// depends on. tools carries OpenAI-style function schemas; pass nil to
// disable tool calling for a request.
type Client interface {
	// Chat performs a blocking completion.
	Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream performs a completion, forwarding content deltas to
	// callback as they arrive. The returned response carries the full
	// accumulated content and any tool calls. A nil callback degrades
	// to a blocking completion.
	ChatStream(ctx context.Context, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)
}
