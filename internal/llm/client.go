// Package llm talks to the model providers. One [Client] interface
// covers the native Anthropic API and any OpenAI-compatible endpoint
// (including Ollama); the agent loop never sees provider differences.
package llm

import "context"

// Client is implemented by every model provider.
type Client interface {
	// Chat runs one completion round-trip. The tools argument carries
	// the JSON-schema tool catalog; the response may contain tool calls,
	// text, or both.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping verifies the provider endpoint is reachable.
	Ping(ctx context.Context) error
}
