package llm

import (
	"log/slog"
	"time"
)

// LevelTrace mirrors [config.LevelTrace] without importing config;
// wire payloads log at this level.
const LevelTrace = slog.Level(-8)

// Message is one transcript entry in provider-neutral form. Role is
// one of system, user, assistant, or tool; ToolCallID ties a tool-role
// message back to the call it answers.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model request to invoke one tool. The nested Function
// struct matches the OpenAI wire shape, which is also how calls are
// persisted.
type ToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// NewToolCall constructs a ToolCall; the anonymous Function struct
// makes literal construction awkward at call sites.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	var tc ToolCall
	tc.ID = id
	tc.Function.Name = name
	tc.Function.Arguments = args
	return tc
}

// ChatResponse is what every provider's Chat returns. Token counts are
// provider-neutral; wire-format differences end at the provider files.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int
}
