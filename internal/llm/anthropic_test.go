package llm

import (
	"testing"
)

func TestAnthropicMessages_SystemExtraction(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "persona"},
		{Role: "user", Content: "help me"},
	}

	wire, system := anthropicMessages(msgs)
	if system != "persona" {
		t.Errorf("system = %q", system)
	}
	if len(wire) != 1 || wire[0].Role != "user" {
		t.Errorf("wire = %+v", wire)
	}
}

func TestAnthropicMessages_ToolCallsBecomeBlocks(t *testing.T) {
	msgs := []Message{
		{Role: "assistant", Content: "checking", ToolCalls: []ToolCall{
			NewToolCall("toolu_1", "lookup_logs", map[string]any{"customer_id": "c1", "regex": "error"}),
		}},
		{Role: "tool", ToolCallID: "toolu_1", Content: "3 matches"},
	}

	wire, _ := anthropicMessages(msgs)
	if len(wire) != 2 {
		t.Fatalf("wire = %d messages", len(wire))
	}

	blocks, ok := wire[0].Content.([]anthropicBlock)
	if !ok {
		t.Fatalf("assistant content should be blocks, got %T", wire[0].Content)
	}
	if len(blocks) != 2 || blocks[0].Type != "text" || blocks[1].Type != "tool_use" {
		t.Errorf("blocks = %+v", blocks)
	}
	if blocks[1].ID != "toolu_1" || blocks[1].Name != "lookup_logs" {
		t.Errorf("tool_use block = %+v", blocks[1])
	}

	// Tool result rides as a user message with a tool_result block.
	if wire[1].Role != "user" {
		t.Errorf("tool result role = %q, want user", wire[1].Role)
	}
	rblocks := wire[1].Content.([]anthropicBlock)
	if rblocks[0].Type != "tool_result" || rblocks[0].ToolUseID != "toolu_1" {
		t.Errorf("tool_result block = %+v", rblocks[0])
	}
}

func TestAnthropicMessages_MissingToolCallIDSynthesized(t *testing.T) {
	msgs := []Message{
		{Role: "assistant", ToolCalls: []ToolCall{
			NewToolCall("", "note", nil),
		}},
	}
	wire, _ := anthropicMessages(msgs)
	blocks := wire[0].Content.([]anthropicBlock)
	if blocks[0].ID == "" {
		t.Error("empty tool call ID should be synthesized for correlation")
	}
}

func TestAnthropicResult(t *testing.T) {
	resp := &anthropicResponse{
		Model: "claude-test",
		Role:  "assistant",
		Content: []anthropicBlock{
			{Type: "text", Text: "I'll escalate this."},
			{Type: "tool_use", ID: "toolu_9", Name: "escalate", Input: map[string]any{"issue_summary": "db corruption"}},
		},
	}
	resp.Usage.InputTokens = 100
	resp.Usage.OutputTokens = 20

	got := anthropicResult(resp)
	if got.Message.Content != "I'll escalate this." {
		t.Errorf("content = %q", got.Message.Content)
	}
	if len(got.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(got.Message.ToolCalls))
	}
	tc := got.Message.ToolCalls[0]
	if tc.ID != "toolu_9" || tc.Function.Name != "escalate" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments["issue_summary"] != "db corruption" {
		t.Errorf("arguments = %v", tc.Function.Arguments)
	}
	if got.InputTokens != 100 || got.OutputTokens != 20 {
		t.Errorf("tokens = %d/%d", got.InputTokens, got.OutputTokens)
	}
}

func TestAnthropicTools(t *testing.T) {
	tools := []map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":        "close",
			"description": "close the ticket",
			"parameters": map[string]any{
				"type":       "object",
				"properties": map[string]any{"reason": map[string]any{"type": "string"}},
			},
		},
	}}

	got := anthropicTools(tools)
	if len(got) != 1 || got[0].Name != "close" {
		t.Errorf("converted = %+v", got)
	}
	if got[0].InputSchema == nil {
		t.Error("input schema should be carried over")
	}

	if anthropicTools(nil) != nil {
		t.Error("nil tools should convert to nil")
	}
}
