package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/deskhand/deskhand/internal/conversation"
	"github.com/deskhand/deskhand/internal/llm"
)

const summaryPrompt = `Summarize the support ticket below in one short line (under 80 characters). State the customer's issue, not the resolution. Output only the summary line, no quotes.`

// SummarizeThread asks the model for a one-line description of the
// ticket. It runs a single plain chat call with no tools.
func (l *Loop) SummarizeThread(ctx context.Context, conv *conversation.Conversation) (string, error) {
	var b strings.Builder
	for _, t := range conv.Transcript() {
		switch t.Role {
		case conversation.RoleUser:
			fmt.Fprintf(&b, "Customer: %s\n", t.Content)
		case conversation.RoleAssistant:
			if t.Content != "" {
				fmt.Fprintf(&b, "Agent: %s\n", t.Content)
			}
		}
	}
	if b.Len() == 0 {
		return "", nil
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout := l.cfg.CallTimeout(); timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := l.client.Chat(callCtx, l.model, []llm.Message{
		{Role: "system", Content: summaryPrompt},
		{Role: "user", Content: b.String()},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("summarize ticket: %w", err)
	}

	summary := strings.TrimSpace(resp.Message.Content)
	if i := strings.IndexByte(summary, '\n'); i >= 0 {
		summary = strings.TrimSpace(summary[:i])
	}
	return strings.Trim(summary, `"`), nil
}
