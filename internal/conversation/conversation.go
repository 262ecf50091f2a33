// Package conversation holds the per-ticket transcript and ticket
// status. A Conversation owns its turns exclusively for the lifetime of
// one ticket's processing session; the agent loop and the side-effecting
// tool handlers are the only mutators.
package conversation

import (
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Status is the ticket lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusNoted     Status = "noted"
	StatusReplied   Status = "replied"
	StatusEscalated Status = "escalated"
	StatusClosed    Status = "closed"
)

// Terminal reports whether no further tool dispatch is permitted.
// Escalated and closed tickets are out of the agent's hands.
func (s Status) Terminal() bool {
	return s == StatusEscalated || s == StatusClosed
}

// Resolved reports whether the ticket reached an outcome the customer
// can see (a reply was sent, or the ticket was escalated or closed).
func (s Status) Resolved() bool {
	return s == StatusReplied || s.Terminal()
}

// ToolCallRequest is one structured tool invocation emitted by the
// model. It is created at the provider boundary and never mutated.
type ToolCallRequest struct {
	// ID is opaque and unique within the conversation; tool results
	// correlate back to it.
	ID string
	// Name is the registry key of the requested tool.
	Name string
	// Arguments is the raw argument mapping as the model emitted it.
	Arguments map[string]any
}

// Turn is one entry in the transcript.
type Turn struct {
	Role    Role
	Content string

	// ToolCalls is set on assistant turns that request tool execution.
	ToolCalls []ToolCallRequest

	// ToolCallID is set on tool turns and names the request answered.
	ToolCallID string

	At time.Time
}

// ErrUnmatchedToolCall reports a tool result whose id does not
// correspond to an unanswered request in the latest assistant turn.
// This is a programming-invariant violation, not model misbehavior:
// the dispatcher only ever answers requests it was handed.
type ErrUnmatchedToolCall struct {
	ToolCallID string
}

// Error implements the error interface.
func (e *ErrUnmatchedToolCall) Error() string {
	return fmt.Sprintf("tool result %q does not match an outstanding tool call", e.ToolCallID)
}

// ErrIllegalTransition reports an attempt to move a ticket out of a
// terminal status.
type ErrIllegalTransition struct {
	From, To Status
}

// Error implements the error interface.
func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal ticket transition %s -> %s", e.From, e.To)
}

// Conversation is the ordered transcript for one ticket plus its
// status. Zero value is not usable; construct with New.
type Conversation struct {
	ticketID      string
	customerName  string
	customerEmail string

	turns        []Turn
	status       Status
	statusReason string

	// answered tracks which tool-call ids of the latest assistant turn
	// have received their tool turn.
	answered map[string]bool
}

// New creates a conversation seeded with the system turn. The system
// persona is always the first turn of every transcript.
func New(ticketID, systemPrompt string) *Conversation {
	c := &Conversation{
		ticketID: ticketID,
		status:   StatusOpen,
		answered: make(map[string]bool),
	}
	c.turns = append(c.turns, Turn{Role: RoleSystem, Content: systemPrompt, At: time.Now()})
	return c
}

// TicketID returns the ticket this conversation belongs to.
func (c *Conversation) TicketID() string { return c.ticketID }

// Status returns the current ticket status.
func (c *Conversation) Status() Status { return c.status }

// SetStatusReason records why the latest status was set, typically an
// escalation summary or close reason.
func (c *Conversation) SetStatusReason(reason string) { c.statusReason = reason }

// StatusReason returns the recorded reason for the current status.
func (c *Conversation) StatusReason() string { return c.statusReason }

// SetCustomer records the customer identity for handler context.
func (c *Conversation) SetCustomer(name, email string) {
	c.customerName = name
	c.customerEmail = email
}

// Customer returns the recorded customer name and email address.
func (c *Conversation) Customer() (name, email string) {
	return c.customerName, c.customerEmail
}

// AppendUser pushes a user turn.
func (c *Conversation) AppendUser(text string) {
	c.turns = append(c.turns, Turn{Role: RoleUser, Content: text, At: time.Now()})
}

// AppendAssistant pushes an assistant turn, which may carry tool-call
// requests. Appending while tool calls from the previous assistant turn
// are still unanswered violates the pairing invariant.
func (c *Conversation) AppendAssistant(text string, calls []ToolCallRequest) error {
	if ids := c.Outstanding(); len(ids) > 0 {
		return fmt.Errorf("assistant turn appended with %d unanswered tool calls", len(ids))
	}
	c.turns = append(c.turns, Turn{Role: RoleAssistant, Content: text, ToolCalls: calls, At: time.Now()})
	c.answered = make(map[string]bool)
	return nil
}

// AppendToolResult pushes a tool turn answering one request from the
// latest assistant turn. Fails with [ErrUnmatchedToolCall] when the id
// is unknown or already answered.
func (c *Conversation) AppendToolResult(toolCallID, result string) error {
	if !c.isOutstanding(toolCallID) {
		return &ErrUnmatchedToolCall{ToolCallID: toolCallID}
	}
	c.turns = append(c.turns, Turn{Role: RoleTool, Content: result, ToolCallID: toolCallID, At: time.Now()})
	c.answered[toolCallID] = true
	return nil
}

// Outstanding returns the ids of tool calls from the latest assistant
// turn that have not yet received a tool turn, in emission order.
func (c *Conversation) Outstanding() []string {
	last := c.lastAssistant()
	if last == nil {
		return nil
	}
	var ids []string
	for _, tc := range last.ToolCalls {
		if !c.answered[tc.ID] {
			ids = append(ids, tc.ID)
		}
	}
	return ids
}

func (c *Conversation) isOutstanding(id string) bool {
	last := c.lastAssistant()
	if last == nil {
		return false
	}
	for _, tc := range last.ToolCalls {
		if tc.ID == id {
			return !c.answered[id]
		}
	}
	return false
}

func (c *Conversation) lastAssistant() *Turn {
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role == RoleAssistant {
			return &c.turns[i]
		}
	}
	return nil
}

// SetStatus moves the ticket to a new status. Escalated and closed are
// terminal: any transition out of them fails with [ErrIllegalTransition].
func (c *Conversation) SetStatus(next Status) error {
	if c.status.Terminal() && next != c.status {
		return &ErrIllegalTransition{From: c.status, To: next}
	}
	c.status = next
	return nil
}

// Transcript returns a copy of the turns for submission to the model
// client. The copy shares no mutable state with the conversation.
func (c *Conversation) Transcript() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Len returns the number of turns in the transcript.
func (c *Conversation) Len() int { return len(c.turns) }
