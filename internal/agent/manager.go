package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/deskhand/deskhand/internal/conversation"
	"github.com/deskhand/deskhand/internal/store"
)

// TransitionFunc is invoked after a ticket's status change has been
// persisted. Used to fan transitions out to the event bus.
type TransitionFunc func(ticketID string, from, to conversation.Status, reason string)

// Manager owns one conversation per ticket, loads transcripts from the
// store on first contact, and persists every turn a session produces.
type Manager struct {
	store        *store.Store
	loop         *Loop
	systemPrompt string
	onTransition TransitionFunc
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// session tracks how much of an in-memory conversation has already been
// written to the store, so each Process call persists only the delta.
type session struct {
	conv      *conversation.Conversation
	persisted int
}

// NewManager creates a ticket session manager.
func NewManager(st *store.Store, loop *Loop, systemPrompt string, onTransition TransitionFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:        st,
		loop:         loop,
		systemPrompt: systemPrompt,
		onTransition: onTransition,
		logger:       logger,
		sessions:     make(map[string]*session),
	}
}

// OpenTicket creates a ticket for a new inbound thread. Ticket ids are
// UUIDv7 so they sort by creation time.
func (m *Manager) OpenTicket(customerName, customerEmail, subject, threadID string) (*store.Ticket, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate ticket id: %w", err)
	}
	t, err := m.store.CreateTicket("tkt-"+id.String(), customerName, customerEmail, subject, threadID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("ticket opened",
		"ticket_id", t.TicketID,
		"customer", customerEmail,
	)
	if m.onTransition != nil {
		m.onTransition(t.TicketID, "", conversation.StatusOpen, "")
	}
	return t, nil
}

// Process appends a customer message to the ticket's conversation and
// runs the agent loop until it yields an outcome. All new turns and any
// net status change are persisted before returning.
func (m *Manager) Process(ctx context.Context, ticket *store.Ticket, customerText string) (*Result, error) {
	sess, err := m.sessionFor(ticket)
	if err != nil {
		return nil, err
	}

	before := sess.conv.Status()
	sess.conv.AppendUser(customerText)

	result := m.loop.Run(ctx, sess.conv)

	if err := m.persistNew(ticket.TicketID, sess); err != nil {
		return result, err
	}
	if err := m.persistStatus(ticket.TicketID, before, sess.conv); err != nil {
		return result, err
	}

	m.logger.Info("ticket processed",
		"ticket_id", ticket.TicketID,
		"outcome", result.Outcome,
		"iterations", result.Iterations,
		"status", result.FinalStatus,
	)
	return result, nil
}

// Release drops the in-memory session for a ticket. The transcript
// stays in the store and is replayed on the next Process call.
func (m *Manager) Release(ticketID string) {
	m.mu.Lock()
	delete(m.sessions, ticketID)
	m.mu.Unlock()
}

// sessionFor returns the live session for a ticket, replaying the
// stored transcript when the ticket has none in memory.
func (m *Manager) sessionFor(ticket *store.Ticket) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[ticket.TicketID]; ok {
		return sess, nil
	}

	conv := conversation.New(ticket.TicketID, m.systemPrompt)
	conv.SetCustomer(ticket.CustomerName, ticket.CustomerEmail)

	stored, err := m.store.Messages(ticket.TicketID)
	if err != nil {
		return nil, fmt.Errorf("load transcript %s: %w", ticket.TicketID, err)
	}
	if err := replay(conv, stored); err != nil {
		return nil, fmt.Errorf("replay transcript %s: %w", ticket.TicketID, err)
	}
	if err := conv.SetStatus(conversation.Status(ticket.Status)); err != nil {
		return nil, fmt.Errorf("restore status %s: %w", ticket.TicketID, err)
	}

	sess := &session{conv: conv, persisted: conv.Len()}
	m.sessions[ticket.TicketID] = sess
	return sess, nil
}

// replay re-applies stored messages onto a fresh conversation. The
// stored system row is skipped because New already seeded one; the live
// prompt wins over whatever was current when the ticket opened.
func replay(conv *conversation.Conversation, stored []*store.Message) error {
	for _, msg := range stored {
		switch msg.Role {
		case "system":
			continue
		case "user":
			conv.AppendUser(msg.Content)
		case "assistant":
			calls := make([]conversation.ToolCallRequest, 0, len(msg.ToolCalls))
			for _, sc := range msg.ToolCalls {
				calls = append(calls, conversation.ToolCallRequest{
					ID:        sc.ID,
					Name:      sc.Name,
					Arguments: sc.Arguments,
				})
			}
			if err := conv.AppendAssistant(msg.Content, calls); err != nil {
				return err
			}
		case "tool":
			if err := conv.AppendToolResult(msg.ToolCallID, msg.Content); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown stored role %q", msg.Role)
		}
	}
	return nil
}

// persistNew writes every turn appended since the last persist,
// including the seeded system turn on a ticket's first session.
func (m *Manager) persistNew(ticketID string, sess *session) error {
	turns := sess.conv.Transcript()
	for i := sess.persisted; i < len(turns); i++ {
		t := turns[i]
		msg := &store.Message{
			TicketID:   ticketID,
			Role:       string(t.Role),
			Content:    t.Content,
			ToolCallID: t.ToolCallID,
			CreatedAt:  t.At,
		}
		for _, tc := range t.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, store.StoredCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		if _, err := m.store.AddMessage(msg); err != nil {
			return fmt.Errorf("persist turn %d of %s: %w", i, ticketID, err)
		}
		sess.persisted = i + 1
	}
	return nil
}

// persistStatus records a net status change and notifies the
// transition callback.
func (m *Manager) persistStatus(ticketID string, before conversation.Status, conv *conversation.Conversation) error {
	after := conv.Status()
	if after == before {
		return nil
	}

	reason := ""
	if after == conversation.StatusEscalated || after == conversation.StatusClosed {
		reason = conv.StatusReason()
	}

	if err := m.store.UpdateStatus(ticketID, string(after), reason); err != nil {
		return fmt.Errorf("persist status %s: %w", ticketID, err)
	}
	if m.onTransition != nil {
		m.onTransition(ticketID, before, after, reason)
	}
	return nil
}

// Summarize asks the model for a one-line ticket summary and stores it.
// Failures are logged and swallowed; summaries are cosmetic.
func (m *Manager) Summarize(ctx context.Context, ticket *store.Ticket) {
	sess, err := m.sessionFor(ticket)
	if err != nil {
		m.logger.Warn("summary skipped", "ticket_id", ticket.TicketID, "error", err)
		return
	}

	summary, err := m.loop.SummarizeThread(ctx, sess.conv)
	if err != nil {
		m.logger.Warn("summary failed", "ticket_id", ticket.TicketID, "error", err)
		return
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return
	}

	if err := m.store.SetSummary(ticket.TicketID, summary); err != nil {
		m.logger.Warn("summary not stored", "ticket_id", ticket.TicketID, "error", err)
		return
	}
	m.logger.Debug("ticket summarized", "ticket_id", ticket.TicketID, "summary", summary)
}
