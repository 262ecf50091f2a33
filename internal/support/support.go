// Package support binds the fixed customer-support tool set to its
// backing services and exposes it as a tool registry. Tool names and
// argument schemas are a wire contract with the model prompt; renaming
// either breaks deployed prompts.
package support

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/deskhand/deskhand/internal/accounts"
	"github.com/deskhand/deskhand/internal/conversation"
	"github.com/deskhand/deskhand/internal/forge"
	"github.com/deskhand/deskhand/internal/kb"
	"github.com/deskhand/deskhand/internal/logstore"
	"github.com/deskhand/deskhand/internal/sandbox"
	"github.com/deskhand/deskhand/internal/splitter"
	"github.com/deskhand/deskhand/internal/store"
	"github.com/deskhand/deskhand/internal/tools"
)

const (
	logSearchLimit = 50
	kbSearchLimit  = 3
	kbExcerptMax   = 600
)

// Sender delivers an outbound reply to the ticket's customer.
type Sender interface {
	SendReply(ctx context.Context, ticket *store.Ticket, chunks []string) error
}

// Escalator files an escalated ticket with the human on-call queue.
type Escalator interface {
	FileEscalation(ctx context.Context, ticket *store.Ticket, issueSummary string) (*forge.Issue, error)
}

// Runner executes diagnostic code in an external sandbox.
type Runner interface {
	Exec(ctx context.Context, code string) (*sandbox.Result, error)
}

// Deps are the services the tool handlers act on. Sender, Escalator
// and Runner may be nil; the corresponding tools then fail at call
// time instead of registration time.
type Deps struct {
	Accounts  *accounts.Store
	Logs      *logstore.Store
	KB        *kb.Store
	Tickets   *store.Store
	Sender    Sender
	Escalator Escalator
	Runner    Runner

	// ChunkSize caps outbound reply chunks.
	ChunkSize int

	Logger *slog.Logger
}

type binder struct {
	Deps
}

// NewRegistry builds the tool registry for one process. The registry
// is immutable afterwards and shared across all tickets.
func NewRegistry(deps Deps) (*tools.Registry, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	b := &binder{Deps: deps}

	r := tools.NewRegistry()
	specs := []*tools.Spec{
		{
			Name:        "lookup_info",
			Description: "Look up a customer account record by email address.",
			Params: []tools.Param{
				{Name: "email_address", Type: tools.TypeString, Required: true, Description: "The customer's email address."},
			},
			Handler: b.lookupInfo,
		},
		{
			Name:        "lookup_logs",
			Description: "Search a customer's service logs with a regular expression.",
			Params: []tools.Param{
				{Name: "customer_id", Type: tools.TypeString, Required: true, Description: "The customer id from lookup_info."},
				{Name: "regex", Type: tools.TypeString, Required: true, Description: "Regular expression matched against each log line."},
			},
			Handler: b.lookupLogs,
		},
		{
			Name:        "lookup_knowledgebase",
			Description: "Search the support knowledge base for articles about an issue.",
			Params: []tools.Param{
				{Name: "issue_keyword", Type: tools.TypeString, Required: true, Description: "Keyword or phrase describing the issue."},
			},
			Handler: b.lookupKnowledgebase,
		},
		{
			Name:        "note",
			Description: "Record an internal note on the ticket. Not visible to the customer.",
			Params: []tools.Param{
				{Name: "text", Type: tools.TypeString, Required: true, Description: "The note text."},
			},
			Handler: b.note,
		},
		{
			Name:        "reply",
			Description: "Send a reply to the customer and mark the ticket replied. Terminal.",
			Params: []tools.Param{
				{Name: "body", Type: tools.TypeString, Required: true, Description: "The reply body in markdown."},
			},
			Handler: b.reply,
		},
		{
			Name:        "escalate",
			Description: "Escalate the ticket to a human agent. Terminal.",
			Params: []tools.Param{
				{Name: "issue_summary", Type: tools.TypeString, Required: true, Description: "Summary of the issue for the human agent."},
			},
			Handler: b.escalate,
		},
		{
			Name:        "close",
			Description: "Close the ticket without replying (spam, duplicate, resolved elsewhere). Terminal.",
			Params: []tools.Param{
				{Name: "reason", Type: tools.TypeString, Required: true, Description: "Why the ticket is being closed."},
			},
			Handler: b.close,
		},
		{
			Name:        "python",
			Description: "Run Python code in an isolated sandbox and return its output. Use for diagnostics and calculations.",
			Params: []tools.Param{
				{Name: "code", Type: tools.TypeString, Required: true, Description: "The Python source to execute."},
			},
			Handler: b.python,
		},
	}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (b *binder) lookupInfo(ctx context.Context, args tools.Args, conv *conversation.Conversation) (string, error) {
	account, err := b.Accounts.FindByEmail(args.String("email_address"))
	if err != nil {
		return "", fmt.Errorf("account lookup: %w", err)
	}
	if account == nil {
		// A clean miss is a successful lookup.
		return "no account found", nil
	}
	out, err := json.MarshalIndent(account, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (b *binder) lookupLogs(ctx context.Context, args tools.Args, conv *conversation.Conversation) (string, error) {
	lines, err := b.Logs.Search(args.String("customer_id"), args.String("regex"), logSearchLimit)
	if err != nil {
		return "", fmt.Errorf("log search: %w", err)
	}
	if len(lines) == 0 {
		return "no log lines matched", nil
	}

	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line.LoggedAt.UTC().Format("2006-01-02T15:04:05Z"))
		if line.Level != "" {
			fmt.Fprintf(&sb, " [%s]", line.Level)
		}
		sb.WriteByte(' ')
		sb.WriteString(line.Message)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func (b *binder) lookupKnowledgebase(ctx context.Context, args tools.Args, conv *conversation.Conversation) (string, error) {
	articles, err := b.KB.Search(args.String("issue_keyword"), kbSearchLimit)
	if err != nil {
		return "", fmt.Errorf("knowledge base search: %w", err)
	}
	if len(articles) == 0 {
		return "no knowledge base articles matched", nil
	}

	var sb strings.Builder
	for i, a := range articles {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s (%s)\n", a.Title, a.Slug)
		sb.WriteString(excerpt(a.Plain, kbExcerptMax))
	}
	return sb.String(), nil
}

func (b *binder) note(ctx context.Context, args tools.Args, conv *conversation.Conversation) (string, error) {
	text := strings.TrimSpace(args.String("text"))
	if text == "" {
		return "", fmt.Errorf("note text is empty")
	}
	// Notes never downgrade a ticket that already progressed further.
	if conv.Status() == conversation.StatusOpen {
		if err := conv.SetStatus(conversation.StatusNoted); err != nil {
			return "", err
		}
	}
	b.Logger.Debug("note recorded", "ticket_id", conv.TicketID(), "length", len(text))
	return "noted", nil
}

func (b *binder) reply(ctx context.Context, args tools.Args, conv *conversation.Conversation) (string, error) {
	body := strings.TrimSpace(args.String("body"))
	if body == "" {
		return "", fmt.Errorf("reply body is empty")
	}
	if b.Sender == nil {
		return "", fmt.Errorf("no reply transport configured")
	}

	ticket, err := b.ticketFor(conv)
	if err != nil {
		return "", err
	}

	chunks, err := splitter.SplitMarkdown(body, b.ChunkSize)
	if err != nil {
		return "", fmt.Errorf("split reply: %w", err)
	}
	if err := b.Sender.SendReply(ctx, ticket, chunks); err != nil {
		return "", fmt.Errorf("send reply: %w", err)
	}

	if err := conv.SetStatus(conversation.StatusReplied); err != nil {
		return "", err
	}
	if len(chunks) > 1 {
		return fmt.Sprintf("reply sent in %d parts", len(chunks)), nil
	}
	return "reply sent", nil
}

func (b *binder) escalate(ctx context.Context, args tools.Args, conv *conversation.Conversation) (string, error) {
	summary := strings.TrimSpace(args.String("issue_summary"))
	if summary == "" {
		return "", fmt.Errorf("issue summary is empty")
	}

	ticket, err := b.ticketFor(conv)
	if err != nil {
		return "", err
	}

	if err := conv.SetStatus(conversation.StatusEscalated); err != nil {
		return "", err
	}
	conv.SetStatusReason(summary)

	// The escalation stands even when issue filing fails; the status
	// change is what routes the ticket to a human.
	if b.Escalator == nil {
		b.Logger.Warn("no escalation tracker configured", "ticket_id", conv.TicketID())
		return "escalated (no tracker configured)", nil
	}
	issue, err := b.Escalator.FileEscalation(ctx, ticket, summary)
	if err != nil {
		b.Logger.Error("escalation issue not filed", "ticket_id", conv.TicketID(), "error", err)
		return fmt.Sprintf("escalated; issue filing failed: %v", err), nil
	}
	return fmt.Sprintf("escalated as issue #%d: %s", issue.Number, issue.URL), nil
}

func (b *binder) close(ctx context.Context, args tools.Args, conv *conversation.Conversation) (string, error) {
	reason := strings.TrimSpace(args.String("reason"))
	if reason == "" {
		return "", fmt.Errorf("close reason is empty")
	}
	if err := conv.SetStatus(conversation.StatusClosed); err != nil {
		return "", err
	}
	conv.SetStatusReason(reason)
	return "ticket closed", nil
}

func (b *binder) python(ctx context.Context, args tools.Args, conv *conversation.Conversation) (string, error) {
	if b.Runner == nil {
		return "", fmt.Errorf("sandbox not configured")
	}
	res, err := b.Runner.Exec(ctx, args.String("code"))
	if err != nil {
		return "", fmt.Errorf("sandbox: %w", err)
	}
	return res.Format(), nil
}

// ticketFor loads the persisted ticket behind a conversation.
func (b *binder) ticketFor(conv *conversation.Conversation) (*store.Ticket, error) {
	ticket, err := b.Tickets.GetTicket(conv.TicketID())
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	if ticket == nil {
		return nil, fmt.Errorf("ticket %s not found", conv.TicketID())
	}
	return ticket, nil
}

// excerpt truncates s at a rune-safe boundary.
func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return cut + " ..."
}
