package email

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/deskhand/deskhand/internal/config"
	"github.com/deskhand/deskhand/internal/store"
)

// Mailer sends outbound ticket replies over SMTP, threaded onto the
// customer's original message.
type Mailer struct {
	from   string
	smtp   config.SMTPConfig
	logger *slog.Logger
}

// NewMailer creates an outbound reply sender.
func NewMailer(cfg config.MailboxConfig, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{from: cfg.From, smtp: cfg.SMTP, logger: logger}
}

// SendReply delivers the reply chunks to the ticket's customer, one
// message per chunk so each stays under the transport size cap. All
// messages thread onto the ticket's root Message-ID.
func (m *Mailer) SendReply(ctx context.Context, ticket *store.Ticket, chunks []string) error {
	subject := "Re: your support request"
	if ticket.Subject != "" {
		subject = "Re: " + ticket.Subject
	}

	var refs []string
	if ticket.ThreadID != "" {
		refs = []string{ticket.ThreadID}
	}

	for i, chunk := range chunks {
		msg, err := ComposeReply(ReplyOptions{
			From:       m.from,
			To:         ticket.CustomerEmail,
			Subject:    subject,
			Body:       chunk,
			InReplyTo:  ticket.ThreadID,
			References: refs,
		})
		if err != nil {
			return fmt.Errorf("compose reply part %d: %w", i+1, err)
		}
		if err := SendMail(ctx, m.smtp, ExtractAddress(m.from), ticket.CustomerEmail, msg); err != nil {
			return fmt.Errorf("send reply part %d of %d: %w", i+1, len(chunks), err)
		}
	}

	m.logger.Info("reply sent",
		"ticket_id", ticket.TicketID,
		"to", ticket.CustomerEmail,
		"parts", len(chunks),
	)
	return nil
}
