// Package email handles the support mailbox: polling the inbox for
// customer messages over IMAP and delivering agent replies over SMTP.
// Inbound messages are matched to tickets by their threading headers.
package email

import (
	"time"
)

// Inbound is one customer email pulled from the support inbox, parsed
// down to what ticket intake needs.
type Inbound struct {
	UID       uint32
	MessageID string
	InReplyTo string
	// References is the full threading chain from the raw header; the
	// oldest entry identifies the ticket's root message.
	References []string
	FromName   string
	FromAddr   string
	Subject    string
	TextBody   string
	Date       time.Time
}

// ThreadRoot returns the Message-ID that identifies this conversation
// thread: the first References entry, then In-Reply-To, then the
// message's own ID for a fresh thread.
func (in *Inbound) ThreadRoot() string {
	if len(in.References) > 0 {
		return in.References[0]
	}
	if in.InReplyTo != "" {
		return in.InReplyTo
	}
	return in.MessageID
}
