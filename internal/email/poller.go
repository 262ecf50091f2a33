package email

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
)

// markKey is the persisted high-water mark key for inbox polling.
const markKey = "imap:inbox"

// Marks persists the poll high-water mark across restarts.
type Marks interface {
	GetMark(key string) (string, error)
	SetMark(key, value string) error
}

// Mailbox is the slice of the IMAP client the poller needs.
type Mailbox interface {
	HighestUID(ctx context.Context) (uint32, error)
	FetchSince(ctx context.Context, sinceUID uint32) ([]*Inbound, error)
}

// Handler receives each new inbound message in arrival order. An error
// stops the current poll cycle without advancing the high-water mark
// past the failed message, so it is retried next cycle.
type Handler func(ctx context.Context, in *Inbound) error

// Poller checks the support inbox for new messages by comparing IMAP
// UIDs against a persisted high-water mark.
type Poller struct {
	client  Mailbox
	marks   Marks
	handler Handler
	logger  *slog.Logger
}

// NewPoller creates an inbox poller.
func NewPoller(client Mailbox, marks Marks, handler Handler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{client: client, marks: marks, handler: handler, logger: logger}
}

// Poll runs one poll cycle: fetch everything past the high-water mark,
// hand each message to the handler, and advance the mark as messages
// are consumed.
//
// On first run (no stored mark) the current highest UID is recorded
// silently so an initial deployment does not turn the whole inbox
// backlog into tickets.
func (p *Poller) Poll(ctx context.Context) error {
	stored, err := p.marks.GetMark(markKey)
	if err != nil {
		return fmt.Errorf("get high-water mark: %w", err)
	}

	if stored == "" {
		highest, err := p.client.HighestUID(ctx)
		if err != nil {
			return fmt.Errorf("seed high-water mark: %w", err)
		}
		p.logger.Info("inbox poll first run, seeding high-water mark", "uid", highest)
		return p.marks.SetMark(markKey, strconv.FormatUint(uint64(highest), 10))
	}

	sinceUID, err := strconv.ParseUint(stored, 10, 32)
	if err != nil {
		// Corrupt state: reseed rather than replaying the whole inbox.
		p.logger.Warn("corrupt high-water mark, reseeding", "stored", stored)
		highest, err := p.client.HighestUID(ctx)
		if err != nil {
			return fmt.Errorf("reseed high-water mark: %w", err)
		}
		return p.marks.SetMark(markKey, strconv.FormatUint(uint64(highest), 10))
	}

	inbound, err := p.client.FetchSince(ctx, uint32(sinceUID))
	if err != nil {
		return fmt.Errorf("fetch new messages: %w", err)
	}
	if len(inbound) == 0 {
		return nil
	}

	p.logger.Info("new support mail", "count", len(inbound))

	for _, in := range inbound {
		if err := p.handler(ctx, in); err != nil {
			return fmt.Errorf("handle message uid %d: %w", in.UID, err)
		}
		if err := p.marks.SetMark(markKey, strconv.FormatUint(uint64(in.UID), 10)); err != nil {
			return fmt.Errorf("advance high-water mark: %w", err)
		}
	}
	return nil
}
