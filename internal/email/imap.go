package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/deskhand/deskhand/internal/config"
)

// maxBodySize caps the text body fed into a ticket. Larger bodies are
// truncated with a note.
const maxBodySize = 32 * 1024

// maxRawMessageSize caps how much of one raw RFC 822 message is
// buffered from the IMAP literal; the rest of the literal is drained to
// keep the stream in sync.
const maxRawMessageSize = 5 * 1024 * 1024

// Client is a single-mailbox IMAP client wrapping go-imap/v2 with
// automatic reconnection and mutex-serialized access. All public
// methods are goroutine-safe.
type Client struct {
	cfg    config.IMAPConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

// NewClient creates an IMAP client for the support mailbox. The
// connection is established lazily on first use.
func NewClient(cfg config.IMAPConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))

	var opts imapclient.Options
	if c.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: c.cfg.Host}
	}

	c.logger.Debug("connecting to IMAP server", "host", c.cfg.Host, "port", c.cfg.Port, "tls", c.cfg.TLS)

	var client *imapclient.Client
	var err error
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
	}

	c.client = client
	c.logger.Info("IMAP connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return nil
}

// ensureConnected checks the connection and reconnects if needed.
// Caller must hold c.mu.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.client != nil {
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting", "host", c.cfg.Host)
	}
	return c.connectLocked(ctx)
}

// Ping checks that the mailbox is reachable.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected(ctx)
}

// Close logs out and closes the IMAP connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) selectFolder() error {
	folder := c.cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", folder, err)
	}
	return nil
}

// HighestUID returns the largest UID currently in the folder, or 0 for
// an empty mailbox. Used to seed the poll high-water mark so a fresh
// deployment does not turn the whole inbox backlog into tickets.
func (c *Client) HighestUID(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return 0, err
	}
	if err := c.selectFolder(); err != nil {
		return 0, err
	}

	searchData, err := c.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return 0, nil
	}

	var highest uint32
	for _, uid := range uids {
		if uint32(uid) > highest {
			highest = uint32(uid)
		}
	}
	return highest, nil
}

// FetchSince returns every message with a UID strictly greater than
// sinceUID, fully parsed, oldest first. Messages that fail to parse are
// skipped with a log line rather than blocking the rest of the batch.
func (c *Client) FetchSince(ctx context.Context, sinceUID uint32) ([]*Inbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if err := c.selectFolder(); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{
			{imap.UIDRange{Start: imap.UID(sinceUID + 1), Stop: 0}},
		},
	}
	searchData, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchOpts := &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true}, // intake must not flip \Seen for human agents
		},
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOpts)

	var out []*Inbound
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		in, err := c.parseFetch(msg)
		if err != nil {
			c.logger.Warn("skipping unparseable message", "error", err)
			continue
		}
		out = append(out, in)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	// Oldest first so tickets are created in arrival order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		if out[i].UID > out[j].UID {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (c *Client) parseFetch(msg *imapclient.FetchMessageData) (*Inbound, error) {
	in := &Inbound{}
	var rawBody []byte

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			in.UID = uint32(data.UID)
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				in.Date = data.Envelope.Date
				in.Subject = data.Envelope.Subject
				in.MessageID = data.Envelope.MessageID
				if len(data.Envelope.InReplyTo) > 0 {
					in.InReplyTo = data.Envelope.InReplyTo[0]
				}
				if len(data.Envelope.From) > 0 {
					in.FromName = data.Envelope.From[0].Name
					in.FromAddr = data.Envelope.From[0].Addr()
				}
			}
		case imapclient.FetchItemDataBodySection:
			// The literal streams from the IMAP connection; it must be
			// consumed before the next item or the data is lost.
			if data.Literal == nil {
				continue
			}
			var readErr error
			rawBody, readErr = io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
			_, _ = io.Copy(io.Discard, data.Literal)
			if readErr != nil {
				c.logger.Debug("error reading body literal", "uid", in.UID, "error", readErr)
				rawBody = nil
			}
		}
	}

	if in.UID == 0 {
		return nil, fmt.Errorf("message missing UID")
	}
	if rawBody != nil {
		if err := c.parseBody(in, bytes.NewReader(rawBody)); err != nil {
			c.logger.Debug("body parse error", "uid", in.UID, "error", err)
		}
	}
	return in, nil
}

// parseBody walks the MIME structure for the text/plain part and the
// References header, which the IMAP ENVELOPE does not carry.
//
// go-message may return both a valid reader AND an error for unknown
// charsets; those are non-fatal and parsing continues.
func (c *Client) parseBody(in *Inbound, r io.Reader) error {
	mailReader, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if mailReader == nil {
		return fmt.Errorf("create mail reader returned nil: %w", err)
	}

	if refs, err := mailReader.Header.MsgIDList("References"); err == nil && len(refs) > 0 {
		in.References = refs
	}

	for {
		part, err := mailReader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue // attachments are irrelevant to intake
		}
		contentType, _, _ := h.ContentType()
		if contentType != "text/plain" || in.TextBody != "" {
			continue
		}

		body, err := io.ReadAll(io.LimitReader(part.Body, maxBodySize+1))
		if err != nil {
			c.logger.Debug("error reading text/plain part", "error", err)
			continue
		}
		text := string(body)
		if len(body) > maxBodySize {
			text = text[:maxBodySize] + "\n\n[truncated]"
		}
		in.TextBody = strings.TrimSpace(text)
	}

	return nil
}
