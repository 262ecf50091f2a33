package email

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

// ReplyOptions describes one outbound reply to a customer. Body is the
// markdown the agent produced (one splitter chunk).
type ReplyOptions struct {
	From       string   // support sender identity ("Name <addr@host>")
	To         string   // customer address
	Subject    string   // usually the inbound subject with "Re: "
	Body       string   // reply body, markdown
	InReplyTo  string   // Message-ID of the customer's message
	References []string // threading chain for the ticket
}

// ComposeReply builds a complete RFC 5322 MIME reply. The markdown body
// is emitted twice, as text/plain and text/html alternatives, so the
// customer's client renders something readable either way.
func ComposeReply(opts ReplyOptions) ([]byte, error) {
	header, err := replyHeader(opts)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, *header)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	if err := writeAlternative(tw, "text/plain; charset=utf-8", stripMarkdown(opts.Body)); err != nil {
		return nil, err
	}
	htmlBody, err := renderHTML(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("render markdown to HTML: %w", err)
	}
	if err := writeAlternative(tw, "text/html; charset=utf-8", htmlBody); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

// replyHeader assembles the address and threading headers.
func replyHeader(opts ReplyOptions) (*mail.Header, error) {
	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(opts.Subject)

	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", opts.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	to, err := mail.ParseAddress(opts.To)
	if err != nil {
		return nil, fmt.Errorf("parse to address %q: %w", opts.To, err)
	}
	h.SetAddressList("To", []*mail.Address{to})

	if opts.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{opts.InReplyTo})
	}
	if len(opts.References) > 0 {
		h.SetMsgIDList("References", opts.References)
	}
	return &h, nil
}

// writeAlternative emits one part of the multipart/alternative body.
func writeAlternative(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.Set("Content-Type", contentType)
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		pw.Close()
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close %s part: %w", contentType, err)
	}
	return nil
}

// renderHTML turns markdown into a self-contained HTML document with
// inline styling only; mail clients strip or block everything else.
func renderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String()), nil
}

// markdown constructs that need stripping for the text/plain part, in
// application order. Code blocks go first so their contents are not
// re-processed as inline formatting.
var plainRules = []struct {
	re  *regexp.Regexp
	sub string
}{
	{regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```"), "$1"},
	{regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`), "$1"},
	{regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`), "$1 ($2)"},
	{regexp.MustCompile(`\*\*(.+?)\*\*`), "$1"},
	{regexp.MustCompile(`\*(.+?)\*`), "$1"},
	{regexp.MustCompile("`([^`]+)`"), "$1"},
	{regexp.MustCompile(`(?m)^#{1,6}\s+`), ""},
}

// stripMarkdown reduces markdown to readable plain text. List markers
// stay: "- item" is fine as-is.
func stripMarkdown(md string) string {
	s := md
	for _, rule := range plainRules {
		s = rule.re.ReplaceAllString(s, rule.sub)
	}
	return strings.TrimSpace(s)
}
