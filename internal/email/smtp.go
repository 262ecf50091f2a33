package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/deskhand/deskhand/internal/config"
)

// smtpDialTimeout caps connection establishment when the caller's
// context has no sooner deadline.
const smtpDialTimeout = 30 * time.Second

// SendMail delivers one complete RFC 5322 message. Each call opens its
// own connection and closes it afterwards; reply volume is far too low
// for pooling to matter. The context bounds the whole exchange.
func SendMail(ctx context.Context, cfg config.SMTPConfig, from, recipient string, msg []byte) error {
	client, err := dialSMTP(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(ExtractAddress(from)); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(ExtractAddress(recipient)); err != nil {
		return fmt.Errorf("RCPT TO %s: %w", recipient, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}
	return client.Quit()
}

// dialSMTP opens the transport connection. starttls=true means a plain
// connection upgraded later (port 587); otherwise the connection is TLS
// from the first byte (port 465).
func dialSMTP(ctx context.Context, cfg config.SMTPConfig) (*smtp.Client, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	timeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: timeout}

	var conn net.Conn
	var err error
	if cfg.StartTLS {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
	}
	if err != nil {
		return nil, fmt.Errorf("dial SMTP %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create SMTP client on %s: %w", addr, err)
	}
	return client, nil
}

// ExtractAddress pulls the bare address out of "Name <addr>" forms;
// anything without angle brackets is returned as-is.
func ExtractAddress(s string) string {
	if end := len(s) - 1; end > 0 && s[end] == '>' {
		for start := end - 1; start >= 0; start-- {
			if s[start] == '<' {
				return s[start+1 : end]
			}
		}
	}
	return s
}
