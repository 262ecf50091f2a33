// Package sandbox runs untrusted Python snippets in an external runner
// over a WebSocket protocol: the client sends {id, code} and receives
// {id, stdout, stderr, exception} when execution finishes. The runner
// process owns isolation; this client only speaks the wire protocol.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultTimeout bounds one execution round trip.
const DefaultTimeout = 30 * time.Second

// Result is the outcome of one sandbox execution.
type Result struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Exception string `json:"exception,omitempty"`
}

// Client talks to one sandbox runner.
type Client struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

type execRequest struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

type execResponse struct {
	ID        string `json:"id"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Exception string `json:"exception,omitempty"`
	Error     string `json:"error,omitempty"` // runner-level failure, not user code
}

// NewClient creates a sandbox client for the given runner URL. The URL
// may use http(s) or ws(s) schemes; http schemes are rewritten. A zero
// timeout means DefaultTimeout.
func NewClient(rawURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse sandbox url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported sandbox url scheme %q", u.Scheme)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		url:     u.String(),
		timeout: timeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}, nil
}

// Exec runs one code snippet and returns its captured output. Each call
// uses a fresh connection so one stuck execution cannot wedge later
// ones. The error return covers transport and runner failures only;
// user-code exceptions come back in Result.Exception.
func (c *Client) Exec(ctx context.Context, code string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial sandbox: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	id := uuid.NewString()
	if err := conn.WriteJSON(execRequest{ID: id, Code: code}); err != nil {
		return nil, fmt.Errorf("send code: %w", err)
	}

	// The runner may emit progress frames for other sessions on shared
	// deployments; skip anything that is not our response.
	for {
		var resp execResponse
		if err := conn.ReadJSON(&resp); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("sandbox execution timed out after %s", c.timeout)
			}
			return nil, fmt.Errorf("read result: %w", err)
		}
		if resp.ID != id {
			c.logger.Debug("skipping frame for other execution", "got", resp.ID)
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("sandbox runner: %s", resp.Error)
		}
		return &Result{
			Stdout:    resp.Stdout,
			Stderr:    resp.Stderr,
			Exception: resp.Exception,
		}, nil
	}
}

// Format renders a result the way a terminal session would show it, for
// feeding back to the model.
func (r *Result) Format() string {
	out := r.Stdout
	if r.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += r.Stderr
	}
	if r.Exception != "" {
		if out != "" {
			out += "\n"
		}
		out += r.Exception
	}
	if out == "" {
		return "(no output)"
	}
	return out
}
