// Package httpkit builds the HTTP clients used for every outbound call
// in Deskhand. The model providers, the issue tracker, and the
// knowledge-base ingest all share the same transport defaults and
// identify themselves with the same User-Agent.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/deskhand/deskhand/internal/buildinfo"
)

// defaultTimeout is the overall request deadline unless a caller opts
// out with [WithTimeout]. Model calls opt out: their deadline comes
// from the loop's per-call context.
const defaultTimeout = 30 * time.Second

// NewTransport returns the pooled transport all clients start from.
// Header and handshake deadlines are set individually so a client with
// no overall timeout (streaming model responses) still cannot hang on
// a dead peer.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		ForceAttemptHTTP2:     true,
	}
}

// ClientOption adjusts a client built by [NewClient].
type ClientOption func(*http.Client)

// WithTimeout replaces the overall request timeout. Zero disables it,
// leaving only the transport-level deadlines.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *http.Client) { c.Timeout = d }
}

// WithTransport substitutes the underlying transport. The User-Agent
// wrapper is applied on top of whatever is given.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *http.Client) { c.Transport = t }
}

// NewClient builds an *http.Client on the shared transport defaults.
// Every request carries the Deskhand User-Agent unless the caller set
// its own.
func NewClient(opts ...ClientOption) *http.Client {
	c := &http.Client{
		Timeout:   defaultTimeout,
		Transport: NewTransport(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Transport = &identifyingTransport{next: c.Transport}
	return c
}

type identifyingTransport struct {
	next http.RoundTripper
}

func (t *identifyingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not mutate the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", buildinfo.UserAgent())
	}
	return t.next.RoundTrip(req)
}

// DrainAndClose consumes at most limit bytes of rc and closes it, so
// the underlying connection goes back to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody captures up to limit bytes of an error response for
// diagnostics and drains the rest for connection reuse.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
