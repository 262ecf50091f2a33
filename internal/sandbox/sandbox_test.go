package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// fakeRunner upgrades and answers each {id, code} frame with fn's response.
func fakeRunner(t *testing.T, fn func(req execRequest) execResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			var req execRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if err := conn.WriteJSON(fn(req)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecReturnsOutput(t *testing.T) {
	srv := fakeRunner(t, func(req execRequest) execResponse {
		if !strings.Contains(req.Code, "print") {
			t.Errorf("code not forwarded: %q", req.Code)
		}
		return execResponse{ID: req.ID, Stdout: "42\n"}
	})

	c, err := NewClient(srv.URL, 0, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	res, err := c.Exec(context.Background(), "print(6*7)")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Stdout != "42\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestExecReportsException(t *testing.T) {
	srv := fakeRunner(t, func(req execRequest) execResponse {
		return execResponse{ID: req.ID, Exception: "ZeroDivisionError: division by zero"}
	})

	c, err := NewClient(srv.URL, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := c.Exec(context.Background(), "1/0")
	if err != nil {
		t.Fatalf("exceptions are results, not errors: %v", err)
	}
	if !strings.Contains(res.Exception, "ZeroDivisionError") {
		t.Errorf("exception = %q", res.Exception)
	}
}

func TestExecRunnerError(t *testing.T) {
	srv := fakeRunner(t, func(req execRequest) execResponse {
		return execResponse{ID: req.ID, Error: "interpreter pool exhausted"}
	})

	c, err := NewClient(srv.URL, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Exec(context.Background(), "pass"); err == nil {
		t.Fatal("expected runner error")
	}
}

func TestExecSkipsForeignFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req execRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(execResponse{ID: "someone-else", Stdout: "not yours"})
		_ = conn.WriteJSON(execResponse{ID: req.ID, Stdout: "yours"})
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := c.Exec(context.Background(), "pass")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Stdout != "yours" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestExecTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never answer.
		var req execRequest
		_ = conn.ReadJSON(&req)
		time.Sleep(2 * time.Second)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, 100*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Exec(context.Background(), "while True: pass"); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestNewClientSchemes(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:8700/exec", want: "ws://localhost:8700/exec"},
		{in: "https://runner.example/exec", want: "wss://runner.example/exec"},
		{in: "ws://localhost:8700", want: "ws://localhost:8700"},
		{in: "ftp://nope", wantErr: true},
	}
	for _, tt := range tests {
		c, err := NewClient(tt.in, 0, nil)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewClient(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewClient(%q): %v", tt.in, err)
			continue
		}
		if c.url != tt.want {
			t.Errorf("NewClient(%q).url = %q, want %q", tt.in, c.url, tt.want)
		}
	}
}

func TestResultFormat(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want string
	}{
		{"stdout only", Result{Stdout: "hi\n"}, "hi\n"},
		{"empty", Result{}, "(no output)"},
		{"stderr appended", Result{Stdout: "a", Stderr: "b"}, "a\nb"},
		{"exception last", Result{Stdout: "a", Exception: "KeyError"}, "a\nKeyError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.res.Format(); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}
