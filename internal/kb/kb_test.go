package kb

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	s, err := NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(&Article{
		Slug:     "billing/refunds",
		Title:    "Requesting a refund",
		Body:     "# Requesting a refund\n\nRefunds are issued within **5 business days**.",
		Keywords: "refund, billing, money back",
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get("billing/refunds")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected article, got nil")
	}
	if got.Title != "Requesting a refund" {
		t.Errorf("title = %q", got.Title)
	}
	if strings.Contains(got.Plain, "**") {
		t.Errorf("plain text still contains markdown markup: %q", got.Plain)
	}
	if !strings.Contains(got.Plain, "5 business days") {
		t.Errorf("plain text missing content: %q", got.Plain)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Get("nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing article, got %+v", got)
	}
}

func TestSearchRanksTitleHitsFirst(t *testing.T) {
	s := newTestStore(t)

	articles := []*Article{
		{Slug: "a", Title: "Password reset walkthrough", Body: "Step by step guide."},
		{Slug: "b", Title: "Account security", Body: "Covers password rotation policy."},
		{Slug: "c", Title: "Billing overview", Body: "Nothing relevant here."},
	}
	for _, a := range articles {
		if err := s.Put(a); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Search("password", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got[0].Slug != "a" {
		t.Errorf("title match should rank first, got %q", got[0].Slug)
	}
}

func TestSearchCaseInsensitive(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put(&Article{Slug: "a", Title: "VPN Setup", Body: "Configure the tunnel."}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Search("vpn", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("results = %d, want 1", len(got))
	}
}

func TestIngestDir(t *testing.T) {
	s := newTestStore(t)

	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "refunds.md"),
		"# Requesting a refund\n\nKeywords: refund, billing\n\nRefunds take 5 days.\n")
	mustWrite(t, filepath.Join(dir, "auth", "mfa.md"),
		"# Setting up MFA\n\nUse an authenticator app.\n")
	mustWrite(t, filepath.Join(dir, "notes.txt"), "not an article")

	n, err := s.IngestDir(dir)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 2 {
		t.Errorf("ingested = %d, want 2", n)
	}

	a, err := s.Get("refunds")
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.Title != "Requesting a refund" {
		t.Fatalf("refunds article = %+v", a)
	}
	if a.Keywords != "refund, billing" {
		t.Errorf("keywords = %q", a.Keywords)
	}

	nested, err := s.Get("auth/mfa")
	if err != nil {
		t.Fatal(err)
	}
	if nested == nil || nested.Title != "Setting up MFA" {
		t.Errorf("nested article = %+v", nested)
	}
}

func TestParseArticleFallbacks(t *testing.T) {
	a := parseArticle("plain", "Just some text without a heading.\n")
	if a.Title != "plain" {
		t.Errorf("title should fall back to slug, got %q", a.Title)
	}

	a = parseArticle("kw", "# Title\nKeywords: one, two\nBody.\n")
	if a.Keywords != "one, two" {
		t.Errorf("keywords = %q", a.Keywords)
	}
}

func TestRenderHTML(t *testing.T) {
	out, err := RenderHTML(&Article{Body: "# Hello\n\nSome *emphasis*."})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "<h1>Hello</h1>") || !strings.Contains(out, "<em>emphasis</em>") {
		t.Errorf("html = %q", out)
	}
}

func TestHTMLToText(t *testing.T) {
	text := htmlToText("<h1>Title</h1><p>First  paragraph.</p><ul><li>one</li><li>two</li></ul>")
	if !strings.Contains(text, "Title") || !strings.Contains(text, "First paragraph.") {
		t.Errorf("text = %q", text)
	}
	if strings.Contains(text, "<") {
		t.Errorf("tags not stripped: %q", text)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
