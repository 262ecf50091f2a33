package logstore

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

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

func TestSearchMatchesRegex(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	lines := []struct {
		level, msg string
	}{
		{"INFO", "session started for device ios-17"},
		{"ERROR", "auth token refresh failed: 401"},
		{"INFO", "sync complete, 120 records"},
		{"ERROR", "auth handshake failed: timeout"},
	}
	for i, l := range lines {
		if err := s.Append("cust-1", l.level, l.msg, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// Another customer's lines must not leak into results.
	if err := s.Append("cust-2", "ERROR", "auth totally failed", base); err != nil {
		t.Fatal(err)
	}

	got, err := s.Search("cust-1", `auth.*failed`, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("matches = %d, want 2", len(got))
	}
	if got[0].Message != "auth token refresh failed: 401" {
		t.Errorf("first match = %q, want oldest line first", got[0].Message)
	}
	if got[1].Level != "ERROR" {
		t.Errorf("level = %q", got[1].Level)
	}
}

func TestSearchRespectsLimit(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		if err := s.Append("cust-1", "INFO", "heartbeat ok", time.Time{}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Search("cust-1", `heartbeat`, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("matches = %d, want 3", len(got))
	}
}

func TestSearchInvalidPattern(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Search("cust-1", `[unclosed`, 0); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestSearchNoMatches(t *testing.T) {
	s := newTestStore(t)

	if err := s.Append("cust-1", "INFO", "all good", time.Time{}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Search("cust-1", `crash`, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("matches = %d, want 0", len(got))
	}
}

func TestImportLines(t *testing.T) {
	s := newTestStore(t)

	input := strings.Join([]string{
		"INFO app launched",
		"",
		"ERROR payment declined: card_expired",
		"plain line with no level",
	}, "\n")

	n, err := s.ImportLines("cust-1", strings.NewReader(input))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 3 {
		t.Errorf("imported = %d, want 3", n)
	}

	count, err := s.CountFor("cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	got, err := s.Search("cust-1", `payment`, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Level != "ERROR" {
		t.Errorf("got %+v", got)
	}

	plain, err := s.Search("cust-1", `no level`, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(plain) != 1 || plain[0].Level != "" {
		t.Errorf("unprefixed line should have empty level: %+v", plain)
	}
}
