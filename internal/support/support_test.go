package support

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deskhand/deskhand/internal/accounts"
	"github.com/deskhand/deskhand/internal/conversation"
	"github.com/deskhand/deskhand/internal/forge"
	"github.com/deskhand/deskhand/internal/kb"
	"github.com/deskhand/deskhand/internal/logstore"
	"github.com/deskhand/deskhand/internal/sandbox"
	"github.com/deskhand/deskhand/internal/store"
	"github.com/deskhand/deskhand/internal/tools"
)

type fakeSender struct {
	chunks []string
	err    error
}

func (f *fakeSender) SendReply(ctx context.Context, ticket *store.Ticket, chunks []string) error {
	if f.err != nil {
		return f.err
	}
	f.chunks = chunks
	return nil
}

type fakeEscalator struct {
	summary string
	err     error
}

func (f *fakeEscalator) FileEscalation(ctx context.Context, ticket *store.Ticket, issueSummary string) (*forge.Issue, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.summary = issueSummary
	return &forge.Issue{Number: 12, URL: "https://forge.example.com/acme/support/issues/12"}, nil
}

type fakeRunner struct {
	code   string
	result *sandbox.Result
	err    error
}

func (f *fakeRunner) Exec(ctx context.Context, code string) (*sandbox.Result, error) {
	f.code = code
	return f.result, f.err
}

type fixture struct {
	registry  *tools.Registry
	deps      Deps
	sender    *fakeSender
	escalator *fakeEscalator
	runner    *fakeRunner
}

func openDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	acct, err := accounts.NewStoreWithDB(openDB(t, "accounts.db"))
	if err != nil {
		t.Fatal(err)
	}
	logs, err := logstore.NewStoreWithDB(openDB(t, "logs.db"))
	if err != nil {
		t.Fatal(err)
	}
	articles, err := kb.NewStoreWithDB(openDB(t, "kb.db"))
	if err != nil {
		t.Fatal(err)
	}
	tickets, err := store.NewWithDB(openDB(t, "tickets.db"))
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		sender:    &fakeSender{},
		escalator: &fakeEscalator{},
		runner:    &fakeRunner{result: &sandbox.Result{Stdout: "42\n"}},
	}
	f.deps = Deps{
		Accounts:  acct,
		Logs:      logs,
		KB:        articles,
		Tickets:   tickets,
		Sender:    f.sender,
		Escalator: f.escalator,
		Runner:    f.runner,
		ChunkSize: 40,
	}
	f.registry, err = NewRegistry(f.deps)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return f
}

func (f *fixture) newConv(t *testing.T) *conversation.Conversation {
	t.Helper()
	if _, err := f.deps.Tickets.CreateTicket("tkt-1", "Ada Lovelace", "ada@example.com", "Login broken", "<msg-1@mail>"); err != nil {
		t.Fatal(err)
	}
	conv := conversation.New("tkt-1", "sys")
	conv.SetCustomer("Ada Lovelace", "ada@example.com")
	return conv
}

func dispatch(t *testing.T, f *fixture, conv *conversation.Conversation, name string, args map[string]any) tools.Result {
	t.Helper()
	return tools.Dispatch(context.Background(), conversation.ToolCallRequest{
		ID: "c1", Name: name, Arguments: args,
	}, f.registry, conv)
}

func TestRegistryHasFixedToolSet(t *testing.T) {
	f := newFixture(t)
	want := []string{
		"lookup_info", "lookup_logs", "lookup_knowledgebase",
		"note", "reply", "escalate", "close", "python",
	}
	got := f.registry.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLookupInfo(t *testing.T) {
	f := newFixture(t)
	conv := f.newConv(t)

	if _, err := f.deps.Accounts.Upsert(&accounts.Account{
		Name: "Ada Lovelace", Email: "ada@example.com", Plan: "pro",
	}); err != nil {
		t.Fatal(err)
	}

	res := dispatch(t, f, conv, "lookup_info", map[string]any{"email_address": "ADA@example.com"})
	if !res.OK {
		t.Fatalf("Dispatch = %+v", res)
	}
	if !strings.Contains(res.Payload, `"plan": "pro"`) {
		t.Errorf("payload %q should carry the account record", res.Payload)
	}

	res = dispatch(t, f, conv, "lookup_info", map[string]any{"email_address": "nobody@example.com"})
	if !res.OK || res.Payload != "no account found" {
		t.Errorf("miss = %+v, want ok with no-account payload", res)
	}
}

func TestLookupLogs(t *testing.T) {
	f := newFixture(t)
	conv := f.newConv(t)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, msg := range []string{"auth ok", "auth failed: bad token", "billing sync"} {
		if err := f.deps.Logs.Append("cust-1", "ERROR", msg, at); err != nil {
			t.Fatal(err)
		}
	}

	res := dispatch(t, f, conv, "lookup_logs", map[string]any{"customer_id": "cust-1", "regex": "auth.*failed"})
	if !res.OK {
		t.Fatalf("Dispatch = %+v", res)
	}
	if !strings.Contains(res.Payload, "bad token") || strings.Contains(res.Payload, "billing") {
		t.Errorf("payload %q should only carry matching lines", res.Payload)
	}

	res = dispatch(t, f, conv, "lookup_logs", map[string]any{"customer_id": "cust-1", "regex": "("})
	if res.OK || res.ErrorKind != tools.ErrorHandlerFailure {
		t.Errorf("bad regex = %+v, want handler_failure", res)
	}
}

func TestLookupKnowledgebase(t *testing.T) {
	f := newFixture(t)
	conv := f.newConv(t)

	if err := f.deps.KB.Put(&kb.Article{
		Slug: "auth/reset", Title: "Password reset loops",
		Body: "# Password reset loops\n\nClear the session cookie and retry.",
	}); err != nil {
		t.Fatal(err)
	}

	res := dispatch(t, f, conv, "lookup_knowledgebase", map[string]any{"issue_keyword": "reset"})
	if !res.OK {
		t.Fatalf("Dispatch = %+v", res)
	}
	if !strings.Contains(res.Payload, "Password reset loops") || !strings.Contains(res.Payload, "session cookie") {
		t.Errorf("payload %q should carry the article", res.Payload)
	}

	res = dispatch(t, f, conv, "lookup_knowledgebase", map[string]any{"issue_keyword": "quantum"})
	if !res.OK || res.Payload != "no knowledge base articles matched" {
		t.Errorf("miss = %+v", res)
	}
}

func TestNoteSetsNotedOnce(t *testing.T) {
	f := newFixture(t)
	conv := f.newConv(t)

	res := dispatch(t, f, conv, "note", map[string]any{"text": "checked account, all fine"})
	if !res.OK || res.Payload != "noted" {
		t.Fatalf("Dispatch = %+v", res)
	}
	if conv.Status() != conversation.StatusNoted {
		t.Errorf("status = %s, want noted", conv.Status())
	}

	// A note after a reply must not downgrade the status.
	if err := conv.SetStatus(conversation.StatusReplied); err != nil {
		t.Fatal(err)
	}
	dispatch(t, f, conv, "note", map[string]any{"text": "postscript"})
	if conv.Status() != conversation.StatusReplied {
		t.Errorf("status = %s, want replied kept", conv.Status())
	}
}

func TestReplySplitsAndSends(t *testing.T) {
	f := newFixture(t)
	conv := f.newConv(t)

	body := strings.Repeat("try turning it off and on again ", 4)
	res := dispatch(t, f, conv, "reply", map[string]any{"body": body})
	if !res.OK {
		t.Fatalf("Dispatch = %+v", res)
	}
	if conv.Status() != conversation.StatusReplied {
		t.Errorf("status = %s, want replied", conv.Status())
	}
	if len(f.sender.chunks) < 2 {
		t.Fatalf("sent %d chunks, want the body split", len(f.sender.chunks))
	}
	for _, c := range f.sender.chunks {
		if len(c) > f.deps.ChunkSize {
			t.Errorf("chunk %q exceeds %d bytes", c, f.deps.ChunkSize)
		}
	}
	if !strings.Contains(res.Payload, "parts") {
		t.Errorf("payload = %q, want part count", res.Payload)
	}
}

func TestReplyTransportFailureLeavesStatus(t *testing.T) {
	f := newFixture(t)
	conv := f.newConv(t)
	f.sender.err = errors.New("smtp: connection refused")

	res := dispatch(t, f, conv, "reply", map[string]any{"body": "hello"})
	if res.OK || res.ErrorKind != tools.ErrorHandlerFailure {
		t.Fatalf("Dispatch = %+v, want handler_failure", res)
	}
	if conv.Status() != conversation.StatusOpen {
		t.Errorf("status = %s, want open after failed send", conv.Status())
	}
}

func TestEscalateFilesIssue(t *testing.T) {
	f := newFixture(t)
	conv := f.newConv(t)

	res := dispatch(t, f, conv, "escalate", map[string]any{"issue_summary": "Customer data mismatch in billing"})
	if !res.OK {
		t.Fatalf("Dispatch = %+v", res)
	}
	if conv.Status() != conversation.StatusEscalated {
		t.Errorf("status = %s, want escalated", conv.Status())
	}
	if conv.StatusReason() != "Customer data mismatch in billing" {
		t.Errorf("reason = %q", conv.StatusReason())
	}
	if !strings.Contains(res.Payload, "#12") {
		t.Errorf("payload = %q, want issue number", res.Payload)
	}
}

func TestEscalateStandsWhenFilingFails(t *testing.T) {
	f := newFixture(t)
	conv := f.newConv(t)
	f.escalator.err = errors.New("forge unreachable")

	res := dispatch(t, f, conv, "escalate", map[string]any{"issue_summary": "urgent"})
	if !res.OK {
		t.Fatalf("Dispatch = %+v, escalation must stand", res)
	}
	if conv.Status() != conversation.StatusEscalated {
		t.Errorf("status = %s, want escalated despite filing failure", conv.Status())
	}
	if !strings.Contains(res.Payload, "issue filing failed") {
		t.Errorf("payload = %q, should report the filing failure", res.Payload)
	}
}

func TestCloseRecordsReason(t *testing.T) {
	f := newFixture(t)
	conv := f.newConv(t)

	res := dispatch(t, f, conv, "close", map[string]any{"reason": "spam"})
	if !res.OK || res.Payload != "ticket closed" {
		t.Fatalf("Dispatch = %+v", res)
	}
	if conv.Status() != conversation.StatusClosed || conv.StatusReason() != "spam" {
		t.Errorf("status = %s reason = %q", conv.Status(), conv.StatusReason())
	}
}

func TestCloseAfterEscalateFails(t *testing.T) {
	f := newFixture(t)
	conv := f.newConv(t)

	dispatch(t, f, conv, "escalate", map[string]any{"issue_summary": "urgent"})
	res := dispatch(t, f, conv, "close", map[string]any{"reason": "never mind"})
	if res.OK || res.ErrorKind != tools.ErrorHandlerFailure {
		t.Fatalf("Dispatch = %+v, want handler_failure on illegal transition", res)
	}
	if conv.Status() != conversation.StatusEscalated {
		t.Errorf("status = %s, want escalated kept", conv.Status())
	}
}

func TestPython(t *testing.T) {
	f := newFixture(t)
	conv := f.newConv(t)

	res := dispatch(t, f, conv, "python", map[string]any{"code": "print(6*7)"})
	if !res.OK {
		t.Fatalf("Dispatch = %+v", res)
	}
	if f.runner.code != "print(6*7)" {
		t.Errorf("runner got %q", f.runner.code)
	}
	if !strings.Contains(res.Payload, "42") {
		t.Errorf("payload = %q", res.Payload)
	}
}

func TestPythonWithoutRunner(t *testing.T) {
	f := newFixture(t)
	conv := f.newConv(t)
	f.deps.Runner = nil
	registry, err := NewRegistry(f.deps)
	if err != nil {
		t.Fatal(err)
	}
	f.registry = registry

	res := dispatch(t, f, conv, "python", map[string]any{"code": "1"})
	if res.OK || res.ErrorKind != tools.ErrorHandlerFailure {
		t.Errorf("Dispatch = %+v, want handler_failure", res)
	}
}
