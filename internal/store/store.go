// Package store persists tickets, conversation messages, and tool-usage
// records. One sqlite database holds everything so a ticket's full
// history survives process restarts and can be replayed into a fresh
// agent session.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Ticket is one support ticket row.
type Ticket struct {
	TicketID      string    `json:"ticket_id"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email"`
	Status        string    `json:"status"`
	Subject       string    `json:"subject,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	EscalationReason string `json:"escalation_reason,omitempty"`
	ThreadID      string    `json:"thread_id,omitempty"` // transport thread (email Message-ID chain, chat thread)
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Message is one stored transcript entry.
type Message struct {
	MessageID  string         `json:"message_id"`
	TicketID   string         `json:"ticket_id"`
	Role       string         `json:"role"` // system, user, assistant, tool
	Content    string         `json:"content"`
	ToolCalls  []StoredCall   `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// StoredCall is the persisted form of one tool-call request.
type StoredCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolUsage records one dispatched tool call for analytics.
type ToolUsage struct {
	UsageID     string         `json:"usage_id"`
	TicketID    string         `json:"ticket_id"`
	MessageID   string         `json:"message_id,omitempty"`
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args"`
	Result      string         `json:"result"`
	OK          bool           `json:"ok"`
	Duration    time.Duration  `json:"duration"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Store manages ticket persistence.
type Store struct {
	db *sql.DB
}

// New creates a ticket store using the given database path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewWithDB creates a ticket store using an existing database connection.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tickets (
			ticket_id TEXT PRIMARY KEY,
			customer_name TEXT NOT NULL,
			customer_email TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			subject TEXT,
			summary TEXT,
			escalation_reason TEXT,
			thread_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			ticket_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (ticket_id) REFERENCES tickets (ticket_id)
		);

		CREATE TABLE IF NOT EXISTS tool_usage (
			usage_id TEXT PRIMARY KEY,
			ticket_id TEXT NOT NULL,
			message_id TEXT,
			tool_name TEXT NOT NULL,
			args TEXT NOT NULL,
			result TEXT NOT NULL,
			ok INTEGER NOT NULL,
			duration_ms REAL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (ticket_id) REFERENCES tickets (ticket_id)
		);

		CREATE TABLE IF NOT EXISTS marks (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_ticket ON messages(ticket_id);
		CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
		CREATE INDEX IF NOT EXISTS idx_tool_usage_ticket ON tool_usage(ticket_id);
		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
		CREATE INDEX IF NOT EXISTS idx_tickets_thread ON tickets(thread_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTicket inserts a new ticket in status open.
func (s *Store) CreateTicket(ticketID, customerName, customerEmail, subject, threadID string) (*Ticket, error) {
	now := time.Now().UTC()
	t := &Ticket{
		TicketID:      ticketID,
		CustomerName:  customerName,
		CustomerEmail: customerEmail,
		Status:        "open",
		Subject:       subject,
		ThreadID:      threadID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := s.db.Exec(`
		INSERT INTO tickets (ticket_id, customer_name, customer_email, status, subject, thread_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.TicketID, t.CustomerName, t.CustomerEmail, t.Status, t.Subject, t.ThreadID,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert ticket: %w", err)
	}
	return t, nil
}

// GetTicket fetches one ticket, or (nil, nil) when absent.
func (s *Store) GetTicket(ticketID string) (*Ticket, error) {
	row := s.db.QueryRow(`
		SELECT ticket_id, customer_name, customer_email, status,
		       COALESCE(subject, ''), COALESCE(summary, ''), COALESCE(escalation_reason, ''), COALESCE(thread_id, ''),
		       created_at, updated_at
		FROM tickets WHERE ticket_id = ?
	`, ticketID)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// FindTicketByThread fetches the ticket bound to a transport thread,
// or (nil, nil) when no ticket owns it.
func (s *Store) FindTicketByThread(threadID string) (*Ticket, error) {
	row := s.db.QueryRow(`
		SELECT ticket_id, customer_name, customer_email, status,
		       COALESCE(subject, ''), COALESCE(summary, ''), COALESCE(escalation_reason, ''), COALESCE(thread_id, ''),
		       created_at, updated_at
		FROM tickets WHERE thread_id = ?
	`, threadID)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTickets returns tickets filtered by status ("" = all), newest first.
func (s *Store) ListTickets(status string) ([]*Ticket, error) {
	query := `
		SELECT ticket_id, customer_name, customer_email, status,
		       COALESCE(subject, ''), COALESCE(summary, ''), COALESCE(escalation_reason, ''), COALESCE(thread_id, ''),
		       created_at, updated_at
		FROM tickets`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateStatus moves a ticket to a new status. The reason is stored for
// escalations and closures; empty reasons leave the column untouched.
func (s *Store) UpdateStatus(ticketID, status, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var err error
	if reason != "" {
		_, err = s.db.Exec(`
			UPDATE tickets SET status = ?, escalation_reason = ?, updated_at = ? WHERE ticket_id = ?
		`, status, reason, now, ticketID)
	} else {
		_, err = s.db.Exec(`
			UPDATE tickets SET status = ?, updated_at = ? WHERE ticket_id = ?
		`, status, now, ticketID)
	}
	if err != nil {
		return fmt.Errorf("update ticket status: %w", err)
	}
	return nil
}

// SetSummary records the short model-generated ticket title.
func (s *Store) SetSummary(ticketID, summary string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`UPDATE tickets SET summary = ?, updated_at = ? WHERE ticket_id = ?`,
		summary, now, ticketID)
	if err != nil {
		return fmt.Errorf("set ticket summary: %w", err)
	}
	return nil
}

// AddMessage appends one transcript entry for a ticket.
func (s *Store) AddMessage(m *Message) (*Message, error) {
	if m.MessageID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate message id: %w", err)
		}
		m.MessageID = id.String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	toolCalls, err := marshalOrNull(m.ToolCalls)
	if err != nil {
		return nil, fmt.Errorf("marshal tool calls: %w", err)
	}
	metadata, err := marshalOrNull(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (message_id, ticket_id, role, content, tool_calls, tool_call_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.MessageID, m.TicketID, m.Role, m.Content, toolCalls, nullable(m.ToolCallID), metadata,
		m.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// Messages returns a ticket's transcript in insertion order. Message
// ids are UUIDv7, so id order is insertion order.
func (s *Store) Messages(ticketID string) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT message_id, role, content, tool_calls, tool_call_id, metadata, created_at
		FROM messages WHERE ticket_id = ? ORDER BY message_id ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{TicketID: ticketID}
		var toolCalls, toolCallID, metadata sql.NullString
		var createdAt string
		if err := rows.Scan(&m.MessageID, &m.Role, &m.Content, &toolCalls, &toolCallID, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		m.ToolCallID = toolCallID.String
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordToolUsage stores one dispatched tool call.
func (s *Store) RecordToolUsage(u *ToolUsage) error {
	if u.UsageID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage id: %w", err)
		}
		u.UsageID = id.String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	args, err := marshalOrNull(u.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO tool_usage (usage_id, ticket_id, message_id, tool_name, args, result, ok, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.UsageID, u.TicketID, nullable(u.MessageID), u.ToolName, args, u.Result,
		boolToInt(u.OK), float64(u.Duration)/float64(time.Millisecond),
		u.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert tool usage: %w", err)
	}
	return nil
}

// ToolUsageFor returns a ticket's tool-usage records, oldest first.
func (s *Store) ToolUsageFor(ticketID string) ([]*ToolUsage, error) {
	rows, err := s.db.Query(`
		SELECT usage_id, message_id, tool_name, args, result, ok, duration_ms, created_at
		FROM tool_usage WHERE ticket_id = ? ORDER BY created_at ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("query tool usage: %w", err)
	}
	defer rows.Close()

	var out []*ToolUsage
	for rows.Next() {
		u := &ToolUsage{TicketID: ticketID}
		var messageID sql.NullString
		var args string
		var ok int
		var durationMs float64
		var createdAt string
		if err := rows.Scan(&u.UsageID, &messageID, &u.ToolName, &args, &u.Result, &ok, &durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tool usage: %w", err)
		}
		if args != "" {
			if err := json.Unmarshal([]byte(args), &u.Args); err != nil {
				return nil, fmt.Errorf("unmarshal args: %w", err)
			}
		}
		u.MessageID = messageID.String
		u.OK = ok != 0
		u.Duration = time.Duration(durationMs * float64(time.Millisecond))
		u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetMark returns a persisted operational marker (e.g. the IMAP
// high-water UID), or "" when unset.
func (s *Store) GetMark(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM marks WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get mark %s: %w", key, err)
	}
	return value, nil
}

// SetMark stores an operational marker.
func (s *Store) SetMark(key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO marks (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("set mark %s: %w", key, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(row scanner) (*Ticket, error) {
	t := &Ticket{}
	var createdAt, updatedAt string
	err := row.Scan(&t.TicketID, &t.CustomerName, &t.CustomerEmail, &t.Status,
		&t.Subject, &t.Summary, &t.EscalationReason, &t.ThreadID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return t, nil
}

func marshalOrNull(v any) (any, error) {
	switch val := v.(type) {
	case []StoredCall:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
