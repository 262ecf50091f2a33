// Package logstore stores per-customer application log lines and
// supports regex search over them. The lookup_logs tool queries this
// store; lines are ingested from product telemetry exports.
package logstore

import (
	"bufio"
	"database/sql"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Line is one stored log line for a customer.
type Line struct {
	ID         int64     `json:"id"`
	CustomerID string    `json:"customer_id"`
	Level      string    `json:"level,omitempty"`
	Message    string    `json:"message"`
	LoggedAt   time.Time `json:"logged_at"`
}

// Store manages log-line persistence in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a log store using the given database path.
func NewStore(dbPath string) (*Store, error) {
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

// NewStoreWithDB creates a log store using an existing connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS log_lines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			customer_id TEXT NOT NULL,
			level TEXT,
			message TEXT NOT NULL,
			logged_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_log_lines_customer ON log_lines(customer_id);
		CREATE INDEX IF NOT EXISTS idx_log_lines_logged ON log_lines(logged_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores one log line for a customer.
func (s *Store) Append(customerID, level, message string, loggedAt time.Time) error {
	if loggedAt.IsZero() {
		loggedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO log_lines (customer_id, level, message, logged_at)
		VALUES (?, ?, ?, ?)
	`, customerID, level, message, loggedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// Search returns a customer's log lines whose message matches the given
// regular expression, oldest first, capped at limit (0 means no cap).
// An invalid pattern is reported to the caller rather than treated as
// a literal.
func (s *Store) Search(customerID, pattern string, limit int) ([]*Line, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	rows, err := s.db.Query(`
		SELECT id, level, message, logged_at
		FROM log_lines WHERE customer_id = ? ORDER BY logged_at ASC, id ASC
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("query log lines: %w", err)
	}
	defer rows.Close()

	var out []*Line
	for rows.Next() {
		l := &Line{CustomerID: customerID}
		var level sql.NullString
		var loggedAt string
		if err := rows.Scan(&l.ID, &level, &l.Message, &loggedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		if !re.MatchString(l.Message) {
			continue
		}
		l.Level = level.String
		l.LoggedAt, _ = time.Parse(time.RFC3339, loggedAt)
		out = append(out, l)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// CountFor returns the number of stored lines for a customer.
func (s *Store) CountFor(customerID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM log_lines WHERE customer_id = ?`, customerID).Scan(&n)
	return n, err
}

// ImportLines reads "LEVEL message" text lines from r and stores them
// for a customer. Blank lines are skipped; lines without a recognized
// level prefix are stored verbatim with no level. Returns the number of
// lines imported.
func (s *Store) ImportLines(customerID string, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	imported := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		level, message := splitLevel(line)
		if err := s.Append(customerID, level, message, time.Time{}); err != nil {
			return imported, err
		}
		imported++
	}
	if err := sc.Err(); err != nil {
		return imported, fmt.Errorf("read lines: %w", err)
	}
	return imported, nil
}

func splitLevel(line string) (level, message string) {
	head, rest, ok := strings.Cut(line, " ")
	if !ok {
		return "", line
	}
	switch strings.ToUpper(head) {
	case "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "FATAL":
		return strings.ToUpper(head), rest
	}
	return "", line
}
