// Package accounts provides structured storage for customer account
// records. The agent's lookup_info tool reads from here; records are
// seeded from a CRM export (vCard) or created on first contact.
package accounts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const accountColumns = "customer_id, name, email, plan, company, phone, signup_date, attributes, created_at, updated_at"

// Account is one customer record.
type Account struct {
	CustomerID string            `json:"customer_id"`
	Name       string            `json:"name"`
	Email      string            `json:"email"`
	Plan       string            `json:"plan,omitempty"`
	Company    string            `json:"company,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	SignupDate time.Time         `json:"signup_date,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"` // free-form CRM fields
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Store manages account persistence in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates an account store using the given database path.
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

// NewStoreWithDB creates an account store using an existing connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			customer_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			plan TEXT,
			company TEXT,
			phone TEXT,
			signup_date TEXT,
			attributes TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_email ON accounts(LOWER(email));
		CREATE INDEX IF NOT EXISTS idx_accounts_name ON accounts(name);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert creates or updates an account keyed by email. New accounts get
// a UUIDv7 customer id.
func (s *Store) Upsert(a *Account) (*Account, error) {
	now := time.Now().UTC()

	existing, err := s.FindByEmail(a.Email)
	if err != nil {
		return nil, err
	}

	attrs, err := marshalAttributes(a.Attributes)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}

	if existing == nil {
		if a.CustomerID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, fmt.Errorf("generate id: %w", err)
			}
			a.CustomerID = id.String()
		}
		a.CreatedAt = now
		a.UpdatedAt = now

		_, err = s.db.Exec(`
			INSERT INTO accounts (customer_id, name, email, plan, company, phone, signup_date, attributes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.CustomerID, a.Name, a.Email, nullStr(a.Plan), nullStr(a.Company), nullStr(a.Phone),
			nullTime(a.SignupDate), attrs, now.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return nil, fmt.Errorf("insert account: %w", err)
		}
		return a, nil
	}

	a.CustomerID = existing.CustomerID
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = now

	_, err = s.db.Exec(`
		UPDATE accounts SET name = ?, plan = ?, company = ?, phone = ?, signup_date = ?, attributes = ?, updated_at = ?
		WHERE customer_id = ?
	`, a.Name, nullStr(a.Plan), nullStr(a.Company), nullStr(a.Phone),
		nullTime(a.SignupDate), attrs, now.Format(time.RFC3339), a.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	return a, nil
}

// FindByEmail returns the account with a case-insensitive email match,
// or (nil, nil) when no account exists for the address.
func (s *Store) FindByEmail(email string) (*Account, error) {
	row := s.db.QueryRow(
		`SELECT `+accountColumns+` FROM accounts WHERE LOWER(email) = LOWER(?)`, email)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// Get retrieves an account by customer id, or (nil, nil) when absent.
func (s *Store) Get(customerID string) (*Account, error) {
	row := s.db.QueryRow(
		`SELECT `+accountColumns+` FROM accounts WHERE customer_id = ?`, customerID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListAll returns all accounts ordered by name.
func (s *Store) ListAll() ([]*Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ImportVCards reads a vCard stream and upserts one account per card.
// Cards without an email address are skipped. Returns the number of
// accounts imported.
func (s *Store) ImportVCards(r io.Reader) (int, error) {
	dec := vcard.NewDecoder(r)
	imported := 0
	for {
		card, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return imported, fmt.Errorf("decode vcard: %w", err)
		}

		email := card.PreferredValue(vcard.FieldEmail)
		if email == "" {
			continue
		}

		a := &Account{
			Name:    card.PreferredValue(vcard.FieldFormattedName),
			Email:   email,
			Company: card.PreferredValue(vcard.FieldOrganization),
			Phone:   card.PreferredValue(vcard.FieldTelephone),
		}
		if a.Name == "" {
			a.Name = localPart(email)
		}
		if _, err := s.Upsert(a); err != nil {
			return imported, fmt.Errorf("import %s: %w", email, err)
		}
		imported++
	}
	return imported, nil
}

func localPart(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	a := &Account{}
	var plan, company, phone, signup, attrs sql.NullString
	var createdStr, updatedStr string

	err := row.Scan(&a.CustomerID, &a.Name, &a.Email, &plan, &company, &phone,
		&signup, &attrs, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}

	a.Plan = plan.String
	a.Company = company.String
	a.Phone = phone.String
	if signup.Valid {
		a.SignupDate, _ = time.Parse(time.RFC3339, signup.String)
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &a.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	return a, nil
}

func marshalAttributes(attrs map[string]string) (any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}
