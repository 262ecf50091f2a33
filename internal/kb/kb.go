// Package kb stores knowledge-base articles and serves keyword search
// for the lookup_knowledgebase tool. Articles are authored as markdown
// files and ingested into SQLite; search runs over a plain-text
// rendering so markdown syntax never skews matches.
package kb

import (
	"bytes"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	_ "github.com/mattn/go-sqlite3"
)

const articleColumns = "slug, title, body, plain, keywords, created_at, updated_at"

// Article is one knowledge-base entry.
type Article struct {
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`               // markdown source
	Plain     string    `json:"plain,omitempty"`    // rendered plain text, used for search
	Keywords  string    `json:"keywords,omitempty"` // comma-separated author hints
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store manages article persistence in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates an article store using the given database path.
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

// NewStoreWithDB creates an article store using an existing connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS articles (
			slug TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			plain TEXT NOT NULL,
			keywords TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_articles_title ON articles(title);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put creates or replaces an article. The plain-text rendering is
// derived from the markdown body at write time.
func (s *Store) Put(a *Article) error {
	plain, err := markdownToText(a.Body)
	if err != nil {
		return fmt.Errorf("render article %s: %w", a.Slug, err)
	}
	a.Plain = plain

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(`
		INSERT INTO articles (slug, title, body, plain, keywords, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			title = excluded.title, body = excluded.body, plain = excluded.plain,
			keywords = excluded.keywords, updated_at = excluded.updated_at
	`, a.Slug, a.Title, a.Body, a.Plain, nullStr(a.Keywords), now, now)
	if err != nil {
		return fmt.Errorf("upsert article: %w", err)
	}
	return nil
}

// Get retrieves an article by slug, or (nil, nil) when absent.
func (s *Store) Get(slug string) (*Article, error) {
	row := s.db.QueryRow(`SELECT `+articleColumns+` FROM articles WHERE slug = ?`, slug)
	a, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// Search returns articles whose title, keywords, or plain text contain
// the keyword, case-insensitively. Title hits sort before body hits.
func (s *Store) Search(keyword string, limit int) ([]*Article, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.TrimSpace(keyword) + "%"
	rows, err := s.db.Query(`
		SELECT `+articleColumns+`
		FROM articles
		WHERE title LIKE ? OR keywords LIKE ? OR plain LIKE ?
		ORDER BY
			CASE WHEN title LIKE ? THEN 0 WHEN keywords LIKE ? THEN 1 ELSE 2 END,
			title
		LIMIT ?
	`, pattern, pattern, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search articles: %w", err)
	}
	defer rows.Close()

	var out []*Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAll returns every article ordered by title.
func (s *Store) ListAll() ([]*Article, error) {
	rows, err := s.db.Query(`SELECT ` + articleColumns + ` FROM articles ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	var out []*Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RenderHTML converts an article body to HTML.
func RenderHTML(a *Article) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(a.Body), &buf); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

// IngestDir walks a directory tree and ingests every .md file as one
// article. The slug is the file's path relative to dir without the
// extension; the title is the first level-one heading, falling back to
// the slug. A "Keywords:" line directly under the title becomes the
// article's keyword hints. Returns the number of articles ingested.
func (s *Store) IngestDir(dir string) (int, error) {
	ingested := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		slug := strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))

		a := parseArticle(slug, string(data))
		if err := s.Put(a); err != nil {
			return err
		}
		ingested++
		return nil
	})
	return ingested, err
}

// parseArticle extracts the title and keyword hints from markdown.
func parseArticle(slug, body string) *Article {
	a := &Article{Slug: slug, Title: slug, Body: body}

	lines := strings.Split(body, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if title, ok := strings.CutPrefix(trimmed, "# "); ok {
			a.Title = strings.TrimSpace(title)
			for j := i + 1; j < len(lines); j++ {
				next := strings.TrimSpace(lines[j])
				if next == "" {
					continue
				}
				if kw, ok := strings.CutPrefix(next, "Keywords:"); ok {
					a.Keywords = strings.TrimSpace(kw)
				}
				break
			}
			break
		}
		if trimmed != "" {
			break
		}
	}
	return a
}

// markdownToText renders markdown to HTML with goldmark, then strips
// the markup down to readable text.
func markdownToText(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return htmlToText(buf.String()), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArticle(row scanner) (*Article, error) {
	a := &Article{}
	var keywords sql.NullString
	var createdStr, updatedStr string

	err := row.Scan(&a.Slug, &a.Title, &a.Body, &a.Plain, &keywords, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}
	a.Keywords = keywords.String
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	return a, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
