// Package database provides SQLite persistence for documents, their
// metadata, and per-user color preferences.
package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// PersistedDocument is the durable snapshot of a document: text and
// editor-language hint.
type PersistedDocument struct {
	ID       string
	Text     string
	Language *string
}

// DocumentMeta is lightweight metadata about a document, for listing.
type DocumentMeta struct {
	ID        string  `json:"id"`
	Name      *string `json:"name,omitempty"`
	Language  *string `json:"language,omitempty"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

// Store is the persistence contract the collaborative editing core depends
// on (C7 external interface). Implementations must be safe for concurrent
// use; *Database below wraps a single pooled *sql.DB, which already is.
type Store interface {
	Load(id string) (*PersistedDocument, error)
	Store(doc *PersistedDocument) error
	LoadUserColors() (map[string]uint32, error)
	SaveUserColor(email string, hue uint32) error
	Count() (int, error)
}

// Database wraps a SQLite connection pool.
type Database struct {
	db *sql.DB
}

// New opens (creating if necessary) a SQLite database at uri and runs
// migrations.
func New(uri string) (*Database, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// Load retrieves a document's text and language. Returns (nil, nil) if the
// document doesn't exist or has been soft-deleted.
func (d *Database) Load(id string) (*PersistedDocument, error) {
	var doc PersistedDocument
	doc.ID = id
	var language sql.NullString

	err := d.db.QueryRow(
		"SELECT text, language FROM document WHERE id = ? AND deleted_at IS NULL",
		id,
	).Scan(&doc.Text, &language)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if language.Valid {
		doc.Language = &language.String
	}
	return &doc, nil
}

// Store upserts a document's text and language, bumping updated_at.
func (d *Database) Store(doc *PersistedDocument) error {
	now := time.Now().Unix()
	query := `
	INSERT INTO document (id, text, language, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		text = excluded.text,
		language = excluded.language,
		updated_at = excluded.updated_at
	`
	result, err := d.db.Exec(query, doc.ID, doc.Text, doc.Language, now, now)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows != 1 {
		return fmt.Errorf("expected 1 row affected, got %d", rows)
	}
	return nil
}

// Count returns the total number of non-deleted documents.
func (d *Database) Count() (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM document WHERE deleted_at IS NULL").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

// List returns metadata for all non-deleted documents, most recently
// updated first.
func (d *Database) List() ([]DocumentMeta, error) {
	rows, err := d.db.Query(`
		SELECT id, name, language, created_at, updated_at
		FROM document
		WHERE deleted_at IS NULL
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []DocumentMeta
	for rows.Next() {
		var m DocumentMeta
		var name, lang sql.NullString
		if err := rows.Scan(&m.ID, &name, &lang, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if name.Valid {
			m.Name = &name.String
		}
		if lang.Valid {
			m.Language = &lang.String
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Create inserts a new, empty document with the given id and optional name.
func (d *Database) Create(id string, name *string) (*DocumentMeta, error) {
	now := time.Now().Unix()
	_, err := d.db.Exec(
		`INSERT INTO document (id, text, name, created_at, updated_at) VALUES (?, '', ?, ?, ?)`,
		id, name, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	return &DocumentMeta{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

// GetMeta fetches a document's metadata, or (nil, nil) if absent/deleted.
func (d *Database) GetMeta(id string) (*DocumentMeta, error) {
	var m DocumentMeta
	var name, lang sql.NullString
	err := d.db.QueryRow(`
		SELECT id, name, language, created_at, updated_at
		FROM document WHERE id = ? AND deleted_at IS NULL
	`, id).Scan(&m.ID, &name, &lang, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if name.Valid {
		m.Name = &name.String
	}
	if lang.Valid {
		m.Language = &lang.String
	}
	return &m, nil
}

// Rename changes a document's display name.
func (d *Database) Rename(id, name string) error {
	now := time.Now().Unix()
	result, err := d.db.Exec(
		`UPDATE document SET name = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		name, now, id,
	)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

// SoftDelete marks a document deleted without removing its row.
func (d *Database) SoftDelete(id string) error {
	now := time.Now().Unix()
	result, err := d.db.Exec(
		`UPDATE document SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("document not found or already deleted: %s", id)
	}
	return nil
}

// LoadUserColors bulk-loads every persisted user color preference.
func (d *Database) LoadUserColors() (map[string]uint32, error) {
	rows, err := d.db.Query("SELECT email, hue FROM user_color")
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	colors := make(map[string]uint32)
	for rows.Next() {
		var email string
		var hue int64
		if err := rows.Scan(&email, &hue); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		colors[email] = uint32(hue)
	}
	return colors, rows.Err()
}

// SaveUserColor upserts a user's persistent color preference.
func (d *Database) SaveUserColor(email string, hue uint32) error {
	now := time.Now().Unix()
	_, err := d.db.Exec(`
		INSERT INTO user_color (email, hue, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			hue = excluded.hue,
			updated_at = excluded.updated_at
	`, email, hue, now)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}
