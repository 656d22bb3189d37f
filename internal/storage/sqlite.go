package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	ferrors "github.com/hyperjump/fuda/internal/errors"
	"github.com/hyperjump/fuda/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tags (
		name TEXT PRIMARY KEY,
		category TEXT NOT NULL DEFAULT 'general',
		post_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tags_category ON tags(category);
	CREATE INDEX IF NOT EXISTS idx_tags_post_count ON tags(post_count);
	`
	_, err := db.Exec(schema)
	return err
}

// UpsertTags inserts or updates tags in one transaction and returns how many were written.
func (s *SQLiteStore) UpsertTags(ctx context.Context, tags []*models.Tag) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tags (name, category, post_count, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   category = excluded.category,
		   post_count = excluded.post_count,
		   updated_at = excluded.updated_at`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now()
	n := 0
	for _, tag := range tags {
		if tag.Name == "" {
			continue
		}
		tag.UpdatedAt = now
		if _, err := stmt.ExecContext(ctx, tag.Name, tag.Category, tag.PostCount, tag.UpdatedAt); err != nil {
			return 0, fmt.Errorf("failed to upsert tag %q: %w", tag.Name, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// GetTag returns a tag by name.
func (s *SQLiteStore) GetTag(ctx context.Context, name string) (*models.Tag, error) {
	var tag models.Tag
	err := s.db.QueryRowContext(ctx,
		`SELECT name, category, post_count, updated_at FROM tags WHERE name = ?`, name,
	).Scan(&tag.Name, &tag.Category, &tag.PostCount, &tag.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ferrors.NotFound("storage.GetTag", "tag not found: "+name, nil)
	}
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// Exists reports whether name is in the vocabulary.
func (s *SQLiteStore) Exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tags WHERE name = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListTags returns tags ordered by post count with offset and limit.
func (s *SQLiteStore) ListTags(ctx context.Context, offset, limit int) ([]*models.Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, category, post_count, updated_at
		 FROM tags ORDER BY post_count DESC, name LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	return scanTags(rows)
}

// TagNames returns every tag name in a stable order.
func (s *SQLiteStore) TagNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM tags ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SearchTags returns tags containing query. Spaces in the query match
// underscores. Prefix matches come first, then shorter names, then more
// popular ones.
func (s *SQLiteStore) SearchTags(ctx context.Context, query string, limit int) ([]*models.Tag, error) {
	q := strings.ToLower(strings.Join(strings.Fields(query), "_"))
	if q == "" {
		return []*models.Tag{}, nil
	}
	esc := escapeLike(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, category, post_count, updated_at
		 FROM tags WHERE name LIKE ? ESCAPE '\'
		 ORDER BY (name LIKE ? ESCAPE '\') DESC, length(name), post_count DESC, name
		 LIMIT ?`,
		"%"+esc+"%", esc+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	return scanTags(rows)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanTags(rows *sql.Rows) ([]*models.Tag, error) {
	defer rows.Close()
	tags := make([]*models.Tag, 0)
	for rows.Next() {
		var tag models.Tag
		if err := rows.Scan(&tag.Name, &tag.Category, &tag.PostCount, &tag.UpdatedAt); err != nil {
			return nil, err
		}
		tags = append(tags, &tag)
	}
	return tags, rows.Err()
}

// CountTags returns the vocabulary size.
func (s *SQLiteStore) CountTags(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tags`).Scan(&count)
	return count, err
}

// CountByCategory returns the number of tags per category.
func (s *SQLiteStore) CountByCategory(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM tags GROUP BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var category string
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		counts[category] = n
	}
	return counts, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
