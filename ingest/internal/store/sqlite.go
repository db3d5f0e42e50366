package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schema holds the SQLite tables of both stores.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    version    INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blobs (
    digest       TEXT PRIMARY KEY,
    content_type TEXT NOT NULL DEFAULT '',
    size         INTEGER NOT NULL,
    data         BLOB NOT NULL,
    created_at   INTEGER NOT NULL
);
`

// SQLiteDocs is a DocStore over a documents table.
type SQLiteDocs struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteDocs wraps db. The schema must already be applied
// (dbopen.WithSchema(store.Schema)).
func NewSQLiteDocs(db *sql.DB) *SQLiteDocs {
	return &SQLiteDocs{db: db, now: time.Now}
}

// Get reads one document.
func (s *SQLiteDocs) Get(ctx context.Context, key string) (Doc, error) {
	d := Doc{Key: key}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version, updated_at FROM documents WHERE key = ?`, key,
	).Scan(&d.Value, &d.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Doc{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Doc{}, fmt.Errorf("store: get %s: %w", key, err)
	}
	d.UpdatedAt = time.UnixMilli(updated)
	return d, nil
}

// CompareAndSwap writes value when the stored version matches. The check
// and the write are one statement.
func (s *SQLiteDocs) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	now := s.now().UnixMilli()
	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO documents (key, value, version, updated_at) VALUES (?, ?, 1, ?)
			ON CONFLICT(key) DO NOTHING`, key, value, now)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE documents SET value = ?, version = version + 1, updated_at = ?
			WHERE key = ? AND version = ?`, value, now, key, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("store: cas %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: cas %s: %w", key, err)
	}
	if n == 1 {
		return expected + 1, nil
	}
	if expected != 0 {
		if _, gerr := s.Get(ctx, key); errors.Is(gerr, ErrNotFound) {
			return 0, gerr
		}
	}
	return 0, fmt.Errorf("%w: %s (expected %d)", ErrVersionMismatch, key, expected)
}

// List returns the documents under prefix.
func (s *SQLiteDocs) List(ctx context.Context, prefix string) ([]Doc, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, version, updated_at FROM documents
		WHERE substr(key, 1, ?) = ? ORDER BY key`, len([]rune(prefix)), prefix)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []Doc
	for rows.Next() {
		var (
			d       Doc
			updated int64
		)
		if err := rows.Scan(&d.Key, &d.Value, &d.Version, &updated); err != nil {
			return nil, fmt.Errorf("store: list %s: %w", prefix, err)
		}
		d.UpdatedAt = time.UnixMilli(updated)
		out = append(out, d)
	}
	return out, rows.Err()
}

// SQLiteBlobs is a BlobStore over a blobs table.
type SQLiteBlobs struct {
	db *sql.DB
}

// NewSQLiteBlobs wraps db.
func NewSQLiteBlobs(db *sql.DB) *SQLiteBlobs {
	return &SQLiteBlobs{db: db}
}

// Put stores data once per digest.
func (s *SQLiteBlobs) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	sum := digest(data)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (digest, content_type, size, data, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(digest) DO NOTHING`,
		sum, contentType, len(data), data, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("store: put blob: %w", err)
	}
	return "sha256:" + sum, nil
}

// Get reads a blob by locator.
func (s *SQLiteBlobs) Get(ctx context.Context, locator string) ([]byte, error) {
	sum, err := parseLocator(locator)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE digest = ?`, sum).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get blob: %w", err)
	}
	return data, nil
}
