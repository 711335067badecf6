// Package store provides the local durable store of the sync engine.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode) holding
// one ordered key-value table partitioned into buckets. It backs:
//
//   - the virtual file system backend (bucket "fs")
//   - per-document persistence, the IndexedDB equivalent (bucket "docs")
//   - the durable outbox of unsent document updates (buckets "outbox/<key>")
//   - durable relay room logs (buckets "relay/<room>")
//
// Workflow:
//  1. Open the database (file path or in-memory)
//  2. InitSchema (idempotent)
//  3. Use Get/Put/Delete/List directly or inside Update for atomic groups
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Item is one stored key-value pair.
type Item struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
	kv
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a database connection at path and initializes the schema.
//
// An empty path or ":memory:" opens a private in-memory database; it is limited
// to a single connection so every caller sees the same data.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	memory := path == "" || path == ":memory:"

	connStr := ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if memory {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &DB{conn: conn, path: path, kv: kv{q: conn}}

	if !memory {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path ("" for in-memory databases).
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.path != "" && db.path != ":memory:" {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the key-value table if it doesn't exist.
// Safe to call multiple times.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (bucket, key)
	);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Tx is a group of key-value operations applied atomically.
type Tx struct {
	kv
}

// Update runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back otherwise. Only the Tx may be used inside fn.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Tx{kv: kv{q: sqlTx}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// kv implements the key-value operations over a querier.
type kv struct {
	q querier
}

// Get returns the value stored under bucket/key, or ErrNotFound.
func (s kv) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var value []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

// Has reports whether bucket/key exists.
func (s kv) Has(ctx context.Context, bucket, key string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx,
		`SELECT 1 FROM kv WHERE bucket = ? AND key = ?`, bucket, key,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// Put inserts or replaces the value under bucket/key.
func (s kv) Put(ctx context.Context, bucket, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.q.ExecContext(ctx, `
	INSERT INTO kv (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(bucket, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`, bucket, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes bucket/key. Returns nil if it doesn't exist (idempotent).
func (s kv) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key,
	); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// DeletePrefix removes every key in bucket starting with prefix and returns
// how many were removed.
func (s kv) DeletePrefix(ctx context.Context, bucket, prefix string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM kv WHERE bucket = ? AND substr(key, 1, length(?)) = ?`,
		bucket, prefix, prefix,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete prefix %s/%s: %w", bucket, prefix, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// List returns the items of bucket whose key starts with prefix, ordered by key.
func (s kv) List(ctx context.Context, bucket, prefix string) ([]Item, error) {
	rows, err := s.q.QueryContext(ctx, `
	SELECT key, value, updated_at FROM kv
	WHERE bucket = ? AND substr(key, 1, length(?)) = ?
	ORDER BY key
	`, bucket, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s: %w", bucket, prefix, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			item    Item
			updated string
		)
		if err := rows.Scan(&item.Key, &item.Value, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	return items, nil
}

// Count returns the number of keys in bucket starting with prefix.
func (s kv) Count(ctx context.Context, bucket, prefix string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv WHERE bucket = ? AND substr(key, 1, length(?)) = ?`,
		bucket, prefix, prefix,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s/%s: %w", bucket, prefix, err)
	}
	return n, nil
}

// Buckets returns the distinct bucket names starting with prefix.
func (s kv) Buckets(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
	SELECT DISTINCT bucket FROM kv
	WHERE substr(bucket, 1, length(?)) = ?
	ORDER BY bucket
	`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	defer rows.Close()

	var buckets []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}
