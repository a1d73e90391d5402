// Package sqlite provides the SQLite implementation of storage.Store.
//
// SQLite is a lightweight, file-based database suitable for a single
// developer machine or a CLI that runs one process at a time. Timestamps
// are stored as unix nanoseconds so ordering is exact.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oceanbase/memctx/pkg/storage"
)

// Client implements storage.Store using SQLite as the backend.
type Client struct {
	// db is the SQLite database connection.
	db *sql.DB

	// entries, archive and contexts are the table names.
	entries  string
	archive  string
	contexts string
}

// Config contains configuration for creating a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// CollectionName prefixes the table names. Default: "memctx".
	CollectionName string
}

// NewClient creates a new SQLite store client.
//
// Parameters:
//   - cfg: Configuration containing the database path and table prefix
//
// Returns:
//   - *Client: The SQLite client instance
//   - error: Error if database connection or table creation fails
func NewClient(cfg *Config) (*Client, error) {
	// Create parent directory if it doesn't exist
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	prefix := cfg.CollectionName
	if prefix == "" {
		prefix = "memctx"
	}
	client := &Client{
		db:       db,
		entries:  prefix + "_entries",
		archive:  prefix + "_archive",
		contexts: prefix + "_contexts",
	}

	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return client, nil
}

// initTables initializes the database table structure.
func (c *Client) initTables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			context_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			scope TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			content TEXT NOT NULL,
			tier INTEGER NOT NULL,
			actor TEXT,
			hash TEXT,
			created_at INTEGER NOT NULL
		)`, c.entries),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scope ON %s(scope, scope_id, created_at)`, c.entries, c.entries),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tier ON %s(tier, created_at)`, c.entries, c.entries),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_context ON %s(context_id)`, c.entries, c.entries),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			context_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			scope TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			content TEXT NOT NULL,
			tier INTEGER NOT NULL,
			actor TEXT,
			hash TEXT,
			created_at INTEGER NOT NULL,
			archived_at INTEGER NOT NULL
		)`, c.archive),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner TEXT NOT NULL,
			scope TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			state TEXT NOT NULL,
			promoted_from TEXT,
			created_at INTEGER NOT NULL,
			activated_at INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL
		)`, c.contexts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_owner ON %s(owner)`, c.contexts, c.contexts),
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

// PutBatch writes all entries in one transaction.
func (c *Client) PutBatch(ctx context.Context, contextID string, entries []*storage.Entry) error {
	if err := storage.CheckBatch(contextID, entries); err != nil {
		return fmt.Errorf("PutBatch: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("PutBatch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT OR IGNORE INTO %s
		(id, context_id, owner, scope, scope_id, content, tier, actor, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.entries))
	if err != nil {
		return fmt.Errorf("PutBatch: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx,
			e.ID, e.ContextID, e.Owner, e.Scope.Scope, e.Scope.ID,
			e.Content, e.Tier, e.Actor, e.Hash, storage.Nanos(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("PutBatch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("PutBatch: %w", err)
	}
	return nil
}

// Query returns the entries of one scope unit, newest first.
func (c *Client) Query(ctx context.Context, ref storage.ScopeRef, filter *storage.QueryFilter) ([]*storage.Entry, error) {
	whereClause, args := buildWhereClause(ref, filter)

	query := fmt.Sprintf(`
		SELECT id, context_id, owner, scope, scope_id, content, tier, actor, hash, created_at
		FROM %s
		%s
		ORDER BY created_at DESC, id DESC
	`, c.entries, whereClause)
	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*storage.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("Query: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	return entries, nil
}

// DeleteBefore removes entries of a tier created before cutoff.
func (c *Client) DeleteBefore(ctx context.Context, tier int, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE tier = ? AND created_at < ?", c.entries)
	result, err := c.db.ExecContext(ctx, query, tier, storage.Nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("DeleteBefore: %w", err)
	}
	return result.RowsAffected()
}

// ArchiveBefore moves entries of a tier created before cutoff into the
// archive table.
func (c *Client) ArchiveBefore(ctx context.Context, tier int, cutoff time.Time) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ArchiveBefore: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	copyQuery := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s
		(id, context_id, owner, scope, scope_id, content, tier, actor, hash, created_at, archived_at)
		SELECT id, context_id, owner, scope, scope_id, content, tier, actor, hash, created_at, ?
		FROM %s WHERE tier = ? AND created_at < ?
	`, c.archive, c.entries)
	if _, err := tx.ExecContext(ctx, copyQuery, storage.Nanos(time.Now()), tier, storage.Nanos(cutoff)); err != nil {
		return 0, fmt.Errorf("ArchiveBefore: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE tier = ? AND created_at < ?", c.entries),
		tier, storage.Nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("ArchiveBefore: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ArchiveBefore: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ArchiveBefore: %w", err)
	}
	return n, nil
}

// CountEntries returns the number of persisted entries of a context.
func (c *Client) CountEntries(ctx context.Context, contextID string) (int64, error) {
	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE context_id = ?", c.entries)
	if err := c.db.QueryRowContext(ctx, query, contextID).Scan(&n); err != nil {
		return 0, fmt.Errorf("CountEntries: %w", err)
	}
	return n, nil
}

// SaveContext inserts or replaces a context record.
func (c *Client) SaveContext(ctx context.Context, rec *storage.ContextRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %s
		(id, name, owner, scope, scope_id, state, promoted_from, created_at, activated_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			promoted_from = excluded.promoted_from,
			activated_at = excluded.activated_at,
			last_activity_at = excluded.last_activity_at
	`, c.contexts)

	_, err := c.db.ExecContext(ctx, query,
		rec.ID, rec.Name, rec.Owner, rec.Scope.Scope, rec.Scope.ID, rec.State, rec.PromotedFrom,
		storage.Nanos(rec.CreatedAt), storage.Nanos(rec.ActivatedAt), storage.Nanos(rec.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("SaveContext: %w", err)
	}
	return nil
}

// GetContext returns a context record by id.
func (c *Client) GetContext(ctx context.Context, id string) (*storage.ContextRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, name, owner, scope, scope_id, state, promoted_from, created_at, activated_at, last_activity_at
		FROM %s WHERE id = ?
	`, c.contexts)

	rec, err := scanContext(c.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("GetContext %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetContext: %w", err)
	}
	return rec, nil
}

// ListContexts returns all contexts of an owner, oldest first.
func (c *Client) ListContexts(ctx context.Context, owner string) ([]*storage.ContextRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, name, owner, scope, scope_id, state, promoted_from, created_at, activated_at, last_activity_at
		FROM %s WHERE owner = ?
		ORDER BY created_at, id
	`, c.contexts)

	rows, err := c.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("ListContexts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*storage.ContextRecord
	for rows.Next() {
		rec, err := scanContext(rows)
		if err != nil {
			return nil, fmt.Errorf("ListContexts: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the database connection.
func (c *Client) Close() error {
	return c.db.Close()
}
