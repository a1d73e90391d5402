// Package oceanbase provides the OceanBase (MySQL mode) implementation of
// storage.Store. Any MySQL-compatible server works.
package oceanbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/oceanbase/memctx/pkg/storage"
)

// Client is an OceanBase client.
type Client struct {
	db       *sql.DB
	config   *Config
	entries  string
	archive  string
	contexts string
}

// Config contains OceanBase configuration.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	CollectionName string
}

// NewClient creates a new OceanBase client.
func NewClient(cfg *Config) (*Client, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}

	prefix := cfg.CollectionName
	if prefix == "" {
		prefix = "memctx"
	}
	client := &Client{
		db:       db,
		config:   cfg,
		entries:  prefix + "_entries",
		archive:  prefix + "_archive",
		contexts: prefix + "_contexts",
	}

	// Initialize table structure
	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return client, nil
}

// initTables initializes the database tables.
func (c *Client) initTables(ctx context.Context) error {
	entryColumns := `
			id BIGINT PRIMARY KEY,
			context_id VARCHAR(64) NOT NULL,
			owner VARCHAR(255) NOT NULL,
			scope VARCHAR(32) NOT NULL,
			scope_id VARCHAR(255) NOT NULL,
			content LONGTEXT NOT NULL,
			tier TINYINT NOT NULL,
			actor VARCHAR(255),
			hash VARCHAR(32),
			created_at BIGINT NOT NULL`

	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (%s,
			INDEX idx_scope (scope, scope_id, created_at),
			INDEX idx_tier (tier, created_at),
			INDEX idx_context (context_id)
		)`, c.entries, entryColumns),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (%s,
			archived_at BIGINT NOT NULL
		)`, c.archive, entryColumns),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			owner VARCHAR(255) NOT NULL,
			scope VARCHAR(32) NOT NULL,
			scope_id VARCHAR(255) NOT NULL,
			state VARCHAR(16) NOT NULL,
			promoted_from VARCHAR(64),
			created_at BIGINT NOT NULL,
			activated_at BIGINT NOT NULL,
			last_activity_at BIGINT NOT NULL,
			INDEX idx_owner (owner)
		)`, c.contexts),
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
		INSERT IGNORE INTO %s
		(id, context_id, owner, scope, scope_id, content, tier, actor, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.entries))
	if err != nil {
		return fmt.Errorf("PutBatch: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		hash := e.Hash
		if hash == "" {
			hash = generateHash(e.Content)
		}
		_, err := stmt.ExecContext(ctx,
			e.ID, e.ContextID, e.Owner, e.Scope.Scope, e.Scope.ID,
			e.Content, e.Tier, e.Actor, hash, storage.Nanos(e.CreatedAt),
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
// archive table in one transaction.
func (c *Client) ArchiveBefore(ctx context.Context, tier int, cutoff time.Time) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ArchiveBefore: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	copyQuery := fmt.Sprintf(`
		INSERT IGNORE INTO %s
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
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			state = VALUES(state),
			promoted_from = VALUES(promoted_from),
			activated_at = VALUES(activated_at),
			last_activity_at = VALUES(last_activity_at)
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

// DropTables removes the tables of this client. Used by tests.
func (c *Client) DropTables(ctx context.Context) error {
	for _, table := range []string{c.entries, c.archive, c.contexts} {
		if _, err := c.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("DropTables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
