// Package badger provides an embedded BadgerDB implementation of
// storage.Store for single-node deployments and tests.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/oceanbase/memctx/pkg/storage"
)

// Config contains BadgerDB configuration.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites makes every committed batch durable before PutBatch returns.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64

	// Logger receives BadgerDB's internal log lines. Nil disables them.
	Logger *slog.Logger
}

// DefaultConfig returns the production configuration for path.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() *Config {
	return &Config{InMemory: true}
}

// Client is a BadgerDB client.
type Client struct {
	db     *badger.DB
	logger *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewClient opens a BadgerDB database.
func NewClient(cfg *Config) (*Client, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("NewBadgerClient: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("NewBadgerClient: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewBadgerClient: %w", err)
	}

	c := &Client{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		c.stopGC = make(chan struct{})
		c.gcDone = make(chan struct{})
		go c.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return c, nil
}

func (c *Client) runGC(interval time.Duration, ratio float64) {
	defer close(c.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing was worth collecting.
			if err := c.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				c.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// PutBatch writes all entries in one transaction. Entries whose id is
// already stored are skipped.
func (c *Client) PutBatch(ctx context.Context, contextID string, entries []*storage.Entry) error {
	if err := storage.CheckBatch(contextID, entries); err != nil {
		return fmt.Errorf("PutBatch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("PutBatch: %w", err)
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			_, err := txn.Get(idKey(e.ID))
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			val, err := json.Marshal(e)
			if err != nil {
				return err
			}
			key := entryKey(e)
			if err := txn.Set(key, val); err != nil {
				return err
			}
			if err := txn.Set(idKey(e.ID), key); err != nil {
				return err
			}
			if err := txn.Set(tierKey(e), key); err != nil {
				return err
			}
			if err := txn.Set(ctxIdxKey(e.ContextID, e.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("PutBatch: %w", err)
	}
	return nil
}

// Query returns the entries of one scope unit, newest first.
func (c *Client) Query(ctx context.Context, ref storage.ScopeRef, filter *storage.QueryFilter) ([]*storage.Entry, error) {
	if filter == nil {
		filter = &storage.QueryFilter{}
	}
	tiers := make(map[int]bool, len(filter.Tiers))
	for _, t := range filter.Tiers {
		tiers[t] = true
	}

	prefix := entryPrefix(ref)
	var entries []*storage.Entry
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seekLast(prefix)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e storage.Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if filter.ContextID != "" && e.ContextID != filter.ContextID {
				continue
			}
			if len(tiers) > 0 && !tiers[e.Tier] {
				continue
			}
			e.CreatedAt = e.CreatedAt.UTC()
			entries = append(entries, &e)
			if filter.Limit > 0 && len(entries) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	return entries, nil
}

// expired collects the entries of tier created before cutoff.
func (c *Client) expired(ctx context.Context, tier int, cutoff time.Time) ([]*storage.Entry, error) {
	prefix := tierPrefix(tier)
	var entries []*storage.Entry
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !tierKeyBefore(it.Item().Key(), cutoff) {
				return nil
			}
			primary, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get(primary)
			if err != nil {
				return err
			}
			var e storage.Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	return entries, err
}

func deleteEntry(wb *badger.WriteBatch, e *storage.Entry) error {
	for _, key := range [][]byte{entryKey(e), idKey(e.ID), tierKey(e), ctxIdxKey(e.ContextID, e.ID)} {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBefore removes entries of a tier created before cutoff.
func (c *Client) DeleteBefore(ctx context.Context, tier int, cutoff time.Time) (int64, error) {
	entries, err := c.expired(ctx, tier, cutoff)
	if err != nil {
		return 0, fmt.Errorf("DeleteBefore: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if err := deleteEntry(wb, e); err != nil {
			return 0, fmt.Errorf("DeleteBefore: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("DeleteBefore: %w", err)
	}
	return int64(len(entries)), nil
}

type archivedEntry struct {
	storage.Entry
	ArchivedAt time.Time `json:"archived_at"`
}

// ArchiveBefore moves entries of a tier created before cutoff under the
// archive prefix.
func (c *Client) ArchiveBefore(ctx context.Context, tier int, cutoff time.Time) (int64, error) {
	entries, err := c.expired(ctx, tier, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ArchiveBefore: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		val, err := json.Marshal(archivedEntry{Entry: *e, ArchivedAt: now})
		if err != nil {
			return 0, fmt.Errorf("ArchiveBefore: %w", err)
		}
		if err := wb.Set(archiveKey(e.ID), val); err != nil {
			return 0, fmt.Errorf("ArchiveBefore: %w", err)
		}
		if err := deleteEntry(wb, e); err != nil {
			return 0, fmt.Errorf("ArchiveBefore: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("ArchiveBefore: %w", err)
	}
	return int64(len(entries)), nil
}

// CountEntries returns the number of persisted entries of a context.
func (c *Client) CountEntries(ctx context.Context, contextID string) (int64, error) {
	prefix := ctxIdxPrefix(contextID)
	var n int64
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{Prefix: prefix}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("CountEntries: %w", err)
	}
	return n, nil
}

// SaveContext inserts or replaces a context record.
func (c *Client) SaveContext(ctx context.Context, rec *storage.ContextRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("SaveContext: %w", err)
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("SaveContext: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(contextKey(rec.ID), val); err != nil {
			return err
		}
		return txn.Set(ownerKey(rec.Owner, rec.ID), nil)
	})
	if err != nil {
		return fmt.Errorf("SaveContext: %w", err)
	}
	return nil
}

func getContext(txn *badger.Txn, id string) (*storage.ContextRecord, error) {
	item, err := txn.Get(contextKey(id))
	if err != nil {
		return nil, err
	}
	var rec storage.ContextRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ActivatedAt = rec.ActivatedAt.UTC()
	rec.LastActivityAt = rec.LastActivityAt.UTC()
	return &rec, nil
}

// GetContext returns a context record by id.
func (c *Client) GetContext(ctx context.Context, id string) (*storage.ContextRecord, error) {
	var rec *storage.ContextRecord
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getContext(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("GetContext %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetContext: %w", err)
	}
	return rec, nil
}

// ListContexts returns all contexts of an owner, oldest first.
func (c *Client) ListContexts(ctx context.Context, owner string) ([]*storage.ContextRecord, error) {
	prefix := ownerPrefix(owner)
	var recs []*storage.ContextRecord
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{Prefix: prefix}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			rec, err := getContext(txn, id)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("ListContexts: %w", err)
	}

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

// Close stops garbage collection and closes the database. Safe to call
// more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		if c.stopGC != nil {
			close(c.stopGC)
			<-c.gcDone
		}
		err = c.db.Close()
	})
	return err
}
