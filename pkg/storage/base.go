// Package storage provides interfaces and types for persistence backends.
//
// It defines the Store interface that all backends must satisfy, along
// with the entry and context record types. The types are defined here
// rather than in the packages that use them so that backends depend on
// nothing else in the module.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a context record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ScopeRef locates the ownership unit of an entry or context.
//
// Scope is one of "personal", "team" or "organization"; ID is the user,
// team or organization id respectively.
type ScopeRef struct {
	Scope string `json:"scope"`
	ID    string `json:"id"`
}

// Entry is a persisted memory entry. Entries are immutable once written.
type Entry struct {
	// ID is a snowflake id, unique across the deployment.
	ID int64 `json:"id"`

	// ContextID is the context the entry was captured into.
	ContextID string `json:"context_id"`

	// Owner is the owner of the context.
	Owner string `json:"owner"`

	// Scope is the scope of the context, denormalized for per-scope queries.
	Scope ScopeRef `json:"scope"`

	// Content is always the redacted form.
	Content string `json:"content"`

	// Tier is the sensitivity tier (0-4).
	Tier int `json:"tier"`

	// Actor is who or what produced the entry.
	Actor string `json:"actor,omitempty"`

	// Hash is the MD5 of Content, used for duplicate suppression.
	Hash string `json:"hash"`

	// CreatedAt is when the entry was appended.
	CreatedAt time.Time `json:"created_at"`
}

// ContextRecord is the durable form of a context.
type ContextRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Owner          string    `json:"owner"`
	Scope          ScopeRef  `json:"scope"`
	State          string    `json:"state"`
	PromotedFrom   string    `json:"promoted_from,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ActivatedAt    time.Time `json:"activated_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// QueryFilter narrows a per-scope query.
type QueryFilter struct {
	// ContextID restricts results to one context.
	ContextID string

	// Tiers restricts results to the listed tiers. Empty means any tier.
	Tiers []int

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Store is the persistence contract.
//
// Query returns entries newest first (created_at, then id, descending).
// PutBatch is all-or-nothing and durable once it returns nil; writing an
// entry id that already exists is a no-op, so retried batches are safe.
type Store interface {
	// PutBatch writes entries of one context as a single durable batch.
	PutBatch(ctx context.Context, contextID string, entries []*Entry) error

	// Query returns the entries of one scope unit.
	Query(ctx context.Context, ref ScopeRef, filter *QueryFilter) ([]*Entry, error)

	// DeleteBefore removes entries of tier created strictly before cutoff
	// and returns how many were removed.
	DeleteBefore(ctx context.Context, tier int, cutoff time.Time) (int64, error)

	// CountEntries returns the number of persisted entries of a context.
	CountEntries(ctx context.Context, contextID string) (int64, error)

	// SaveContext inserts or replaces a context record.
	SaveContext(ctx context.Context, rec *ContextRecord) error

	// GetContext returns ErrNotFound if the id is unknown.
	GetContext(ctx context.Context, id string) (*ContextRecord, error)

	// ListContexts returns all contexts of an owner, oldest first.
	ListContexts(ctx context.Context, owner string) ([]*ContextRecord, error)

	// Close releases the backend.
	Close() error
}

// Archiver is implemented by backends that can move expired entries to
// cold storage instead of deleting them.
type Archiver interface {
	ArchiveBefore(ctx context.Context, tier int, cutoff time.Time) (int64, error)
}

// CheckBatch verifies that every entry belongs to contextID.
func CheckBatch(contextID string, entries []*Entry) error {
	for _, e := range entries {
		if e == nil {
			return fmt.Errorf("storage: nil entry in batch for %s", contextID)
		}
		if e.ContextID != contextID {
			return fmt.Errorf("storage: entry %d belongs to %s, not %s", e.ID, e.ContextID, contextID)
		}
	}
	return nil
}

// Nanos converts a time to the integer form used in SQL columns.
func Nanos(t time.Time) int64 {
	return t.UnixNano()
}

// FromNanos converts a stored integer back to a UTC time.
func FromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
