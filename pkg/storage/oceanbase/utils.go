package oceanbase

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"strings"

	"github.com/oceanbase/memctx/pkg/storage"
)

// buildWhereClause builds the WHERE clause of a per-scope query.
func buildWhereClause(ref storage.ScopeRef, filter *storage.QueryFilter) (string, []interface{}) {
	conditions := []string{"scope = ?", "scope_id = ?"}
	args := []interface{}{ref.Scope, ref.ID}

	if filter != nil {
		if filter.ContextID != "" {
			conditions = append(conditions, "context_id = ?")
			args = append(args, filter.ContextID)
		}
		if len(filter.Tiers) > 0 {
			marks := strings.TrimSuffix(strings.Repeat("?, ", len(filter.Tiers)), ", ")
			for _, t := range filter.Tiers {
				args = append(args, t)
			}
			conditions = append(conditions, "tier IN ("+marks+")")
		}
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

// generateHash generates an MD5 hash for content.
// Entries written by older agents may arrive without one.
func generateHash(content string) string {
	hash := md5.Sum([]byte(content))
	return hex.EncodeToString(hash[:])
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*storage.Entry, error) {
	var (
		e         storage.Entry
		actor     sql.NullString
		hash      sql.NullString
		createdAt int64
	)
	err := s.Scan(&e.ID, &e.ContextID, &e.Owner, &e.Scope.Scope, &e.Scope.ID,
		&e.Content, &e.Tier, &actor, &hash, &createdAt)
	if err != nil {
		return nil, err
	}
	if actor.Valid {
		e.Actor = actor.String
	}
	if hash.Valid {
		e.Hash = hash.String
	}
	e.CreatedAt = storage.FromNanos(createdAt)
	return &e, nil
}

func scanContext(s scanner) (*storage.ContextRecord, error) {
	var (
		rec                                  storage.ContextRecord
		promotedFrom                         sql.NullString
		createdAt, activatedAt, lastActivity int64
	)
	err := s.Scan(&rec.ID, &rec.Name, &rec.Owner, &rec.Scope.Scope, &rec.Scope.ID, &rec.State,
		&promotedFrom, &createdAt, &activatedAt, &lastActivity)
	if err != nil {
		return nil, err
	}
	if promotedFrom.Valid {
		rec.PromotedFrom = promotedFrom.String
	}
	rec.CreatedAt = storage.FromNanos(createdAt)
	rec.ActivatedAt = storage.FromNanos(activatedAt)
	rec.LastActivityAt = storage.FromNanos(lastActivity)
	return &rec, nil
}
