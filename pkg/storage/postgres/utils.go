package postgres

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/oceanbase/memctx/pkg/storage"
)

// buildWhereClause builds a WHERE clause starting from $1.
func buildWhereClause(ref storage.ScopeRef, filter *storage.QueryFilter) (string, []interface{}) {
	return buildWhereClauseWithOffset(ref, filter, 1)
}

// buildWhereClauseWithOffset builds a WHERE clause starting from a specific parameter index.
func buildWhereClauseWithOffset(ref storage.ScopeRef, filter *storage.QueryFilter, startIndex int) (string, []interface{}) {
	argIndex := startIndex
	conditions := []string{
		fmt.Sprintf("scope = $%d", argIndex),
		fmt.Sprintf("scope_id = $%d", argIndex+1),
	}
	args := []interface{}{ref.Scope, ref.ID}
	argIndex += 2

	if filter != nil {
		if filter.ContextID != "" {
			conditions = append(conditions, fmt.Sprintf("context_id = $%d", argIndex))
			args = append(args, filter.ContextID)
			argIndex++
		}
		if len(filter.Tiers) > 0 {
			marks := make([]string, len(filter.Tiers))
			for i, t := range filter.Tiers {
				marks[i] = fmt.Sprintf("$%d", argIndex)
				args = append(args, t)
				argIndex++
			}
			conditions = append(conditions, "tier IN ("+strings.Join(marks, ", ")+")")
		}
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
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
	e.Actor = actor.String
	e.Hash = hash.String
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
	rec.PromotedFrom = promotedFrom.String
	rec.CreatedAt = storage.FromNanos(createdAt)
	rec.ActivatedAt = storage.FromNanos(activatedAt)
	rec.LastActivityAt = storage.FromNanos(lastActivity)
	return &rec, nil
}
