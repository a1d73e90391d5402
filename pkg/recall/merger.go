// Package recall answers read requests by querying every scope a
// requester may read and merging the results personal first, then team,
// then organization.
package recall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oceanbase/memctx/pkg/policy"
	"github.com/oceanbase/memctx/pkg/registry"
	"github.com/oceanbase/memctx/pkg/storage"
)

// Policy is the subset of the policy enforcer recall depends on.
type Policy interface {
	Authorize(req policy.Requester, res policy.Resource, action policy.Action) error
	EffectiveRole(req policy.Requester, res policy.Resource) policy.Role
	PermittedScopes(req policy.Requester) []policy.ScopeRef
}

// Contexts resolves context hints.
type Contexts interface {
	Get(ctx context.Context, contextID string) (*registry.Context, error)
	ResolveCurrent(ctx context.Context, owner, hint string) (string, error)
}

// Config holds recall settings.
type Config struct {
	// DefaultLimit applies when a request sets no limit.
	DefaultLimit int `json:"default_limit" yaml:"default_limit" validate:"min=1"`

	// ScopeTimeout bounds each per-scope query.
	ScopeTimeout time.Duration `json:"scope_timeout" yaml:"scope_timeout" validate:"gt=0"`

	// MaxConcurrency caps concurrent scope queries. Zero means unbounded.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency" validate:"min=0"`
}

// DefaultConfig returns the default recall settings.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:   50,
		ScopeTimeout:   2 * time.Second,
		MaxConcurrency: 8,
	}
}

// Request is a recall request.
type Request struct {
	Requester policy.Requester

	// ContextHint is a context id or one of the requester's context names.
	// A known, readable hint narrows the recall to that context; anything
	// else is ignored.
	ContextHint string

	// Scopes restricts the recall. A ref with an empty ID selects every
	// permitted unit of that scope. Empty means all permitted scopes.
	Scopes []policy.ScopeRef

	// Limit caps the merged result. Zero uses the configured default.
	Limit int

	// ScopeTimeout overrides the configured per-scope timeout.
	ScopeTimeout time.Duration
}

// Item is one recalled entry tagged with the scope it came from.
type Item struct {
	Entry  *storage.Entry  `json:"entry"`
	Source policy.ScopeRef `json:"source"`
}

// ScopeWarning reports a scope that did not contribute.
type ScopeWarning struct {
	Scope policy.ScopeRef `json:"scope"`
	Err   error           `json:"-"`
}

func (w ScopeWarning) Error() string {
	return fmt.Sprintf("%s: %v", w.Scope, w.Err)
}

// Result is the merged answer to a Request.
type Result struct {
	Items    []Item         `json:"items"`
	Warnings []ScopeWarning `json:"warnings,omitempty"`
}

// Err returns an error wrapping ErrPartialRecall if any scope failed.
func (r *Result) Err() error {
	if len(r.Warnings) == 0 {
		return nil
	}
	msgs := make([]string, len(r.Warnings))
	for i, w := range r.Warnings {
		msgs[i] = w.Error()
	}
	return fmt.Errorf("%w: %s", ErrPartialRecall, strings.Join(msgs, "; "))
}

// Merger runs recalls.
type Merger struct {
	store    storage.Store
	policy   Policy
	contexts Contexts
	cfg      Config
	logger   *slog.Logger
}

// Option configures a Merger.
type Option func(*Merger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Merger) {
		m.logger = l
	}
}

// NewMerger creates a Merger.
func NewMerger(store storage.Store, p Policy, contexts Contexts, cfg Config, opts ...Option) *Merger {
	def := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.ScopeTimeout <= 0 {
		cfg.ScopeTimeout = def.ScopeTimeout
	}
	m := &Merger{
		store:    store,
		policy:   p,
		contexts: contexts,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m
}

// unit is one scope query to run.
type unit struct {
	ref    policy.ScopeRef
	filter *storage.QueryFilter
}

type outcome struct {
	entries []*storage.Entry
	err     error
}

// Recall queries every selected scope the requester may read and merges
// the results. Scope failures become warnings on the result; only a
// denied scope request or a cancelled ctx fail the call.
func (m *Merger) Recall(ctx context.Context, req Request) (*Result, error) {
	permitted := m.policy.PermittedScopes(req.Requester)
	selected, err := selectScopes(permitted, req.Scopes)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = m.cfg.DefaultLimit
	}
	timeout := req.ScopeTimeout
	if timeout <= 0 {
		timeout = m.cfg.ScopeTimeout
	}

	units := m.plan(ctx, req, selected, limit)

	outcomes := make([]outcome, len(units))
	var g errgroup.Group
	if m.cfg.MaxConcurrency > 0 {
		g.SetLimit(m.cfg.MaxConcurrency)
	}
	for i, u := range units {
		g.Go(func() error {
			outcomes[i] = m.query(ctx, u, timeout)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Items: []Item{}}
	// seen holds hashes from more local units only; repeats within one
	// unit are distinct events and are all kept.
	seen := make(map[string]bool)
	for i, u := range units {
		o := outcomes[i]
		if o.err != nil {
			res.Warnings = append(res.Warnings, ScopeWarning{Scope: u.ref, Err: o.err})
			continue
		}
		for _, e := range o.entries {
			if dedupable(e) && seen[e.Hash] {
				continue
			}
			res.Items = append(res.Items, Item{Entry: e, Source: u.ref})
		}
		for _, e := range o.entries {
			if dedupable(e) {
				seen[e.Hash] = true
			}
		}
	}
	if len(res.Items) > limit {
		res.Items = res.Items[:limit]
	}

	if len(res.Warnings) > 0 {
		recallTotal.WithLabelValues("partial").Inc()
		m.logger.Warn("partial recall",
			slog.String("user_id", req.Requester.UserID),
			slog.Int("failed_scopes", len(res.Warnings)),
			slog.Int("items", len(res.Items)))
	} else {
		recallTotal.WithLabelValues("ok").Inc()
	}
	return res, nil
}

// dedupable reports whether e may be dropped as a copy of a more local
// entry. Secret entries all share the placeholder hash, so they never are.
func dedupable(e *storage.Entry) bool {
	return e.Hash != "" && e.Tier != int(policy.TierSecret)
}

// selectScopes narrows the permitted scopes to the requested ones, in
// permitted (precedence) order.
func selectScopes(permitted, requested []policy.ScopeRef) ([]policy.ScopeRef, error) {
	if len(requested) == 0 {
		return permitted, nil
	}
	want := make([]bool, len(permitted))
	for _, r := range requested {
		matched := false
		for i, p := range permitted {
			if p.Scope == r.Scope && (r.ID == "" || p.ID == r.ID) {
				want[i] = true
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w: recall from %s", policy.ErrPermissionDenied, r)
		}
	}
	var out []policy.ScopeRef
	for i, p := range permitted {
		if want[i] {
			out = append(out, p)
		}
	}
	return out, nil
}

// plan builds one query per selected scope, or a single context query when
// the hint names a readable context in a selected scope.
func (m *Merger) plan(ctx context.Context, req Request, selected []policy.ScopeRef, limit int) []unit {
	if c := m.resolveHint(ctx, req); c != nil {
		for _, ref := range selected {
			if ref == c.Scope {
				res := policy.Resource{Type: policy.ResourceMemory, Scope: c.Scope, ContextID: c.ID, ContextKey: c.Key()}
				return []unit{{
					ref:    ref,
					filter: &storage.QueryFilter{ContextID: c.ID, Tiers: readable(m.policy.EffectiveRole(req.Requester, res)), Limit: limit},
				}}
			}
		}
		m.logger.Debug("ignoring hint outside selected scopes",
			slog.String("context_id", c.ID))
	}

	units := make([]unit, 0, len(selected))
	for _, ref := range selected {
		role := m.policy.EffectiveRole(req.Requester, policy.Resource{Type: policy.ResourceMemory, Scope: ref})
		tiers := readable(role)
		if len(tiers) == 0 {
			continue
		}
		units = append(units, unit{ref: ref, filter: &storage.QueryFilter{Tiers: tiers, Limit: limit}})
	}
	return units
}

// resolveHint returns the hinted context if it exists and the requester
// may read its memory.
func (m *Merger) resolveHint(ctx context.Context, req Request) *registry.Context {
	if req.ContextHint == "" || m.contexts == nil {
		return nil
	}
	c, err := m.contexts.Get(ctx, req.ContextHint)
	if err != nil {
		id, rerr := m.contexts.ResolveCurrent(ctx, req.Requester.UserID, req.ContextHint)
		if rerr != nil {
			return nil
		}
		if c, err = m.contexts.Get(ctx, id); err != nil {
			return nil
		}
	}
	res := policy.Resource{Type: policy.ResourceMemory, Scope: c.Scope, ContextID: c.ID, ContextKey: c.Key()}
	if err := m.policy.Authorize(req.Requester, res, policy.ActionRead); err != nil {
		return nil
	}
	return c
}

// readable lists the tiers a role may read.
func readable(role policy.Role) []int {
	if !policy.Allowed(role, policy.ResourceMemory, policy.ActionRead) {
		return nil
	}
	top := policy.Clearance(role)
	tiers := make([]int, 0, int(top)+1)
	for t := policy.TierPublic; t <= top; t++ {
		tiers = append(tiers, int(t))
	}
	return tiers
}

// query runs one scope query bounded by timeout. The store call runs in
// its own goroutine so a backend that ignores ctx cannot hold up the merge.
func (m *Merger) query(ctx context.Context, u unit, timeout time.Duration) outcome {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		entries, err := m.store.Query(qctx, storage.ScopeRef{Scope: string(u.ref.Scope), ID: u.ref.ID}, u.filter)
		done <- outcome{entries: entries, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-qctx.Done():
		o = outcome{err: qctx.Err()}
	}
	scopeQueryDuration.WithLabelValues(string(u.ref.Scope)).Observe(time.Since(start).Seconds())

	if o.err != nil {
		reason := "error"
		if errors.Is(o.err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		scopeFailures.WithLabelValues(string(u.ref.Scope), reason).Inc()
		m.logger.Warn("scope query failed",
			slog.String("scope", u.ref.String()),
			slog.String("reason", reason),
			slog.String("error", o.err.Error()))
	}
	return o
}
