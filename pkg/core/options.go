package core

import (
	"log/slog"
	"time"

	"github.com/oceanbase/memctx/pkg/policy"
	"github.com/oceanbase/memctx/pkg/quota"
	"github.com/oceanbase/memctx/pkg/storage"
)

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger *slog.Logger
	quota  quota.Checker
	store  storage.Store
}

// WithLogger makes the Client log to l instead of building a logger from
// Config.Logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = l
	}
}

// WithQuota replaces the quota checker built from Config.Quota.
func WithQuota(q quota.Checker) Option {
	return func(o *clientOptions) {
		o.quota = q
	}
}

// WithStore uses an already opened store instead of Config.Storage. The
// Client closes it on Close.
func WithStore(s storage.Store) Option {
	return func(o *clientOptions) {
		o.store = s
	}
}

// StartOption is a function type for configuring Start operations.
type StartOption func(*StartOptions)

// StartOptions contains configuration options for Start operations.
type StartOptions struct {
	// Scope is where the context lives. Default: the requester's personal
	// scope.
	Scope ScopeRef
}

// WithScope starts the context in a team or organization scope.
//
// Example:
//
//	ctxInfo, _ := client.Start(ctx, req, "release-42", core.WithScope(core.Team("platform")))
func WithScope(ref ScopeRef) StartOption {
	return func(opts *StartOptions) {
		opts.Scope = ref
	}
}

// AppendOption is a function type for configuring Append operations.
type AppendOption func(*AppendOptions)

// AppendOptions contains configuration options for Append operations.
type AppendOptions struct {
	// ContextHint selects the context by id or name. Default: the most
	// recently activated ACTIVE context of the requester.
	ContextHint string

	// Tier is the declared sensitivity. Content that classifies higher is
	// upgraded. Default: TierInternal.
	Tier Tier

	// Actor records who or what produced the content.
	Actor string
}

// WithContext selects the context by id or name.
func WithContext(hint string) AppendOption {
	return func(opts *AppendOptions) {
		opts.ContextHint = hint
	}
}

// WithTier declares the sensitivity tier of the content.
func WithTier(t Tier) AppendOption {
	return func(opts *AppendOptions) {
		opts.Tier = t
	}
}

// WithActor records the producer of the content.
func WithActor(actor string) AppendOption {
	return func(opts *AppendOptions) {
		opts.Actor = actor
	}
}

// StopOption is a function type for configuring Stop operations.
type StopOption func(*StopOptions)

// StopOptions contains configuration options for Stop operations.
type StopOptions struct {
	// ContextHint selects the context by id or name. Default: the current
	// context.
	ContextHint string

	// All stops every context of the requester.
	All bool
}

// WithContextForStop selects the context to stop.
func WithContextForStop(hint string) StopOption {
	return func(opts *StopOptions) {
		opts.ContextHint = hint
	}
}

// WithAll stops every context of the requester.
func WithAll() StopOption {
	return func(opts *StopOptions) {
		opts.All = true
	}
}

// RecallOption is a function type for configuring Recall operations.
type RecallOption func(*RecallOptions)

// RecallOptions contains configuration options for Recall operations.
type RecallOptions struct {
	// ContextHint narrows the recall to one readable context.
	ContextHint string

	// Scopes restricts the scopes queried. Asking for a scope the
	// requester cannot read fails with ErrPermissionDenied.
	Scopes []ScopeRef

	// Limit caps the number of items. Zero uses the configured default.
	Limit int

	// ScopeTimeout overrides the per-scope timeout.
	ScopeTimeout time.Duration
}

// WithContextForRecall narrows the recall to one context.
func WithContextForRecall(hint string) RecallOption {
	return func(opts *RecallOptions) {
		opts.ContextHint = hint
	}
}

// WithScopes restricts the recall to the given scopes. A ref with an
// empty ID selects every permitted unit of that scope kind.
func WithScopes(refs ...ScopeRef) RecallOption {
	return func(opts *RecallOptions) {
		opts.Scopes = append(opts.Scopes, refs...)
	}
}

// WithLimit caps the number of recalled items.
func WithLimit(limit int) RecallOption {
	return func(opts *RecallOptions) {
		opts.Limit = limit
	}
}

// WithScopeTimeout overrides the per-scope query timeout.
func WithScopeTimeout(d time.Duration) RecallOption {
	return func(opts *RecallOptions) {
		opts.ScopeTimeout = d
	}
}

func applyStartOptions(opts []StartOption) *StartOptions {
	o := &StartOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func applyAppendOptions(opts []AppendOption) *AppendOptions {
	o := &AppendOptions{Tier: policy.TierInternal}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func applyStopOptions(opts []StopOption) *StopOptions {
	o := &StopOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func applyRecallOptions(opts []RecallOption) *RecallOptions {
	o := &RecallOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
