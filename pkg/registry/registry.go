// Package registry tracks context identity, ownership, scope and
// lifecycle, and owns the capture buffer of every ACTIVE context.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oceanbase/memctx/pkg/capture"
	"github.com/oceanbase/memctx/pkg/policy"
	"github.com/oceanbase/memctx/pkg/quota"
	"github.com/oceanbase/memctx/pkg/storage"
)

// Authorizer decides whether a requester may act on a resource.
type Authorizer interface {
	Authorize(req policy.Requester, res policy.Resource, action policy.Action) error
}

// ownerIndex holds the contexts of one owner. mu serializes lifecycle
// changes for the owner; ids is replaced, never mutated, so readers need
// no lock.
type ownerIndex struct {
	mu       sync.Mutex
	hydrated atomic.Bool
	ids      atomic.Pointer[[]string]
}

func (o *ownerIndex) list() []string {
	if p := o.ids.Load(); p != nil {
		return *p
	}
	return nil
}

// addLocked appends id. mu must be held.
func (o *ownerIndex) addLocked(id string) {
	old := o.list()
	ids := make([]string, len(old), len(old)+1)
	copy(ids, old)
	ids = append(ids, id)
	o.ids.Store(&ids)
}

// Registry is the single source of truth for contexts.
type Registry struct {
	store   storage.Store
	buffers *capture.Manager
	auth    Authorizer
	quota   quota.Checker
	logger  *slog.Logger
	now     func() time.Time

	contexts sync.Map // id -> *record
	owners   sync.Map // owner -> *ownerIndex
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithQuota sets the quota collaborator. The default allows everything.
func WithQuota(q quota.Checker) Option {
	return func(r *Registry) {
		r.quota = q
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a Registry.
func New(store storage.Store, buffers *capture.Manager, auth Authorizer, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		buffers: buffers,
		auth:    auth,
		quota:   quota.Unlimited{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r
}

func (r *Registry) owner(owner string) *ownerIndex {
	v, _ := r.owners.LoadOrStore(owner, &ownerIndex{})
	return v.(*ownerIndex)
}

func (r *Registry) record(id string) (*record, bool) {
	v, ok := r.contexts.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*record), true
}

// hydrate loads an owner's contexts written by earlier processes the
// first time the owner is touched. ACTIVE contexts get a fresh buffer.
func (r *Registry) hydrate(ctx context.Context, owner string) (*ownerIndex, error) {
	idx := r.owner(owner)
	if idx.hydrated.Load() {
		return idx, nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.hydrated.Load() {
		return idx, nil
	}

	recs, err := r.store.ListContexts(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", owner, err)
	}
	for _, rec := range recs {
		if _, ok := r.record(rec.ID); ok {
			continue
		}
		c := fromStorage(rec)
		switch c.State() {
		case StateActive:
			if err := r.buffers.Open(r.target(c)); err != nil && !errors.Is(err, capture.ErrBufferExists) {
				return nil, fmt.Errorf("hydrate %s: %w", owner, err)
			}
		case StateStopping, StateInactive:
			// The process that owned the buffer is gone; nothing is left to flush.
			c.state.Store(StateStopped)
			if err := r.store.SaveContext(ctx, c.toStorage()); err != nil {
				return nil, fmt.Errorf("hydrate %s: %w", owner, err)
			}
			r.logger.Warn("finished interrupted stop",
				slog.String("context_id", c.id),
				slog.String("owner", owner))
		}
		r.contexts.Store(c.id, c)
		idx.addLocked(c.id)
	}
	idx.hydrated.Store(true)
	return idx, nil
}

// lookup finds a context by id in memory or in the store.
func (r *Registry) lookup(ctx context.Context, id string) (*record, error) {
	if c, ok := r.record(id); ok {
		return c, nil
	}
	rec, err := r.store.GetContext(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if _, err := r.hydrate(ctx, rec.Owner); err != nil {
		return nil, err
	}
	if c, ok := r.record(id); ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrContextNotFound, id)
}

func (r *Registry) target(c *record) capture.Target {
	return capture.Target{ContextID: c.id, Owner: c.owner, Scope: toStorageRef(c.scope)}
}

// Start creates an ACTIVE context and allocates its buffer.
func (r *Registry) Start(ctx context.Context, req policy.Requester, p StartParams) (*Context, error) {
	if req.UserID == "" || p.Name == "" {
		return nil, fmt.Errorf("%w: owner and name are required", ErrInvalidContext)
	}
	scope := p.Scope
	if scope.Scope == "" || (scope.Scope == policy.ScopePersonal && scope.ID == "") {
		scope = policy.Personal(req.UserID)
	}
	if err := r.checkScope(req, scope); err != nil {
		return nil, err
	}
	res := policy.Resource{Type: policy.ResourceContext, Scope: scope, ContextKey: req.UserID + "/" + p.Name}
	if err := r.auth.Authorize(req, res, policy.ActionCreate); err != nil {
		return nil, err
	}
	if err := r.quota.AllowStart(ctx, req.UserID); err != nil {
		return nil, err
	}

	idx, err := r.hydrate(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return r.startLocked(ctx, idx, req.UserID, p.Name, scope, "")
}

func (r *Registry) checkScope(req policy.Requester, scope policy.ScopeRef) error {
	if !scope.Scope.Valid() || scope.ID == "" {
		return fmt.Errorf("%w: bad scope %s", ErrInvalidContext, scope)
	}
	if scope.Scope == policy.ScopePersonal && scope.ID != req.UserID {
		return fmt.Errorf("%w: personal context of %s", policy.ErrPermissionDenied, scope.ID)
	}
	return nil
}

// startLocked creates the context. The owner's mu must be held.
func (r *Registry) startLocked(ctx context.Context, idx *ownerIndex, owner, name string, scope policy.ScopeRef, promotedFrom string) (*Context, error) {
	for _, id := range idx.list() {
		if c, ok := r.record(id); ok && c.name == name && c.State() == StateActive {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateContextName, owner, name)
		}
	}

	now := r.now().UTC()
	c := &record{
		id:           ulid.Make().String(),
		name:         name,
		owner:        owner,
		scope:        scope,
		promotedFrom: promotedFrom,
		createdAt:    now,
		activatedAt:  now,
	}
	c.state.Store(StateInactive)
	c.lastActivity.Store(storage.Nanos(now))

	if err := r.buffers.Open(r.target(c)); err != nil {
		return nil, err
	}
	c.state.Store(StateActive)
	if err := r.store.SaveContext(ctx, c.toStorage()); err != nil {
		_ = r.buffers.Close(ctx, c.id)
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	r.contexts.Store(c.id, c)
	idx.addLocked(c.id)
	r.logger.Info("context started",
		slog.String("context_id", c.id),
		slog.String("owner", owner),
		slog.String("name", name),
		slog.String("scope", scope.String()))

	snap := c.snapshot()
	return &snap, nil
}

// Append queues an event into an ACTIVE context.
func (r *Registry) Append(ctx context.Context, req policy.Requester, contextID string, ev capture.Event) (*storage.Entry, error) {
	c, err := r.lookup(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if err := r.auth.Authorize(req, c.resource(policy.ResourceMemory), policy.ActionCreate); err != nil {
		return nil, err
	}
	if st := c.State(); st != StateActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrContextNotActive, contextID, st)
	}
	if err := r.quota.AllowAppend(ctx, c.owner); err != nil {
		return nil, err
	}
	return r.buffers.Append(ctx, contextID, ev)
}

// Stop moves a context to STOPPED, flushing its buffer on the way.
// Stopping a STOPPED context is a no-op. If the flush exhausts its
// retries the context stays STOPPING and a later Stop retries it.
func (r *Registry) Stop(ctx context.Context, req policy.Requester, contextID string) error {
	c, err := r.lookup(ctx, contextID)
	if err != nil {
		return err
	}
	if err := r.auth.Authorize(req, c.resource(policy.ResourceContext), policy.ActionUpdate); err != nil {
		return err
	}
	return r.stop(ctx, c)
}

func (r *Registry) stop(ctx context.Context, c *record) error {
	idx := r.owner(c.owner)

	idx.mu.Lock()
	switch c.State() {
	case StateStopped:
		idx.mu.Unlock()
		return nil
	case StateActive, StateInactive:
		c.state.Store(StateStopping)
		if err := r.store.SaveContext(ctx, c.toStorage()); err != nil {
			r.logger.Warn("persist STOPPING failed",
				slog.String("context_id", c.id),
				slog.String("error", err.Error()))
		}
	}
	idx.mu.Unlock()

	if err := r.buffers.Close(ctx, c.id); err != nil {
		r.logger.Error("stop left context degraded",
			slog.String("context_id", c.id),
			slog.String("error", err.Error()))
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if c.State() == StateStopped {
		return nil
	}
	c.state.Store(StateStopped)
	if err := r.store.SaveContext(ctx, c.toStorage()); err != nil {
		return fmt.Errorf("stop %s: %w", c.id, err)
	}
	r.logger.Info("context stopped",
		slog.String("context_id", c.id),
		slog.String("owner", c.owner))
	return nil
}

// StopAll stops every context of the requester that is not yet STOPPED.
func (r *Registry) StopAll(ctx context.Context, req policy.Requester) error {
	idx, err := r.hydrate(ctx, req.UserID)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range idx.list() {
		c, ok := r.record(id)
		if !ok || c.State() == StateStopped {
			continue
		}
		if err := r.stop(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status reports every context of owner without taking any lock once the
// owner is loaded. The returned error joins the errors of degraded
// contexts.
func (r *Registry) Status(ctx context.Context, owner string) ([]Status, error) {
	idx, err := r.hydrate(ctx, owner)
	if err != nil {
		return nil, err
	}

	ids := idx.list()
	out := make([]Status, 0, len(ids))
	var errs []error
	for _, id := range ids {
		c, ok := r.record(id)
		if !ok {
			continue
		}
		st := Status{
			ContextID:    c.id,
			Name:         c.name,
			Scope:        c.scope,
			State:        c.State(),
			PendingCount: r.buffers.Pending(c.id),
			Err:          r.buffers.Degraded(c.id),
		}
		if st.Err != nil {
			errs = append(errs, st.Err)
		}
		out = append(out, st)
	}
	return out, errors.Join(errs...)
}

// ResolveCurrent picks the context a session should write to. A hint (a
// context id or name of the owner) wins; without one the owner's most
// recently activated ACTIVE context is used.
func (r *Registry) ResolveCurrent(ctx context.Context, owner, hint string) (string, error) {
	idx, err := r.hydrate(ctx, owner)
	if err != nil {
		return "", err
	}

	var candidates []*record
	for _, id := range idx.list() {
		if c, ok := r.record(id); ok {
			candidates = append(candidates, c)
		}
	}

	if hint != "" {
		var named []*record
		for _, c := range candidates {
			if c.id == hint {
				return c.id, nil
			}
			if c.name == hint {
				named = append(named, c)
			}
		}
		if len(named) == 0 {
			return "", fmt.Errorf("%w: %s", ErrContextNotFound, hint)
		}
		return newest(named, true).id, nil
	}

	if c := newest(candidates, false); c != nil && c.State() == StateActive {
		return c.id, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoActiveContext, owner)
}

// Latest returns the owner's most recently activated context whatever
// its state, preferring an ACTIVE one.
func (r *Registry) Latest(ctx context.Context, owner string) (string, error) {
	idx, err := r.hydrate(ctx, owner)
	if err != nil {
		return "", err
	}
	var candidates []*record
	for _, id := range idx.list() {
		if c, ok := r.record(id); ok {
			candidates = append(candidates, c)
		}
	}
	if c := newest(candidates, true); c != nil {
		return c.id, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoActiveContext, owner)
}

// newest returns the most recently activated ACTIVE record. With
// fallback set, a non-ACTIVE record is returned when no ACTIVE one exists.
func newest(recs []*record, fallback bool) *record {
	sort.SliceStable(recs, func(i, j int) bool {
		ai, aj := recs[i].State() == StateActive, recs[j].State() == StateActive
		if ai != aj {
			return ai
		}
		return recs[i].activatedAt.After(recs[j].activatedAt)
	})
	if len(recs) == 0 || (!fallback && recs[0].State() != StateActive) {
		return nil
	}
	return recs[0]
}

// Get returns a snapshot of a context.
func (r *Registry) Get(ctx context.Context, contextID string) (*Context, error) {
	c, err := r.lookup(ctx, contextID)
	if err != nil {
		return nil, err
	}
	snap := c.snapshot()
	return &snap, nil
}

// Promote stops a context and starts a new one with the same name in a
// broader scope. The new context references the old one; entries are
// not migrated.
func (r *Registry) Promote(ctx context.Context, req policy.Requester, contextID string, to policy.ScopeRef) (*Context, error) {
	c, err := r.lookup(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if err := r.auth.Authorize(req, c.resource(policy.ResourceContext), policy.ActionShare); err != nil {
		return nil, err
	}
	if err := r.checkScope(req, to); err != nil {
		return nil, err
	}
	if to.Scope.Precedence() <= c.scope.Scope.Precedence() {
		return nil, fmt.Errorf("%w: cannot promote %s to %s", ErrInvalidContext, c.scope, to)
	}
	res := policy.Resource{Type: policy.ResourceContext, Scope: to, ContextKey: c.owner + "/" + c.name}
	if err := r.auth.Authorize(req, res, policy.ActionCreate); err != nil {
		return nil, err
	}

	if err := r.stop(ctx, c); err != nil {
		return nil, err
	}

	idx := r.owner(c.owner)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	promoted, err := r.startLocked(ctx, idx, c.owner, c.name, to, c.id)
	if err != nil {
		return nil, err
	}
	r.logger.Info("context promoted",
		slog.String("from", c.id),
		slog.String("to", promoted.ID),
		slog.String("scope", to.String()))
	return promoted, nil
}

// Touch records activity on a context. It is the capture flush callback.
func (r *Registry) Touch(contextID string, at time.Time) {
	if c, ok := r.record(contextID); ok {
		c.lastActivity.Store(storage.Nanos(at))
	}
}
