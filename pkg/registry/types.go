package registry

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/oceanbase/memctx/pkg/capture"
	"github.com/oceanbase/memctx/pkg/policy"
	"github.com/oceanbase/memctx/pkg/storage"
)

var (
	// ErrContextNotFound is returned for an unknown context id or hint.
	ErrContextNotFound = errors.New("context not found")

	// ErrDuplicateContextName is returned when the owner already has an
	// ACTIVE context with the same name.
	ErrDuplicateContextName = errors.New("duplicate context name")

	// ErrNoActiveContext is returned when an owner has no ACTIVE context to
	// fall back to.
	ErrNoActiveContext = errors.New("no active context")

	// ErrContextNotActive is returned when appending to a context that is
	// not ACTIVE.
	ErrContextNotActive = capture.ErrContextNotActive

	// ErrInvalidContext is returned for malformed start or promote
	// parameters.
	ErrInvalidContext = errors.New("invalid context")
)

// State is the lifecycle state of a context.
//
//	INACTIVE -> ACTIVE -> STOPPING -> STOPPED
//
// STOPPED is terminal. Only ACTIVE contexts accept entries.
type State string

const (
	StateInactive State = "INACTIVE"
	StateActive   State = "ACTIVE"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
)

// Context is a snapshot of a context.
type Context struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Owner          string          `json:"owner"`
	Scope          policy.ScopeRef `json:"scope"`
	State          State           `json:"state"`
	PromotedFrom   string          `json:"promoted_from,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ActivatedAt    time.Time       `json:"activated_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
}

// Key returns "owner/name", the form context grants match against.
func (c Context) Key() string {
	return c.Owner + "/" + c.Name
}

// Status is one line of a status report.
type Status struct {
	ContextID    string          `json:"context_id"`
	Name         string          `json:"name"`
	Scope        policy.ScopeRef `json:"scope"`
	State        State           `json:"state"`
	PendingCount int             `json:"pending_count"`

	// Err is set while the context is in the FLUSH_FAILED sub-state.
	Err error `json:"-"`
}

// FlushFailed reports whether the context is degraded.
func (s Status) FlushFailed() bool {
	return s.Err != nil
}

// StartParams describes a new context.
type StartParams struct {
	Name string

	// Scope defaults to the requester's personal scope.
	Scope policy.ScopeRef
}

// record is the registry's live view of one context. Identity fields are
// immutable; state and last activity are read without locks.
type record struct {
	id           string
	name         string
	owner        string
	scope        policy.ScopeRef
	promotedFrom string
	createdAt    time.Time
	activatedAt  time.Time

	state        atomic.Value // State
	lastActivity atomic.Int64
}

func (r *record) State() State {
	return r.state.Load().(State)
}

func (r *record) snapshot() Context {
	return Context{
		ID:             r.id,
		Name:           r.name,
		Owner:          r.owner,
		Scope:          r.scope,
		State:          r.State(),
		PromotedFrom:   r.promotedFrom,
		CreatedAt:      r.createdAt,
		ActivatedAt:    r.activatedAt,
		LastActivityAt: storage.FromNanos(r.lastActivity.Load()),
	}
}

func (r *record) resource(rt policy.ResourceType) policy.Resource {
	return policy.Resource{
		Type:       rt,
		Scope:      r.scope,
		ContextID:  r.id,
		ContextKey: r.owner + "/" + r.name,
	}
}

func (r *record) toStorage() *storage.ContextRecord {
	return &storage.ContextRecord{
		ID:             r.id,
		Name:           r.name,
		Owner:          r.owner,
		Scope:          toStorageRef(r.scope),
		State:          string(r.State()),
		PromotedFrom:   r.promotedFrom,
		CreatedAt:      r.createdAt,
		ActivatedAt:    r.activatedAt,
		LastActivityAt: storage.FromNanos(r.lastActivity.Load()),
	}
}

func fromStorage(rec *storage.ContextRecord) *record {
	r := &record{
		id:           rec.ID,
		name:         rec.Name,
		owner:        rec.Owner,
		scope:        policy.ScopeRef{Scope: policy.Scope(rec.Scope.Scope), ID: rec.Scope.ID},
		promotedFrom: rec.PromotedFrom,
		createdAt:    rec.CreatedAt,
		activatedAt:  rec.ActivatedAt,
	}
	r.state.Store(State(rec.State))
	r.lastActivity.Store(storage.Nanos(rec.LastActivityAt))
	return r
}

func toStorageRef(ref policy.ScopeRef) storage.ScopeRef {
	return storage.ScopeRef{Scope: string(ref.Scope), ID: ref.ID}
}
