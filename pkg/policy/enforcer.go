package policy

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
)

// GrantKind is the kind of object a grant is attached to.
type GrantKind string

const (
	GrantContext GrantKind = "context"
	GrantTeam    GrantKind = "team"
	GrantOrg     GrantKind = "org"
)

// Grant binds a role to a subject within a context, team or organization.
//
// For context grants Ref is either a context id or a glob over
// "owner/name", e.g. "alice/proj-*".
type Grant struct {
	Subject string    `json:"subject" yaml:"subject"`
	Role    Role      `json:"role" yaml:"role"`
	Kind    GrantKind `json:"kind" yaml:"kind"`
	Ref     string    `json:"ref" yaml:"ref"`
}

func (g Grant) target() ScopeRef {
	switch g.Kind {
	case GrantTeam:
		return Team(g.Ref)
	case GrantOrg:
		return Org(g.Ref)
	}
	return ScopeRef{}
}

type compiledGrant struct {
	Grant
	match glob.Glob
}

func compileGrant(g Grant) (compiledGrant, error) {
	if g.Subject == "" || g.Ref == "" {
		return compiledGrant{}, fmt.Errorf("%w: subject and ref are required", ErrInvalidGrant)
	}
	if !g.Role.Valid() {
		return compiledGrant{}, fmt.Errorf("%w: %v", ErrUnknownRole, g.Role)
	}
	cg := compiledGrant{Grant: g}
	switch g.Kind {
	case GrantTeam, GrantOrg:
	case GrantContext:
		m, err := glob.Compile(g.Ref, '/')
		if err != nil {
			return compiledGrant{}, fmt.Errorf("%w: bad context pattern %q: %v", ErrInvalidGrant, g.Ref, err)
		}
		cg.match = m
	default:
		return compiledGrant{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidGrant, g.Kind)
	}
	return cg, nil
}

// snapshot is an immutable view of the grant table and sharing graph.
// Readers load it atomically; writers build a new one.
type snapshot struct {
	grants    []Grant
	bySubject map[string][]compiledGrant
	links     graph
}

func buildSnapshot(grants []Grant, links graph) (*snapshot, error) {
	s := &snapshot{
		grants:    grants,
		bySubject: make(map[string][]compiledGrant, len(grants)),
		links:     links,
	}
	for _, g := range grants {
		cg, err := compileGrant(g)
		if err != nil {
			return nil, err
		}
		s.bySubject[g.Subject] = append(s.bySubject[g.Subject], cg)
	}
	return s, nil
}

// Enforcer is the policy choke point: authorization, redaction and
// retention all go through it.
//
// Reads never block. Grant changes copy the current snapshot, modify the
// copy and publish it with a single atomic store.
type Enforcer struct {
	redactor  *Redactor
	retention RetentionPolicy
	logger    *slog.Logger

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithRedactor replaces the built-in redaction patterns.
func WithRedactor(r *Redactor) Option {
	return func(e *Enforcer) {
		e.redactor = r
	}
}

// WithRetention replaces the default retention policy.
func WithRetention(p RetentionPolicy) Option {
	return func(e *Enforcer) {
		e.retention = p
	}
}

// WithLogger sets the logger used for grant changes.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) {
		e.logger = l
	}
}

// NewEnforcer creates an Enforcer with no grants.
func NewEnforcer(opts ...Option) (*Enforcer, error) {
	e := &Enforcer{
		retention: DefaultRetention(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.redactor == nil {
		r, err := NewRedactor()
		if err != nil {
			return nil, err
		}
		e.redactor = r
	}
	s, _ := buildSnapshot(nil, graph{})
	e.snap.Store(s)
	return e, nil
}

// update applies fn to a private copy of the current grants and links
// and publishes the result.
func (e *Enforcer) update(fn func(grants []Grant, links graph) ([]Grant, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	links := cur.links.clone()
	grants, err := fn(append([]Grant(nil), cur.grants...), links)
	if err != nil {
		return err
	}
	next, err := buildSnapshot(grants, links)
	if err != nil {
		return err
	}
	e.snap.Store(next)
	return nil
}

// Grant adds a grant. A grant for the same subject, kind and ref replaces
// the previous role.
func (e *Enforcer) Grant(g Grant) error {
	if _, err := compileGrant(g); err != nil {
		return err
	}
	err := e.update(func(grants []Grant, _ graph) ([]Grant, error) {
		for i := range grants {
			if sameTarget(grants[i], g) {
				grants[i].Role = g.Role
				return grants, nil
			}
		}
		return append(grants, g), nil
	})
	if err == nil {
		e.logger.Info("grant added", "subject", g.Subject, "role", g.Role.String(), "kind", g.Kind, "ref", g.Ref)
	}
	return err
}

// Revoke removes the grant for the subject, kind and ref of g.
func (e *Enforcer) Revoke(g Grant) error {
	return e.update(func(grants []Grant, _ graph) ([]Grant, error) {
		out := grants[:0]
		for _, cur := range grants {
			if !sameTarget(cur, g) {
				out = append(out, cur)
			}
		}
		return out, nil
	})
}

// Link adds a sharing edge. Edges that would create a cycle are rejected
// with ErrSharingCycle.
func (e *Enforcer) Link(l Link) error {
	err := e.update(func(grants []Grant, links graph) ([]Grant, error) {
		return grants, links.add(l)
	})
	if err == nil {
		e.logger.Info("sharing link added", "child", l.Child.String(), "parent", l.Parent.String())
	}
	return err
}

// Unlink removes a sharing edge if present.
func (e *Enforcer) Unlink(l Link) error {
	return e.update(func(grants []Grant, links graph) ([]Grant, error) {
		links.remove(l)
		return grants, nil
	})
}

// Replace swaps the whole grant table and sharing graph. Nothing is
// published unless every grant compiles and the graph is acyclic.
func (e *Enforcer) Replace(grants []Grant, links []Link) error {
	g := graph{}
	for _, l := range links {
		if err := g.add(l); err != nil {
			return err
		}
	}
	next, err := buildSnapshot(append([]Grant(nil), grants...), g)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.snap.Store(next)
	e.mu.Unlock()
	e.logger.Info("policy table replaced", "grants", len(grants), "links", len(links))
	return nil
}

// Grants returns a copy of the current grants.
func (e *Enforcer) Grants() []Grant {
	return append([]Grant(nil), e.snap.Load().grants...)
}

func sameTarget(a, b Grant) bool {
	return a.Subject == b.Subject && a.Kind == b.Kind && a.Ref == b.Ref
}

// EffectiveRole returns the highest role the requester holds on the
// resource, across context grants, grants on the resource's scope and
// grants on every scope it is shared into. The owner of a personal scope
// is always Owner there.
func (e *Enforcer) EffectiveRole(req Requester, res Resource) Role {
	if req.UserID == "" {
		return RoleNone
	}
	if res.Scope.Scope == ScopePersonal && res.Scope.ID == req.UserID {
		return RoleOwner
	}

	snap := e.snap.Load()
	grants := snap.bySubject[req.UserID]
	if len(grants) == 0 {
		return RoleNone
	}

	applicable := map[ScopeRef]bool{}
	if res.Scope.Scope == ScopeTeam || res.Scope.Scope == ScopeOrganization {
		applicable[res.Scope] = true
		for _, a := range snap.links.ancestors(res.Scope) {
			applicable[a] = true
		}
	}

	role := RoleNone
	for _, g := range grants {
		if g.Role <= role {
			continue
		}
		switch g.Kind {
		case GrantContext:
			if (res.ContextID != "" && g.Ref == res.ContextID) ||
				(res.ContextKey != "" && g.match.Match(res.ContextKey)) {
				role = g.Role
			}
		case GrantTeam, GrantOrg:
			if applicable[g.target()] {
				role = g.Role
			}
		}
	}
	return role
}

// Authorize returns nil if the requester may perform the action, and an
// error wrapping ErrPermissionDenied otherwise.
func (e *Enforcer) Authorize(req Requester, res Resource, action Action) error {
	role := e.EffectiveRole(req, res)
	if Allowed(role, res.Type, action) {
		return nil
	}
	return fmt.Errorf("%w: %q cannot %s %s in %s", ErrPermissionDenied, req.UserID, action, res.Type, res.Scope)
}

// PermittedScopes lists the scope units the requester may read, in recall
// order: personal first, then teams, then organizations, ids sorted.
// A team or organization is included only when the requester claims
// membership and holds a grant that allows reading memory there.
func (e *Enforcer) PermittedScopes(req Requester) []ScopeRef {
	if req.UserID == "" {
		return nil
	}
	out := []ScopeRef{Personal(req.UserID)}
	for _, set := range []struct {
		ids  []string
		make func(string) ScopeRef
	}{
		{req.Teams, Team},
		{req.Orgs, Org},
	} {
		ids := append([]string(nil), set.ids...)
		sort.Strings(ids)
		for i, id := range ids {
			if id == "" || (i > 0 && ids[i-1] == id) {
				continue
			}
			ref := set.make(id)
			if e.Authorize(req, Resource{Type: ResourceMemory, Scope: ref}, ActionRead) == nil {
				out = append(out, ref)
			}
		}
	}
	return out
}

// Redact applies the redaction rules for tier. See Redactor.Redact.
func (e *Enforcer) Redact(content string, tier Tier) string {
	return e.redactor.Redact(content, tier)
}

// Classify returns the sensitivity implied by the content itself.
func (e *Enforcer) Classify(content string) Tier {
	return e.redactor.Classify(content)
}

// Retention returns the retention policy in force.
func (e *Enforcer) Retention() RetentionPolicy {
	return e.retention
}
