package policy

import "fmt"

// Link is a sharing edge: everything granted on Parent also applies to
// Child. A team may be shared into another team or into an organization,
// and an organization into another organization.
type Link struct {
	Child  ScopeRef `json:"child" yaml:"child"`
	Parent ScopeRef `json:"parent" yaml:"parent"`
}

func (l Link) validate() error {
	if l.Child.Scope == ScopePersonal || l.Parent.Scope == ScopePersonal {
		return fmt.Errorf("%w: personal scopes cannot be shared", ErrInvalidGrant)
	}
	if !l.Child.Scope.Valid() || !l.Parent.Scope.Valid() || l.Child.ID == "" || l.Parent.ID == "" {
		return fmt.Errorf("%w: malformed link %s -> %s", ErrInvalidGrant, l.Child, l.Parent)
	}
	if l.Child.Scope == ScopeOrganization && l.Parent.Scope == ScopeTeam {
		return fmt.Errorf("%w: organization cannot be nested in a team", ErrInvalidGrant)
	}
	return nil
}

// graph is an adjacency list from child to parents. Values are treated as
// immutable once published in a snapshot.
type graph map[ScopeRef][]ScopeRef

func (g graph) clone() graph {
	out := make(graph, len(g))
	for k, v := range g {
		out[k] = append([]ScopeRef(nil), v...)
	}
	return out
}

// reaches reports whether to is reachable from from.
func (g graph) reaches(from, to ScopeRef) bool {
	seen := map[ScopeRef]bool{from: true}
	stack := []ScopeRef{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		for _, p := range g[n] {
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return false
}

// add inserts an edge, refusing any edge that would close a cycle.
func (g graph) add(l Link) error {
	if err := l.validate(); err != nil {
		return err
	}
	if l.Child == l.Parent || g.reaches(l.Parent, l.Child) {
		return fmt.Errorf("%w: %s -> %s", ErrSharingCycle, l.Child, l.Parent)
	}
	for _, p := range g[l.Child] {
		if p == l.Parent {
			return nil
		}
	}
	g[l.Child] = append(g[l.Child], l.Parent)
	return nil
}

func (g graph) remove(l Link) {
	parents := g[l.Child]
	for i, p := range parents {
		if p == l.Parent {
			g[l.Child] = append(parents[:i:i], parents[i+1:]...)
			return
		}
	}
}

// ancestors returns every scope reachable from ref, excluding ref itself.
func (g graph) ancestors(ref ScopeRef) []ScopeRef {
	var out []ScopeRef
	seen := map[ScopeRef]bool{ref: true}
	queue := append([]ScopeRef(nil), g[ref]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		queue = append(queue, g[n]...)
	}
	return out
}
