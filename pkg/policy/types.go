// Package policy is the single place where role and sensitivity rules live.
//
// It answers two questions: what a requester may do with a resource
// (Authorize, backed by a fixed Role x Resource x Action table) and what
// content may be persisted (Redact, backed by tiered pattern sets).
// Both paths fail closed.
package policy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role is a grant level. Roles are totally ordered; a higher role holds
// every capability of the lower ones for the same resource.
type Role int

const (
	// RoleNone means no grant applies. It is never stored.
	RoleNone Role = iota
	RoleViewer
	RoleMember
	RoleMaintainer
	RoleAdmin
	RoleOwner
)

var roleNames = map[Role]string{
	RoleNone:       "none",
	RoleViewer:     "viewer",
	RoleMember:     "member",
	RoleMaintainer: "maintainer",
	RoleAdmin:      "admin",
	RoleOwner:      "owner",
}

// String returns the lower-case role name.
func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Valid reports whether r is one of the grantable roles.
func (r Role) Valid() bool {
	return r >= RoleViewer && r <= RoleOwner
}

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for r, n := range roleNames {
		if n == name && r.Valid() {
			return r, nil
		}
	}
	return RoleNone, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// UnmarshalYAML decodes a role from its name.
func (r *Role) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MarshalYAML encodes a role as its name.
func (r Role) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

// MarshalText encodes a role as its name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role from its name.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Action is an operation a requester wants to perform on a resource.
type Action int

const (
	ActionRead Action = iota
	ActionCreate
	ActionUpdate
	ActionDelete
	ActionShare
	ActionExport
	ActionAdminister
	numActions
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	case ActionShare:
		return "share"
	case ActionExport:
		return "export"
	case ActionAdminister:
		return "administer"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ResourceType is the kind of object an action targets.
type ResourceType int

const (
	ResourceMemory ResourceType = iota
	ResourceContext
	ResourceTeam
	ResourceOrg
	numResourceTypes
)

func (t ResourceType) String() string {
	switch t {
	case ResourceMemory:
		return "memory"
	case ResourceContext:
		return "context"
	case ResourceTeam:
		return "team"
	case ResourceOrg:
		return "org"
	default:
		return fmt.Sprintf("resource(%d)", int(t))
	}
}

// Scope is the ownership layer of a context.
type Scope string

const (
	ScopePersonal     Scope = "personal"
	ScopeTeam         Scope = "team"
	ScopeOrganization Scope = "organization"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopePersonal, ScopeTeam, ScopeOrganization:
		return true
	}
	return false
}

// Precedence orders scopes for recall: lower values are searched first.
func (s Scope) Precedence() int {
	switch s {
	case ScopePersonal:
		return 0
	case ScopeTeam:
		return 1
	case ScopeOrganization:
		return 2
	default:
		return 3
	}
}

// ParseScope accepts the scope names plus the short forms "org" and "user".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "personal", "user", "":
		return ScopePersonal, nil
	case "team":
		return ScopeTeam, nil
	case "organization", "org":
		return ScopeOrganization, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScope, s)
}

// ScopeRef names one concrete scope unit: a user's personal space, a
// team, or an organization.
type ScopeRef struct {
	Scope Scope  `json:"scope" yaml:"scope"`
	ID    string `json:"id" yaml:"id"`
}

func (r ScopeRef) String() string {
	return string(r.Scope) + ":" + r.ID
}

// Personal returns the personal scope of a user.
func Personal(userID string) ScopeRef {
	return ScopeRef{Scope: ScopePersonal, ID: userID}
}

// Team returns the scope of a team.
func Team(teamID string) ScopeRef {
	return ScopeRef{Scope: ScopeTeam, ID: teamID}
}

// Org returns the scope of an organization.
func Org(orgID string) ScopeRef {
	return ScopeRef{Scope: ScopeOrganization, ID: orgID}
}

// Requester is the identity handed in by the authentication layer.
// The claims are trusted; authorization is still decided here.
type Requester struct {
	UserID string   `json:"user_id"`
	Teams  []string `json:"teams,omitempty"`
	Orgs   []string `json:"orgs,omitempty"`
}

// MemberOf reports whether the requester claims membership of ref.
func (r Requester) MemberOf(ref ScopeRef) bool {
	switch ref.Scope {
	case ScopePersonal:
		return ref.ID == r.UserID
	case ScopeTeam:
		return contains(r.Teams, ref.ID)
	case ScopeOrganization:
		return contains(r.Orgs, ref.ID)
	}
	return false
}

// Resource identifies what an action targets. Scope is the ownership
// unit the resource lives in. ContextID and ContextKey ("owner/name")
// are set when the resource belongs to a specific context so that
// context-level grants can match.
type Resource struct {
	Type       ResourceType
	Scope      ScopeRef
	ContextID  string
	ContextKey string
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
