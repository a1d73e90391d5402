package policy

// actionSet is a bitmask over Action.
type actionSet uint16

func actions(as ...Action) actionSet {
	var s actionSet
	for _, a := range as {
		s |= 1 << uint(a)
	}
	return s
}

func (s actionSet) has(a Action) bool {
	return a >= 0 && a < numActions && s&(1<<uint(a)) != 0
}

const allActions actionSet = 1<<uint(numActions) - 1

// permissions is the fixed Role x Resource -> actions table. Each row is
// built from the row below it so a higher role can never lose a capability.
var permissions = buildPermissions()

func buildPermissions() [RoleOwner + 1][numResourceTypes]actionSet {
	var t [RoleOwner + 1][numResourceTypes]actionSet

	t[RoleViewer] = [numResourceTypes]actionSet{
		ResourceMemory:  actions(ActionRead),
		ResourceContext: actions(ActionRead),
		ResourceTeam:    actions(ActionRead),
		ResourceOrg:     actions(ActionRead),
	}

	t[RoleMember] = t[RoleViewer]
	t[RoleMember][ResourceMemory] |= actions(ActionCreate, ActionExport)
	t[RoleMember][ResourceContext] |= actions(ActionCreate, ActionUpdate)

	t[RoleMaintainer] = t[RoleMember]
	t[RoleMaintainer][ResourceMemory] |= actions(ActionUpdate, ActionDelete, ActionShare)
	t[RoleMaintainer][ResourceContext] |= actions(ActionDelete, ActionShare, ActionExport)

	t[RoleAdmin] = t[RoleMaintainer]
	t[RoleAdmin][ResourceMemory] |= actions(ActionAdminister)
	t[RoleAdmin][ResourceContext] |= actions(ActionAdminister)
	t[RoleAdmin][ResourceTeam] |= actions(ActionCreate, ActionUpdate, ActionShare, ActionAdminister)
	t[RoleAdmin][ResourceOrg] |= actions(ActionUpdate, ActionShare)

	for r := range t[RoleOwner] {
		t[RoleOwner][r] = allActions
	}
	return t
}

// Allowed reports whether role may perform action on a resource type.
// Anything outside the table is denied.
func Allowed(role Role, rt ResourceType, action Action) bool {
	if !role.Valid() || rt < 0 || rt >= numResourceTypes {
		return false
	}
	return permissions[role][rt].has(action)
}

// Clearance is the highest sensitivity tier a role may read.
func Clearance(role Role) Tier {
	switch role {
	case RoleViewer:
		return TierSensitive
	case RoleMember:
		return TierConfidential
	case RoleMaintainer, RoleAdmin, RoleOwner:
		return TierSecret
	default:
		return -1
	}
}
