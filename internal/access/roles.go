package access

import "github.com/hugh/tollgate/internal/database/models"

// Capability is an organization-level permission granted by a role.
type Capability string

const (
	CapManageMembers             Capability = "manage_members"
	CapManageAccess              Capability = "manage_access"
	CapViewBilling               Capability = "view_billing"
	CapViewOrganizationResources Capability = "view_organization_resources"
	CapManageRoleAssignments     Capability = "manage_role_assignments"
)

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// List returns the capabilities in catalog order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for _, c := range allCapabilities {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

var allCapabilities = []Capability{
	CapManageMembers,
	CapManageAccess,
	CapViewBilling,
	CapViewOrganizationResources,
	CapManageRoleAssignments,
}

var catalog = map[models.Role][]Capability{
	models.RoleOwner:   allCapabilities,
	models.RoleAdmin:   {CapManageAccess, CapViewOrganizationResources},
	models.RoleBilling: {CapViewBilling},
	models.RoleMember:  nil,
	models.RoleViewer:  nil,
}

// Capabilities returns a fresh copy of the set granted to role. Unknown roles
// get an empty set.
func Capabilities(role models.Role) CapabilitySet {
	caps := catalog[role]
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Can reports whether role grants capability.
func Can(role models.Role, c Capability) bool {
	for _, granted := range catalog[role] {
		if granted == c {
			return true
		}
	}
	return false
}
