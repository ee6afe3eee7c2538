package auth

import "sort"

// Permission is a derived capability. It is never stored; it is resolved
// from the active role set on every check.
type Permission string

const (
	PermAssignRoles         Permission = "assign_roles"
	PermMimicRoles          Permission = "mimic_roles"
	PermManageOrganization  Permission = "manage_organization"
	PermHardDeleteAppraisal Permission = "hard_delete_appraisal"
	PermOverrideHierarchy   Permission = "override_appraiser_hierarchy"
	PermVerifyIsolation     Permission = "verify_isolation"
	PermViewAuditLog        Permission = "view_audit_log"
	PermViewAllAppraisals   Permission = "view_all_appraisals"
	PermManageCycles        Permission = "manage_cycles"
	PermManageEmployees     Permission = "manage_employees"
	PermManageAppraisals    Permission = "manage_appraisals"
	PermViewTeamData        Permission = "view_team_data"
	PermViewOwnData         Permission = "view_own_data"
)

// rule grants a permission either from a minimum rank or to an explicit list.
type rule struct {
	MinRole Role
	Allow   []Role
}

var rules = map[Permission]rule{
	PermAssignRoles:         {Allow: []Role{RoleAdmin}},
	PermMimicRoles:          {Allow: []Role{RoleAdmin}},
	PermManageOrganization:  {Allow: []Role{RoleAdmin}},
	PermHardDeleteAppraisal: {Allow: []Role{RoleAdmin}},
	PermOverrideHierarchy:   {Allow: []Role{RoleAdmin}},
	PermVerifyIsolation:     {Allow: []Role{RoleAdmin}},
	PermViewAuditLog:        {MinRole: RoleDirector},
	PermViewAllAppraisals:   {MinRole: RoleDirector},
	PermManageCycles:        {MinRole: RoleDirector},
	PermManageEmployees:     {MinRole: RoleManager},
	PermManageAppraisals:    {MinRole: RoleManager},
	PermViewTeamData:        {MinRole: RoleSupervisor},
	PermViewOwnData:         {MinRole: RoleEmployee},
}

// Allows resolves p against set. Unknown permissions and empty sets deny.
func Allows(set RoleSet, p Permission) bool {
	r, ok := rules[p]
	if !ok || set.Empty() {
		return false
	}
	if len(r.Allow) > 0 {
		return set.HasAny(r.Allow...)
	}
	return set.Satisfies(r.MinRole)
}

// Known reports whether p is a defined permission.
func (p Permission) Known() bool {
	_, ok := rules[p]
	return ok
}

// Permissions lists every defined permission in name order.
func Permissions() []Permission {
	out := make([]Permission, 0, len(rules))
	for p := range rules {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Granted lists the permissions set resolves to.
func Granted(set RoleSet) []Permission {
	var out []Permission
	for _, p := range Permissions() {
		if Allows(set, p) {
			out = append(out, p)
		}
	}
	return out
}
