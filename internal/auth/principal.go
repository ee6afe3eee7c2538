package auth

import (
	"context"
	"fmt"
	"strings"

	"appraise.org/internal/audit"
	"appraise.org/internal/obs"
)

// Principal is an authenticated caller inside one organization. The real role
// set is fixed for the session; an optional mimicked role overlays it for
// permission checks only.
type Principal struct {
	UserID         string
	EmployeeID     string
	OrganizationID string

	roles    RoleSet
	mimicked Role
}

func NewPrincipal(userID, employeeID, organizationID string, roles RoleSet) Principal {
	return Principal{
		UserID:         strings.TrimSpace(userID),
		EmployeeID:     strings.TrimSpace(employeeID),
		OrganizationID: strings.TrimSpace(organizationID),
		roles:          roles,
	}
}

// Authenticated reports whether p carries an identity and a tenant.
func (p Principal) Authenticated() bool {
	return p.UserID != "" && p.OrganizationID != ""
}

// Roles is the effective role set used for every check.
func (p Principal) Roles() RoleSet {
	if !p.Authenticated() {
		return RoleSet{}
	}
	if p.mimicked != "" {
		return NewRoleSet(p.mimicked)
	}
	return p.roles
}

// RealRoles is the persisted role set, ignoring any mimicked role.
func (p Principal) RealRoles() RoleSet { return p.roles }

func (p Principal) HasRole(r Role) bool { return p.Roles().Has(r) }

func (p Principal) HasAnyRole(roles ...Role) bool { return p.Roles().HasAny(roles...) }

func (p Principal) MinRoleSatisfied(min Role) bool { return p.Roles().Satisfies(min) }

// Rank is the effective rank, 0 when unauthenticated.
func (p Principal) Rank() int { return p.Roles().Rank() }

func (p Principal) HasPermission(perm Permission) bool {
	allowed := Allows(p.Roles(), perm)
	obs.ObserveAuthz(string(perm), allowed)
	return allowed
}

// OriginalRole is the highest real role, empty when none.
func (p Principal) OriginalRole() Role {
	r, _ := p.roles.Highest()
	return r
}

func (p Principal) MimickedRole() Role { return p.mimicked }

func (p Principal) Mimicking() bool { return p.mimicked != "" }

// Mimic returns a copy of p whose checks use target. Only a real admin may
// mimic, and never above the real rank.
func (p Principal) Mimic(target Role) (Principal, error) {
	if !target.Valid() {
		return p, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, target)
	}
	if !p.Authenticated() || !Allows(p.roles, PermMimicRoles) {
		return p, ErrMimicNotAllowed
	}
	if target.Rank() > p.roles.Rank() {
		return p, ErrMimicNotAllowed
	}
	p.mimicked = target
	return p, nil
}

func (p Principal) ResetMimic() Principal {
	p.mimicked = ""
	return p
}

// AuditActor attributes an action to the real identity and role.
func (p Principal) AuditActor() audit.Actor {
	return audit.Actor{
		UserID:         p.UserID,
		EmployeeID:     p.EmployeeID,
		OrganizationID: p.OrganizationID,
		Role:           string(p.OriginalRole()),
		MimickedRole:   string(p.mimicked),
	}
}

// Denied records a permission_denied entry for p and returns ErrNotAuthorized.
func Denied(ctx context.Context, rec *audit.Recorder, p Principal, action string, details map[string]any) error {
	d := make(map[string]any, len(details)+1)
	for k, v := range details {
		d[k] = v
	}
	d["action"] = action
	rec.Record(ctx, audit.Event{
		Type:    audit.EventPermissionDenied,
		Actor:   p.AuditActor(),
		Success: false,
		Details: d,
	})
	return ErrNotAuthorized
}
