package auth

import (
	"fmt"
	"strings"
)

// Role is one of the fixed organizational roles.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDirector   Role = "director"
	RoleManager    Role = "manager"
	RoleSupervisor Role = "supervisor"
	RoleEmployee   Role = "employee"
)

var ranks = map[Role]int{
	RoleAdmin:      5,
	RoleDirector:   4,
	RoleManager:    3,
	RoleSupervisor: 2,
	RoleEmployee:   1,
}

var roleLabels = map[Role]string{
	RoleAdmin:      "Administrator",
	RoleDirector:   "Director",
	RoleManager:    "Manager",
	RoleSupervisor: "Supervisor",
	RoleEmployee:   "Employee",
}

// AllRoles lists roles from highest to lowest rank.
func AllRoles() []Role {
	return []Role{RoleAdmin, RoleDirector, RoleManager, RoleSupervisor, RoleEmployee}
}

// Rank returns the numeric level of r; unknown roles rank 0.
func (r Role) Rank() int { return ranks[r] }

func (r Role) Valid() bool { return r.Rank() > 0 }

// Label is the display name of r.
func (r Role) Label() string {
	if l, ok := roleLabels[r]; ok {
		return l
	}
	return "Unknown"
}

func (r Role) String() string { return string(r) }

// ParseRole normalizes and validates a role name.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
	return r, nil
}
