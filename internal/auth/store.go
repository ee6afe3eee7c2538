package auth

import (
	"context"
	"time"

	"appraise.org/internal/directory"
)

// RoleAssignment grants a role to an employee inside one organization.
// Revocation deactivates the row; it is never deleted.
type RoleAssignment struct {
	ID             string     `json:"id"`
	EmployeeID     string     `json:"employee_id"`
	OrganizationID string     `json:"organization_id"`
	Role           Role       `json:"role"`
	Active         bool       `json:"is_active"`
	GrantedBy      string     `json:"granted_by,omitempty"`
	GrantedAt      time.Time  `json:"granted_at"`
	RevokedBy      string     `json:"revoked_by,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// RoleStore persists role assignments. GrantRole returns ErrConflict when the
// role is already active; DeactivateRole returns ErrNotFound when it is not.
type RoleStore interface {
	ActiveRoles(ctx context.Context, organizationID, employeeID string) ([]Role, error)
	ListRoleAssignments(ctx context.Context, organizationID, employeeID string) ([]RoleAssignment, error)
	GrantRole(ctx context.Context, a RoleAssignment) (RoleAssignment, error)
	DeactivateRole(ctx context.Context, organizationID, employeeID string, role Role, revokedBy string, at time.Time) error
}

// EmployeeFinder resolves the employee record behind an identity.
type EmployeeFinder interface {
	FindEmployeeByUser(ctx context.Context, organizationID, userID string) (directory.Employee, error)
}

// ReferenceGuard confirms a referenced row belongs to the caller's organization.
type ReferenceGuard interface {
	Authorize(ctx context.Context, p Principal, kind, id string) error
}
