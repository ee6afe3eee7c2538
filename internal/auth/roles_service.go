package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"appraise.org/internal/audit"
)

const kindEmployee = "employee"

// RoleService grants and revokes role assignments.
type RoleService struct {
	roles RoleStore
	guard ReferenceGuard
	audit *audit.Recorder
	now   func() time.Time
}

func NewRoleService(roles RoleStore, guard ReferenceGuard, rec *audit.Recorder) (*RoleService, error) {
	if roles == nil || guard == nil {
		return nil, errors.New("role store and guard are required")
	}
	return &RoleService{roles: roles, guard: guard, audit: rec, now: time.Now}, nil
}

// Grant activates role for the employee.
func (s *RoleService) Grant(ctx context.Context, p Principal, employeeID string, role Role) (RoleAssignment, error) {
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return RoleAssignment{}, fmt.Errorf("%w: employee_id is required", ErrInvalidInput)
	}
	if !role.Valid() {
		return RoleAssignment{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if !p.HasPermission(PermAssignRoles) {
		return RoleAssignment{}, Denied(ctx, s.audit, p, "grant role", map[string]any{
			"permission": PermAssignRoles, "object_type": kindEmployee, "object_id": employeeID,
		})
	}
	if err := s.guard.Authorize(ctx, p, kindEmployee, employeeID); err != nil {
		return RoleAssignment{}, err
	}

	granted, err := s.roles.GrantRole(ctx, RoleAssignment{
		EmployeeID:     employeeID,
		OrganizationID: p.OrganizationID,
		Role:           role,
		Active:         true,
		GrantedBy:      p.EmployeeID,
		GrantedAt:      s.now().UTC(),
	})
	if err != nil {
		return RoleAssignment{}, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventRoleGranted,
		Actor:   p.AuditActor(),
		Success: true,
		Details: map[string]any{"role": role, "object_type": kindEmployee, "object_id": employeeID},
	})
	return granted, nil
}

// Revoke deactivates role for the employee.
func (s *RoleService) Revoke(ctx context.Context, p Principal, employeeID string, role Role) error {
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return fmt.Errorf("%w: employee_id is required", ErrInvalidInput)
	}
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if !p.HasPermission(PermAssignRoles) {
		return Denied(ctx, s.audit, p, "revoke role", map[string]any{
			"permission": PermAssignRoles, "object_type": kindEmployee, "object_id": employeeID,
		})
	}
	if employeeID == p.EmployeeID && role == RoleAdmin {
		return fmt.Errorf("%w: cannot revoke own admin role", ErrInvalidInput)
	}
	if err := s.guard.Authorize(ctx, p, kindEmployee, employeeID); err != nil {
		return err
	}

	if err := s.roles.DeactivateRole(ctx, p.OrganizationID, employeeID, role, p.EmployeeID, s.now().UTC()); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventRoleRevoked,
		Actor:   p.AuditActor(),
		Success: true,
		Details: map[string]any{"role": role, "object_type": kindEmployee, "object_id": employeeID},
	})
	return nil
}

// List returns every assignment, active or not, for the employee. Callers see
// their own; anyone else needs manage_employees.
func (s *RoleService) List(ctx context.Context, p Principal, employeeID string) ([]RoleAssignment, error) {
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return nil, fmt.Errorf("%w: employee_id is required", ErrInvalidInput)
	}
	if employeeID != p.EmployeeID && !p.HasPermission(PermManageEmployees) {
		return nil, Denied(ctx, s.audit, p, "list roles", map[string]any{
			"permission": PermManageEmployees, "object_type": kindEmployee, "object_id": employeeID,
		})
	}
	if err := s.guard.Authorize(ctx, p, kindEmployee, employeeID); err != nil {
		return nil, err
	}
	return s.roles.ListRoleAssignments(ctx, p.OrganizationID, employeeID)
}
