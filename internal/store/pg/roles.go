package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"appraise.org/internal/auth"
	"appraise.org/internal/ids"
)

func (s *Store) ActiveRoles(ctx context.Context, organizationID, employeeID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `
		select role
		from role_assignments
		where organization_id = $1 and employee_id = $2 and is_active
	`, organizationID, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) ListRoleAssignments(ctx context.Context, organizationID, employeeID string) ([]auth.RoleAssignment, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, employee_id, organization_id, role, is_active,
		       coalesce(granted_by, ''), granted_at, coalesce(revoked_by, ''), revoked_at
		from role_assignments
		where organization_id = $1 and employee_id = $2
		order by granted_at
	`, organizationID, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.RoleAssignment{}
	for rows.Next() {
		var (
			a         auth.RoleAssignment
			revokedAt sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.EmployeeID, &a.OrganizationID, &a.Role, &a.Active,
			&a.GrantedBy, &a.GrantedAt, &a.RevokedBy, &revokedAt); err != nil {
			return nil, err
		}
		a.RevokedAt = timePtr(revokedAt)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GrantRole inserts an active assignment. The partial unique index on active
// rows turns a duplicate grant into ErrConflict.
func (s *Store) GrantRole(ctx context.Context, a auth.RoleAssignment) (auth.RoleAssignment, error) {
	if s.db == nil {
		return auth.RoleAssignment{}, errUnavailable
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.GrantedAt.IsZero() {
		a.GrantedAt = time.Now().UTC()
	}
	// the employee must belong to the organization the grant is scoped to
	res, err := s.db.ExecContext(ctx, `
		insert into role_assignments (id, organization_id, employee_id, role, is_active, granted_by, granted_at)
		select $1, e.organization_id, e.id, $4, true, $5, $6
		from employees e
		where e.organization_id = $2 and e.id = $3
	`, a.ID, a.OrganizationID, a.EmployeeID, a.Role, nullIfEmpty(a.GrantedBy), a.GrantedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.RoleAssignment{}, fmt.Errorf("%w: role %s already active", auth.ErrConflict, a.Role)
			case pgErrForeignKeyViolation:
				return auth.RoleAssignment{}, fmt.Errorf("%w: employee %s", auth.ErrNotFound, a.EmployeeID)
			}
		}
		return auth.RoleAssignment{}, err
	}
	if err := affected(res, fmt.Errorf("%w: employee %s", auth.ErrNotFound, a.EmployeeID)); err != nil {
		return auth.RoleAssignment{}, err
	}
	a.Active = true
	return a, nil
}

func (s *Store) DeactivateRole(ctx context.Context, organizationID, employeeID string, role auth.Role, revokedBy string, at time.Time) error {
	if s.db == nil {
		return errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		update role_assignments
		set is_active = false, revoked_by = $4, revoked_at = $5
		where organization_id = $1 and employee_id = $2 and role = $3 and is_active
	`, organizationID, employeeID, role, nullIfEmpty(revokedBy), at)
	if err != nil {
		return err
	}
	return affected(res, fmt.Errorf("%w: no active %s role", auth.ErrNotFound, role))
}
