package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"appraise.org/internal/directory"
)

// Resolver turns verified session claims into a Principal. Every failure
// denies.
type Resolver struct {
	employees EmployeeFinder
	roles     RoleStore
}

func NewResolver(employees EmployeeFinder, roles RoleStore) (*Resolver, error) {
	if employees == nil || roles == nil {
		return nil, errors.New("employee finder and role store are required")
	}
	return &Resolver{employees: employees, roles: roles}, nil
}

// Principal loads the caller's employee record and active roles, then
// re-applies the mimic claim against the real role set.
func (r *Resolver) Principal(ctx context.Context, claims *Claims) (Principal, error) {
	if claims == nil {
		return Principal{}, ErrUnauthenticated
	}
	orgID := strings.TrimSpace(claims.OrganizationID)
	userID := strings.TrimSpace(claims.Subject)
	if orgID == "" || userID == "" {
		return Principal{}, ErrUnauthenticated
	}

	emp, err := r.employees.FindEmployeeByUser(ctx, orgID, userID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return Principal{}, ErrUnauthenticated
		}
		return Principal{}, fmt.Errorf("resolve employee: %w", err)
	}
	if emp.OrganizationID != orgID || !emp.Active() {
		return Principal{}, ErrUnauthenticated
	}
	if claims.EmployeeID != "" && claims.EmployeeID != emp.ID {
		return Principal{}, ErrUnauthenticated
	}

	roles, err := r.roles.ActiveRoles(ctx, orgID, emp.ID)
	if err != nil {
		return Principal{}, fmt.Errorf("resolve roles: %w", err)
	}
	p := NewPrincipal(userID, emp.ID, orgID, NewRoleSet(roles...))

	if claims.Mimic != "" {
		p, err = p.Mimic(Role(claims.Mimic))
		if err != nil {
			return Principal{}, fmt.Errorf("%w: mimic claim rejected: %w", ErrUnauthenticated, err)
		}
	}
	return p, nil
}
