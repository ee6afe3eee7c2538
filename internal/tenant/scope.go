// Package tenant keeps every read and write inside the caller's organization.
package tenant

import (
	"errors"
	"fmt"

	"appraise.org/internal/auth"
)

var (
	// ErrCrossOrganization is returned when a referenced row belongs to another
	// organization. Callers see it as a generic denial.
	ErrCrossOrganization = errors.New("tenant: cross-organization reference")
	// ErrViolation means a row outside the scope reached the caller.
	ErrViolation = errors.New("tenant: isolation violation")
	ErrNotFound  = errors.New("tenant: referenced record not found")
	ErrNoScope   = errors.New("tenant: no organization scope")
)

// Scope is the organization every query of a request is constrained to. It is
// only ever derived from the authenticated principal.
type Scope struct {
	OrganizationID string
}

func ScopeOf(p auth.Principal) (Scope, error) {
	if !p.Authenticated() {
		return Scope{}, ErrNoScope
	}
	return Scope{OrganizationID: p.OrganizationID}, nil
}

// Check fails when rowOrgID is not the scoped organization.
func (s Scope) Check(rowOrgID string) error {
	if s.OrganizationID == "" {
		return ErrNoScope
	}
	if rowOrgID != s.OrganizationID {
		return fmt.Errorf("%w: row belongs to %q, scope is %q", ErrViolation, rowOrgID, s.OrganizationID)
	}
	return nil
}

// Enforce returns rows unchanged when every row is in scope. A single foreign
// row drops the whole result.
func Enforce[T any](s Scope, rows []T, orgOf func(T) string) ([]T, error) {
	for _, row := range rows {
		if err := s.Check(orgOf(row)); err != nil {
			return nil, err
		}
	}
	return rows, nil
}
