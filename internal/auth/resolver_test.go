package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"appraise.org/internal/directory"
)

type fakeDirectory struct {
	employees map[string]directory.Employee // keyed by org/user
}

func (f fakeDirectory) FindEmployeeByUser(_ context.Context, orgID, userID string) (directory.Employee, error) {
	e, ok := f.employees[orgID+"/"+userID]
	if !ok {
		return directory.Employee{}, directory.ErrNotFound
	}
	return e, nil
}

type fakeRoles struct {
	assignments []RoleAssignment
	err         error
}

func (f *fakeRoles) ActiveRoles(_ context.Context, orgID, employeeID string) ([]Role, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []Role
	for _, a := range f.assignments {
		if a.OrganizationID == orgID && a.EmployeeID == employeeID && a.Active {
			out = append(out, a.Role)
		}
	}
	return out, nil
}

func (f *fakeRoles) ListRoleAssignments(_ context.Context, orgID, employeeID string) ([]RoleAssignment, error) {
	var out []RoleAssignment
	for _, a := range f.assignments {
		if a.OrganizationID == orgID && a.EmployeeID == employeeID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRoles) GrantRole(_ context.Context, a RoleAssignment) (RoleAssignment, error) {
	for _, existing := range f.assignments {
		if existing.OrganizationID == a.OrganizationID && existing.EmployeeID == a.EmployeeID && existing.Role == a.Role && existing.Active {
			return RoleAssignment{}, ErrConflict
		}
	}
	a.ID = "RA" + a.EmployeeID + string(a.Role)
	f.assignments = append(f.assignments, a)
	return a, nil
}

func (f *fakeRoles) DeactivateRole(_ context.Context, orgID, employeeID string, role Role, by string, at time.Time) error {
	for i, a := range f.assignments {
		if a.OrganizationID == orgID && a.EmployeeID == employeeID && a.Role == role && a.Active {
			f.assignments[i].Active = false
			f.assignments[i].RevokedBy = by
			f.assignments[i].RevokedAt = &at
			return nil
		}
	}
	return ErrNotFound
}

func newResolverFixture() (*Resolver, *fakeRoles) {
	dir := fakeDirectory{employees: map[string]directory.Employee{
		"org-a/u-admin": {ID: "E-admin", OrganizationID: "org-a", UserID: "u-admin", Status: directory.StatusActive},
		"org-a/u-gone":  {ID: "E-gone", OrganizationID: "org-a", UserID: "u-gone", Status: directory.StatusInactive},
	}}
	roles := &fakeRoles{assignments: []RoleAssignment{
		{EmployeeID: "E-admin", OrganizationID: "org-a", Role: RoleAdmin, Active: true},
		{EmployeeID: "E-admin", OrganizationID: "org-a", Role: RoleManager, Active: false},
		{EmployeeID: "E-gone", OrganizationID: "org-a", Role: RoleManager, Active: true},
	}}
	r, _ := NewResolver(dir, roles)
	return r, roles
}

func claimsFor(org, user, mimic string) *Claims {
	c := &Claims{OrganizationID: org, Mimic: mimic}
	c.Subject = user
	return c
}

func TestResolverBuildsPrincipalFromActiveRoles(t *testing.T) {
	r, _ := newResolverFixture()
	p, err := r.Principal(context.Background(), claimsFor("org-a", "u-admin", ""))
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}
	if p.EmployeeID != "E-admin" || !p.HasRole(RoleAdmin) || p.HasRole(RoleManager) {
		t.Fatalf("unexpected principal %+v roles=%v", p, p.Roles().Strings())
	}
}

func TestResolverReappliesMimic(t *testing.T) {
	r, roles := newResolverFixture()
	p, err := r.Principal(context.Background(), claimsFor("org-a", "u-admin", "employee"))
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}
	if p.MimickedRole() != RoleEmployee || p.HasPermission(PermManageEmployees) {
		t.Fatal("mimic claim not applied")
	}

	// admin demoted while the session was open
	roles.assignments[0].Active = false
	roles.assignments[1].Active = true
	if _, err := r.Principal(context.Background(), claimsFor("org-a", "u-admin", "employee")); !errors.Is(err, ErrUnauthenticated) || !errors.Is(err, ErrMimicNotAllowed) {
		t.Fatalf("expected stale mimic to fail closed, got %v", err)
	}
}

func TestResolverFailsClosed(t *testing.T) {
	r, roles := newResolverFixture()
	cases := map[string]*Claims{
		"nil":          nil,
		"unknown user": claimsFor("org-a", "u-nobody", ""),
		"inactive":     claimsFor("org-a", "u-gone", ""),
		"other org":    claimsFor("org-b", "u-admin", ""),
		"missing org":  claimsFor("", "u-admin", ""),
		"bogus mimic":  claimsFor("org-a", "u-admin", "root"),
	}
	for name, c := range cases {
		if _, err := r.Principal(context.Background(), c); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}

	roles.err = errors.New("connection reset")
	if _, err := r.Principal(context.Background(), claimsFor("org-a", "u-admin", "")); err == nil {
		t.Fatal("store failure must not yield a principal")
	}
}
