package memstore

import (
	"context"
	"time"

	"appraise.org/internal/appraisal"
	"appraise.org/internal/auth"
	"appraise.org/internal/directory"
)

// Demo organization used when the API runs without a database.
const (
	DemoOrganizationID = "org-demo"
	DemoCycleID        = "cycle-demo-2026"
)

// SeedDemo loads a small organization: an admin, a director, a manager
// reporting to the director, and two employees reporting to the manager.
// A second organization holds one employee for cross-tenant checks.
func SeedDemo(s *Store) error {
	orgs := []directory.Organization{
		{ID: DemoOrganizationID, Name: "Demo Org"},
		{ID: "org-other", Name: "Other Org"},
	}
	employees := []directory.Employee{
		{ID: "emp-admin", OrganizationID: DemoOrganizationID, UserID: "user-admin", FirstName: "Avery", LastName: "Admin", JobTitle: "People Ops"},
		{ID: "emp-director", OrganizationID: DemoOrganizationID, UserID: "user-director", FirstName: "Dana", LastName: "Director", JobTitle: "Director of Engineering"},
		{ID: "emp-manager", OrganizationID: DemoOrganizationID, UserID: "user-manager", FirstName: "Morgan", LastName: "Manager", ManagerID: "emp-director", JobTitle: "Engineering Manager"},
		{ID: "emp-ellis", OrganizationID: DemoOrganizationID, UserID: "user-ellis", FirstName: "Ellis", LastName: "Engineer", ManagerID: "emp-manager", JobTitle: "Engineer"},
		{ID: "emp-sam", OrganizationID: DemoOrganizationID, UserID: "user-sam", FirstName: "Sam", LastName: "Supervisor", ManagerID: "emp-manager", JobTitle: "Team Lead"},
		{ID: "emp-outsider", OrganizationID: "org-other", UserID: "user-outsider", FirstName: "Olive", LastName: "Outsider"},
	}
	grant := func(emp string, role auth.Role) auth.RoleAssignment {
		org := DemoOrganizationID
		if emp == "emp-outsider" {
			org = "org-other"
		}
		return auth.RoleAssignment{EmployeeID: emp, OrganizationID: org, Role: role, GrantedBy: "seed"}
	}
	roles := []auth.RoleAssignment{
		grant("emp-admin", auth.RoleAdmin),
		grant("emp-director", auth.RoleDirector),
		grant("emp-manager", auth.RoleManager),
		grant("emp-ellis", auth.RoleEmployee),
		grant("emp-sam", auth.RoleSupervisor),
		grant("emp-outsider", auth.RoleManager),
	}
	if err := s.Seed(orgs, employees, roles); err != nil {
		return err
	}
	year := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.CreateCycle(context.Background(), appraisal.Cycle{
		ID:             DemoCycleID,
		OrganizationID: DemoOrganizationID,
		Name:           "2026 annual review",
		StartsOn:       year,
		EndsOn:         year.AddDate(1, 0, 0),
		CreatedAt:      time.Now().UTC(),
	})
	return err
}
