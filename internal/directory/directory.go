// Package directory holds the organization and employee records every other
// component scopes itself by.
package directory

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("directory: not found")

type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// EmployeeStatus is the lifecycle state of an employee record.
type EmployeeStatus string

const (
	StatusPending  EmployeeStatus = "pending"
	StatusInvited  EmployeeStatus = "invited"
	StatusActive   EmployeeStatus = "active"
	StatusInactive EmployeeStatus = "inactive"
)

func (s EmployeeStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInvited, StatusActive, StatusInactive:
		return true
	}
	return false
}

type Employee struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	UserID         string         `json:"user_id,omitempty"`
	FirstName      string         `json:"first_name"`
	LastName       string         `json:"last_name"`
	JobTitle       string         `json:"job_title,omitempty"`
	ManagerID      string         `json:"manager_id,omitempty"`
	DivisionID     string         `json:"division_id,omitempty"`
	DepartmentID   string         `json:"department_id,omitempty"`
	Status         EmployeeStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Name is the display name, falling back to the id.
func (e Employee) Name() string {
	n := strings.TrimSpace(e.FirstName + " " + e.LastName)
	if n == "" {
		return e.ID
	}
	return n
}

func (e Employee) Active() bool { return e.Status == StatusActive }

// Store reads directory records. Every lookup is keyed by organization; a row
// in another organization is reported as ErrNotFound.
type Store interface {
	GetOrganization(ctx context.Context, id string) (Organization, error)
	GetEmployee(ctx context.Context, organizationID, employeeID string) (Employee, error)
	FindEmployeeByUser(ctx context.Context, organizationID, userID string) (Employee, error)
	ListEmployees(ctx context.Context, organizationID string) ([]Employee, error)
	DirectReports(ctx context.Context, organizationID, managerID string) ([]Employee, error)
}
