package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"appraise.org/internal/directory"
)

const employeeColumns = `id, organization_id, coalesce(user_id, ''), first_name, last_name, job_title,
	coalesce(manager_id, ''), coalesce(division_id, ''), coalesce(department_id, ''), status, created_at`

func scanEmployee(row scanner) (directory.Employee, error) {
	var e directory.Employee
	err := row.Scan(&e.ID, &e.OrganizationID, &e.UserID, &e.FirstName, &e.LastName, &e.JobTitle,
		&e.ManagerID, &e.DivisionID, &e.DepartmentID, &e.Status, &e.CreatedAt)
	return e, err
}

func (s *Store) GetOrganization(ctx context.Context, id string) (directory.Organization, error) {
	if s.db == nil {
		return directory.Organization{}, errUnavailable
	}
	var org directory.Organization
	err := s.db.QueryRowContext(ctx, `
		select id, name, created_at
		from organizations
		where id = $1
	`, id).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Organization{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.Organization{}, err
	}
	return org, nil
}

func (s *Store) GetEmployee(ctx context.Context, organizationID, employeeID string) (directory.Employee, error) {
	if s.db == nil {
		return directory.Employee{}, errUnavailable
	}
	e, err := scanEmployee(s.db.QueryRowContext(ctx, `
		select `+employeeColumns+`
		from employees
		where organization_id = $1 and id = $2
	`, organizationID, employeeID))
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Employee{}, fmt.Errorf("%w: employee %s", directory.ErrNotFound, employeeID)
	}
	return e, err
}

func (s *Store) FindEmployeeByUser(ctx context.Context, organizationID, userID string) (directory.Employee, error) {
	if s.db == nil {
		return directory.Employee{}, errUnavailable
	}
	e, err := scanEmployee(s.db.QueryRowContext(ctx, `
		select `+employeeColumns+`
		from employees
		where organization_id = $1 and user_id = $2
	`, organizationID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Employee{}, fmt.Errorf("%w: user %s", directory.ErrNotFound, userID)
	}
	return e, err
}

func (s *Store) ListEmployees(ctx context.Context, organizationID string) ([]directory.Employee, error) {
	return s.queryEmployees(ctx, `
		select `+employeeColumns+`
		from employees
		where organization_id = $1
		order by last_name, id
	`, organizationID)
}

func (s *Store) DirectReports(ctx context.Context, organizationID, managerID string) ([]directory.Employee, error) {
	return s.queryEmployees(ctx, `
		select `+employeeColumns+`
		from employees
		where organization_id = $1 and manager_id = $2
		order by last_name, id
	`, organizationID, managerID)
}

func (s *Store) queryEmployees(ctx context.Context, query string, args ...any) ([]directory.Employee, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []directory.Employee{}
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
