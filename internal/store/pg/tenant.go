package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"appraise.org/internal/tenant"
)

var ownerQueries = map[string]string{
	tenant.KindEmployee:  `select organization_id from employees where id = $1`,
	tenant.KindAppraisal: `select organization_id from appraisals where id = $1`,
	tenant.KindCycle:     `select organization_id from appraisal_cycles where id = $1`,
}

// OwnerOrganization runs unscoped so references into other organizations are
// visible to the guard.
func (s *Store) OwnerOrganization(ctx context.Context, kind, id string) (string, error) {
	if s.db == nil {
		return "", errUnavailable
	}
	query, ok := ownerQueries[kind]
	if !ok {
		return "", fmt.Errorf("unsupported kind %q", kind)
	}
	var org string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&org)
	if errors.Is(err, sql.ErrNoRows) {
		return "", tenant.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return org, nil
}

func (s *Store) Tables() []string { return tenant.ScopedTables }

func (s *Store) Probes() []string { return tenant.Probes() }

// SampleOrganizations reads table with app.organization_id set for the
// transaction, so only the row-level security policy filters the rows.
func (s *Store) SampleOrganizations(ctx context.Context, table, organizationID string, limit int) ([]string, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	if !slices.Contains(tenant.ScopedTables, table) {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select set_config('app.organization_id', $1, true)`, organizationID); err != nil {
		return nil, fmt.Errorf("set tenant scope: %w", err)
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`select coalesce(organization_id, '') from %s limit $1`, table), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

var probeQueries = map[string]string{
	tenant.ProbeEmployeeManager: `
		select count(*) from employees e
		join employees m on m.id = e.manager_id
		where e.organization_id = $1 and m.organization_id <> e.organization_id`,
	tenant.ProbeRoleAssignmentEmployee: `
		select count(*) from role_assignments r
		join employees e on e.id = r.employee_id
		where r.organization_id = $1 and e.organization_id <> r.organization_id`,
	tenant.ProbeAppraisalEmployee: `
		select count(*) from appraisals a
		join employees e on e.id = a.employee_id
		where a.organization_id = $1 and e.organization_id <> a.organization_id`,
	tenant.ProbeAppraisalCycle: `
		select count(*) from appraisals a
		join appraisal_cycles c on c.id = a.cycle_id
		where a.organization_id = $1 and c.organization_id <> a.organization_id`,
	tenant.ProbeRatingItemAppraisal: `
		select count(*) from rating_items i
		join appraisals a on a.id = i.appraisal_id
		where i.organization_id = $1 and a.organization_id <> i.organization_id`,
	tenant.ProbeAppraiserAssignment: `
		select count(*) from appraiser_assignments x
		join employees e on e.id = x.appraiser_id
		join appraisals a on a.id = x.appraisal_id
		where x.organization_id = $1
		  and (e.organization_id <> x.organization_id or a.organization_id <> x.organization_id)`,
}

func (s *Store) CrossReferences(ctx context.Context, probe, organizationID string) (int, error) {
	if s.db == nil {
		return 0, errUnavailable
	}
	query, ok := probeQueries[probe]
	if !ok {
		return 0, fmt.Errorf("unknown probe %q", probe)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, organizationID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
