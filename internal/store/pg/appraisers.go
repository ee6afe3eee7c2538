package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"appraise.org/internal/appraisal"
	"appraise.org/internal/tenant"
)

func (s *Store) ListAppraisers(ctx context.Context, organizationID, appraisalID string) ([]appraisal.AppraiserAssignment, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `
		select appraisal_id, appraiser_id, organization_id, role, is_primary, coalesce(assigned_by, ''), assigned_at
		from appraiser_assignments
		where organization_id = $1 and appraisal_id = $2
		order by is_primary desc, assigned_at, appraiser_id
	`, organizationID, appraisalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []appraisal.AppraiserAssignment{}
	for rows.Next() {
		var a appraisal.AppraiserAssignment
		if err := rows.Scan(&a.AppraisalID, &a.AppraiserID, &a.OrganizationID, &a.Role, &a.IsPrimary, &a.AssignedBy, &a.AssignedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ReplaceAppraisers swaps the whole set in one transaction. The appraisal row
// is locked first so concurrent replacements serialize, and every appraiser
// must resolve inside the organization before anything is written.
func (s *Store) ReplaceAppraisers(ctx context.Context, organizationID, appraisalID string, set []appraisal.AppraiserAssignment) error {
	if s.db == nil {
		return errUnavailable
	}
	primaries := 0
	appraiserIDs := make([]string, 0, len(set))
	for _, a := range set {
		if a.IsPrimary {
			primaries++
		}
		if a.OrganizationID != organizationID {
			return fmt.Errorf("%w: appraiser %s", tenant.ErrCrossOrganization, a.AppraiserID)
		}
		appraiserIDs = append(appraiserIDs, a.AppraiserID)
	}
	if primaries != 1 {
		return fmt.Errorf("%w: exactly one primary appraiser is required", appraisal.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `
		select id from appraisals where organization_id = $1 and id = $2 for update
	`, organizationID, appraisalID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: appraisal %s", appraisal.ErrNotFound, appraisalID)
	}
	if err != nil {
		return err
	}

	var inOrg int
	if err := tx.QueryRowContext(ctx, `
		select count(distinct id) from employees where organization_id = $1 and id = any($2)
	`, organizationID, pq.Array(appraiserIDs)).Scan(&inOrg); err != nil {
		return err
	}
	if inOrg != len(appraiserIDs) {
		return fmt.Errorf("%w: appraiser outside organization", tenant.ErrCrossOrganization)
	}

	if _, err := tx.ExecContext(ctx, `
		delete from appraiser_assignments where organization_id = $1 and appraisal_id = $2
	`, organizationID, appraisalID); err != nil {
		return err
	}
	for _, a := range set {
		if _, err := tx.ExecContext(ctx, `
			insert into appraiser_assignments (appraisal_id, appraiser_id, organization_id, role, is_primary, assigned_by, assigned_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, appraisalID, a.AppraiserID, organizationID, a.Role, a.IsPrimary, nullIfEmpty(a.AssignedBy), a.AssignedAt); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return fmt.Errorf("%w: duplicate appraiser %s", appraisal.ErrInvalidInput, a.AppraiserID)
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) RemoveAppraiser(ctx context.Context, organizationID, appraisalID, appraiserID string) (appraisal.AppraiserAssignment, error) {
	if s.db == nil {
		return appraisal.AppraiserAssignment{}, errUnavailable
	}
	var a appraisal.AppraiserAssignment
	err := s.db.QueryRowContext(ctx, `
		delete from appraiser_assignments
		where organization_id = $1 and appraisal_id = $2 and appraiser_id = $3
		returning appraisal_id, appraiser_id, organization_id, role, is_primary, coalesce(assigned_by, ''), assigned_at
	`, organizationID, appraisalID, appraiserID).Scan(&a.AppraisalID, &a.AppraiserID, &a.OrganizationID, &a.Role, &a.IsPrimary, &a.AssignedBy, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return appraisal.AppraiserAssignment{}, fmt.Errorf("%w: appraiser %s", appraisal.ErrNotFound, appraiserID)
	}
	if err != nil {
		return appraisal.AppraiserAssignment{}, err
	}
	return a, nil
}
