package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"appraise.org/internal/appraisal"
)

func (s *Store) CreateCycle(ctx context.Context, c appraisal.Cycle) (appraisal.Cycle, error) {
	if s.db == nil {
		return appraisal.Cycle{}, errUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		insert into appraisal_cycles (id, organization_id, name, starts_on, ends_on, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.OrganizationID, c.Name, c.StartsOn, c.EndsOn, c.CreatedAt)
	if err != nil {
		return appraisal.Cycle{}, mapWriteError(err)
	}
	return c, nil
}

func (s *Store) ListCycles(ctx context.Context, organizationID string) ([]appraisal.Cycle, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, name, starts_on, ends_on, created_at
		from appraisal_cycles
		where organization_id = $1
		order by starts_on desc
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []appraisal.Cycle{}
	for rows.Next() {
		var c appraisal.Cycle
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.StartsOn, &c.EndsOn, &c.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const appraisalColumns = `id, organization_id, employee_id, cycle_id, status, phase, final_rating,
	primary_feedback, secondary_feedback, primary_complete, secondary_complete,
	completed_at, created_at, updated_at`

func scanAppraisal(row scanner) (appraisal.Appraisal, error) {
	var (
		a         appraisal.Appraisal
		rating    sql.NullInt64
		completed sql.NullTime
	)
	err := row.Scan(&a.ID, &a.OrganizationID, &a.EmployeeID, &a.CycleID, &a.Status, &a.Phase, &rating,
		&a.PrimaryFeedback, &a.SecondaryFeedback, &a.PrimaryComplete, &a.SecondaryComplete,
		&completed, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return appraisal.Appraisal{}, err
	}
	a.FinalRating = intPtr(rating)
	a.CompletedAt = timePtr(completed)
	return a, nil
}

func (s *Store) CreateAppraisal(ctx context.Context, a appraisal.Appraisal) (appraisal.Appraisal, error) {
	if s.db == nil {
		return appraisal.Appraisal{}, errUnavailable
	}
	created, err := scanAppraisal(s.db.QueryRowContext(ctx, `
		insert into appraisals (id, organization_id, employee_id, cycle_id, status, phase, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning `+appraisalColumns,
		a.ID, a.OrganizationID, a.EmployeeID, a.CycleID, a.Status, a.Phase, a.CreatedAt, a.UpdatedAt))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return appraisal.Appraisal{}, fmt.Errorf("%w: employee already has an appraisal in this cycle", appraisal.ErrConflict)
		}
		return appraisal.Appraisal{}, mapWriteError(err)
	}
	return created, nil
}

func (s *Store) GetAppraisal(ctx context.Context, organizationID, id string) (appraisal.Appraisal, error) {
	if s.db == nil {
		return appraisal.Appraisal{}, errUnavailable
	}
	a, err := scanAppraisal(s.db.QueryRowContext(ctx, `
		select `+appraisalColumns+`
		from appraisals
		where organization_id = $1 and id = $2
	`, organizationID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return appraisal.Appraisal{}, fmt.Errorf("%w: appraisal %s", appraisal.ErrNotFound, id)
	}
	return a, err
}

// ListAppraisals builds its filter incrementally; VisibleTo mirrors the
// relationships checked by appraisal.CanView.
func (s *Store) ListAppraisals(ctx context.Context, organizationID string, f appraisal.ListFilter) ([]appraisal.Appraisal, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	var (
		where = []string{"a.organization_id = $1"}
		args  = []any{organizationID}
	)
	if f.CycleID != "" {
		args = append(args, f.CycleID)
		where = append(where, fmt.Sprintf("a.cycle_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("a.status = $%d", len(args)))
	}
	if f.VisibleTo != "" {
		args = append(args, f.VisibleTo)
		n := len(args)
		where = append(where, fmt.Sprintf(`(a.employee_id = $%[1]d
			or exists (select 1 from employees e where e.organization_id = a.organization_id and e.id = a.employee_id and e.manager_id = $%[1]d)
			or exists (select 1 from appraiser_assignments x where x.organization_id = a.organization_id and x.appraisal_id = a.id and x.appraiser_id = $%[1]d))`, n))
	}
	query := `
		select ` + appraisalColumns + `
		from appraisals a
		where ` + strings.Join(where, " and ") + `
		order by a.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []appraisal.Appraisal{}
	for rows.Next() {
		a, err := scanAppraisal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateAppraisal only writes while the status is still expected.
func (s *Store) UpdateAppraisal(ctx context.Context, a appraisal.Appraisal, expected appraisal.Status) (appraisal.Appraisal, error) {
	if s.db == nil {
		return appraisal.Appraisal{}, errUnavailable
	}
	updated, err := scanAppraisal(s.db.QueryRowContext(ctx, `
		update appraisals
		set phase = $4, final_rating = $5, primary_feedback = $6, secondary_feedback = $7, updated_at = $8
		where organization_id = $1 and id = $2 and status = $3
		returning `+appraisalColumns,
		a.OrganizationID, a.ID, expected, a.Phase, nullInt(a.FinalRating), a.PrimaryFeedback, a.SecondaryFeedback, a.UpdatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return appraisal.Appraisal{}, s.conditionalMiss(ctx, a.OrganizationID, a.ID)
	}
	if err != nil {
		return appraisal.Appraisal{}, mapWriteError(err)
	}
	return updated, nil
}

// TransitionAppraisal is a compare-and-set on status. The appraisal row is
// locked first so item writers, which share-lock it, cannot slip an unrated
// item in between the rating check and the status write.
func (s *Store) TransitionAppraisal(ctx context.Context, next appraisal.Appraisal, from appraisal.Status) (appraisal.Appraisal, error) {
	if s.db == nil {
		return appraisal.Appraisal{}, errUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return appraisal.Appraisal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockStatus(ctx, tx, next.OrganizationID, next.ID, from, "for update"); err != nil {
		return appraisal.Appraisal{}, err
	}
	if next.Status == appraisal.StatusCompleted {
		var unrated int
		if err := tx.QueryRowContext(ctx, `
			select count(*) from rating_items
			where organization_id = $1 and appraisal_id = $2
			  and (rating is null or rating not between $3 and $4)
		`, next.OrganizationID, next.ID, appraisal.MinRating, appraisal.MaxRating).Scan(&unrated); err != nil {
			return appraisal.Appraisal{}, err
		}
		if unrated > 0 {
			return appraisal.Appraisal{}, fmt.Errorf("%w: %d item(s)", appraisal.ErrUnratedItems, unrated)
		}
	}

	updated, err := scanAppraisal(tx.QueryRowContext(ctx, `
		update appraisals
		set status = $4, primary_complete = $5, secondary_complete = $6, completed_at = $7, updated_at = $8
		where organization_id = $1 and id = $2 and status = $3
		returning `+appraisalColumns,
		next.OrganizationID, next.ID, from, next.Status, next.PrimaryComplete, next.SecondaryComplete,
		nullTime(next.CompletedAt), next.UpdatedAt))
	if err != nil {
		return appraisal.Appraisal{}, mapWriteError(err)
	}
	if err := tx.Commit(); err != nil {
		return appraisal.Appraisal{}, err
	}
	return updated, nil
}

// lockStatus locks the appraisal row and checks it still has the expected
// status. Item writes are also refused once it is completed.
func lockStatus(ctx context.Context, tx *sql.Tx, organizationID, id string, expected appraisal.Status, lock string) error {
	var cur appraisal.Status
	err := tx.QueryRowContext(ctx, `
		select status from appraisals where organization_id = $1 and id = $2 `+lock,
		organizationID, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: appraisal %s", appraisal.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if cur != expected {
		return fmt.Errorf("%w: status changed to %s", appraisal.ErrConflict, cur)
	}
	return nil
}

// lockForItems share-locks the appraisal for an item write.
func lockForItems(ctx context.Context, tx *sql.Tx, organizationID, id string, expected appraisal.Status) error {
	if expected.Terminal() {
		return fmt.Errorf("%w: appraisal %s is %s", appraisal.ErrConflict, id, expected)
	}
	return lockStatus(ctx, tx, organizationID, id, expected, "for share")
}

// conditionalMiss tells a vanished row apart from a lost race.
func (s *Store) conditionalMiss(ctx context.Context, organizationID, id string) error {
	cur, err := s.GetAppraisal(ctx, organizationID, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status changed to %s", appraisal.ErrConflict, cur.Status)
}

func (s *Store) DeleteAppraisal(ctx context.Context, organizationID, id string) error {
	if s.db == nil {
		return errUnavailable
	}
	// items and appraisers go with it through on delete cascade
	res, err := s.db.ExecContext(ctx, `delete from appraisals where organization_id = $1 and id = $2`, organizationID, id)
	if err != nil {
		return err
	}
	return affected(res, fmt.Errorf("%w: appraisal %s", appraisal.ErrNotFound, id))
}

const itemColumns = `id, appraisal_id, organization_id, kind, title, rating, comment, created_at, updated_at`

func scanItem(row scanner) (appraisal.RatingItem, error) {
	var (
		it     appraisal.RatingItem
		rating sql.NullInt64
	)
	if err := row.Scan(&it.ID, &it.AppraisalID, &it.OrganizationID, &it.Kind, &it.Title, &rating,
		&it.Comment, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return appraisal.RatingItem{}, err
	}
	it.Rating = intPtr(rating)
	return it, nil
}

func (s *Store) ListItems(ctx context.Context, organizationID, appraisalID string) ([]appraisal.RatingItem, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+itemColumns+`
		from rating_items
		where organization_id = $1 and appraisal_id = $2
		order by kind desc, created_at, id
	`, organizationID, appraisalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []appraisal.RatingItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) AddItem(ctx context.Context, item appraisal.RatingItem, expected appraisal.Status) (appraisal.RatingItem, error) {
	if s.db == nil {
		return appraisal.RatingItem{}, errUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return appraisal.RatingItem{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockForItems(ctx, tx, item.OrganizationID, item.AppraisalID, expected); err != nil {
		return appraisal.RatingItem{}, err
	}
	created, err := scanItem(tx.QueryRowContext(ctx, `
		insert into rating_items (id, organization_id, appraisal_id, kind, title, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning `+itemColumns,
		item.ID, item.OrganizationID, item.AppraisalID, item.Kind, item.Title, item.CreatedAt, item.UpdatedAt))
	if err != nil {
		return appraisal.RatingItem{}, mapWriteError(err)
	}
	if err := tx.Commit(); err != nil {
		return appraisal.RatingItem{}, err
	}
	return created, nil
}

func (s *Store) RateItem(ctx context.Context, organizationID, appraisalID, itemID string, rating int, comment string, at time.Time, expected appraisal.Status) (appraisal.RatingItem, error) {
	if s.db == nil {
		return appraisal.RatingItem{}, errUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return appraisal.RatingItem{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockForItems(ctx, tx, organizationID, appraisalID, expected); err != nil {
		return appraisal.RatingItem{}, err
	}
	it, err := scanItem(tx.QueryRowContext(ctx, `
		update rating_items
		set rating = $4, comment = $5, updated_at = $6
		where organization_id = $1 and appraisal_id = $2 and id = $3
		returning `+itemColumns,
		organizationID, appraisalID, itemID, rating, comment, at))
	if errors.Is(err, sql.ErrNoRows) {
		return appraisal.RatingItem{}, fmt.Errorf("%w: item %s", appraisal.ErrNotFound, itemID)
	}
	if err != nil {
		return appraisal.RatingItem{}, mapWriteError(err)
	}
	if err := tx.Commit(); err != nil {
		return appraisal.RatingItem{}, err
	}
	return it, nil
}

func mapWriteError(err error) error {
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		return fmt.Errorf("%w: %s", appraisal.ErrConflict, pgErr.ConstraintName)
	case pgErrForeignKeyViolation:
		return fmt.Errorf("%w: %s", appraisal.ErrNotFound, pgErr.ConstraintName)
	case pgErrCheckViolation:
		return fmt.Errorf("%w: %s", appraisal.ErrInvalidInput, pgErr.ConstraintName)
	}
	return err
}
