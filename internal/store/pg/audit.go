package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"appraise.org/internal/audit"
)

// Append writes one audit row. The table has no update or delete path.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	if s.db == nil {
		return errUnavailable
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, organization_id, user_id, event_type, details, success, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, nullIfEmpty(e.OrganizationID), nullIfEmpty(e.UserID), e.EventType, details, e.Success, e.CreatedAt)
	return err
}

// ListAudit pages newest first using the id as cursor.
func (s *Store) ListAudit(ctx context.Context, organizationID string, q audit.Query) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	q = q.Normalize()
	rows, err := s.db.QueryContext(ctx, `
		select id, coalesce(organization_id, ''), coalesce(user_id, ''), event_type, details, success, created_at
		from audit_log
		where organization_id = $1
		  and ($2 = '' or event_type = $2)
		  and ($3 = '' or id < $3)
		order by id desc
		limit $4
	`, organizationID, string(q.EventType), q.Before, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []audit.Entry{}
	for rows.Next() {
		var (
			e   audit.Entry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.UserID, &e.EventType, &raw, &e.Success, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Details = map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
