package appraisal

import (
	"context"
	"time"
)

// ListFilter narrows appraisal listings. VisibleTo, when set, limits results
// to appraisals that employee is the subject of, appraises, or directly
// manages the subject of.
type ListFilter struct {
	CycleID   string
	Status    Status
	VisibleTo string
}

// Store persists appraisals. Every method is scoped by organization id.
type Store interface {
	CreateCycle(ctx context.Context, c Cycle) (Cycle, error)
	ListCycles(ctx context.Context, organizationID string) ([]Cycle, error)

	// CreateAppraisal returns ErrConflict when the employee already has one in the cycle.
	CreateAppraisal(ctx context.Context, a Appraisal) (Appraisal, error)
	GetAppraisal(ctx context.Context, organizationID, id string) (Appraisal, error)
	ListAppraisals(ctx context.Context, organizationID string, f ListFilter) ([]Appraisal, error)
	// UpdateAppraisal writes editable fields only if the status is still
	// expected; otherwise ErrConflict.
	UpdateAppraisal(ctx context.Context, a Appraisal, expected Status) (Appraisal, error)
	// TransitionAppraisal writes status, completion flags and completed_at
	// only if the stored status equals from; otherwise ErrConflict. A move to
	// completed also requires every rating item to be rated at write time;
	// otherwise ErrUnratedItems.
	TransitionAppraisal(ctx context.Context, next Appraisal, from Status) (Appraisal, error)
	// DeleteAppraisal removes the appraisal with its items and appraisers.
	DeleteAppraisal(ctx context.Context, organizationID, id string) error

	ListItems(ctx context.Context, organizationID, appraisalID string) ([]RatingItem, error)
	// AddItem and RateItem write only while the appraisal status is still
	// expected and not completed; otherwise ErrConflict.
	AddItem(ctx context.Context, item RatingItem, expected Status) (RatingItem, error)
	RateItem(ctx context.Context, organizationID, appraisalID, itemID string, rating int, comment string, at time.Time, expected Status) (RatingItem, error)

	ListAppraisers(ctx context.Context, organizationID, appraisalID string) ([]AppraiserAssignment, error)
	// ReplaceAppraisers retires every current assignment and writes set in one
	// transaction.
	ReplaceAppraisers(ctx context.Context, organizationID, appraisalID string, set []AppraiserAssignment) error
	// RemoveAppraiser deletes one assignment and returns it; ErrNotFound when absent.
	RemoveAppraiser(ctx context.Context, organizationID, appraisalID, appraiserID string) (AppraiserAssignment, error)
}
