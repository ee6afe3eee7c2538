package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
	"appraise.org/internal/obs"
)

// Kinds of referenced records the guard can resolve.
const (
	KindEmployee  = "employee"
	KindAppraisal = "appraisal"
	KindCycle     = "cycle"
)

// OwnerLookup reports which organization owns a record. It is deliberately
// unscoped and returns nothing but the owner id; ErrNotFound when absent.
type OwnerLookup interface {
	OwnerOrganization(ctx context.Context, kind, id string) (string, error)
}

// Guard rejects references that cross organizations before any mutation.
type Guard struct {
	owners OwnerLookup
	audit  *audit.Recorder
}

func NewGuard(owners OwnerLookup, rec *audit.Recorder) (*Guard, error) {
	if owners == nil {
		return nil, errors.New("owner lookup is required")
	}
	return &Guard{owners: owners, audit: rec}, nil
}

// Authorize confirms the referenced record belongs to p's organization.
func (g *Guard) Authorize(ctx context.Context, p auth.Principal, kind, id string) error {
	scope, err := ScopeOf(p)
	if err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: %s id is required", auth.ErrInvalidInput, kind)
	}
	owner, err := g.owners.OwnerOrganization(ctx, kind, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}
		return fmt.Errorf("resolve owner of %s %s: %w", kind, id, err)
	}
	if scope.Check(owner) != nil {
		g.reject(ctx, p, kind, id)
		return ErrCrossOrganization
	}
	return nil
}

// CompareSupplied checks an organization id sent by the caller against the
// resolved one. The supplied value is never used for scoping.
func (g *Guard) CompareSupplied(ctx context.Context, p auth.Principal, supplied string) error {
	scope, err := ScopeOf(p)
	if err != nil {
		return err
	}
	supplied = strings.TrimSpace(supplied)
	if supplied == "" || supplied == scope.OrganizationID {
		return nil
	}
	g.reject(ctx, p, "organization", supplied)
	return ErrCrossOrganization
}

func (g *Guard) reject(ctx context.Context, p auth.Principal, kind, id string) {
	obs.CrossOrganizationAttempt(kind)
	g.audit.Record(ctx, audit.Event{
		Type:    audit.EventCrossOrganizationAttempt,
		Actor:   p.AuditActor(),
		Success: false,
		Details: map[string]any{"object_type": kind, "object_id": id},
	})
}
