package appraisal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
	"appraise.org/internal/directory"
	"appraise.org/internal/ids"
	"appraise.org/internal/obs"
	"appraise.org/internal/tenant"
)

const (
	maxTitleLen    = 200
	maxFeedbackLen = 10000
)

// Service runs every appraisal operation through the tenant guard, the
// access rules and the workflow table before touching the store.
type Service struct {
	store Store
	dir   directory.Store
	guard auth.ReferenceGuard
	audit *audit.Recorder
	now   func() time.Time
}

func NewService(store Store, dir directory.Store, guard auth.ReferenceGuard, rec *audit.Recorder) (*Service, error) {
	if store == nil || dir == nil || guard == nil {
		return nil, errors.New("store, directory and guard are required")
	}
	return &Service{store: store, dir: dir, guard: guard, audit: rec, now: time.Now}, nil
}

type CycleInput struct {
	Name     string
	StartsOn time.Time
	EndsOn   time.Time
}

type CreateInput struct {
	EmployeeID string
	CycleID    string
	Phase      Phase
}

type UpdateInput struct {
	Phase             *Phase
	FinalRating       *int
	PrimaryFeedback   *string
	SecondaryFeedback *string
}

type ItemInput struct {
	Kind  ItemKind
	Title string
}

// Detail is an appraisal with everything needed to render and act on it.
type Detail struct {
	Appraisal  Appraisal             `json:"appraisal"`
	Items      []RatingItem          `json:"items"`
	Appraisers []AppraiserAssignment `json:"appraisers"`
	Readiness  Readiness             `json:"readiness"`
	Next       []Status              `json:"next_statuses"`
	CanEdit    bool                  `json:"can_edit"`
}

func (s *Service) CreateCycle(ctx context.Context, p auth.Principal, in CycleInput) (Cycle, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" || len(in.Name) > maxTitleLen {
		return Cycle{}, fmt.Errorf("%w: cycle name is required", ErrInvalidInput)
	}
	if in.StartsOn.IsZero() || in.EndsOn.IsZero() || !in.EndsOn.After(in.StartsOn) {
		return Cycle{}, fmt.Errorf("%w: cycle must end after it starts", ErrInvalidInput)
	}
	if !p.HasPermission(auth.PermManageCycles) {
		return Cycle{}, auth.Denied(ctx, s.audit, p, "create cycle", map[string]any{"permission": auth.PermManageCycles})
	}
	c, err := s.store.CreateCycle(ctx, Cycle{
		ID:             ids.New(),
		OrganizationID: p.OrganizationID,
		Name:           in.Name,
		StartsOn:       in.StartsOn.UTC(),
		EndsOn:         in.EndsOn.UTC(),
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		return Cycle{}, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventCycleCreated,
		Actor:   p.AuditActor(),
		Success: true,
		Details: map[string]any{"object_type": tenant.KindCycle, "object_id": c.ID, "object_name": c.Name},
	})
	return c, nil
}

func (s *Service) ListCycles(ctx context.Context, p auth.Principal) ([]Cycle, error) {
	scope, err := tenant.ScopeOf(p)
	if err != nil {
		return nil, err
	}
	cycles, err := s.store.ListCycles(ctx, scope.OrganizationID)
	if err != nil {
		return nil, err
	}
	return tenant.Enforce(scope, cycles, func(c Cycle) string { return c.OrganizationID })
}

// Create opens a draft appraisal for an employee the caller manages.
func (s *Service) Create(ctx context.Context, p auth.Principal, in CreateInput) (Appraisal, error) {
	in.EmployeeID = strings.TrimSpace(in.EmployeeID)
	in.CycleID = strings.TrimSpace(in.CycleID)
	if in.EmployeeID == "" || in.CycleID == "" {
		return Appraisal{}, fmt.Errorf("%w: employee_id and cycle_id are required", ErrInvalidInput)
	}
	if in.Phase == "" {
		in.Phase = PhaseGoalSetting
	}
	if !in.Phase.Valid() {
		return Appraisal{}, fmt.Errorf("%w: unknown phase %q", ErrInvalidInput, in.Phase)
	}
	if err := s.guard.Authorize(ctx, p, tenant.KindEmployee, in.EmployeeID); err != nil {
		return Appraisal{}, err
	}
	if err := s.guard.Authorize(ctx, p, tenant.KindCycle, in.CycleID); err != nil {
		return Appraisal{}, err
	}
	subject, err := s.dir.GetEmployee(ctx, p.OrganizationID, in.EmployeeID)
	if err != nil {
		return Appraisal{}, err
	}
	if !CanManage(p, subject) {
		return Appraisal{}, auth.Denied(ctx, s.audit, p, "create appraisal", map[string]any{
			"object_type": tenant.KindEmployee, "object_id": subject.ID,
		})
	}

	now := s.now().UTC()
	a, err := s.store.CreateAppraisal(ctx, Appraisal{
		ID:             ids.NewAt(now),
		OrganizationID: p.OrganizationID,
		EmployeeID:     subject.ID,
		CycleID:        in.CycleID,
		Status:         StatusDraft,
		Phase:          in.Phase,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return Appraisal{}, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventAppraisalCreated,
		Actor:   p.AuditActor(),
		Success: true,
		Details: map[string]any{
			"object_type": tenant.KindAppraisal, "object_id": a.ID, "object_name": subject.Name(),
			"employee_id": subject.ID, "cycle_id": a.CycleID,
		},
	})
	return a, nil
}

// Facts loads an appraisal after the tenant guard has cleared the reference.
func (s *Service) Facts(ctx context.Context, p auth.Principal, id string) (Facts, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Facts{}, fmt.Errorf("%w: appraisal id is required", ErrInvalidInput)
	}
	if err := s.guard.Authorize(ctx, p, tenant.KindAppraisal, id); err != nil {
		return Facts{}, err
	}
	a, err := s.store.GetAppraisal(ctx, p.OrganizationID, id)
	if err != nil {
		return Facts{}, err
	}
	subject, err := s.dir.GetEmployee(ctx, p.OrganizationID, a.EmployeeID)
	if err != nil {
		return Facts{}, fmt.Errorf("load appraisal subject: %w", err)
	}
	appraisers, err := s.store.ListAppraisers(ctx, p.OrganizationID, id)
	if err != nil {
		return Facts{}, err
	}
	return Facts{Appraisal: a, Subject: subject, Appraisers: appraisers}, nil
}

func (s *Service) Get(ctx context.Context, p auth.Principal, id string) (Detail, error) {
	f, err := s.Facts(ctx, p, id)
	if err != nil {
		return Detail{}, err
	}
	if !CanView(p, f) {
		return Detail{}, s.deny(ctx, p, f, "view appraisal", "")
	}
	items, err := s.store.ListItems(ctx, p.OrganizationID, id)
	if err != nil {
		return Detail{}, err
	}
	editable, _ := CanEdit(p, f)
	return Detail{
		Appraisal:  f.Appraisal,
		Items:      items,
		Appraisers: f.Appraisers,
		Readiness:  ValidateCompletion(items),
		Next:       Next(f.Appraisal.Status),
		CanEdit:    editable,
	}, nil
}

// List returns the appraisals the caller may see in their organization.
func (s *Service) List(ctx context.Context, p auth.Principal, f ListFilter) ([]Appraisal, error) {
	scope, err := tenant.ScopeOf(p)
	if err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	f.VisibleTo = ""
	if !p.HasPermission(auth.PermViewAllAppraisals) {
		if p.EmployeeID == "" {
			return []Appraisal{}, nil
		}
		f.VisibleTo = p.EmployeeID
	}
	rows, err := s.store.ListAppraisals(ctx, scope.OrganizationID, f)
	if err != nil {
		return nil, err
	}
	return tenant.Enforce(scope, rows, func(a Appraisal) string { return a.OrganizationID })
}

func (s *Service) Update(ctx context.Context, p auth.Principal, id string, in UpdateInput) (Appraisal, error) {
	f, err := s.Facts(ctx, p, id)
	if err != nil {
		return Appraisal{}, err
	}
	if ok, reason := CanEdit(p, f); !ok {
		return Appraisal{}, s.deny(ctx, p, f, "edit appraisal", reason)
	}

	next := f.Appraisal
	var changed []string
	if in.Phase != nil {
		if !in.Phase.Valid() {
			return Appraisal{}, fmt.Errorf("%w: unknown phase %q", ErrInvalidInput, *in.Phase)
		}
		next.Phase = *in.Phase
		changed = append(changed, "phase")
	}
	if in.FinalRating != nil {
		if *in.FinalRating < MinRating || *in.FinalRating > MaxRating {
			return Appraisal{}, fmt.Errorf("%w: final_rating must be between %d and %d", ErrInvalidInput, MinRating, MaxRating)
		}
		r := *in.FinalRating
		next.FinalRating = &r
		changed = append(changed, "final_rating")
	}
	if in.PrimaryFeedback != nil {
		fb := strings.TrimSpace(*in.PrimaryFeedback)
		if len(fb) > maxFeedbackLen {
			return Appraisal{}, fmt.Errorf("%w: primary_feedback too long", ErrInvalidInput)
		}
		next.PrimaryFeedback = fb
		changed = append(changed, "primary_feedback")
	}
	if in.SecondaryFeedback != nil {
		fb := strings.TrimSpace(*in.SecondaryFeedback)
		if len(fb) > maxFeedbackLen {
			return Appraisal{}, fmt.Errorf("%w: secondary_feedback too long", ErrInvalidInput)
		}
		next.SecondaryFeedback = fb
		changed = append(changed, "secondary_feedback")
	}
	if len(changed) == 0 {
		return Appraisal{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	next.UpdatedAt = s.now().UTC()

	updated, err := s.store.UpdateAppraisal(ctx, next, f.Appraisal.Status)
	if err != nil {
		return Appraisal{}, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventAppraisalUpdated,
		Actor:   p.AuditActor(),
		Success: true,
		Details: map[string]any{
			"object_type": tenant.KindAppraisal, "object_id": id, "object_name": f.Subject.Name(),
			"fields": strings.Join(changed, ", "),
		},
	})
	return updated, nil
}

func (s *Service) AddItem(ctx context.Context, p auth.Principal, appraisalID string, in ItemInput) (RatingItem, error) {
	in.Title = strings.TrimSpace(in.Title)
	if !in.Kind.Valid() {
		return RatingItem{}, fmt.Errorf("%w: kind must be goal or competency", ErrInvalidInput)
	}
	if in.Title == "" || len(in.Title) > maxTitleLen {
		return RatingItem{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	f, err := s.Facts(ctx, p, appraisalID)
	if err != nil {
		return RatingItem{}, err
	}
	if ok, reason := CanEdit(p, f); !ok {
		return RatingItem{}, s.deny(ctx, p, f, "add rating item", reason)
	}
	now := s.now().UTC()
	item, err := s.store.AddItem(ctx, RatingItem{
		ID:             ids.NewAt(now),
		AppraisalID:    f.Appraisal.ID,
		OrganizationID: p.OrganizationID,
		Kind:           in.Kind,
		Title:          in.Title,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, f.Appraisal.Status)
	if err != nil {
		return RatingItem{}, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventAppraisalItemAdded,
		Actor:   p.AuditActor(),
		Success: true,
		Details: map[string]any{
			"object_type": tenant.KindAppraisal, "object_id": f.Appraisal.ID,
			"item_id": item.ID, "kind": item.Kind, "title": item.Title,
		},
	})
	return item, nil
}

func (s *Service) RateItem(ctx context.Context, p auth.Principal, appraisalID, itemID string, rating int, comment string) (RatingItem, error) {
	itemID = strings.TrimSpace(itemID)
	comment = strings.TrimSpace(comment)
	if itemID == "" {
		return RatingItem{}, fmt.Errorf("%w: item id is required", ErrInvalidInput)
	}
	if rating < MinRating || rating > MaxRating {
		return RatingItem{}, fmt.Errorf("%w: rating must be between %d and %d", ErrInvalidInput, MinRating, MaxRating)
	}
	if len(comment) > maxFeedbackLen {
		return RatingItem{}, fmt.Errorf("%w: comment too long", ErrInvalidInput)
	}
	f, err := s.Facts(ctx, p, appraisalID)
	if err != nil {
		return RatingItem{}, err
	}
	if ok, reason := CanEdit(p, f); !ok {
		return RatingItem{}, s.deny(ctx, p, f, "rate item", reason)
	}
	item, err := s.store.RateItem(ctx, p.OrganizationID, f.Appraisal.ID, itemID, rating, comment, s.now().UTC(), f.Appraisal.Status)
	if err != nil {
		return RatingItem{}, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventAppraisalRatingSet,
		Actor:   p.AuditActor(),
		Success: true,
		Details: map[string]any{
			"object_type": tenant.KindAppraisal, "object_id": f.Appraisal.ID,
			"item_id": item.ID, "rating": rating,
		},
	})
	return item, nil
}

// Transition moves an appraisal to another status. Expected rejections come
// back as *TransitionError or *IncompleteError; a lost race as ErrConflict.
func (s *Service) Transition(ctx context.Context, p auth.Principal, id string, to Status) (Appraisal, error) {
	if !to.Valid() {
		return Appraisal{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, to)
	}
	f, err := s.Facts(ctx, p, id)
	if err != nil {
		return Appraisal{}, err
	}
	from := f.Appraisal.Status
	if !CanView(p, f) {
		return Appraisal{}, s.deny(ctx, p, f, "transition appraisal", "")
	}
	if err := CheckTransition(from, to); err != nil {
		obs.ObserveTransition(string(from), string(to), "invalid")
		return Appraisal{}, err
	}
	if ok, reason := CanEdit(p, f); !ok {
		obs.ObserveTransition(string(from), string(to), "denied")
		return Appraisal{}, s.deny(ctx, p, f, "transition appraisal", reason)
	}

	if to == StatusAwaitingSecondary && !f.HasSecondary() {
		obs.ObserveTransition(string(from), string(to), "invalid")
		return Appraisal{}, &TransitionError{From: from, To: to, Reason: "no secondary appraiser is assigned"}
	}

	now := s.now().UTC()
	next := f.Appraisal
	next.Status = to
	next.UpdatedAt = now
	switch {
	case to == StatusAwaitingSecondary:
		next.PrimaryComplete = true
	case to == StatusCompleted && from == StatusInProgress:
		next.PrimaryComplete = true
	case to == StatusCompleted && from == StatusAwaitingSecondary:
		next.SecondaryComplete = true
	}

	if to == StatusCompleted {
		if !CanComplete(p, f) {
			obs.ObserveTransition(string(from), string(to), "denied")
			return Appraisal{}, s.deny(ctx, p, f, "complete appraisal", "completion requires a manager or the primary appraiser")
		}
		items, err := s.store.ListItems(ctx, p.OrganizationID, id)
		if err != nil {
			return Appraisal{}, err
		}
		if readiness := ValidateCompletion(items); !readiness.CanSubmit {
			return Appraisal{}, s.blockCompletion(ctx, p, f, readiness)
		}
		next.CompletedAt = &now
	}

	updated, err := s.store.TransitionAppraisal(ctx, next, from)
	if errors.Is(err, ErrUnratedItems) {
		// an item changed between the readiness check and the write
		items, lerr := s.store.ListItems(ctx, p.OrganizationID, id)
		if lerr != nil {
			return Appraisal{}, lerr
		}
		if readiness := ValidateCompletion(items); !readiness.CanSubmit {
			return Appraisal{}, s.blockCompletion(ctx, p, f, readiness)
		}
		err = fmt.Errorf("%w: rating items changed during completion", ErrConflict)
	}
	if err != nil {
		if errors.Is(err, ErrConflict) {
			obs.ObserveTransition(string(from), string(to), "conflict")
		}
		return Appraisal{}, err
	}
	obs.ObserveTransition(string(from), string(to), "ok")
	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventAppraisalStatusChanged,
		Actor:   p.AuditActor(),
		Success: true,
		Details: map[string]any{
			"object_type": tenant.KindAppraisal, "object_id": id, "object_name": f.Subject.Name(),
			"from": from, "to": to,
		},
	})
	return updated, nil
}

func (s *Service) CompletionReadiness(ctx context.Context, p auth.Principal, id string) (Readiness, error) {
	f, err := s.Facts(ctx, p, id)
	if err != nil {
		return Readiness{}, err
	}
	if !CanView(p, f) {
		return Readiness{}, s.deny(ctx, p, f, "view appraisal", "")
	}
	items, err := s.store.ListItems(ctx, p.OrganizationID, id)
	if err != nil {
		return Readiness{}, err
	}
	return ValidateCompletion(items), nil
}

// HardDelete permanently removes an appraisal, completed or not.
func (s *Service) HardDelete(ctx context.Context, p auth.Principal, id, reason string) error {
	if !p.HasPermission(auth.PermHardDeleteAppraisal) {
		return auth.Denied(ctx, s.audit, p, "delete appraisal", map[string]any{
			"permission": auth.PermHardDeleteAppraisal, "object_type": tenant.KindAppraisal, "object_id": id,
		})
	}
	f, err := s.Facts(ctx, p, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAppraisal(ctx, p.OrganizationID, f.Appraisal.ID); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventAppraisalHardDeleted,
		Actor:   p.AuditActor(),
		Success: true,
		Details: map[string]any{
			"object_type": tenant.KindAppraisal, "object_id": f.Appraisal.ID, "object_name": f.Subject.Name(),
			"status": f.Appraisal.Status, "employee_id": f.Appraisal.EmployeeID, "reason": strings.TrimSpace(reason),
		},
	})
	return nil
}

func (s *Service) blockCompletion(ctx context.Context, p auth.Principal, f Facts, readiness Readiness) error {
	obs.ObserveTransition(string(f.Appraisal.Status), string(StatusCompleted), "incomplete")
	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventAppraisalCompletionBlocked,
		Actor:   p.AuditActor(),
		Success: false,
		Details: map[string]any{
			"object_type": tenant.KindAppraisal, "object_id": f.Appraisal.ID, "object_name": f.Subject.Name(),
			"missing_count": len(readiness.MissingItems),
		},
	})
	return &IncompleteError{Readiness: readiness}
}

func (s *Service) deny(ctx context.Context, p auth.Principal, f Facts, action, reason string) error {
	details := map[string]any{
		"object_type": tenant.KindAppraisal,
		"object_id":   f.Appraisal.ID,
		"status":      f.Appraisal.Status,
	}
	if reason != "" {
		details["reason"] = reason
	}
	return auth.Denied(ctx, s.audit, p, action, details)
}
