// Package assignment suggests, validates and records the appraisers of an
// appraisal by walking the management hierarchy.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"appraise.org/internal/appraisal"
	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
	"appraise.org/internal/directory"
	"appraise.org/internal/obs"
	"appraise.org/internal/tenant"
)

// MaxHierarchyDepth bounds every walk up the manager chain.
const MaxHierarchyDepth = 8

// Reason codes carried by rejected validations.
const (
	CodeOrganizationMismatch = "organization_mismatch"
	CodeSelfAssignment       = "self_assignment"
	CodeOutsideHierarchy     = "outside_hierarchy"
	CodeOverrideNotPermitted = "override_not_permitted"
	CodeInactiveAppraiser    = "inactive_appraiser"
	CodeUnknownAppraiser     = "unknown_appraiser"
)

type Candidate struct {
	AppraiserID    string `json:"appraiser_id"`
	Name           string `json:"name"`
	RoleLabel      string `json:"role_label"`
	HierarchyLevel int    `json:"hierarchy_level"`
}

// Validation is the outcome of checking one proposed appraiser.
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
}

// ConflictError rejects an assignment. It is an expected, user-facing result.
type ConflictError struct {
	AppraiserID string
	Code        string
	Reason      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot assign appraiser %s: %s", e.AppraiserID, e.Reason)
}

type Removal struct {
	Removed       appraisal.AppraiserAssignment `json:"removed"`
	PrimaryVacant bool                          `json:"primary_vacant"`
}

type Roster struct {
	AppraisalID string                          `json:"appraisal_id"`
	Primary     *appraisal.AppraiserAssignment  `json:"primary,omitempty"`
	Secondary   []appraisal.AppraiserAssignment `json:"secondary"`
}

// HasPrimary is false while a removed primary has not been replaced.
func (r Roster) HasPrimary() bool { return r.Primary != nil }

func newRoster(appraisalID string, rows []appraisal.AppraiserAssignment) Roster {
	r := Roster{AppraisalID: appraisalID, Secondary: []appraisal.AppraiserAssignment{}}
	for i := range rows {
		if rows[i].IsPrimary {
			row := rows[i]
			r.Primary = &row
			continue
		}
		r.Secondary = append(r.Secondary, rows[i])
	}
	return r
}

// RoleReader supplies the role label shown next to a candidate.
type RoleReader interface {
	ActiveRoles(ctx context.Context, organizationID, employeeID string) ([]auth.Role, error)
}

type Resolver struct {
	dir        directory.Store
	roles      RoleReader
	appraisals *appraisal.Service
	store      appraisal.Store
	guard      auth.ReferenceGuard
	audit      *audit.Recorder
	now        func() time.Time
}

func NewResolver(dir directory.Store, roles RoleReader, appraisals *appraisal.Service, store appraisal.Store, guard auth.ReferenceGuard, rec *audit.Recorder) (*Resolver, error) {
	if dir == nil || roles == nil || appraisals == nil || store == nil || guard == nil {
		return nil, errors.New("directory, roles, appraisal service, store and guard are required")
	}
	return &Resolver{dir: dir, roles: roles, appraisals: appraisals, store: store, guard: guard, audit: rec, now: time.Now}, nil
}

type link struct {
	emp   directory.Employee
	level int
}

// chain walks up from emp, nearest manager first. It stops at the depth bound,
// at a missing manager, or on revisiting a node.
func (r *Resolver) chain(ctx context.Context, organizationID string, emp directory.Employee) ([]link, error) {
	visited := map[string]struct{}{emp.ID: {}}
	var out []link
	cur := emp
	for level := 1; level <= MaxHierarchyDepth; level++ {
		next := cur.ManagerID
		if next == "" {
			break
		}
		if _, seen := visited[next]; seen {
			obs.Warn("manager_cycle_detected", map[string]any{
				"organization_id": organizationID,
				"employee_id":     emp.ID,
				"revisited":       next,
				"level":           level,
			})
			break
		}
		mgr, err := r.dir.GetEmployee(ctx, organizationID, next)
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				obs.Warn("manager_reference_unresolved", map[string]any{
					"organization_id": organizationID,
					"employee_id":     cur.ID,
					"manager_id":      next,
				})
				break
			}
			return nil, err
		}
		visited[next] = struct{}{}
		out = append(out, link{emp: mgr, level: level})
		cur = mgr
	}
	return out, nil
}

func (r *Resolver) roleLabel(ctx context.Context, organizationID string, emp directory.Employee) string {
	roles, err := r.roles.ActiveRoles(ctx, organizationID, emp.ID)
	if err == nil {
		if top, ok := auth.NewRoleSet(roles...).Highest(); ok {
			return top.Label()
		}
	}
	if emp.JobTitle != "" {
		return emp.JobTitle
	}
	return auth.RoleEmployee.Label()
}

func (r *Resolver) subject(ctx context.Context, p auth.Principal, employeeID string) (directory.Employee, error) {
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return directory.Employee{}, fmt.Errorf("%w: employee_id is required", appraisal.ErrInvalidInput)
	}
	if err := r.guard.Authorize(ctx, p, tenant.KindEmployee, employeeID); err != nil {
		return directory.Employee{}, err
	}
	return r.dir.GetEmployee(ctx, p.OrganizationID, employeeID)
}

// SuggestAppraisers lists active managers above the employee, nearest first.
// Inactive managers are skipped but walked through.
func (r *Resolver) SuggestAppraisers(ctx context.Context, p auth.Principal, employeeID string) ([]Candidate, error) {
	subj, err := r.subject(ctx, p, employeeID)
	if err != nil {
		return nil, err
	}
	if !appraisal.CanManage(p, subj) {
		return nil, auth.Denied(ctx, r.audit, p, "suggest appraisers", map[string]any{
			"object_type": tenant.KindEmployee, "object_id": subj.ID,
		})
	}
	links, err := r.chain(ctx, p.OrganizationID, subj)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(links))
	for _, l := range links {
		if !l.emp.Active() || l.emp.ID == subj.ID {
			continue
		}
		out = append(out, Candidate{
			AppraiserID:    l.emp.ID,
			Name:           l.emp.Name(),
			RoleLabel:      r.roleLabel(ctx, p.OrganizationID, l.emp),
			HierarchyLevel: l.level,
		})
	}
	return out, nil
}

// ValidateAssignment checks one appraiser for one employee. Rejections are
// returned as a Validation and recorded; errors mean the check itself failed.
func (r *Resolver) ValidateAssignment(ctx context.Context, p auth.Principal, appraiserID, employeeID string, override bool) (Validation, error) {
	subj, err := r.subject(ctx, p, employeeID)
	if err != nil {
		return Validation{}, err
	}
	if !appraisal.CanManage(p, subj) {
		return Validation{}, auth.Denied(ctx, r.audit, p, "validate appraiser", map[string]any{
			"object_type": tenant.KindEmployee, "object_id": subj.ID,
		})
	}
	v, err := r.validate(ctx, p, strings.TrimSpace(appraiserID), subj, override)
	if err != nil {
		return Validation{}, err
	}
	if !v.Valid {
		r.recordRejection(ctx, p, "", subj.ID, strings.TrimSpace(appraiserID), v)
	}
	return v, nil
}

// validate applies the rules in order; the first failure wins.
func (r *Resolver) validate(ctx context.Context, p auth.Principal, appraiserID string, subj directory.Employee, override bool) (Validation, error) {
	if appraiserID == "" {
		return Validation{}, fmt.Errorf("%w: appraiser_id is required", appraisal.ErrInvalidInput)
	}
	if err := r.guard.Authorize(ctx, p, tenant.KindEmployee, appraiserID); err != nil {
		switch {
		case errors.Is(err, tenant.ErrCrossOrganization):
			return Validation{Reason: "appraiser belongs to a different organization", Code: CodeOrganizationMismatch}, nil
		case errors.Is(err, tenant.ErrNotFound):
			return Validation{Reason: "appraiser not found", Code: CodeUnknownAppraiser}, nil
		}
		return Validation{}, err
	}
	if appraiserID == subj.ID {
		return Validation{Reason: "an employee cannot appraise themselves", Code: CodeSelfAssignment}, nil
	}
	appraiser, err := r.dir.GetEmployee(ctx, p.OrganizationID, appraiserID)
	if err != nil {
		return Validation{}, err
	}

	links, err := r.chain(ctx, p.OrganizationID, subj)
	if err != nil {
		return Validation{}, err
	}
	inChain := false
	for _, l := range links {
		if l.emp.ID == appraiser.ID {
			inChain = true
			break
		}
	}
	if !inChain {
		if !override {
			return Validation{Reason: "appraiser is not above the employee in the management hierarchy", Code: CodeOutsideHierarchy}, nil
		}
		if !p.HasPermission(auth.PermOverrideHierarchy) {
			return Validation{Reason: "hierarchy override is not permitted", Code: CodeOverrideNotPermitted}, nil
		}
	}

	if !appraiser.Active() {
		return Validation{Reason: "appraiser is not active", Code: CodeInactiveAppraiser}, nil
	}
	return Validation{Valid: true}, nil
}

func (r *Resolver) recordRejection(ctx context.Context, p auth.Principal, appraisalID, employeeID, appraiserID string, v Validation) {
	details := map[string]any{
		"employee_id":  employeeID,
		"appraiser_id": appraiserID,
		"reason":       v.Reason,
		"code":         v.Code,
	}
	if appraisalID != "" {
		details["object_type"] = tenant.KindAppraisal
		details["object_id"] = appraisalID
	}
	r.audit.Record(ctx, audit.Event{
		Type:    audit.EventAppraiserAssignmentRejected,
		Actor:   p.AuditActor(),
		Success: false,
		Details: details,
	})
}

func (r *Resolver) managed(ctx context.Context, p auth.Principal, appraisalID, action string) (appraisal.Facts, error) {
	f, err := r.appraisals.Facts(ctx, p, appraisalID)
	if err != nil {
		return appraisal.Facts{}, err
	}
	if f.Appraisal.Status.Terminal() || !appraisal.CanManage(p, f.Subject) {
		reason := "not permitted to manage this appraisal"
		if f.Appraisal.Status.Terminal() {
			reason = "appraisal is completed"
		}
		return appraisal.Facts{}, auth.Denied(ctx, r.audit, p, action, map[string]any{
			"object_type": tenant.KindAppraisal, "object_id": f.Appraisal.ID, "reason": reason,
		})
	}
	return f, nil
}

// AssignAppraisers replaces the appraiser set. The first id becomes primary,
// the rest secondary; nothing is written unless every id validates.
func (r *Resolver) AssignAppraisers(ctx context.Context, p auth.Principal, appraisalID string, appraiserIDs []string, override bool) (Roster, error) {
	if len(appraiserIDs) == 0 {
		return Roster{}, fmt.Errorf("%w: at least one appraiser is required", appraisal.ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(appraiserIDs))
	cleaned := make([]string, 0, len(appraiserIDs))
	for _, id := range appraiserIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return Roster{}, fmt.Errorf("%w: appraiser ids must not be empty", appraisal.ErrInvalidInput)
		}
		if _, dup := seen[id]; dup {
			return Roster{}, fmt.Errorf("%w: appraiser %s listed twice", appraisal.ErrInvalidInput, id)
		}
		seen[id] = struct{}{}
		cleaned = append(cleaned, id)
	}

	f, err := r.managed(ctx, p, appraisalID, "assign appraisers")
	if err != nil {
		return Roster{}, err
	}
	for _, id := range cleaned {
		v, err := r.validate(ctx, p, id, f.Subject, override)
		if err != nil {
			return Roster{}, err
		}
		if !v.Valid {
			r.recordRejection(ctx, p, f.Appraisal.ID, f.Subject.ID, id, v)
			return Roster{}, &ConflictError{AppraiserID: id, Code: v.Code, Reason: v.Reason}
		}
	}

	now := r.now().UTC()
	set := make([]appraisal.AppraiserAssignment, len(cleaned))
	for i, id := range cleaned {
		role := appraisal.AppraiserSecondary
		if i == 0 {
			role = appraisal.AppraiserPrimary
		}
		set[i] = appraisal.AppraiserAssignment{
			AppraisalID:    f.Appraisal.ID,
			AppraiserID:    id,
			OrganizationID: p.OrganizationID,
			Role:           role,
			IsPrimary:      i == 0,
			AssignedBy:     p.EmployeeID,
			AssignedAt:     now,
		}
	}
	if err := r.store.ReplaceAppraisers(ctx, p.OrganizationID, f.Appraisal.ID, set); err != nil {
		return Roster{}, err
	}
	r.audit.Record(ctx, audit.Event{
		Type:    audit.EventAppraisersAssigned,
		Actor:   p.AuditActor(),
		Success: true,
		Details: map[string]any{
			"object_type": tenant.KindAppraisal, "object_id": f.Appraisal.ID, "object_name": f.Subject.Name(),
			"primary": cleaned[0], "secondary": cleaned[1:], "override": override,
		},
	})

	rows, err := r.store.ListAppraisers(ctx, p.OrganizationID, f.Appraisal.ID)
	if err != nil {
		return Roster{}, err
	}
	return newRoster(f.Appraisal.ID, rows), nil
}

// RemoveAppraiser drops one appraiser. Removing the primary leaves the
// appraisal without one; no secondary is promoted.
func (r *Resolver) RemoveAppraiser(ctx context.Context, p auth.Principal, appraisalID, appraiserID string) (Removal, error) {
	appraiserID = strings.TrimSpace(appraiserID)
	if appraiserID == "" {
		return Removal{}, fmt.Errorf("%w: appraiser_id is required", appraisal.ErrInvalidInput)
	}
	f, err := r.managed(ctx, p, appraisalID, "remove appraiser")
	if err != nil {
		return Removal{}, err
	}
	removed, err := r.store.RemoveAppraiser(ctx, p.OrganizationID, f.Appraisal.ID, appraiserID)
	if err != nil {
		return Removal{}, err
	}
	out := Removal{Removed: removed, PrimaryVacant: removed.IsPrimary}
	if out.PrimaryVacant {
		obs.Warn("appraisal_primary_vacant", map[string]any{
			"organization_id": p.OrganizationID,
			"appraisal_id":    f.Appraisal.ID,
		})
	}
	r.audit.Record(ctx, audit.Event{
		Type:    audit.EventAppraiserRemoved,
		Actor:   p.AuditActor(),
		Success: true,
		Details: map[string]any{
			"object_type": tenant.KindAppraisal, "object_id": f.Appraisal.ID, "object_name": f.Subject.Name(),
			"appraiser_id": appraiserID, "role": removed.Role, "primary_vacant": out.PrimaryVacant,
		},
	})
	return out, nil
}

// Appraisers returns the current roster of an appraisal the caller may view.
func (r *Resolver) Appraisers(ctx context.Context, p auth.Principal, appraisalID string) (Roster, error) {
	f, err := r.appraisals.Facts(ctx, p, appraisalID)
	if err != nil {
		return Roster{}, err
	}
	if !appraisal.CanView(p, f) {
		return Roster{}, auth.Denied(ctx, r.audit, p, "view appraisers", map[string]any{
			"object_type": tenant.KindAppraisal, "object_id": f.Appraisal.ID,
		})
	}
	return newRoster(f.Appraisal.ID, f.Appraisers), nil
}
