// Package memstore keeps every record in process memory. It backs the API in
// development mode and the service tests.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"appraise.org/internal/appraisal"
	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
	"appraise.org/internal/directory"
	"appraise.org/internal/ids"
	"appraise.org/internal/tenant"
)

type Store struct {
	mu         sync.RWMutex
	orgs       map[string]directory.Organization
	employees  map[string]directory.Employee
	roles      []auth.RoleAssignment
	cycles     map[string]appraisal.Cycle
	appraisals map[string]appraisal.Appraisal
	items      map[string]appraisal.RatingItem
	appraisers map[string][]appraisal.AppraiserAssignment
	audit      []audit.Entry

	// appendErr makes Append fail; tests use it to exercise escalation.
	appendErr error
	// unpoliced lists tables whose row policy was dropped; sampling them
	// returns every organization's rows.
	unpoliced map[string]bool
}

func New() *Store {
	return &Store{
		orgs:       map[string]directory.Organization{},
		employees:  map[string]directory.Employee{},
		cycles:     map[string]appraisal.Cycle{},
		appraisals: map[string]appraisal.Appraisal{},
		items:      map[string]appraisal.RatingItem{},
		appraisers: map[string][]appraisal.AppraiserAssignment{},
		unpoliced:  map[string]bool{},
	}
}

// PutOrganization inserts or replaces an organization.
func (s *Store) PutOrganization(o directory.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	s.orgs[o.ID] = o
}

// PutEmployee inserts or replaces an employee without validating references.
func (s *Store) PutEmployee(e directory.Employee) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Status == "" {
		e.Status = directory.StatusActive
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.employees[e.ID] = e
}

// SetAppendError makes subsequent audit appends fail with err.
func (s *Store) SetAppendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

// --- directory.Store ---

func (s *Store) GetOrganization(_ context.Context, id string) (directory.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[id]
	if !ok {
		return directory.Organization{}, directory.ErrNotFound
	}
	return o, nil
}

func (s *Store) GetEmployee(_ context.Context, organizationID, employeeID string) (directory.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.employees[employeeID]
	if !ok || e.OrganizationID != organizationID {
		return directory.Employee{}, directory.ErrNotFound
	}
	return e, nil
}

func (s *Store) FindEmployeeByUser(_ context.Context, organizationID, userID string) (directory.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.employees {
		if e.OrganizationID == organizationID && e.UserID == userID && userID != "" {
			return e, nil
		}
	}
	return directory.Employee{}, directory.ErrNotFound
}

func (s *Store) ListEmployees(_ context.Context, organizationID string) ([]directory.Employee, error) {
	return s.employeesWhere(func(e directory.Employee) bool { return e.OrganizationID == organizationID }), nil
}

func (s *Store) DirectReports(_ context.Context, organizationID, managerID string) ([]directory.Employee, error) {
	return s.employeesWhere(func(e directory.Employee) bool {
		return e.OrganizationID == organizationID && e.ManagerID == managerID
	}), nil
}

func (s *Store) employeesWhere(keep func(directory.Employee) bool) []directory.Employee {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []directory.Employee{}
	for _, e := range s.employees {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- auth.RoleStore ---

func (s *Store) ActiveRoles(_ context.Context, organizationID, employeeID string) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Role
	for _, a := range s.roles {
		if a.OrganizationID == organizationID && a.EmployeeID == employeeID && a.Active {
			out = append(out, a.Role)
		}
	}
	return out, nil
}

func (s *Store) ListRoleAssignments(_ context.Context, organizationID, employeeID string) ([]auth.RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []auth.RoleAssignment{}
	for _, a := range s.roles {
		if a.OrganizationID == organizationID && a.EmployeeID == employeeID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) GrantRole(_ context.Context, a auth.RoleAssignment) (auth.RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.employees[a.EmployeeID]
	if !ok || e.OrganizationID != a.OrganizationID {
		return auth.RoleAssignment{}, fmt.Errorf("%w: employee %s", auth.ErrNotFound, a.EmployeeID)
	}
	for _, existing := range s.roles {
		if existing.OrganizationID == a.OrganizationID && existing.EmployeeID == a.EmployeeID && existing.Role == a.Role && existing.Active {
			return auth.RoleAssignment{}, fmt.Errorf("%w: role %s already active", auth.ErrConflict, a.Role)
		}
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.GrantedAt.IsZero() {
		a.GrantedAt = time.Now().UTC()
	}
	a.Active = true
	s.roles = append(s.roles, a)
	return a, nil
}

func (s *Store) DeactivateRole(_ context.Context, organizationID, employeeID string, role auth.Role, revokedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.roles {
		if a.OrganizationID == organizationID && a.EmployeeID == employeeID && a.Role == role && a.Active {
			s.roles[i].Active = false
			s.roles[i].RevokedBy = revokedBy
			s.roles[i].RevokedAt = &at
			return nil
		}
	}
	return fmt.Errorf("%w: no active %s role", auth.ErrNotFound, role)
}

// --- appraisal.Store ---

func (s *Store) CreateCycle(_ context.Context, c appraisal.Cycle) (appraisal.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[c.OrganizationID]; !ok {
		return appraisal.Cycle{}, fmt.Errorf("%w: organization %s", appraisal.ErrNotFound, c.OrganizationID)
	}
	s.cycles[c.ID] = c
	return c, nil
}

func (s *Store) ListCycles(_ context.Context, organizationID string) ([]appraisal.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []appraisal.Cycle{}
	for _, c := range s.cycles {
		if c.OrganizationID == organizationID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsOn.After(out[j].StartsOn) })
	return out, nil
}

func (s *Store) CreateAppraisal(_ context.Context, a appraisal.Appraisal) (appraisal.Appraisal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.appraisals {
		if existing.OrganizationID == a.OrganizationID && existing.EmployeeID == a.EmployeeID && existing.CycleID == a.CycleID {
			return appraisal.Appraisal{}, fmt.Errorf("%w: employee already has an appraisal in this cycle", appraisal.ErrConflict)
		}
	}
	s.appraisals[a.ID] = a
	return a, nil
}

func (s *Store) GetAppraisal(_ context.Context, organizationID, id string) (appraisal.Appraisal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appraisalLocked(organizationID, id)
}

func (s *Store) appraisalLocked(organizationID, id string) (appraisal.Appraisal, error) {
	a, ok := s.appraisals[id]
	if !ok || a.OrganizationID != organizationID {
		return appraisal.Appraisal{}, appraisal.ErrNotFound
	}
	return a, nil
}

func (s *Store) ListAppraisals(_ context.Context, organizationID string, f appraisal.ListFilter) ([]appraisal.Appraisal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []appraisal.Appraisal{}
	for _, a := range s.appraisals {
		if a.OrganizationID != organizationID {
			continue
		}
		if f.CycleID != "" && a.CycleID != f.CycleID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.VisibleTo != "" && !s.visibleLocked(a, f.VisibleTo) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) visibleLocked(a appraisal.Appraisal, employeeID string) bool {
	if a.EmployeeID == employeeID {
		return true
	}
	if subj, ok := s.employees[a.EmployeeID]; ok && subj.ManagerID == employeeID {
		return true
	}
	for _, as := range s.appraisers[a.ID] {
		if as.AppraiserID == employeeID {
			return true
		}
	}
	return false
}

func (s *Store) UpdateAppraisal(_ context.Context, a appraisal.Appraisal, expected appraisal.Status) (appraisal.Appraisal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.appraisalLocked(a.OrganizationID, a.ID)
	if err != nil {
		return appraisal.Appraisal{}, err
	}
	if cur.Status != expected {
		return appraisal.Appraisal{}, fmt.Errorf("%w: status changed to %s", appraisal.ErrConflict, cur.Status)
	}
	cur.Phase = a.Phase
	cur.FinalRating = a.FinalRating
	cur.PrimaryFeedback = a.PrimaryFeedback
	cur.SecondaryFeedback = a.SecondaryFeedback
	cur.UpdatedAt = a.UpdatedAt
	s.appraisals[cur.ID] = cur
	return cur, nil
}

func (s *Store) TransitionAppraisal(_ context.Context, next appraisal.Appraisal, from appraisal.Status) (appraisal.Appraisal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.appraisalLocked(next.OrganizationID, next.ID)
	if err != nil {
		return appraisal.Appraisal{}, err
	}
	if cur.Status != from {
		return appraisal.Appraisal{}, fmt.Errorf("%w: status changed to %s", appraisal.ErrConflict, cur.Status)
	}
	if next.Status == appraisal.StatusCompleted {
		for _, it := range s.items {
			if it.AppraisalID != cur.ID || it.OrganizationID != cur.OrganizationID {
				continue
			}
			if it.Rating == nil || *it.Rating < appraisal.MinRating || *it.Rating > appraisal.MaxRating {
				return appraisal.Appraisal{}, fmt.Errorf("%w: item %s", appraisal.ErrUnratedItems, it.ID)
			}
		}
	}
	cur.Status = next.Status
	cur.PrimaryComplete = next.PrimaryComplete
	cur.SecondaryComplete = next.SecondaryComplete
	cur.CompletedAt = next.CompletedAt
	cur.UpdatedAt = next.UpdatedAt
	s.appraisals[cur.ID] = cur
	return cur, nil
}

func (s *Store) DeleteAppraisal(_ context.Context, organizationID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.appraisalLocked(organizationID, id); err != nil {
		return err
	}
	delete(s.appraisals, id)
	delete(s.appraisers, id)
	for itemID, it := range s.items {
		if it.AppraisalID == id {
			delete(s.items, itemID)
		}
	}
	return nil
}

func (s *Store) ListItems(_ context.Context, organizationID, appraisalID string) ([]appraisal.RatingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []appraisal.RatingItem{}
	for _, it := range s.items {
		if it.OrganizationID == organizationID && it.AppraisalID == appraisalID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AddItem(_ context.Context, item appraisal.RatingItem, expected appraisal.Status) (appraisal.RatingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expectStatusLocked(item.OrganizationID, item.AppraisalID, expected); err != nil {
		return appraisal.RatingItem{}, err
	}
	s.items[item.ID] = item
	return item, nil
}

func (s *Store) RateItem(_ context.Context, organizationID, appraisalID, itemID string, rating int, comment string, at time.Time, expected appraisal.Status) (appraisal.RatingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expectStatusLocked(organizationID, appraisalID, expected); err != nil {
		return appraisal.RatingItem{}, err
	}
	it, ok := s.items[itemID]
	if !ok || it.OrganizationID != organizationID || it.AppraisalID != appraisalID {
		return appraisal.RatingItem{}, fmt.Errorf("%w: rating item %s", appraisal.ErrNotFound, itemID)
	}
	it.Rating = &rating
	it.Comment = comment
	it.UpdatedAt = at
	s.items[itemID] = it
	return it, nil
}

// expectStatusLocked refuses item writes once the appraisal has moved on or
// is completed.
func (s *Store) expectStatusLocked(organizationID, appraisalID string, expected appraisal.Status) error {
	cur, err := s.appraisalLocked(organizationID, appraisalID)
	if err != nil {
		return err
	}
	if cur.Status != expected || cur.Status.Terminal() {
		return fmt.Errorf("%w: status changed to %s", appraisal.ErrConflict, cur.Status)
	}
	return nil
}

func (s *Store) ListAppraisers(_ context.Context, organizationID, appraisalID string) ([]appraisal.AppraiserAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []appraisal.AppraiserAssignment{}
	for _, a := range s.appraisers[appraisalID] {
		if a.OrganizationID == organizationID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) ReplaceAppraisers(_ context.Context, organizationID, appraisalID string, set []appraisal.AppraiserAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.appraisalLocked(organizationID, appraisalID); err != nil {
		return err
	}
	primaries := 0
	seen := map[string]struct{}{}
	for _, a := range set {
		if a.IsPrimary {
			primaries++
		}
		if _, dup := seen[a.AppraiserID]; dup {
			return fmt.Errorf("%w: duplicate appraiser %s", appraisal.ErrInvalidInput, a.AppraiserID)
		}
		seen[a.AppraiserID] = struct{}{}
		e, ok := s.employees[a.AppraiserID]
		if !ok || e.OrganizationID != organizationID || a.OrganizationID != organizationID {
			return fmt.Errorf("%w: appraiser %s", tenant.ErrCrossOrganization, a.AppraiserID)
		}
	}
	if primaries != 1 {
		return fmt.Errorf("%w: exactly one primary appraiser is required", appraisal.ErrInvalidInput)
	}
	s.appraisers[appraisalID] = append([]appraisal.AppraiserAssignment(nil), set...)
	return nil
}

func (s *Store) RemoveAppraiser(_ context.Context, organizationID, appraisalID, appraiserID string) (appraisal.AppraiserAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.appraisers[appraisalID]
	for i, a := range rows {
		if a.AppraiserID == appraiserID && a.OrganizationID == organizationID {
			s.appraisers[appraisalID] = append(rows[:i:i], rows[i+1:]...)
			return a, nil
		}
	}
	return appraisal.AppraiserAssignment{}, fmt.Errorf("%w: appraiser %s", appraisal.ErrNotFound, appraiserID)
}

// --- audit.Sink and audit.Reader ---

func (s *Store) Append(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	details := make(map[string]any, len(e.Details))
	for k, v := range e.Details {
		details[k] = v
	}
	e.Details = details
	s.audit = append(s.audit, e)
	return nil
}

func (s *Store) ListAudit(_ context.Context, organizationID string, q audit.Query) ([]audit.Entry, error) {
	q = q.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []audit.Entry{}
	for i := len(s.audit) - 1; i >= 0 && len(out) < q.Limit; i-- {
		e := s.audit[i]
		if e.OrganizationID != organizationID {
			continue
		}
		if q.EventType != "" && e.EventType != q.EventType {
			continue
		}
		if q.Before != "" && e.ID >= q.Before {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// --- tenant.OwnerLookup and tenant.Source ---

func (s *Store) OwnerOrganization(_ context.Context, kind, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case tenant.KindEmployee:
		if e, ok := s.employees[id]; ok {
			return e.OrganizationID, nil
		}
	case tenant.KindAppraisal:
		if a, ok := s.appraisals[id]; ok {
			return a.OrganizationID, nil
		}
	case tenant.KindCycle:
		if c, ok := s.cycles[id]; ok {
			return c.OrganizationID, nil
		}
	default:
		return "", fmt.Errorf("unsupported kind %q", kind)
	}
	return "", tenant.ErrNotFound
}

func (s *Store) Tables() []string { return tenant.ScopedTables }

func (s *Store) Probes() []string { return tenant.Probes() }

// DropRowPolicy stops filtering table by organization when it is sampled,
// the way a missing row-level security policy would.
func (s *Store) DropRowPolicy(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unpoliced[table] = true
}

// SampleOrganizations reads table the way the row policy exposes it to
// organizationID, up to limit rows.
func (s *Store) SampleOrganizations(_ context.Context, table, organizationID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policed := !s.unpoliced[table]
	var orgs []string
	add := func(org string) {
		if policed && org != organizationID {
			return
		}
		if len(orgs) < limit {
			orgs = append(orgs, org)
		}
	}
	switch table {
	case "employees":
		for _, e := range s.employees {
			add(e.OrganizationID)
		}
	case "role_assignments":
		for _, a := range s.roles {
			add(a.OrganizationID)
		}
	case "appraisal_cycles":
		for _, c := range s.cycles {
			add(c.OrganizationID)
		}
	case "appraisals":
		for _, a := range s.appraisals {
			add(a.OrganizationID)
		}
	case "rating_items":
		for _, it := range s.items {
			add(it.OrganizationID)
		}
	case "appraiser_assignments":
		for _, rows := range s.appraisers {
			for _, a := range rows {
				add(a.OrganizationID)
			}
		}
	case "audit_log":
		for _, e := range s.audit {
			add(e.OrganizationID)
		}
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
	return orgs, nil
}

func (s *Store) CrossReferences(_ context.Context, probe, organizationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orgOfEmployee := func(id string) string { return s.employees[id].OrganizationID }
	n := 0
	switch probe {
	case tenant.ProbeEmployeeManager:
		for _, e := range s.employees {
			if e.OrganizationID == organizationID && e.ManagerID != "" && orgOfEmployee(e.ManagerID) != organizationID {
				n++
			}
		}
	case tenant.ProbeRoleAssignmentEmployee:
		for _, a := range s.roles {
			if a.OrganizationID == organizationID && orgOfEmployee(a.EmployeeID) != organizationID {
				n++
			}
		}
	case tenant.ProbeAppraisalEmployee:
		for _, a := range s.appraisals {
			if a.OrganizationID == organizationID && orgOfEmployee(a.EmployeeID) != organizationID {
				n++
			}
		}
	case tenant.ProbeAppraisalCycle:
		for _, a := range s.appraisals {
			if a.OrganizationID == organizationID && s.cycles[a.CycleID].OrganizationID != organizationID {
				n++
			}
		}
	case tenant.ProbeRatingItemAppraisal:
		for _, it := range s.items {
			if it.OrganizationID == organizationID && s.appraisals[it.AppraisalID].OrganizationID != organizationID {
				n++
			}
		}
	case tenant.ProbeAppraiserAssignment:
		for appraisalID, rows := range s.appraisers {
			for _, a := range rows {
				if a.OrganizationID != organizationID {
					continue
				}
				if orgOfEmployee(a.AppraiserID) != organizationID || s.appraisals[appraisalID].OrganizationID != organizationID {
					n++
				}
			}
		}
	default:
		return 0, fmt.Errorf("unknown probe %q", probe)
	}
	return n, nil
}

var errSeedInvalid = errors.New("memstore: invalid seed")

// Seed loads organizations, employees and role grants in one call.
func (s *Store) Seed(orgs []directory.Organization, employees []directory.Employee, roles []auth.RoleAssignment) error {
	for _, o := range orgs {
		if strings.TrimSpace(o.ID) == "" {
			return fmt.Errorf("%w: organization without id", errSeedInvalid)
		}
		s.PutOrganization(o)
	}
	for _, e := range employees {
		if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.OrganizationID) == "" {
			return fmt.Errorf("%w: employee without id or organization", errSeedInvalid)
		}
		s.PutEmployee(e)
	}
	for _, r := range roles {
		if _, err := s.GrantRole(context.Background(), r); err != nil {
			return err
		}
	}
	return nil
}
