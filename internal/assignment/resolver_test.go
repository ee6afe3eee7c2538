package assignment_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appraise.org/internal/appraisal"
	"appraise.org/internal/assignment"
	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
	"appraise.org/internal/directory"
	"appraise.org/internal/store/memstore"
	"appraise.org/internal/tenant"
)

const org = memstore.DemoOrganizationID

type fixture struct {
	store    *memstore.Store
	svc      *appraisal.Service
	resolver *assignment.Resolver
	users    *auth.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memstore.New()
	require.NoError(t, memstore.SeedDemo(s))
	rec := audit.NewRecorder(s, audit.WithoutLogMirror())
	guard, err := tenant.NewGuard(s, rec)
	require.NoError(t, err)
	svc, err := appraisal.NewService(s, s, guard, rec)
	require.NoError(t, err)
	res, err := assignment.NewResolver(s, s, svc, s, guard, rec)
	require.NoError(t, err)
	users, err := auth.NewResolver(s, s)
	require.NoError(t, err)
	return &fixture{store: s, svc: svc, resolver: res, users: users}
}

func (f *fixture) as(t *testing.T, user string) auth.Principal {
	t.Helper()
	claims := &auth.Claims{OrganizationID: org}
	claims.Subject = user
	p, err := f.users.Principal(context.Background(), claims)
	require.NoError(t, err)
	return p
}

func (f *fixture) events(t *testing.T, eventType audit.EventType) []audit.Entry {
	t.Helper()
	rows, err := f.store.ListAudit(context.Background(), org, audit.Query{EventType: eventType})
	require.NoError(t, err)
	return rows
}

func (f *fixture) appraisalFor(t *testing.T, employeeID string) appraisal.Appraisal {
	t.Helper()
	a, err := f.svc.Create(context.Background(), f.as(t, "user-director"), appraisal.CreateInput{
		EmployeeID: employeeID,
		CycleID:    memstore.DemoCycleID,
	})
	require.NoError(t, err)
	return a
}

func TestSuggestionsWalkUpNearestFirst(t *testing.T) {
	f := newFixture(t)
	got, err := f.resolver.SuggestAppraisers(context.Background(), f.as(t, "user-manager"), "emp-ellis")
	require.NoError(t, err)
	assert.Equal(t, []assignment.Candidate{
		{AppraiserID: "emp-manager", Name: "Morgan Manager", RoleLabel: "Manager", HierarchyLevel: 1},
		{AppraiserID: "emp-director", Name: "Dana Director", RoleLabel: "Director", HierarchyLevel: 2},
	}, got)
}

func TestSuggestionsSkipInactiveManagers(t *testing.T) {
	f := newFixture(t)
	f.store.PutEmployee(directory.Employee{
		ID: "emp-manager", OrganizationID: org, UserID: "user-manager", FirstName: "Morgan", LastName: "Manager",
		ManagerID: "emp-director", Status: directory.StatusInactive,
	})
	got, err := f.resolver.SuggestAppraisers(context.Background(), f.as(t, "user-director"), "emp-ellis")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "emp-director", got[0].AppraiserID)
	assert.Equal(t, 2, got[0].HierarchyLevel)
}

func TestSuggestionsStopOnCycle(t *testing.T) {
	f := newFixture(t)
	f.store.PutEmployee(directory.Employee{
		ID: "emp-manager", OrganizationID: org, UserID: "user-manager", FirstName: "Morgan", LastName: "Manager",
		ManagerID: "emp-ellis",
	})
	got, err := f.resolver.SuggestAppraisers(context.Background(), f.as(t, "user-admin"), "emp-ellis")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "emp-manager", got[0].AppraiserID)
}

func TestSuggestionsStopOnMissingManager(t *testing.T) {
	f := newFixture(t)
	f.store.PutEmployee(directory.Employee{ID: "emp-orphan", OrganizationID: org, ManagerID: "emp-gone"})
	got, err := f.resolver.SuggestAppraisers(context.Background(), f.as(t, "user-admin"), "emp-orphan")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSuggestionsAreDepthBounded(t *testing.T) {
	f := newFixture(t)
	const n = assignment.MaxHierarchyDepth + 4
	for i := 0; i < n; i++ {
		e := directory.Employee{ID: fmt.Sprintf("emp-c%02d", i), OrganizationID: org, FirstName: "Chain", LastName: fmt.Sprint(i)}
		if i+1 < n {
			e.ManagerID = fmt.Sprintf("emp-c%02d", i+1)
		}
		f.store.PutEmployee(e)
	}
	got, err := f.resolver.SuggestAppraisers(context.Background(), f.as(t, "user-admin"), "emp-c00")
	require.NoError(t, err)
	require.Len(t, got, assignment.MaxHierarchyDepth)
	for i, c := range got {
		assert.Equal(t, i+1, c.HierarchyLevel)
		assert.NotEqual(t, "emp-c00", c.AppraiserID)
		assert.Equal(t, "Employee", c.RoleLabel)
	}
}

func TestSuggestionsRequireManagement(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.SuggestAppraisers(context.Background(), f.as(t, "user-sam"), "emp-ellis")
	require.ErrorIs(t, err, auth.ErrNotAuthorized)

	_, err = f.resolver.SuggestAppraisers(context.Background(), f.as(t, "user-manager"), "emp-outsider")
	require.ErrorIs(t, err, tenant.ErrCrossOrganization)
}

func TestValidateAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	director := f.as(t, "user-director")
	admin := f.as(t, "user-admin")
	f.store.PutEmployee(directory.Employee{ID: "emp-former", OrganizationID: org, Status: directory.StatusInactive})
	f.store.PutEmployee(directory.Employee{ID: "emp-nina", OrganizationID: org, ManagerID: "emp-former"})

	cases := []struct {
		name      string
		p         auth.Principal
		appraiser string
		employee  string
		override  bool
		code      string
	}{
		{"direct manager", director, "emp-manager", "emp-ellis", false, ""},
		{"skip level", director, "emp-director", "emp-ellis", false, ""},
		{"other organization", director, "emp-outsider", "emp-ellis", false, assignment.CodeOrganizationMismatch},
		{"unknown", director, "emp-ghost", "emp-ellis", false, assignment.CodeUnknownAppraiser},
		{"self", director, "emp-ellis", "emp-ellis", false, assignment.CodeSelfAssignment},
		{"peer", director, "emp-sam", "emp-ellis", false, assignment.CodeOutsideHierarchy},
		{"override without permission", director, "emp-sam", "emp-ellis", true, assignment.CodeOverrideNotPermitted},
		{"admin override", admin, "emp-sam", "emp-ellis", true, ""},
		{"inactive manager", director, "emp-former", "emp-nina", false, assignment.CodeInactiveAppraiser},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := f.resolver.ValidateAssignment(ctx, tc.p, tc.appraiser, tc.employee, tc.override)
			require.NoError(t, err)
			assert.Equal(t, tc.code == "", v.Valid)
			assert.Equal(t, tc.code, v.Code)
			if !v.Valid {
				assert.NotEmpty(t, v.Reason)
			}
		})
	}

	rejected := f.events(t, audit.EventAppraiserAssignmentRejected)
	assert.Len(t, rejected, 6)
	crossOrg := f.events(t, audit.EventCrossOrganizationAttempt)
	require.Len(t, crossOrg, 1)
	assert.Equal(t, "emp-outsider", crossOrg[0].Details["object_id"])
}

func TestAssignOnePrimaryAndSecondaries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.appraisalFor(t, "emp-ellis")

	roster, err := f.resolver.AssignAppraisers(ctx, f.as(t, "user-admin"), a.ID, []string{"emp-manager", " emp-director ", "emp-sam"}, true)
	require.NoError(t, err)
	require.True(t, roster.HasPrimary())
	assert.Equal(t, "emp-manager", roster.Primary.AppraiserID)
	assert.Equal(t, appraisal.AppraiserPrimary, roster.Primary.Role)

	var secondary []string
	for _, s := range roster.Secondary {
		assert.False(t, s.IsPrimary)
		assert.Equal(t, appraisal.AppraiserSecondary, s.Role)
		secondary = append(secondary, s.AppraiserID)
	}
	assert.ElementsMatch(t, []string{"emp-director", "emp-sam"}, secondary)

	primaries := 0
	rows, err := f.store.ListAppraisers(ctx, org, a.ID)
	require.NoError(t, err)
	for _, r := range rows {
		if r.IsPrimary {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)
	assert.Len(t, f.events(t, audit.EventAppraisersAssigned), 1)
}

func TestAssignIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.appraisalFor(t, "emp-ellis")
	director := f.as(t, "user-director")

	_, err := f.resolver.AssignAppraisers(ctx, director, a.ID, []string{"emp-manager"}, false)
	require.NoError(t, err)

	_, err = f.resolver.AssignAppraisers(ctx, director, a.ID, []string{"emp-director", "emp-outsider"}, false)
	var conflict *assignment.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "emp-outsider", conflict.AppraiserID)
	assert.Equal(t, assignment.CodeOrganizationMismatch, conflict.Code)

	roster, err := f.resolver.Appraisers(ctx, director, a.ID)
	require.NoError(t, err)
	require.True(t, roster.HasPrimary())
	assert.Equal(t, "emp-manager", roster.Primary.AppraiserID, "previous roster untouched")
	assert.Empty(t, roster.Secondary)
}

func TestAssignRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.appraisalFor(t, "emp-ellis")
	director := f.as(t, "user-director")

	_, err := f.resolver.AssignAppraisers(ctx, director, a.ID, nil, false)
	require.ErrorIs(t, err, appraisal.ErrInvalidInput)
	_, err = f.resolver.AssignAppraisers(ctx, director, a.ID, []string{"emp-manager", "emp-manager"}, false)
	require.ErrorIs(t, err, appraisal.ErrInvalidInput)
	_, err = f.resolver.AssignAppraisers(ctx, f.as(t, "user-sam"), a.ID, []string{"emp-manager"}, false)
	require.ErrorIs(t, err, auth.ErrNotAuthorized)
}

func TestRemovingPrimaryLeavesItVacant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.appraisalFor(t, "emp-ellis")
	director := f.as(t, "user-director")

	_, err := f.resolver.AssignAppraisers(ctx, director, a.ID, []string{"emp-manager", "emp-director"}, false)
	require.NoError(t, err)

	removal, err := f.resolver.RemoveAppraiser(ctx, director, a.ID, "emp-manager")
	require.NoError(t, err)
	assert.True(t, removal.PrimaryVacant)
	assert.Equal(t, "emp-manager", removal.Removed.AppraiserID)

	roster, err := f.resolver.Appraisers(ctx, director, a.ID)
	require.NoError(t, err)
	assert.False(t, roster.HasPrimary())
	require.Len(t, roster.Secondary, 1)
	assert.Equal(t, "emp-director", roster.Secondary[0].AppraiserID)

	_, err = f.resolver.RemoveAppraiser(ctx, director, a.ID, "emp-manager")
	require.ErrorIs(t, err, appraisal.ErrNotFound)

	removed := f.events(t, audit.EventAppraiserRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, true, removed[0].Details["primary_vacant"])
}

func TestCompletedAppraisalRosterIsFrozen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.appraisalFor(t, "emp-ellis")
	director := f.as(t, "user-director")

	_, err := f.resolver.AssignAppraisers(ctx, director, a.ID, []string{"emp-manager"}, false)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, director, a.ID, appraisal.StatusInProgress)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, director, a.ID, appraisal.StatusCompleted)
	require.NoError(t, err)

	_, err = f.resolver.AssignAppraisers(ctx, director, a.ID, []string{"emp-director"}, false)
	require.ErrorIs(t, err, auth.ErrNotAuthorized)
	_, err = f.resolver.RemoveAppraiser(ctx, director, a.ID, "emp-manager")
	require.ErrorIs(t, err, auth.ErrNotAuthorized)
}
