package appraisal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appraise.org/internal/appraisal"
	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
	"appraise.org/internal/store/memstore"
	"appraise.org/internal/tenant"
)

type fixture struct {
	store *memstore.Store
	svc   *appraisal.Service
	users *auth.Resolver
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
	users, err := auth.NewResolver(s, s)
	require.NoError(t, err)
	return &fixture{store: s, svc: svc, users: users}
}

func (f *fixture) as(t *testing.T, org, user string) auth.Principal {
	t.Helper()
	claims := &auth.Claims{OrganizationID: org}
	claims.Subject = user
	p, err := f.users.Principal(context.Background(), claims)
	require.NoError(t, err)
	return p
}

func (f *fixture) demo(t *testing.T, user string) auth.Principal {
	return f.as(t, memstore.DemoOrganizationID, user)
}

func (f *fixture) events(t *testing.T, eventType audit.EventType) []audit.Entry {
	t.Helper()
	rows, err := f.store.ListAudit(context.Background(), memstore.DemoOrganizationID, audit.Query{EventType: eventType})
	require.NoError(t, err)
	return rows
}

// draft creates an appraisal for Ellis as their manager.
func (f *fixture) draft(t *testing.T) appraisal.Appraisal {
	t.Helper()
	a, err := f.svc.Create(context.Background(), f.demo(t, "user-manager"), appraisal.CreateInput{
		EmployeeID: " emp-ellis ",
		CycleID:    memstore.DemoCycleID,
	})
	require.NoError(t, err)
	return a
}

func TestCreateByDirectManager(t *testing.T) {
	f := newFixture(t)
	a := f.draft(t)

	assert.Equal(t, appraisal.StatusDraft, a.Status)
	assert.Equal(t, appraisal.PhaseGoalSetting, a.Phase)
	assert.Equal(t, memstore.DemoOrganizationID, a.OrganizationID)
	assert.Equal(t, "emp-ellis", a.EmployeeID)

	created := f.events(t, audit.EventAppraisalCreated)
	require.Len(t, created, 1)
	assert.Equal(t, a.ID, created[0].Details["object_id"])
	assert.Equal(t, "user-manager", created[0].UserID)
}

func TestCreateRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, f.demo(t, "user-sam"), appraisal.CreateInput{EmployeeID: "emp-ellis", CycleID: memstore.DemoCycleID})
	require.ErrorIs(t, err, auth.ErrNotAuthorized, "peer supervisor")

	_, err = f.svc.Create(ctx, f.demo(t, "user-ellis"), appraisal.CreateInput{EmployeeID: "emp-ellis", CycleID: memstore.DemoCycleID})
	require.ErrorIs(t, err, auth.ErrNotAuthorized, "self")

	_, err = f.svc.Create(ctx, f.demo(t, "user-manager"), appraisal.CreateInput{EmployeeID: "emp-outsider", CycleID: memstore.DemoCycleID})
	require.ErrorIs(t, err, tenant.ErrCrossOrganization)

	_, err = f.svc.Create(ctx, f.demo(t, "user-manager"), appraisal.CreateInput{EmployeeID: "emp-ellis"})
	require.ErrorIs(t, err, appraisal.ErrInvalidInput)

	_, err = f.svc.Create(ctx, f.demo(t, "user-manager"), appraisal.CreateInput{EmployeeID: "emp-ellis", CycleID: memstore.DemoCycleID, Phase: "q5"})
	require.ErrorIs(t, err, appraisal.ErrInvalidInput)

	assert.Len(t, f.events(t, audit.EventPermissionDenied), 2)
	assert.Len(t, f.events(t, audit.EventCrossOrganizationAttempt), 1)
}

func TestCrossOrganizationAppraisalReads(t *testing.T) {
	f := newFixture(t)
	a := f.draft(t)
	outsider := f.as(t, "org-other", "user-outsider")

	_, err := f.svc.Get(context.Background(), outsider, a.ID)
	require.ErrorIs(t, err, tenant.ErrCrossOrganization)

	rows, err := f.svc.List(context.Background(), outsider, appraisal.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestListVisibility(t *testing.T) {
	f := newFixture(t)
	a := f.draft(t)
	ctx := context.Background()

	for user, want := range map[string]int{"user-director": 1, "user-manager": 1, "user-ellis": 1, "user-sam": 0} {
		rows, err := f.svc.List(ctx, f.demo(t, user), appraisal.ListFilter{})
		require.NoError(t, err, user)
		require.Len(t, rows, want, user)
		if want > 0 {
			assert.Equal(t, a.ID, rows[0].ID)
		}
	}

	_, err := f.svc.List(ctx, f.demo(t, "user-director"), appraisal.ListFilter{Status: "archived"})
	require.ErrorIs(t, err, appraisal.ErrInvalidInput)
}

func TestCompletionRequiresEveryRating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manager := f.demo(t, "user-manager")
	a := f.draft(t)

	goal, err := f.svc.AddItem(ctx, manager, a.ID, appraisal.ItemInput{Kind: appraisal.ItemGoal, Title: "Ship search"})
	require.NoError(t, err)
	comp, err := f.svc.AddItem(ctx, manager, a.ID, appraisal.ItemInput{Kind: appraisal.ItemCompetency, Title: "Collaboration"})
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, manager, a.ID, appraisal.StatusInProgress)
	require.NoError(t, err)
	_, err = f.svc.RateItem(ctx, manager, a.ID, goal.ID, 4, "solid")
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, manager, a.ID, appraisal.StatusCompleted)
	var incomplete *appraisal.IncompleteError
	require.True(t, errors.As(err, &incomplete))
	require.Len(t, incomplete.Readiness.MissingItems, 1)
	assert.Equal(t, comp.ID, incomplete.Readiness.MissingItems[0].ID)
	assert.Len(t, f.events(t, audit.EventAppraisalCompletionBlocked), 1)

	got, err := f.svc.Get(ctx, manager, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appraisal.StatusInProgress, got.Appraisal.Status, "blocked completion leaves status alone")

	_, err = f.svc.RateItem(ctx, manager, a.ID, comp.ID, 3, "")
	require.NoError(t, err)
	done, err := f.svc.Transition(ctx, manager, a.ID, appraisal.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, appraisal.StatusCompleted, done.Status)
	assert.True(t, done.PrimaryComplete)
	require.NotNil(t, done.CompletedAt)

	_, err = f.svc.Transition(ctx, manager, a.ID, appraisal.StatusInProgress)
	var te *appraisal.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, appraisal.StatusCompleted, te.From)

	_, err = f.svc.RateItem(ctx, manager, a.ID, goal.ID, 5, "")
	require.ErrorIs(t, err, auth.ErrNotAuthorized)

	changes := f.events(t, audit.EventAppraisalStatusChanged)
	require.Len(t, changes, 2)
	assert.EqualValues(t, appraisal.StatusCompleted, changes[0].Details["to"])
}

func TestAppraisalWithoutItemsIsCompletable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manager := f.demo(t, "user-manager")
	a := f.draft(t)

	r, err := f.svc.CompletionReadiness(ctx, manager, a.ID)
	require.NoError(t, err)
	assert.True(t, r.CanSubmit)

	_, err = f.svc.Transition(ctx, manager, a.ID, appraisal.StatusInProgress)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, manager, a.ID, appraisal.StatusCompleted)
	require.NoError(t, err)
}

func TestSkippingStatusesIsRejected(t *testing.T) {
	f := newFixture(t)
	a := f.draft(t)
	_, err := f.svc.Transition(context.Background(), f.demo(t, "user-manager"), a.ID, appraisal.StatusCompleted)
	var te *appraisal.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "Cannot transition from draft to completed", te.Error())

	_, err = f.svc.Transition(context.Background(), f.demo(t, "user-manager"), a.ID, "archived")
	require.ErrorIs(t, err, appraisal.ErrInvalidInput)
}

func TestSubjectCannotAdvanceOwnAppraisal(t *testing.T) {
	f := newFixture(t)
	a := f.draft(t)
	ellis := f.demo(t, "user-ellis")

	d, err := f.svc.Get(context.Background(), ellis, a.ID)
	require.NoError(t, err)
	assert.False(t, d.CanEdit)

	_, err = f.svc.Transition(context.Background(), ellis, a.ID, appraisal.StatusInProgress)
	require.ErrorIs(t, err, auth.ErrNotAuthorized)

	denied := f.events(t, audit.EventPermissionDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, "employees cannot edit their own appraisal", denied[0].Details["reason"])
}

func TestUpdateValidatesAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manager := f.demo(t, "user-manager")
	a := f.draft(t)

	bad := 9
	_, err := f.svc.Update(ctx, manager, a.ID, appraisal.UpdateInput{FinalRating: &bad})
	require.ErrorIs(t, err, appraisal.ErrInvalidInput)
	_, err = f.svc.Update(ctx, manager, a.ID, appraisal.UpdateInput{})
	require.ErrorIs(t, err, appraisal.ErrInvalidInput)

	rating, feedback := 4, "  Strong quarter  "
	updated, err := f.svc.Update(ctx, manager, a.ID, appraisal.UpdateInput{FinalRating: &rating, PrimaryFeedback: &feedback})
	require.NoError(t, err)
	require.NotNil(t, updated.FinalRating)
	assert.Equal(t, 4, *updated.FinalRating)
	assert.Equal(t, "Strong quarter", updated.PrimaryFeedback)

	rows := f.events(t, audit.EventAppraisalUpdated)
	require.Len(t, rows, 1)
	assert.Equal(t, "final_rating, primary_feedback", rows[0].Details["fields"])
}

func TestRateItemBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manager := f.demo(t, "user-manager")
	a := f.draft(t)
	item, err := f.svc.AddItem(ctx, manager, a.ID, appraisal.ItemInput{Kind: appraisal.ItemGoal, Title: "Goal"})
	require.NoError(t, err)

	for _, r := range []int{0, 6, -1} {
		_, err := f.svc.RateItem(ctx, manager, a.ID, item.ID, r, "")
		require.ErrorIs(t, err, appraisal.ErrInvalidInput, "rating %d", r)
	}
	_, err = f.svc.AddItem(ctx, manager, a.ID, appraisal.ItemInput{Kind: "bonus", Title: "x"})
	require.ErrorIs(t, err, appraisal.ErrInvalidInput)
	_, err = f.svc.AddItem(ctx, manager, a.ID, appraisal.ItemInput{Kind: appraisal.ItemGoal, Title: "   "})
	require.ErrorIs(t, err, appraisal.ErrInvalidInput)
}

func TestHardDeleteIsAdminOnlyAndAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.draft(t)

	err := f.svc.HardDelete(ctx, f.demo(t, "user-director"), a.ID, "duplicate")
	require.ErrorIs(t, err, auth.ErrNotAuthorized)

	require.NoError(t, f.svc.HardDelete(ctx, f.demo(t, "user-admin"), a.ID, " duplicate "))
	_, err = f.svc.Get(ctx, f.demo(t, "user-admin"), a.ID)
	require.ErrorIs(t, err, tenant.ErrNotFound)

	rows := f.events(t, audit.EventAppraisalHardDeleted)
	require.Len(t, rows, 1)
	assert.Equal(t, "duplicate", rows[0].Details["reason"])
	assert.Equal(t, "emp-ellis", rows[0].Details["employee_id"])
	assert.Equal(t, "user-admin", rows[0].UserID)
}

func TestMimickedRoleIsEnforcedButAuditedAsAdmin(t *testing.T) {
	f := newFixture(t)
	a := f.draft(t)
	admin, err := f.demo(t, "user-admin").Mimic(auth.RoleEmployee)
	require.NoError(t, err)

	_, err = f.svc.Transition(context.Background(), admin, a.ID, appraisal.StatusInProgress)
	require.ErrorIs(t, err, auth.ErrNotAuthorized)

	denied := f.events(t, audit.EventPermissionDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, "admin", denied[0].Details["actor_role"])
	assert.Equal(t, "employee", denied[0].Details["mimicked_role"])
}

func TestCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := f.svc.CreateCycle(ctx, f.demo(t, "user-manager"), appraisal.CycleInput{Name: "2027", StartsOn: start, EndsOn: start.AddDate(1, 0, 0)})
	require.ErrorIs(t, err, auth.ErrNotAuthorized)
	_, err = f.svc.CreateCycle(ctx, f.demo(t, "user-director"), appraisal.CycleInput{Name: "2027", StartsOn: start, EndsOn: start})
	require.ErrorIs(t, err, appraisal.ErrInvalidInput)

	c, err := f.svc.CreateCycle(ctx, f.demo(t, "user-director"), appraisal.CycleInput{Name: " 2027 ", StartsOn: start, EndsOn: start.AddDate(1, 0, 0)})
	require.NoError(t, err)
	assert.Equal(t, "2027", c.Name)

	cycles, err := f.svc.ListCycles(ctx, f.demo(t, "user-ellis"))
	require.NoError(t, err)
	assert.Len(t, cycles, 2)

	other, err := f.svc.ListCycles(ctx, f.as(t, "org-other", "user-outsider"))
	require.NoError(t, err)
	assert.Empty(t, other)
}

// itemRacingStore runs before once, ahead of the status write.
type itemRacingStore struct {
	*memstore.Store
	before func()
}

func (s *itemRacingStore) TransitionAppraisal(ctx context.Context, next appraisal.Appraisal, from appraisal.Status) (appraisal.Appraisal, error) {
	if s.before != nil {
		s.before()
		s.before = nil
	}
	return s.Store.TransitionAppraisal(ctx, next, from)
}

func TestCompletionBlockedByItemAddedDuringTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manager := f.demo(t, "user-manager")
	a := f.draft(t)
	_, err := f.svc.Transition(ctx, manager, a.ID, appraisal.StatusInProgress)
	require.NoError(t, err)

	racing := &itemRacingStore{Store: f.store}
	rec := audit.NewRecorder(f.store, audit.WithoutLogMirror())
	guard, err := tenant.NewGuard(f.store, rec)
	require.NoError(t, err)
	svc, err := appraisal.NewService(racing, f.store, guard, rec)
	require.NoError(t, err)

	racing.before = func() {
		_, err := f.store.AddItem(ctx, appraisal.RatingItem{
			ID: "late-goal", AppraisalID: a.ID, OrganizationID: memstore.DemoOrganizationID,
			Kind: appraisal.ItemGoal, Title: "Late goal",
		}, appraisal.StatusInProgress)
		require.NoError(t, err)
	}

	_, err = svc.Transition(ctx, manager, a.ID, appraisal.StatusCompleted)
	var incomplete *appraisal.IncompleteError
	require.True(t, errors.As(err, &incomplete), "got %v", err)
	require.Len(t, incomplete.Readiness.MissingItems, 1)
	assert.Equal(t, "late-goal", incomplete.Readiness.MissingItems[0].ID)
	assert.Len(t, f.events(t, audit.EventAppraisalCompletionBlocked), 1)

	got, err := f.store.GetAppraisal(ctx, memstore.DemoOrganizationID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appraisal.StatusInProgress, got.Status)
}

func TestItemsFrozenOnceCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manager := f.demo(t, "user-manager")
	a := f.draft(t)
	_, err := f.svc.Transition(ctx, manager, a.ID, appraisal.StatusInProgress)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, manager, a.ID, appraisal.StatusCompleted)
	require.NoError(t, err)

	_, err = f.store.AddItem(ctx, appraisal.RatingItem{
		ID: "after", AppraisalID: a.ID, OrganizationID: memstore.DemoOrganizationID, Kind: appraisal.ItemGoal, Title: "After",
	}, appraisal.StatusInProgress)
	require.ErrorIs(t, err, appraisal.ErrConflict)
}

func TestAwaitingSecondaryNeedsSecondaryAppraiser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manager := f.demo(t, "user-manager")
	a := f.draft(t)
	_, err := f.svc.Transition(ctx, manager, a.ID, appraisal.StatusInProgress)
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, manager, a.ID, appraisal.StatusAwaitingSecondary)
	var te *appraisal.TransitionError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, "Cannot transition from in_progress to awaiting_secondary: no secondary appraiser is assigned", te.Error())

	require.NoError(t, f.store.ReplaceAppraisers(ctx, memstore.DemoOrganizationID, a.ID, []appraisal.AppraiserAssignment{
		{AppraisalID: a.ID, AppraiserID: "emp-manager", OrganizationID: memstore.DemoOrganizationID, Role: appraisal.AppraiserPrimary, IsPrimary: true},
		{AppraisalID: a.ID, AppraiserID: "emp-director", OrganizationID: memstore.DemoOrganizationID, Role: appraisal.AppraiserSecondary},
	}))
	moved, err := f.svc.Transition(ctx, manager, a.ID, appraisal.StatusAwaitingSecondary)
	require.NoError(t, err)
	assert.Equal(t, appraisal.StatusAwaitingSecondary, moved.Status)
	assert.True(t, moved.PrimaryComplete)
}
