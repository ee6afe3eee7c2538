package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"appraise.org/internal/appraisal"
	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
	"appraise.org/internal/directory"
	"appraise.org/internal/tenant"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var employeeCols = []string{"id", "organization_id", "user_id", "first_name", "last_name", "job_title",
	"manager_id", "division_id", "department_id", "status", "created_at"}

var appraisalCols = []string{"id", "organization_id", "employee_id", "cycle_id", "status", "phase", "final_rating",
	"primary_feedback", "secondary_feedback", "primary_complete", "secondary_complete",
	"completed_at", "created_at", "updated_at"}

func TestGetEmployeeScopedByOrganization(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("from employees").WithArgs("org-a", "emp-1").
		WillReturnRows(sqlmock.NewRows(employeeCols).AddRow("emp-1", "org-a", "user-1", "Ada", "L", "Eng", "emp-0", "", "", "active", now))
	mock.ExpectQuery("from employees").WithArgs("org-b", "emp-1").
		WillReturnRows(sqlmock.NewRows(employeeCols))

	e, err := s.GetEmployee(context.Background(), "org-a", "emp-1")
	if err != nil {
		t.Fatalf("GetEmployee: %v", err)
	}
	if e.ManagerID != "emp-0" || e.Status != directory.StatusActive || e.Name() != "Ada L" {
		t.Fatalf("unexpected employee: %+v", e)
	}
	if _, err := s.GetEmployee(context.Background(), "org-b", "emp-1"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGrantRoleMapsConstraintErrors(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into role_assignments").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectExec("insert into role_assignments").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into role_assignments").
		WithArgs(sqlmock.AnyArg(), "org-a", "emp-1", "manager", "emp-admin", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	grant := auth.RoleAssignment{OrganizationID: "org-a", EmployeeID: "emp-1", Role: auth.RoleManager, GrantedBy: "emp-admin"}
	if _, err := s.GrantRole(context.Background(), grant); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := s.GrantRole(context.Background(), grant); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for employee outside org, got %v", err)
	}
	got, err := s.GrantRole(context.Background(), grant)
	if err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	if !got.Active || got.ID == "" || got.GrantedAt.IsZero() {
		t.Fatalf("grant not filled in: %+v", got)
	}
}

func TestDeactivateRoleNeedsActiveRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update role_assignments").WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.DeactivateRole(context.Background(), "org-a", "emp-1", auth.RoleDirector, "emp-admin", time.Now())
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func expectLock(mock sqlmock.Sqlmock, lock, status string) {
	mock.ExpectQuery("select status from appraisals where organization_id = \\$1 and id = \\$2 " + lock).
		WithArgs("org-a", "A1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(status))
}

func TestTransitionLostRaceIsConflict(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectBegin()
	expectLock(mock, "for update", "completed")
	mock.ExpectRollback()

	next := appraisal.Appraisal{ID: "A1", OrganizationID: "org-a", Status: appraisal.StatusCompleted, PrimaryComplete: true, CompletedAt: &now, UpdatedAt: now}
	_, err := s.TransitionAppraisal(context.Background(), next, appraisal.StatusInProgress)
	if !errors.Is(err, appraisal.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCompletionRefusedWhileItemsUnrated(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectBegin()
	expectLock(mock, "for update", "in_progress")
	mock.ExpectQuery("select count\\(\\*\\) from rating_items").
		WithArgs("org-a", "A1", appraisal.MinRating, appraisal.MaxRating).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	next := appraisal.Appraisal{ID: "A1", OrganizationID: "org-a", Status: appraisal.StatusCompleted, PrimaryComplete: true, CompletedAt: &now, UpdatedAt: now}
	_, err := s.TransitionAppraisal(context.Background(), next, appraisal.StatusInProgress)
	if !errors.Is(err, appraisal.ErrUnratedItems) {
		t.Fatalf("expected ErrUnratedItems, got %v", err)
	}
}

func TestCompletionWritesWhenEveryItemRated(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectBegin()
	expectLock(mock, "for update", "in_progress")
	mock.ExpectQuery("select count\\(\\*\\) from rating_items").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("update appraisals").
		WithArgs("org-a", "A1", "in_progress", "completed", true, false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(appraisalCols).
			AddRow("A1", "org-a", "emp-1", "c1", "completed", "year_end", 4, "", "", true, false, now, now, now))
	mock.ExpectCommit()

	next := appraisal.Appraisal{ID: "A1", OrganizationID: "org-a", Status: appraisal.StatusCompleted, PrimaryComplete: true, CompletedAt: &now, UpdatedAt: now}
	got, err := s.TransitionAppraisal(context.Background(), next, appraisal.StatusInProgress)
	if err != nil {
		t.Fatalf("TransitionAppraisal: %v", err)
	}
	if got.Status != appraisal.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestItemWritesRequireExpectedStatus(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Now().UTC()
	item := appraisal.RatingItem{ID: "I1", AppraisalID: "A1", OrganizationID: "org-a", Kind: appraisal.ItemGoal, Title: "Ship", CreatedAt: now, UpdatedAt: now}

	mock.ExpectBegin()
	expectLock(mock, "for share", "completed")
	mock.ExpectRollback()
	if _, err := s.AddItem(ctx, item, appraisal.StatusInProgress); !errors.Is(err, appraisal.ErrConflict) {
		t.Fatalf("expected ErrConflict for a moved appraisal, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectRollback()
	if _, err := s.RateItem(ctx, "org-a", "A1", "I1", 4, "", now, appraisal.StatusCompleted); !errors.Is(err, appraisal.ErrConflict) {
		t.Fatalf("expected ErrConflict for a completed appraisal, got %v", err)
	}

	mock.ExpectBegin()
	expectLock(mock, "for share", "in_progress")
	mock.ExpectQuery("insert into rating_items").
		WithArgs("I1", "org-a", "A1", "goal", "Ship", now, now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "appraisal_id", "organization_id", "kind", "title", "rating", "comment", "created_at", "updated_at"}).
			AddRow("I1", "A1", "org-a", "goal", "Ship", nil, "", now, now))
	mock.ExpectCommit()
	created, err := s.AddItem(ctx, item, appraisal.StatusInProgress)
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if created.Rating != nil || created.Kind != appraisal.ItemGoal {
		t.Fatalf("unexpected item: %+v", created)
	}
}

func TestTransitionWritesStatus(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectBegin()
	expectLock(mock, "for update", "in_progress")
	mock.ExpectQuery("update appraisals").
		WillReturnRows(sqlmock.NewRows(appraisalCols).
			AddRow("A1", "org-a", "emp-1", "c1", "awaiting_secondary", "year_end", nil, "ok", "", true, false, nil, now, now))
	mock.ExpectCommit()

	next := appraisal.Appraisal{ID: "A1", OrganizationID: "org-a", Status: appraisal.StatusAwaitingSecondary, PrimaryComplete: true, UpdatedAt: now}
	got, err := s.TransitionAppraisal(context.Background(), next, appraisal.StatusInProgress)
	if err != nil {
		t.Fatalf("TransitionAppraisal: %v", err)
	}
	if got.Status != appraisal.StatusAwaitingSecondary || got.FinalRating != nil || got.CompletedAt != nil {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestCreateAppraisalDuplicateCycle(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into appraisals").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	_, err := s.CreateAppraisal(context.Background(), appraisal.Appraisal{ID: "A2", OrganizationID: "org-a"})
	if !errors.Is(err, appraisal.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func assignments(org string) []appraisal.AppraiserAssignment {
	now := time.Now().UTC()
	return []appraisal.AppraiserAssignment{
		{AppraisalID: "A1", AppraiserID: "emp-m", OrganizationID: org, Role: appraisal.AppraiserPrimary, IsPrimary: true, AssignedAt: now},
		{AppraisalID: "A1", AppraiserID: "emp-d", OrganizationID: org, Role: appraisal.AppraiserSecondary, AssignedAt: now},
	}
}

func TestReplaceAppraisersRejectsForeignEmployee(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("from appraisals where organization_id").WithArgs("org-a", "A1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("A1"))
	mock.ExpectQuery("select count").WithArgs("org-a", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := s.ReplaceAppraisers(context.Background(), "org-a", "A1", assignments("org-a"))
	if !errors.Is(err, tenant.ErrCrossOrganization) {
		t.Fatalf("expected ErrCrossOrganization, got %v", err)
	}
}

func TestReplaceAppraisersSwapsSet(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("from appraisals where organization_id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("A1"))
	mock.ExpectQuery("select count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec("delete from appraiser_assignments").WithArgs("org-a", "A1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into appraiser_assignments").
		WithArgs("A1", "emp-m", "org-a", "primary", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into appraiser_assignments").
		WithArgs("A1", "emp-d", "org-a", "secondary", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.ReplaceAppraisers(context.Background(), "org-a", "A1", assignments("org-a")); err != nil {
		t.Fatalf("ReplaceAppraisers: %v", err)
	}
}

func TestReplaceAppraisersNeedsOnePrimary(t *testing.T) {
	s, _ := newMock(t)
	set := assignments("org-a")
	set[1].IsPrimary = true
	if err := s.ReplaceAppraisers(context.Background(), "org-a", "A1", set); !errors.Is(err, appraisal.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := s.ReplaceAppraisers(context.Background(), "org-a", "A1", assignments("org-b")); !errors.Is(err, tenant.ErrCrossOrganization) {
		t.Fatalf("expected ErrCrossOrganization, got %v", err)
	}
}

func TestAuditRoundTrip(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectExec("insert into audit_log").
		WithArgs("01J", "org-a", "user-1", "role_granted", []byte(`{"role":"manager"}`), true, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("from audit_log").WithArgs("org-a", "role_granted", "", audit.DefaultListLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "user_id", "event_type", "details", "success", "created_at"}).
			AddRow("01J", "org-a", "user-1", "role_granted", []byte(`{"role":"manager"}`), true, now))

	err := s.Append(context.Background(), audit.Entry{
		ID: "01J", OrganizationID: "org-a", UserID: "user-1", EventType: audit.EventRoleGranted,
		Details: map[string]any{"role": "manager"}, Success: true, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	rows, err := s.ListAudit(context.Background(), "org-a", audit.Query{EventType: audit.EventRoleGranted})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(rows) != 1 || rows[0].Details["role"] != "manager" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestSampleOrganizationsRunsUnderScope(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("org-a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from appraisals limit").WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow("org-a").AddRow("org-a"))
	mock.ExpectRollback()

	orgs, err := s.SampleOrganizations(context.Background(), "appraisals", "org-a", 50)
	if err != nil {
		t.Fatalf("SampleOrganizations: %v", err)
	}
	if len(orgs) != 2 {
		t.Fatalf("unexpected sample: %v", orgs)
	}
	if _, err := s.SampleOrganizations(context.Background(), "pg_authid", "org-a", 50); err == nil {
		t.Fatalf("expected unknown table to be rejected")
	}
}

func TestProbesAndOwners(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("join employees m").WithArgs("org-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("select organization_id from appraisals").WithArgs("A9").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}))

	n, err := s.CrossReferences(context.Background(), tenant.ProbeEmployeeManager, "org-a")
	if err != nil || n != 3 {
		t.Fatalf("CrossReferences = %d, %v", n, err)
	}
	if _, err := s.CrossReferences(context.Background(), "bogus", "org-a"); err == nil {
		t.Fatalf("expected unknown probe error")
	}
	if _, err := s.OwnerOrganization(context.Background(), tenant.KindAppraisal, "A9"); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("expected tenant.ErrNotFound, got %v", err)
	}
	for _, p := range tenant.Probes() {
		if _, ok := probeQueries[p]; !ok {
			t.Fatalf("probe %s has no query", p)
		}
	}
}
