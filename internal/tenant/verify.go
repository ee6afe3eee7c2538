package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
	"appraise.org/internal/obs"
)

const (
	defaultSampleSize  = 200
	defaultConcurrency = 4
)

// ScopedTables lists every table that carries organization_id.
var ScopedTables = []string{
	"employees",
	"role_assignments",
	"appraisal_cycles",
	"appraisals",
	"rating_items",
	"appraiser_assignments",
	"audit_log",
}

// Foreign-key consistency probes. Each counts rows of one organization whose
// reference resolves into another.
const (
	ProbeEmployeeManager        = "employee_manager"
	ProbeRoleAssignmentEmployee = "role_assignment_employee"
	ProbeAppraisalEmployee      = "appraisal_employee"
	ProbeAppraisalCycle         = "appraisal_cycle"
	ProbeRatingItemAppraisal    = "rating_item_appraisal"
	ProbeAppraiserAssignment    = "appraiser_assignment"
)

// Probes lists every probe name.
func Probes() []string {
	return []string{
		ProbeEmployeeManager,
		ProbeRoleAssignmentEmployee,
		ProbeAppraisalEmployee,
		ProbeAppraisalCycle,
		ProbeRatingItemAppraisal,
		ProbeAppraiserAssignment,
	}
}

// Source is the data access the verifier needs. Samples must go through the
// same scoped read path requests use.
type Source interface {
	// Tables lists tenant-scoped tables.
	Tables() []string
	// Probes lists foreign-key consistency probes.
	Probes() []string
	// SampleOrganizations returns the organization_id of up to limit rows of
	// table as seen under organizationID's scope.
	SampleOrganizations(ctx context.Context, table, organizationID string, limit int) ([]string, error)
	// CrossReferences counts rows of organizationID whose reference points
	// into another organization.
	CrossReferences(ctx context.Context, probe, organizationID string) (int, error)
}

// Violation is a hard isolation failure.
type Violation struct {
	Check string `json:"check"`
	Rows  int    `json:"rows"`
}

// Warning means a check could not run; isolation is unproven, not disproven.
type Warning struct {
	Check string `json:"check"`
	Error string `json:"error"`
}

type Report struct {
	OrganizationID string      `json:"organization_id"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     time.Time   `json:"finished_at"`
	Checks         int         `json:"checks"`
	Violations     []Violation `json:"violations"`
	Warnings       []Warning   `json:"warnings"`
}

// Passed is true when no violation was found. Warnings do not fail a report.
func (r Report) Passed() bool { return len(r.Violations) == 0 }

type Verifier struct {
	src         Source
	audit       *audit.Recorder
	sampleSize  int
	concurrency int
	now         func() time.Time
}

type VerifierOption func(*Verifier)

func WithSampleSize(n int) VerifierOption {
	return func(v *Verifier) {
		if n > 0 {
			v.sampleSize = n
		}
	}
}

func WithConcurrency(n int) VerifierOption {
	return func(v *Verifier) {
		if n > 0 {
			v.concurrency = n
		}
	}
}

func NewVerifier(src Source, rec *audit.Recorder, opts ...VerifierOption) (*Verifier, error) {
	if src == nil {
		return nil, errors.New("verification source is required")
	}
	v := &Verifier{src: src, audit: rec, sampleSize: defaultSampleSize, concurrency: defaultConcurrency, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks organizationID on behalf of the system.
func (v *Verifier) Verify(ctx context.Context, organizationID string) (Report, error) {
	return v.VerifyAs(ctx, audit.Actor{OrganizationID: organizationID}, organizationID)
}

// VerifyAs runs every sample and probe concurrently and records the outcome.
func (v *Verifier) VerifyAs(ctx context.Context, actor audit.Actor, organizationID string) (Report, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return Report{}, fmt.Errorf("%w: organization_id is required", auth.ErrInvalidInput)
	}
	report := Report{OrganizationID: organizationID, StartedAt: v.now().UTC()}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(v.concurrency)

	record := func(check string, foreign int, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Checks++
		switch {
		case err != nil:
			report.Warnings = append(report.Warnings, Warning{Check: check, Error: err.Error()})
		case foreign > 0:
			report.Violations = append(report.Violations, Violation{Check: check, Rows: foreign})
		}
	}

	for _, table := range v.src.Tables() {
		g.Go(func() error {
			orgs, err := v.src.SampleOrganizations(ctx, table, organizationID, v.sampleSize)
			foreign := 0
			for _, o := range orgs {
				if o != organizationID {
					foreign++
				}
			}
			record("sample:"+table, foreign, err)
			return nil
		})
	}
	for _, probe := range v.src.Probes() {
		g.Go(func() error {
			n, err := v.src.CrossReferences(ctx, probe, organizationID)
			record("probe:"+probe, n, err)
			return nil
		})
	}
	_ = g.Wait()
	report.FinishedAt = v.now().UTC()

	if err := ctx.Err(); err != nil {
		return report, err
	}

	sort.Slice(report.Violations, func(i, j int) bool { return report.Violations[i].Check < report.Violations[j].Check })
	sort.Slice(report.Warnings, func(i, j int) bool { return report.Warnings[i].Check < report.Warnings[j].Check })
	v.publish(ctx, actor, report)
	return report, nil
}

func (v *Verifier) publish(ctx context.Context, actor audit.Actor, report Report) {
	for _, viol := range report.Violations {
		obs.IsolationViolation(viol.Check)
		obs.Error("tenant_isolation_violation", map[string]any{
			"organization_id": report.OrganizationID,
			"check":           viol.Check,
			"rows":            viol.Rows,
		})
		v.audit.Record(ctx, audit.Event{
			Type:    audit.EventIsolationViolation,
			Actor:   actor,
			Success: false,
			Details: map[string]any{"check": viol.Check, "rows": viol.Rows, "verified_organization_id": report.OrganizationID},
		})
	}
	for _, w := range report.Warnings {
		obs.Warn("tenant_isolation_warning", map[string]any{
			"organization_id": report.OrganizationID,
			"check":           w.Check,
			"error":           w.Error,
		})
		v.audit.Record(ctx, audit.Event{
			Type:    audit.EventIsolationWarning,
			Actor:   actor,
			Success: false,
			Details: map[string]any{"check": w.Check, "reason": w.Error, "verified_organization_id": report.OrganizationID},
		})
	}
	if len(report.Violations) == 0 && len(report.Warnings) == 0 {
		v.audit.Record(ctx, audit.Event{
			Type:    audit.EventIsolationVerified,
			Actor:   actor,
			Success: true,
			Details: map[string]any{"checks": report.Checks, "verified_organization_id": report.OrganizationID},
		})
	}
}
