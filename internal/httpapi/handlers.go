package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"appraise.org/internal/appraisal"
	"appraise.org/internal/assignment"
	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
	"appraise.org/internal/directory"
	"appraise.org/internal/obs"
	"appraise.org/internal/session"
	"appraise.org/internal/tenant"
)

const serviceName = "appraise-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings the database and the session store when configured.
type ReadyProbe struct {
	DB       *sql.DB
	Sessions pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Sessions != nil {
		return rp.Sessions.Ping(ctx)
	}
	return nil
}

// Deps are the services the HTTP layer dispatches to.
type Deps struct {
	Tokens     *auth.TokenIssuer
	Principals *auth.Resolver
	Sessions   session.Revoker
	Roles      *auth.RoleService
	Appraisals *appraisal.Service
	Assignment *assignment.Resolver
	Verifier   *tenant.Verifier
	Guard      *tenant.Guard
	Audit      *audit.Recorder
	AuditLog   audit.Reader
	Ready      readinessChecker
}

type API struct {
	mux        *http.ServeMux
	tokens     *auth.TokenIssuer
	principals *auth.Resolver
	sessions   session.Revoker
	roles      *auth.RoleService
	appraisals *appraisal.Service
	assignment *assignment.Resolver
	verifier   *tenant.Verifier
	guard      *tenant.Guard
	audit      *audit.Recorder
	auditLog   audit.Reader
	readyProbe readinessChecker

	version      string
	devTokens    bool
	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64
	now          func() time.Time
}

type Option func(*API)

func WithVersion(v string) Option { return func(a *API) { a.version = v } }

// WithDevTokens enables POST /v1/auth/token. Production deployments sit
// behind an external authenticator and leave it off.
func WithDevTokens(enabled bool) Option { return func(a *API) { a.devTokens = enabled } }

func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func New(d Deps, opts ...Option) (*API, error) {
	if d.Tokens == nil || d.Principals == nil || d.Sessions == nil {
		return nil, errors.New("tokens, principal resolver and session store are required")
	}
	if d.Roles == nil || d.Appraisals == nil || d.Assignment == nil || d.Verifier == nil || d.Guard == nil || d.Audit == nil || d.AuditLog == nil {
		return nil, errors.New("role, appraisal, assignment, verifier, guard and audit services are required")
	}
	a := &API{
		mux:          http.NewServeMux(),
		tokens:       d.Tokens,
		principals:   d.Principals,
		sessions:     d.Sessions,
		roles:        d.Roles,
		appraisals:   d.Appraisals,
		assignment:   d.Assignment,
		verifier:     d.Verifier,
		guard:        d.Guard,
		audit:        d.Audit,
		auditLog:     d.AuditLog,
		readyProbe:   d.Ready,
		version:      "dev",
		rateBurst:    40,
		ratePerSec:   20,
		maxBodyBytes: 1 << 20,
		now:          time.Now,
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	// session
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/me", a.handleMe)
	a.mux.HandleFunc("/v1/session/mimic", a.handleMimic)

	// appraisals
	a.mux.HandleFunc("/v1/cycles", a.handleCycles)
	a.mux.HandleFunc("/v1/appraisals", a.handleAppraisalsCollection)
	a.mux.HandleFunc("/v1/appraisals/", a.handleAppraisalResource)

	// assignment, roles
	a.mux.HandleFunc("/v1/employees/", a.handleEmployeeResource)
	a.mux.HandleFunc("/v1/appraiser-assignments/validate", a.handleValidateAssignment)

	// administration
	a.mux.HandleFunc("/v1/admin/isolation/verify", a.handleVerifyIsolation)
	a.mux.HandleFunc("/v1/audit", a.handleAuditLog)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a, nil
}

// Handler returns the mux wrapped in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorWith(w, r, code, msg, nil)
}

func writeErrorWith(w http.ResponseWriter, r *http.Request, code int, msg string, extra map[string]any) {
	payload := map[string]any{
		"error": msg,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

// pathSegments splits what follows prefix into non-empty segments.
func pathSegments(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// handleServiceError maps domain errors onto status codes. Denials never say
// which role or organization would have been required.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		incomplete *appraisal.IncompleteError
		transition *appraisal.TransitionError
		conflict   *assignment.ConflictError
	)
	switch {
	case errors.As(err, &incomplete):
		writeErrorWith(w, r, http.StatusUnprocessableEntity, incomplete.Error(), map[string]any{
			"missing_items": incomplete.Readiness.MissingItems,
		})
	case errors.As(err, &conflict):
		writeErrorWith(w, r, http.StatusUnprocessableEntity, conflict.Reason, map[string]any{
			"code":         conflict.Code,
			"appraiser_id": conflict.AppraiserID,
		})
	case errors.As(err, &transition):
		writeError(w, r, http.StatusConflict, transition.Error())
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, appraisal.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, tenant.ErrNoScope):
		unauthorized(w, r, "authentication required")
	// a referenced row that is missing answers like one owned by another
	// organization, so ids of other tenants stay indistinguishable
	case errors.Is(err, auth.ErrNotAuthorized), errors.Is(err, auth.ErrMimicNotAllowed),
		errors.Is(err, tenant.ErrCrossOrganization), errors.Is(err, tenant.ErrNotFound):
		writeError(w, r, http.StatusForbidden, auth.ErrNotAuthorized.Error())
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, appraisal.ErrNotFound),
		errors.Is(err, directory.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict), errors.Is(err, appraisal.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		obs.Error("request_failed", map[string]any{
			"request_id": audit.RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
