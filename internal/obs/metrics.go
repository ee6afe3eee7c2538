package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP server metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "appraise_ready",
		Help: "1 when the service passed its last readiness check.",
	})
)

// Authorization, audit and workflow metrics.
var (
	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appraise_authz_decisions_total",
			Help: "Permission checks by permission and outcome.",
		},
		[]string{"permission", "outcome"},
	)

	auditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appraise_audit_events_total",
			Help: "Audit events recorded by type and severity.",
		},
		[]string{"event_type", "severity"},
	)

	auditWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appraise_audit_write_failures_total",
			Help: "Audit events that could not be persisted.",
		},
		[]string{"event_type"},
	)

	auditEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appraise_audit_escalations_total",
			Help: "Lost security audit events escalated to operators.",
		},
		[]string{"event_type"},
	)

	crossOrgAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appraise_cross_organization_attempts_total",
			Help: "Rejected references to rows owned by another organization.",
		},
		[]string{"kind"},
	)

	isolationViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appraise_tenant_isolation_violations_total",
			Help: "Rows observed outside the expected organization during verification.",
		},
		[]string{"check"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appraise_appraisal_transitions_total",
			Help: "Appraisal status transition attempts.",
		},
		[]string{"from", "to", "outcome"},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			authzDecisions, auditEvents, auditWriteFailures, auditEscalations,
			crossOrgAttempts, isolationViolations, transitions,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records in-flight, count and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// collections whose next path segment is an identifier.
var idCollections = map[string]struct{}{
	"appraisals": {},
	"employees":  {},
	"items":      {},
	"appraisers": {},
	"roles":      {},
}

// CanonicalPath collapses identifiers so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if _, ok := idCollections[parts[i-1]]; ok && parts[i] != "" {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func ObserveAuthz(permission string, allowed bool) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	authzDecisions.WithLabelValues(permission, outcome).Inc()
}

func ObserveAuditEvent(eventType, severity string) {
	auditEvents.WithLabelValues(eventType, severity).Inc()
}

func AuditWriteFailed(eventType string) {
	auditWriteFailures.WithLabelValues(eventType).Inc()
}

func AuditEscalated(eventType string) {
	auditEscalations.WithLabelValues(eventType).Inc()
}

func CrossOrganizationAttempt(kind string) {
	crossOrgAttempts.WithLabelValues(kind).Inc()
}

func IsolationViolation(check string) {
	isolationViolations.WithLabelValues(check).Inc()
}

func ObserveTransition(from, to, outcome string) {
	transitions.WithLabelValues(from, to, outcome).Inc()
}

// statusWriter captures the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
