package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                       "/",
		"/metrics":                               "/metrics",
		"/v1/appraisals/01HZX":                   "/v1/appraisals/:id",
		"/v1/appraisals/01HZX/transition":        "/v1/appraisals/:id/transition",
		"/v1/appraisals/a1/appraisers/e7":        "/v1/appraisals/:id/appraisers/:id",
		"/v1/appraisals/a1/items/i9/rating":      "/v1/appraisals/:id/items/:id/rating",
		"/v1/employees/e1/appraiser-suggestions": "/v1/employees/:id/appraiser-suggestions",
		"/v1/audit?limit=10":                     "/v1/audit",
		"/v1/session/mimic":                      "/v1/session/mimic",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestObserveAuthzCountsOutcome(t *testing.T) {
	before := testutil.ToFloat64(authzDecisions.WithLabelValues("assign_roles", "deny"))
	ObserveAuthz("assign_roles", false)
	after := testutil.ToFloat64(authzDecisions.WithLabelValues("assign_roles", "deny"))
	if after-before != 1 {
		t.Fatalf("expected deny counter to increase by 1, got %v", after-before)
	}
}

func TestLogWritesJSONLine(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	Warn("isolation_probe_failed", map[string]any{"table": "employees", "msg": "ignored"})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "isolation_probe_failed" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["table"] != "employees" {
		t.Fatalf("field missing: %v", entry)
	}
}
