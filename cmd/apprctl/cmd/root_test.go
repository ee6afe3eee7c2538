package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// run executes the shared rootCmd; tests must not run in parallel.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--no-color", "--dsn="}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTaxonomyJSON(t *testing.T) {
	out, err := run(t, "taxonomy", "-o", "json")
	if err != nil {
		t.Fatalf("taxonomy: %v", err)
	}
	var rows []eventRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	found := false
	for _, r := range rows {
		if r.Type == "cross_organization_access_attempt" {
			found = true
			if !r.Security || r.Severity != "danger" {
				t.Fatalf("cross-org attempts must be a danger security event: %+v", r)
			}
		}
	}
	if !found {
		t.Fatal("cross_organization_access_attempt missing from taxonomy")
	}
}

func TestPermissionsYAML(t *testing.T) {
	out, err := run(t, "permissions", "-o", "yaml")
	if err != nil {
		t.Fatalf("permissions: %v", err)
	}
	var matrix map[string][]string
	if err := yaml.Unmarshal([]byte(out), &matrix); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if got := matrix["mimic_roles"]; len(got) != 1 || got[0] != "admin" {
		t.Fatalf("mimic_roles should be admin only, got %v", got)
	}
	if got := matrix["view_own_data"]; len(got) != 5 {
		t.Fatalf("every role views its own data, got %v", got)
	}
}

func TestPermissionsTable(t *testing.T) {
	out, err := run(t, "permissions", "-o", "table")
	if err != nil {
		t.Fatalf("permissions: %v", err)
	}
	if !strings.HasPrefix(out, "PERMISSION") || !strings.Contains(out, "verify_isolation") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}

func TestIsolationVerifyOnDemoData(t *testing.T) {
	out, err := run(t, "isolation", "verify", "org-demo", "-o", "table")
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	if !strings.Contains(out, "PASS") || !strings.Contains(out, "org-demo") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRejectsUnknownOutputFormat(t *testing.T) {
	if _, err := run(t, "taxonomy", "-o", "xml"); err == nil {
		t.Fatal("expected error for unknown output format")
	}
}
