package directory

import "testing"

func TestEmployeeName(t *testing.T) {
	if got := (Employee{ID: "E1", FirstName: "Ada", LastName: "Ng"}).Name(); got != "Ada Ng" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := (Employee{ID: "E1"}).Name(); got != "E1" {
		t.Fatalf("expected id fallback, got %q", got)
	}
}

func TestEmployeeStatus(t *testing.T) {
	for _, s := range []EmployeeStatus{StatusPending, StatusInvited, StatusActive, StatusInactive} {
		if !s.Valid() {
			t.Fatalf("%s should be valid", s)
		}
	}
	if EmployeeStatus("retired").Valid() {
		t.Fatal("unknown status accepted")
	}
	if (Employee{Status: StatusInvited}).Active() {
		t.Fatal("invited employee reported active")
	}
}
