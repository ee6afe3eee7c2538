package audit

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Severity classifies how an audit entry is presented.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// EventType is the stable key stored in audit_log.event_type.
type EventType string

const (
	EventLoginSuccess                EventType = "login_success"
	EventLoginFailure                EventType = "login_failure"
	EventLogout                      EventType = "logout"
	EventPermissionDenied            EventType = "permission_denied"
	EventCrossOrganizationAttempt    EventType = "cross_organization_access_attempt"
	EventRoleGranted                 EventType = "role_granted"
	EventRoleRevoked                 EventType = "role_revoked"
	EventRoleMimicStarted            EventType = "role_mimic_started"
	EventRoleMimicReset              EventType = "role_mimic_reset"
	EventCycleCreated                EventType = "appraisal_cycle_created"
	EventAppraisalCreated            EventType = "appraisal_created"
	EventAppraisalUpdated            EventType = "appraisal_updated"
	EventAppraisalStatusChanged      EventType = "appraisal_status_changed"
	EventAppraisalCompletionBlocked  EventType = "appraisal_completion_blocked"
	EventAppraisalItemAdded          EventType = "appraisal_item_added"
	EventAppraisalRatingSet          EventType = "appraisal_rating_set"
	EventAppraisalHardDeleted        EventType = "appraisal_hard_deleted"
	EventAppraisersAssigned          EventType = "appraisers_assigned"
	EventAppraiserRemoved            EventType = "appraiser_removed"
	EventAppraiserAssignmentRejected EventType = "appraiser_assignment_rejected"
	EventIsolationVerified           EventType = "tenant_isolation_verified"
	EventIsolationViolation          EventType = "tenant_isolation_violation"
	EventIsolationWarning            EventType = "tenant_isolation_warning"

	// EventDefault names the fallback descriptor for unregistered types.
	EventDefault EventType = "DEFAULT"
)

// Descriptor is the presentation metadata attached to an event type.
type Descriptor struct {
	Type     EventType
	Label    string
	Severity Severity
	Category string
	// Summarize turns a stored detail payload into a one-line summary.
	Summarize func(details map[string]any) string
	// ObjectLabel formats the affected object.
	ObjectLabel func(objectType, name, id string) string
}

const (
	categoryAuth       = "Authentication"
	categoryAccess     = "Access control"
	categoryRoles      = "Roles"
	categoryAppraisals = "Appraisals"
	categoryAssignment = "Appraiser assignment"
	categoryTenancy    = "Tenant isolation"
	categorySystem     = "System"
)

var defaultDescriptor = Descriptor{
	Type:     EventDefault,
	Label:    "System activity",
	Severity: SeverityInfo,
	Category: categorySystem,
}

var registry = map[EventType]Descriptor{
	EventLoginSuccess: {
		Label:    "Signed in",
		Severity: SeveritySuccess,
		Category: categoryAuth,
	},
	EventLoginFailure: {
		Label:    "Sign-in failed",
		Severity: SeverityWarning,
		Category: categoryAuth,
		Summarize: func(d map[string]any) string {
			return withReason("Authentication rejected", d)
		},
	},
	EventLogout: {
		Label:    "Signed out",
		Severity: SeverityInfo,
		Category: categoryAuth,
	},
	EventPermissionDenied: {
		Label:    "Access denied",
		Severity: SeverityWarning,
		Category: categoryAccess,
		Summarize: func(d map[string]any) string {
			action := field(d, "action")
			if action == "" {
				action = field(d, "permission")
			}
			if action == "" {
				return withReason("Request denied", d)
			}
			return withReason("Denied "+action, d)
		},
	},
	EventCrossOrganizationAttempt: {
		Label:    "Cross-organization access attempt",
		Severity: SeverityDanger,
		Category: categoryTenancy,
		Summarize: func(d map[string]any) string {
			kind, id := field(d, "object_type"), field(d, "object_id")
			if kind == "" {
				return "Reference to a record owned by another organization"
			}
			return fmt.Sprintf("Reference to %s %s owned by another organization", kind, id)
		},
	},
	EventRoleGranted: {
		Label:       "Role granted",
		Severity:    SeveritySuccess,
		Category:    categoryRoles,
		Summarize:   func(d map[string]any) string { return "Granted " + orDash(field(d, "role")) },
		ObjectLabel: employeeLabel,
	},
	EventRoleRevoked: {
		Label:       "Role revoked",
		Severity:    SeverityWarning,
		Category:    categoryRoles,
		Summarize:   func(d map[string]any) string { return "Revoked " + orDash(field(d, "role")) },
		ObjectLabel: employeeLabel,
	},
	EventRoleMimicStarted: {
		Label:    "Role mimicking started",
		Severity: SeverityWarning,
		Category: categoryRoles,
		Summarize: func(d map[string]any) string {
			return fmt.Sprintf("Viewing as %s (real role %s)", orDash(field(d, "target_role")), orDash(field(d, "actor_role")))
		},
	},
	EventRoleMimicReset: {
		Label:    "Role mimicking ended",
		Severity: SeverityInfo,
		Category: categoryRoles,
		Summarize: func(d map[string]any) string {
			return "Restored " + orDash(field(d, "actor_role"))
		},
	},
	EventCycleCreated: {
		Label:    "Appraisal cycle opened",
		Severity: SeveritySuccess,
		Category: categoryAppraisals,
	},
	EventAppraisalCreated: {
		Label:       "Appraisal created",
		Severity:    SeveritySuccess,
		Category:    categoryAppraisals,
		ObjectLabel: appraisalLabel,
	},
	EventAppraisalUpdated: {
		Label:    "Appraisal updated",
		Severity: SeverityInfo,
		Category: categoryAppraisals,
		Summarize: func(d map[string]any) string {
			if f := field(d, "fields"); f != "" {
				return "Changed " + f
			}
			return ""
		},
		ObjectLabel: appraisalLabel,
	},
	EventAppraisalStatusChanged: {
		Label:    "Appraisal status changed",
		Severity: SeverityInfo,
		Category: categoryAppraisals,
		Summarize: func(d map[string]any) string {
			return fmt.Sprintf("%s → %s", orDash(field(d, "from")), orDash(field(d, "to")))
		},
		ObjectLabel: appraisalLabel,
	},
	EventAppraisalCompletionBlocked: {
		Label:    "Completion blocked",
		Severity: SeverityWarning,
		Category: categoryAppraisals,
		Summarize: func(d map[string]any) string {
			return fmt.Sprintf("%s unrated item(s)", orDash(field(d, "missing_count")))
		},
		ObjectLabel: appraisalLabel,
	},
	EventAppraisalItemAdded: {
		Label:    "Rating item added",
		Severity: SeverityInfo,
		Category: categoryAppraisals,
		Summarize: func(d map[string]any) string {
			return fmt.Sprintf("Added %s %q", orDash(field(d, "kind")), field(d, "title"))
		},
		ObjectLabel: appraisalLabel,
	},
	EventAppraisalRatingSet: {
		Label:    "Rating recorded",
		Severity: SeverityInfo,
		Category: categoryAppraisals,
		Summarize: func(d map[string]any) string {
			return fmt.Sprintf("Rated item %s: %s", orDash(field(d, "item_id")), orDash(field(d, "rating")))
		},
		ObjectLabel: appraisalLabel,
	},
	EventAppraisalHardDeleted: {
		Label:       "Appraisal permanently deleted",
		Severity:    SeverityDanger,
		Category:    categoryAppraisals,
		ObjectLabel: appraisalLabel,
	},
	EventAppraisersAssigned: {
		Label:    "Appraisers assigned",
		Severity: SeveritySuccess,
		Category: categoryAssignment,
		Summarize: func(d map[string]any) string {
			primary := orDash(field(d, "primary"))
			secondary := field(d, "secondary")
			if secondary == "" {
				return "Primary " + primary
			}
			return fmt.Sprintf("Primary %s, secondary %s", primary, secondary)
		},
		ObjectLabel: appraisalLabel,
	},
	EventAppraiserRemoved: {
		Label:    "Appraiser removed",
		Severity: SeverityWarning,
		Category: categoryAssignment,
		Summarize: func(d map[string]any) string {
			s := "Removed " + orDash(field(d, "appraiser_id"))
			if field(d, "primary_vacant") == "true" {
				s += "; no primary appraiser assigned"
			}
			return s
		},
		ObjectLabel: appraisalLabel,
	},
	EventAppraiserAssignmentRejected: {
		Label:    "Appraiser assignment rejected",
		Severity: SeverityInfo,
		Category: categoryAssignment,
		Summarize: func(d map[string]any) string {
			return withReason("Assignment of "+orDash(field(d, "appraiser_id"))+" rejected", d)
		},
	},
	EventIsolationVerified: {
		Label:    "Tenant isolation verified",
		Severity: SeveritySuccess,
		Category: categoryTenancy,
		Summarize: func(d map[string]any) string {
			return fmt.Sprintf("%s check(s) passed", orDash(field(d, "checks")))
		},
	},
	EventIsolationViolation: {
		Label:    "Tenant isolation violation",
		Severity: SeverityDanger,
		Category: categoryTenancy,
		Summarize: func(d map[string]any) string {
			return fmt.Sprintf("%s row(s) outside organization in %s", orDash(field(d, "rows")), orDash(field(d, "check")))
		},
	},
	EventIsolationWarning: {
		Label:    "Tenant isolation unproven",
		Severity: SeverityWarning,
		Category: categoryTenancy,
		Summarize: func(d map[string]any) string {
			return withReason("Check "+orDash(field(d, "check"))+" could not run", d)
		},
	},
}

// Lookup returns the descriptor for t, falling back to the DEFAULT entry.
func Lookup(t EventType) Descriptor {
	d, ok := registry[t]
	if !ok {
		return defaultDescriptor
	}
	d.Type = t
	return d
}

// Registered reports whether t has its own taxonomy entry.
func Registered(t EventType) bool {
	_, ok := registry[t]
	return ok
}

// All lists registered descriptors ordered by event type.
func All() []Descriptor {
	out := make([]Descriptor, 0, len(registry))
	for t := range registry {
		out = append(out, Lookup(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Rendered is an audit entry prepared for display.
type Rendered struct {
	ID        string    `json:"id"`
	EventType EventType `json:"event_type"`
	Label     string    `json:"label"`
	Severity  Severity  `json:"severity"`
	Category  string    `json:"category"`
	Summary   string    `json:"summary"`
	Object    string    `json:"object,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}

// Render classifies and formats an entry. It never fails: unknown types use the
// DEFAULT descriptor and missing summaries fall back to the label.
func Render(e Entry) Rendered {
	d := Lookup(e.EventType)
	out := Rendered{
		ID:        e.ID,
		EventType: e.EventType,
		Label:     d.Label,
		Severity:  d.Severity,
		Category:  d.Category,
		UserID:    e.UserID,
		Success:   e.Success,
		CreatedAt: e.CreatedAt,
	}
	if d.Summarize != nil {
		out.Summary = d.Summarize(e.Details)
	}
	if out.Summary == "" {
		out.Summary = field(e.Details, "message")
	}
	if out.Summary == "" {
		out.Summary = d.Label
	}

	objType, objName, objID := field(e.Details, "object_type"), field(e.Details, "object_name"), field(e.Details, "object_id")
	if objType != "" || objID != "" {
		if d.ObjectLabel != nil {
			out.Object = d.ObjectLabel(objType, objName, objID)
		} else {
			out.Object = genericObjectLabel(objType, objName, objID)
		}
	}
	return out
}

func field(d map[string]any, key string) string {
	if d == nil {
		return ""
	}
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []string:
		return strings.Join(val, ", ")
	case []any:
		parts := make([]string, 0, len(val))
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(val)
	}
}

func withReason(prefix string, d map[string]any) string {
	if r := field(d, "reason"); r != "" {
		return prefix + ": " + r
	}
	return prefix
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func genericObjectLabel(objectType, name, id string) string {
	if objectType == "" {
		objectType = "object"
	}
	if name != "" {
		return objectType + " " + name
	}
	return objectType + " #" + id
}

func employeeLabel(_, name, id string) string {
	if name != "" {
		return name
	}
	return "Employee #" + id
}

func appraisalLabel(_, name, id string) string {
	if name != "" {
		return "Appraisal for " + name
	}
	return "Appraisal #" + id
}
