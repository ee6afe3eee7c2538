package httpapi

import (
	"net/http"
	"strings"

	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
	"appraise.org/internal/tenant"
)

type grantRoleRequest struct {
	Role string `json:"role"`
}

type validateAssignmentRequest struct {
	AppraiserID string `json:"appraiser_id"`
	EmployeeID  string `json:"employee_id"`
	Override    bool   `json:"override,omitempty"`
}

type verifyRequest struct {
	OrganizationID string `json:"organization_id,omitempty"`
}

type verifyResponse struct {
	tenant.Report
	Passed bool `json:"passed"`
}

// handleEmployeeResource routes /v1/employees/{id}/roles[/{role}] and
// /v1/employees/{id}/appraiser-suggestions.
func (a *API) handleEmployeeResource(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/v1/employees/")
	if len(segs) < 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	employeeID := segs[0]

	switch {
	case len(segs) == 2 && segs[1] == "appraiser-suggestions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		candidates, err := a.assignment.SuggestAppraisers(r.Context(), p, employeeID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"employee_id": employeeID, "candidates": candidates})
	case len(segs) == 2 && segs[1] == "roles":
		a.employeeRoles(w, r, p, employeeID)
	case len(segs) == 3 && segs[1] == "roles":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		role, err := auth.ParseRole(segs[2])
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if err := a.roles.Revoke(r.Context(), p, employeeID, role); err != nil {
			handleServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) employeeRoles(w http.ResponseWriter, r *http.Request, p auth.Principal, employeeID string) {
	switch r.Method {
	case http.MethodGet:
		assignments, err := a.roles.List(r.Context(), p, employeeID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"employee_id": employeeID, "roles": assignments})
	case http.MethodPost:
		var req grantRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := auth.ParseRole(req.Role)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		granted, err := a.roles.Grant(r.Context(), p, employeeID, role)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, granted)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleValidateAssignment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	var req validateAssignmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := a.assignment.ValidateAssignment(r.Context(), p, req.AppraiserID, req.EmployeeID, req.Override)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleVerifyIsolation runs the isolation checks for the caller's own
// organization. A different organization_id in the body is a cross-org attempt.
func (a *API) handleVerifyIsolation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	if !p.HasPermission(auth.PermVerifyIsolation) {
		handleServiceError(w, r, auth.Denied(r.Context(), a.audit, p, "verify isolation", map[string]any{
			"permission": auth.PermVerifyIsolation,
		}))
		return
	}
	if err := a.guard.CompareSupplied(r.Context(), p, req.OrganizationID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	report, err := a.verifier.VerifyAs(r.Context(), p.AuditActor(), p.OrganizationID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Report: report, Passed: report.Passed()})
}

// handleAuditLog lists the caller's organization's audit entries, newest
// first, rendered through the taxonomy.
func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	if !p.HasPermission(auth.PermViewAuditLog) {
		handleServiceError(w, r, auth.Denied(r.Context(), a.audit, p, "view audit log", map[string]any{
			"permission": auth.PermViewAuditLog,
		}))
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), audit.DefaultListLimit, 1, audit.MaxListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.auditLog.ListAudit(r.Context(), p.OrganizationID, audit.Query{
		EventType: audit.EventType(strings.TrimSpace(q.Get("event_type"))),
		Before:    strings.TrimSpace(q.Get("before")),
		Limit:     limit,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	rendered := make([]audit.Rendered, 0, len(entries))
	for _, e := range entries {
		rendered = append(rendered, audit.Render(e))
	}
	resp := map[string]any{"entries": rendered}
	if len(entries) == limit {
		resp["next_before"] = entries[len(entries)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}
