package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
)

type tokenRequest struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type mimicRequest struct {
	Role string `json:"role"`
}

type meResponse struct {
	UserID         string            `json:"user_id"`
	EmployeeID     string            `json:"employee_id"`
	OrganizationID string            `json:"organization_id"`
	Roles          []string          `json:"roles"`
	RealRoles      []string          `json:"real_roles"`
	MimickedRole   string            `json:"mimicked_role,omitempty"`
	Permissions    []auth.Permission `json:"permissions"`
}

// handleAuthToken issues a session for a known user. It only exists in dev
// mode; identity normally comes from the external authenticator.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !a.devTokens {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	org := strings.TrimSpace(req.OrganizationID)
	user := strings.TrimSpace(req.UserID)
	if org == "" || user == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id and user_id are required")
		return
	}

	claims := &auth.Claims{OrganizationID: org, RegisteredClaims: jwt.RegisteredClaims{Subject: user}}
	p, err := a.principals.Principal(r.Context(), claims)
	if err != nil {
		reason := "unknown or inactive user"
		if !errors.Is(err, auth.ErrUnauthenticated) {
			reason = "identity could not be resolved"
		}
		a.audit.Record(r.Context(), audit.Event{
			Type:    audit.EventLoginFailure,
			Actor:   audit.Actor{UserID: user, OrganizationID: org},
			Success: false,
			Details: map[string]any{"reason": reason},
		})
		unauthorized(w, r, "invalid credentials")
		return
	}

	token, issued, err := a.tokens.Issue(p)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit.Record(r.Context(), audit.Event{
		Type:    audit.EventLoginSuccess,
		Actor:   p.AuditActor(),
		Success: true,
		Details: map[string]any{"session_id": issued.ID},
	})
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: issued.ExpiresAt.Time.UTC()})
}

// handleLogout revokes the current token for the rest of its lifetime, which
// also drops any mimic state it carried.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}
	if err := a.sessions.Revoke(r.Context(), claims.ID, claims.Remaining(a.now())); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit.Record(r.Context(), audit.Event{
		Type:    audit.EventLogout,
		Actor:   p.AuditActor(),
		Success: true,
		Details: map[string]any{"session_id": claims.ID},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, describe(p))
}

// handleMimic starts (POST) or ends (DELETE) role mimicking. The new state is
// carried by a reissued token; the old one is revoked.
func (a *API) handleMimic(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}

	var (
		next  auth.Principal
		event audit.Event
	)
	switch r.Method {
	case http.MethodPost:
		var req mimicRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := auth.ParseRole(req.Role)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		next, err = p.Mimic(role)
		if err != nil {
			if errors.Is(err, auth.ErrMimicNotAllowed) {
				err = auth.Denied(r.Context(), a.audit, p, "mimic role", map[string]any{
					"permission": auth.PermMimicRoles, "target_role": role,
				})
			}
			handleServiceError(w, r, err)
			return
		}
		event = audit.Event{
			Type:    audit.EventRoleMimicStarted,
			Actor:   next.AuditActor(),
			Success: true,
			Details: map[string]any{"target_role": role},
		}
	case http.MethodDelete:
		if !p.Mimicking() {
			writeJSON(w, http.StatusOK, describe(p))
			return
		}
		next = p.ResetMimic()
		event = audit.Event{
			Type:    audit.EventRoleMimicReset,
			Actor:   next.AuditActor(),
			Success: true,
			Details: map[string]any{"previous_role": p.MimickedRole()},
		}
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		return
	}

	token, issued, err := a.tokens.Reissue(next, claims)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := a.sessions.Revoke(r.Context(), claims.ID, claims.Remaining(a.now())); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit.Record(r.Context(), event)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": issued.ExpiresAt.Time.UTC(),
		"principal":  describe(next),
	})
}

func describe(p auth.Principal) meResponse {
	return meResponse{
		UserID:         p.UserID,
		EmployeeID:     p.EmployeeID,
		OrganizationID: p.OrganizationID,
		Roles:          p.Roles().Strings(),
		RealRoles:      p.RealRoles().Strings(),
		MimickedRole:   string(p.MimickedRole()),
		Permissions:    auth.Granted(p.Roles()),
	}
}
