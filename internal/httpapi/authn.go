package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
	"appraise.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
}

// withAuth verifies the bearer token, rejects revoked sessions and resolves
// the principal from current role assignments. Every failure denies.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			a.rejectAuth(w, r, nil, err.Error(), err.Error())
			return
		}
		claims, err := a.tokens.Parse(token)
		if err != nil {
			a.rejectAuth(w, r, nil, "token rejected", "invalid token")
			return
		}

		revoked, err := a.sessions.IsRevoked(r.Context(), claims.ID)
		if err != nil {
			obs.Warn("session_check_failed", map[string]any{
				"request_id": audit.RequestIDFromContext(r.Context()),
				"error":      err.Error(),
			})
			a.rejectAuth(w, r, claims, "session check failed", "invalid token")
			return
		}
		if revoked {
			a.rejectAuth(w, r, claims, "session revoked", "invalid token")
			return
		}

		principal, err := a.principals.Principal(r.Context(), claims)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrMimicNotAllowed):
				a.rejectAuth(w, r, claims, "mimic no longer permitted", "invalid token")
				return
			case errors.Is(err, auth.ErrUnauthenticated):
				a.rejectAuth(w, r, claims, "unknown or inactive user", "invalid token")
				return
			}
			obs.Error("principal_resolution_failed", map[string]any{
				"request_id": audit.RequestIDFromContext(r.Context()),
				"error":      err.Error(),
			})
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithClaims(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rejectAuth records a login_failure and writes a 401. claims is nil when the
// token never parsed, in which case the entry carries no actor.
func (a *API) rejectAuth(w http.ResponseWriter, r *http.Request, claims *auth.Claims, reason, msg string) {
	var actor audit.Actor
	details := map[string]any{"reason": reason, "path": r.URL.Path, "remote_ip": clientIP(r)}
	if claims != nil {
		actor = audit.Actor{UserID: claims.Subject, EmployeeID: claims.EmployeeID, OrganizationID: claims.OrganizationID}
		details["session_id"] = claims.ID
		if claims.Mimic != "" {
			details["mimicked_role"] = claims.Mimic
		}
	}
	a.audit.Record(r.Context(), audit.Event{
		Type:    audit.EventLoginFailure,
		Actor:   actor,
		Success: false,
		Details: details,
	})
	unauthorized(w, r, msg)
}

// principalFrom returns the request principal or writes a 401.
func principalFrom(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return auth.Principal{}, false
	}
	return p, true
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="appraise"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
