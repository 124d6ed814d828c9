package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"kaarya.org/internal/audit"
	"kaarya.org/internal/auth"
)

type loginRequest struct {
	CompanyID  string          `json:"companyId"`
	Identifier string          `json:"identifier"`
	Password   string          `json:"password"`
	Device     auth.DeviceInfo `json:"deviceInfo"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type logoutRequest struct {
	SessionToken string `json:"sessionToken"`
}

type credentialsResponse struct {
	Success bool `json:"success"`
	*auth.Credentials
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	creds, err := a.auth.Login(r.Context(), auth.LoginRequest{
		CompanyID:  req.CompanyID,
		Identifier: req.Identifier,
		Password:   req.Password,
		Device:     deviceFromRequest(r, req.Device),
	})
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		handleError(w, r, err)
		return
	}

	a.setAuthCookies(w, creds)
	writeJSON(w, http.StatusOK, credentialsResponse{Success: true, Credentials: creds})
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
		return
	}
	token, err := requestToken(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"valid":  false,
			"reason": auth.KindInvalid.String(),
		})
		return
	}
	claims, err := a.auth.Verify(r.Context(), token)
	if err != nil {
		kind := auth.Kind(err)
		code := http.StatusUnauthorized
		if kind == auth.KindUnavailable {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"valid":  false,
			"reason": kind.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"staffId":   claims.Subject,
		"companyId": claims.CompanyID,
		"role":      claims.Role,
		"expiresAt": claims.ExpiresAt.Time,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		if c, err := r.Cookie(refreshCookie); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "refreshToken is required")
		return
	}

	creds, err := a.auth.Refresh(r.Context(), token)
	if err != nil {
		kind := auth.Kind(err)
		if kind == auth.KindUnavailable {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false,
			"error":   "invalid refresh token",
			"reason":  kind.String(),
		})
		return
	}
	a.setAuthCookies(w, creds)
	writeJSON(w, http.StatusOK, credentialsResponse{Success: true, Credentials: creds})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req logoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	token := strings.TrimSpace(req.SessionToken)
	if token == "" {
		if c, err := r.Cookie(sessionCookie); err == nil {
			token = c.Value
		}
	}
	if err := a.auth.Logout(r.Context(), token); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	a.clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	staffID, ok := auth.StaffIDFromContext(r.Context())
	if !ok {
		handleError(w, r, auth.ErrUnauthorized)
		return
	}
	user, err := a.auth.Me(r.Context(), staffID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		handleError(w, r, auth.ErrUnauthorized)
		return
	}
	sessions, err := a.auth.Sessions(r.Context(), principal.StaffID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	type sessionView struct {
		*auth.Session
		Current bool `json:"current"`
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{Session: s, Current: s.Token == principal.SessionToken})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": out})
}

// deviceFromRequest fills network fields the client cannot be trusted to report.
func deviceFromRequest(r *http.Request, d auth.DeviceInfo) auth.DeviceInfo {
	d.IP = clientIP(r)
	if d.UserAgent == "" {
		d.UserAgent = r.UserAgent()
	}
	return d
}

func (a *API) setAuthCookies(w http.ResponseWriter, creds *auth.Credentials) {
	if creds == nil {
		return
	}
	refreshExpiry := creds.RefreshExpiresAt
	if refreshExpiry.IsZero() {
		refreshExpiry = creds.ExpiresAt
	}
	a.setCookie(w, accessCookie, creds.AccessToken, creds.ExpiresAt)
	a.setCookie(w, refreshCookie, creds.RefreshToken, refreshExpiry)
	a.setCookie(w, sessionCookie, creds.SessionToken, refreshExpiry)
}

func (a *API) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{accessCookie, refreshCookie, sessionCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   a.cookieSecure,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func (a *API) setCookie(w http.ResponseWriter, name, value string, expires time.Time) {
	if value == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
