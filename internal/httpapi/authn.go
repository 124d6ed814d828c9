package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"kaarya.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	accessCookie  = "access_token"
	refreshCookie = "refresh_token"
	sessionCookie = "session_token"
)

var publicPaths = []string{
	"/auth/login",
	"/auth/verify",
	"/auth/refresh",
	"/auth/logout",
	"/register/complete",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth resolves the bearer token (or access_token cookie) into a principal for every
// non-public path.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := requestToken(r)
		if err != nil {
			writeErrorDetails(w, r, http.StatusUnauthorized, err.Error(), map[string]any{
				"reason": auth.KindInvalid.String(),
			})
			return
		}

		principal, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			handleError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireManager allows callers whose role may manage staff within companyID.
func requireManager(r *http.Request, companyID string) (auth.Principal, error) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	if principal.CompanyID != companyID || !principal.Role.CanManageStaff() {
		return auth.Principal{}, auth.ErrForbidden
	}
	return principal, nil
}

func requestToken(r *http.Request) (string, error) {
	if header := r.Header.Get(authHeader); strings.TrimSpace(header) != "" {
		return extractBearerToken(header)
	}
	if c, err := r.Cookie(accessCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", errors.New("missing bearer token")
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
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
