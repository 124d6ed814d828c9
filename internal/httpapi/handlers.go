package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"kaarya.org/internal/auth"
	"kaarya.org/internal/obs"
	"kaarya.org/internal/registration"
	"kaarya.org/internal/tenant"
)

const serviceName = "kaarya-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Readiness pings the configured backends.
type Readiness struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rc Readiness) Check(ctx context.Context) error {
	if rc.DB != nil {
		if err := rc.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rc.Redis != nil {
		if err := rc.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Registrar completes a registration saga.
type Registrar interface {
	Complete(ctx context.Context, req registration.Request) (*registration.Result, error)
}

// Services are the domain services behind the HTTP surface.
type Services struct {
	Auth         *auth.Service
	Tenants      *tenant.Service
	Registration Registrar
}

// Option configures the API.
type Option func(*API)

// WithRateLimit sets the per-IP bucket used on /auth/ and /register/.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithSecureCookies marks credential cookies Secure.
func WithSecureCookies(secure bool) Option {
	return func(a *API) { a.cookieSecure = secure }
}

// WithTrustedProxies lists peers allowed to set X-Forwarded-For.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithCORSOrigins lists browser origins allowed to call the API with credentials.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// API is the HTTP layer.
type API struct {
	mux *http.ServeMux

	readiness readinessChecker
	version   string

	auth     *auth.Service
	tenants  *tenant.Service
	registry Registrar

	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64
	cookieSecure bool
	corsOrigins  []string

	trustedProxies []netip.Prefix
}

func New(rp readinessChecker, version string, svc Services, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		readiness:    rp,
		version:      version,
		auth:         svc.Auth,
		tenants:      svc.Tenants,
		registry:     svc.Registration,
		rateBurst:    20,
		ratePerSec:   10,
		maxBodyBytes: 1 << 20,
		cookieSecure: true,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	// credential endpoints share one per-IP limiter
	credentials := http.NewServeMux()
	credentials.HandleFunc("/auth/login", a.handleLogin)
	credentials.HandleFunc("/auth/verify", a.handleVerify)
	credentials.HandleFunc("/auth/refresh", a.handleRefresh)
	credentials.HandleFunc("/auth/logout", a.handleLogout)
	credentials.HandleFunc("/register/complete", a.handleRegisterComplete)
	limited := RateLimit(credentials, a.rateBurst, a.ratePerSec)
	for _, path := range []string{"/auth/login", "/auth/verify", "/auth/refresh", "/auth/logout", "/register/complete"} {
		a.mux.Handle(path, limited)
	}

	a.mux.HandleFunc("/auth/me", a.handleMe)
	a.mux.HandleFunc("/auth/sessions", a.handleSessions)
	a.mux.HandleFunc("/companies/{companyID}/staff", a.handleCompanyStaff)
	a.mux.HandleFunc("/companies/{companyID}/branches/{branchID}", a.handleCompanyBranch)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	h = RealIP(h, a.trustedProxies)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readiness != nil {
		if err := a.readiness.Check(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorDetails(w, r, code, msg, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, code int, msg string, details map[string]any) {
	payload := map[string]any{
		"success": false,
		"error":   msg,
	}
	if len(details) > 0 {
		payload["details"] = details
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleError maps domain errors onto the HTTP error shape.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var partial *registration.PartialProvisioningError
	if errors.As(err, &partial) && !partial.RolledBack {
		obs.Error("registration left partial state", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err,
		})
		writeErrorDetails(w, r, http.StatusInternalServerError, "registration partially failed", partial.Details())
		return
	}

	switch {
	case errors.Is(err, tenant.ErrConflict):
		var details map[string]any
		if field, ok := tenant.ConflictField(err); ok {
			details = map[string]any{"field": field}
		}
		writeErrorDetails(w, r, http.StatusBadRequest, err.Error(), details)
	case errors.Is(err, tenant.ErrValidation), errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, tenant.ErrNotFound), errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		writeErrorDetails(w, r, http.StatusUnauthorized, "unauthorized", map[string]any{
			"reason": auth.Kind(err).String(),
		})
	default:
		obs.Error("request failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
