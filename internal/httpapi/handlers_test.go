package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"kaarya.org/internal/auth"
	"kaarya.org/internal/registration"
	"kaarya.org/internal/tenant"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *tenant.InMemory
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	store := tenant.NewInMemory()
	hasher := auth.NewBcryptHasher(bcrypt.MinCost)
	authSvc, err := auth.NewService(testSecret, auth.NewMemoryTokens(), auth.NewMemorySessions(), store,
		auth.WithPasswordVerifier(hasher))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc := Services{
		Auth:         authSvc,
		Tenants:      tenant.NewService(store, hasher),
		Registration: registration.New(store, hasher, authSvc),
	}
	return serve(t, svc, store, opts...)
}

func serve(t *testing.T, svc Services, store *tenant.InMemory, opts ...Option) *apiClient {
	t.Helper()
	base := []Option{WithRateLimit(1000, 1000), WithSecureCookies(false)}
	api := New(Readiness{}, "test", svc, append(base, opts...)...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		store:   store,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path, token string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil, token)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var out T
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body := decode[map[string]any](t, resp)
		t.Fatalf("expected %d, got %d: %v", want, resp.StatusCode, body)
	}
}

type registerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		Company     tenant.Company `json:"company"`
		UserCount   int            `json:"userCount"`
		BranchCount int            `json:"branchCount"`
		AutoLogin   bool           `json:"autoLogin"`
		User        auth.User      `json:"user"`
	} `json:"data"`
	Auth *struct {
		User         auth.User `json:"user"`
		Token        string    `json:"token"`
		RefreshToken string    `json:"refreshToken"`
		SessionToken string    `json:"sessionToken"`
	} `json:"auth"`
}

type loginResponse struct {
	Success      bool      `json:"success"`
	Error        string    `json:"error"`
	User         auth.User `json:"user"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	SessionToken string    `json:"sessionToken"`
	TokenType    string    `json:"tokenType"`
}

func registrationBody() map[string]any {
	return map[string]any{
		"company": map[string]any{"name": "Acme", "email": "ops@acme.in", "phone": "+918012345678"},
		"owner": map[string]any{
			"firstName": "Jane", "lastName": "Doe", "email": "jane@x.com", "phone": "+911234567890",
			"password": "P@ssw0rd1", "phoneVerified": true, "emailVerified": true,
		},
		"branches": []map[string]any{
			{"ref": "b1", "name": "Main", "code": "MN", "isHeadOffice": true},
			{"ref": "b2", "name": "Annex", "code": "AX"},
		},
		"staff": []map[string]any{
			{"firstName": "Ravi", "email": "ravi@x.com", "password": "Secur3pass", "role": "branch_staff", "branchId": "b2"},
		},
		"deviceInfo": map[string]any{"deviceId": "browser-1", "deviceName": "Firefox"},
	}
}

func (c *apiClient) register() registerResponse {
	c.t.Helper()
	resp := c.post("/register/complete", registrationBody(), "")
	expectStatus(c.t, resp, http.StatusCreated)
	return decode[registerResponse](c.t, resp)
}

func (c *apiClient) login(identifier, password string) loginResponse {
	c.t.Helper()
	resp := c.post("/auth/login", map[string]any{"identifier": identifier, "password": password}, "")
	expectStatus(c.t, resp, http.StatusOK)
	return decode[loginResponse](c.t, resp)
}

func TestRegisterCompleteAutoLogin(t *testing.T) {
	c := newTestAPI(t)
	resp := c.post("/register/complete", registrationBody(), "")
	expectStatus(t, resp, http.StatusCreated)

	cookies := map[string]*http.Cookie{}
	for _, ck := range resp.Cookies() {
		cookies[ck.Name] = ck
	}
	for _, name := range []string{accessCookie, refreshCookie, sessionCookie} {
		ck, ok := cookies[name]
		if !ok || ck.Value == "" {
			t.Fatalf("missing cookie %s", name)
		}
		if !ck.HttpOnly || ck.SameSite != http.SameSiteStrictMode {
			t.Fatalf("cookie %s must be HttpOnly and SameSite=Strict", name)
		}
	}

	out := decode[registerResponse](t, resp)
	if !out.Success || !out.Data.AutoLogin || out.Auth == nil || out.Auth.Token == "" {
		t.Fatalf("expected auto-login, got %+v", out)
	}
	if out.Data.UserCount != 2 || out.Data.BranchCount != 2 {
		t.Fatalf("unexpected counts %d/%d", out.Data.UserCount, out.Data.BranchCount)
	}
	if out.Data.User.Role != tenant.RoleSuperAdmin || out.Auth.User.ID != out.Data.User.ID {
		t.Fatalf("unexpected owner %+v", out.Data.User)
	}
	if out.Data.Company.StaffCount != 2 || out.Data.Company.BranchesCount != 2 {
		t.Fatalf("company counters not set: %+v", out.Data.Company)
	}
}

func TestRegisterCompleteRejectsUnverifiedOwner(t *testing.T) {
	c := newTestAPI(t)
	body := registrationBody()
	body["owner"].(map[string]any)["phoneVerified"] = false

	resp := c.post("/register/complete", body, "")
	expectStatus(t, resp, http.StatusBadRequest)
	out := decode[map[string]any](t, resp)
	if out["success"] != false || out["error"] == "" {
		t.Fatalf("unexpected body %v", out)
	}
	if c.store.Len() != 0 {
		t.Fatalf("rejected registration must not write")
	}
}

func TestRegisterCompleteReportsConflictField(t *testing.T) {
	c := newTestAPI(t)
	body := registrationBody()
	body["staff"] = []map[string]any{
		{"firstName": "Ravi", "email": "jane@x.com", "role": "branch_staff"},
	}
	resp := c.post("/register/complete", body, "")
	expectStatus(t, resp, http.StatusBadRequest)
	out := decode[map[string]any](t, resp)
	details, _ := out["details"].(map[string]any)
	if details["field"] != string(tenant.FieldEmail) {
		t.Fatalf("expected email conflict details, got %v", out)
	}
}

type stubRegistrar struct {
	err error
}

func (s stubRegistrar) Complete(context.Context, registration.Request) (*registration.Result, error) {
	return nil, s.err
}

func TestRegisterCompletePartialFailure(t *testing.T) {
	partial := &registration.PartialProvisioningError{
		Step:      tenant.StepStaff,
		CompanyID: "c1",
		BranchIDs: []string{"b1"},
		Err:       errors.New("connection reset"),
	}
	c := serve(t, Services{Registration: stubRegistrar{err: partial}}, tenant.NewInMemory())

	resp := c.post("/register/complete", registrationBody(), "")
	expectStatus(t, resp, http.StatusInternalServerError)
	out := decode[map[string]any](t, resp)
	details, _ := out["details"].(map[string]any)
	if details["companyId"] != "c1" || details["rolledBack"] != false {
		t.Fatalf("expected reconciliation details, got %v", out)
	}
}

func TestAuthLifecycle(t *testing.T) {
	c := newTestAPI(t)
	c.register()

	creds := c.login("jane@x.com", "P@ssw0rd1")
	if creds.AccessToken == "" || creds.RefreshToken == "" || creds.SessionToken == "" || creds.TokenType != auth.TokenTypeBearer {
		t.Fatalf("incomplete credentials %+v", creds)
	}

	resp := c.post("/auth/verify", nil, creds.AccessToken)
	expectStatus(t, resp, http.StatusOK)
	if v := decode[map[string]any](t, resp); v["valid"] != true {
		t.Fatalf("expected valid token, got %v", v)
	}

	resp = c.get("/auth/me", creds.AccessToken)
	expectStatus(t, resp, http.StatusOK)
	me := decode[struct {
		User auth.User `json:"user"`
	}](t, resp)
	if me.User.Email != "jane@x.com" {
		t.Fatalf("unexpected me %+v", me.User)
	}

	resp = c.get("/auth/sessions", creds.AccessToken)
	expectStatus(t, resp, http.StatusOK)
	sessions := decode[struct {
		Sessions []struct {
			SessionToken string `json:"sessionToken"`
			Current      bool   `json:"current"`
		} `json:"sessions"`
	}](t, resp)
	if len(sessions.Sessions) != 2 {
		t.Fatalf("expected registration and login sessions, got %d", len(sessions.Sessions))
	}

	resp = c.post("/auth/refresh", map[string]any{"refreshToken": creds.RefreshToken}, "")
	expectStatus(t, resp, http.StatusOK)
	refreshed := decode[loginResponse](t, resp)
	if refreshed.AccessToken == "" || refreshed.RefreshToken == creds.RefreshToken {
		t.Fatalf("refresh should rotate, got %+v", refreshed)
	}

	resp = c.post("/auth/refresh", map[string]any{"refreshToken": creds.RefreshToken}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	if v := decode[map[string]any](t, resp); v["reason"] == "" || v["success"] != false {
		t.Fatalf("expected refresh failure reason, got %v", v)
	}

	resp = c.post("/auth/logout", map[string]any{"sessionToken": creds.SessionToken}, "")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.post("/auth/verify", nil, refreshed.AccessToken)
	expectStatus(t, resp, http.StatusUnauthorized)
	if v := decode[map[string]any](t, resp); v["valid"] != false {
		t.Fatalf("logged out token must not verify, got %v", v)
	}

	resp = c.post("/auth/logout", map[string]any{"sessionToken": creds.SessionToken}, "")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestLoginFailures(t *testing.T) {
	c := newTestAPI(t)
	c.register()

	resp := c.post("/auth/login", map[string]any{"identifier": "jane@x.com", "password": "wrong-pass"}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	if v := decode[loginResponse](t, resp); v.Success || v.Error != "invalid credentials" {
		t.Fatalf("unexpected body %+v", v)
	}

	resp = c.post("/auth/login", map[string]any{"identifier": "nobody@x.com", "password": "P@ssw0rd1"}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.post("/auth/login", map[string]any{"companyId": "missing", "identifier": "jane@x.com", "password": "P@ssw0rd1"}, "")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = c.get("/auth/login", "")
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	resp.Body.Close()
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	c := newTestAPI(t)
	for _, path := range []string{"/auth/me", "/auth/sessions"} {
		resp := c.get(path, "")
		expectStatus(t, resp, http.StatusUnauthorized)
		resp.Body.Close()
	}
	resp := c.get("/auth/me", "not-a-jwt")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestCreateStaffAuthorization(t *testing.T) {
	c := newTestAPI(t)
	reg := c.register()
	companyID := reg.Data.Company.ID
	path := "/companies/" + companyID + "/staff"

	resp := c.post(path, map[string]any{"firstName": "Meera", "email": "meera@x.com"}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.post(path, map[string]any{"firstName": "Meera", "email": "meera@x.com", "role": "viewer"}, reg.Auth.Token)
	expectStatus(t, resp, http.StatusCreated)
	created := decode[struct {
		Data auth.User `json:"data"`
	}](t, resp)
	if created.Data.Username == "" || created.Data.CompanyID != companyID {
		t.Fatalf("unexpected staff %+v", created.Data)
	}
	company, err := c.store.GetCompany(context.Background(), companyID)
	if err != nil || company.StaffCount != 3 {
		t.Fatalf("staff count not incremented: %+v, %v", company, err)
	}

	resp = c.post(path, map[string]any{"firstName": "Dup", "email": "meera@x.com"}, reg.Auth.Token)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	staff := c.login("ravi@x.com", "Secur3pass")
	resp = c.post(path, map[string]any{"firstName": "Kiran", "email": "kiran@x.com"}, staff.AccessToken)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.post("/companies/other/staff", map[string]any{"firstName": "Kiran", "email": "kiran@x.com"}, reg.Auth.Token)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestDeleteBranchUnassignsStaff(t *testing.T) {
	c := newTestAPI(t)
	reg := c.register()
	companyID := reg.Data.Company.ID
	ctx := context.Background()

	branches, err := c.store.ListBranches(ctx, companyID)
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	var annex string
	for _, b := range branches {
		if b.Code == "AX" {
			annex = b.ID
		}
	}
	if annex == "" {
		t.Fatalf("annex branch not found")
	}

	resp := c.do(http.MethodDelete, "/companies/"+companyID+"/branches/"+annex, nil, reg.Auth.Token)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	staff, err := c.store.ListStaff(ctx, companyID)
	if err != nil {
		t.Fatalf("ListStaff: %v", err)
	}
	for _, s := range staff {
		if s.BranchID != nil && *s.BranchID == annex {
			t.Fatalf("staff %s still assigned to deleted branch", s.ID)
		}
	}
	company, _ := c.store.GetCompany(ctx, companyID)
	if company.BranchesCount != 1 {
		t.Fatalf("branch count not recomputed: %d", company.BranchesCount)
	}

	resp = c.do(http.MethodDelete, "/companies/"+companyID+"/branches/"+annex, nil, reg.Auth.Token)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	c := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.get(path, "")
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}
}
