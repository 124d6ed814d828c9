package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kaarya.org/internal/tenant"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc      *Service
	dir      *tenant.InMemory
	tokens   *MemoryTokens
	sessions *MemorySessions
	audit    *MemoryAudit
	clock    *testClock
	staff    *tenant.Staff
	hasher   *BcryptHasher
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		dir:      tenant.NewInMemory(),
		tokens:   NewMemoryTokens(),
		sessions: NewMemorySessions(),
		audit:    NewMemoryAudit(),
		clock:    &testClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)},
		hasher:   NewBcryptHasher(bcrypt.MinCost),
	}
	f.staff = f.seedStaff(t, "c1", "s1", "jane", "jane@x.com", "+911234567890")
	auditor := AuditorFunc(func(ctx context.Context, e LoginAudit) { _ = f.audit.Append(ctx, &e) })
	base := []ServiceOption{WithClock(f.clock.Now), WithAuditor(auditor), WithPasswordVerifier(f.hasher)}
	svc, err := NewService(testSecret, f.tokens, f.sessions, f.dir, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) seedStaff(t *testing.T, companyID, id, username, email, phone string) *tenant.Staff {
	t.Helper()
	ctx := context.Background()
	if _, err := f.dir.GetCompany(ctx, companyID); errors.Is(err, tenant.ErrNotFound) {
		if err := f.dir.CreateCompany(ctx, &tenant.Company{ID: companyID, Name: companyID, IsActive: true}); err != nil {
			t.Fatalf("CreateCompany: %v", err)
		}
	}
	hash, err := f.hasher.Hash("P@ssw0rd1")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	st := &tenant.Staff{
		ID: id, CompanyID: companyID, Username: username, Email: email, Phone: phone,
		FirstName: "Jane", LastName: "Doe", PasswordHash: hash, Role: tenant.RoleSuperAdmin, IsActive: true,
	}
	if err := f.dir.CreateStaff(ctx, st); err != nil {
		t.Fatalf("CreateStaff: %v", err)
	}
	return st
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	_, err := NewService("short", NewMemoryTokens(), NewMemorySessions(), tenant.NewInMemory())
	if err == nil {
		t.Fatalf("expected error for short secret")
	}
}

func TestTokenLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creds, err := f.svc.Issue(ctx, f.staff, DeviceInfo{DeviceID: "d1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := f.clock.Now().Add(24 * time.Hour); !creds.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want %v", creds.ExpiresAt, want)
	}
	if creds.User == nil || creds.User.ID != "s1" || creds.TokenType != TokenTypeBearer {
		t.Fatalf("unexpected credentials: %+v", creds)
	}

	for _, d := range []time.Duration{0, time.Hour, 24*time.Hour - time.Second} {
		f.clock.t = creds.ExpiresAt.Add(-24 * time.Hour).Add(d)
		claims, err := f.svc.Verify(ctx, creds.AccessToken)
		if err != nil {
			t.Fatalf("Verify at +%s: %v", d, err)
		}
		if claims.Subject != "s1" || claims.Role != tenant.RoleSuperAdmin || claims.CompanyID != "c1" {
			t.Fatalf("unexpected claims: %+v", claims)
		}
	}
	for _, d := range []time.Duration{0, time.Second, time.Hour} {
		f.clock.t = creds.ExpiresAt.Add(d)
		_, err := f.svc.Verify(ctx, creds.AccessToken)
		if Kind(err) != KindExpired {
			t.Fatalf("Verify at T+%s: got %v", d, err)
		}
	}
}

func TestRefreshProducesUsableToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creds, err := f.svc.Issue(ctx, f.staff, DeviceInfo{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	f.clock.Advance(30 * time.Hour)
	if _, err := f.svc.Verify(ctx, creds.AccessToken); Kind(err) != KindExpired {
		t.Fatalf("access token should have expired, got %v", err)
	}
	next, err := f.svc.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.SessionToken != creds.SessionToken {
		t.Fatalf("refresh must keep the session")
	}
	if next.RefreshToken == "" || next.RefreshToken == creds.RefreshToken {
		t.Fatalf("refresh token should rotate")
	}
	if _, err := f.svc.Verify(ctx, next.AccessToken); err != nil {
		t.Fatalf("refreshed access token should verify: %v", err)
	}
}

func TestRefreshReplayRevokesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creds, _ := f.svc.Issue(ctx, f.staff, DeviceInfo{})
	f.clock.Advance(time.Minute)
	next, err := f.svc.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, creds.RefreshToken); Kind(err) != KindRevoked {
		t.Fatalf("replayed refresh should be revoked, got %v", err)
	}
	if active, _ := f.svc.SessionActive(ctx, creds.SessionToken); active {
		t.Fatalf("replay should deactivate the session")
	}
	if _, err := f.svc.Verify(ctx, next.AccessToken); Kind(err) != KindRevoked {
		t.Fatalf("tokens of a replayed session should be revoked, got %v", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creds, _ := f.svc.Issue(ctx, f.staff, DeviceInfo{})
	before := len(f.tokens.records)
	out, err := f.svc.Refresh(ctx, creds.AccessToken)
	if out != nil || Kind(err) != KindWrongKind {
		t.Fatalf("expected wrong kind failure, got %v %v", out, err)
	}
	if len(f.tokens.records) != before {
		t.Fatalf("no token should be issued")
	}
	if _, err := f.svc.Verify(ctx, creds.RefreshToken); Kind(err) != KindWrongKind {
		t.Fatalf("refresh token must not verify as access, got %v", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	f := newFixture(t)
	other, err := NewService("ffffffffffffffffffffffffffffffff", NewMemoryTokens(), NewMemorySessions(), f.dir)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	creds, err := other.Issue(context.Background(), f.staff, DeviceInfo{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.svc.Verify(context.Background(), creds.AccessToken); Kind(err) != KindInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
	if _, err := f.svc.Verify(context.Background(), "not-a-jwt"); Kind(err) != KindInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestLogoutRevokesOnlyTargetedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.svc.Issue(ctx, f.staff, DeviceInfo{DeviceID: "laptop"})
	b, _ := f.svc.Issue(ctx, f.staff, DeviceInfo{DeviceID: "phone"})

	if err := f.svc.Logout(ctx, a.SessionToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if active, _ := f.svc.SessionActive(ctx, a.SessionToken); active {
		t.Fatalf("session a should be inactive")
	}
	if active, _ := f.svc.SessionActive(ctx, b.SessionToken); !active {
		t.Fatalf("session b should stay active")
	}
	if _, err := f.svc.Verify(ctx, a.AccessToken); Kind(err) != KindRevoked {
		t.Fatalf("access token a should be revoked, got %v", err)
	}
	if _, err := f.svc.Verify(ctx, b.AccessToken); err != nil {
		t.Fatalf("access token b should verify: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, a.RefreshToken); err == nil {
		t.Fatalf("refresh of a logged out session should fail")
	}
	if err := f.svc.Logout(ctx, a.SessionToken); err != nil {
		t.Fatalf("second logout should be a no-op: %v", err)
	}
	if err := f.svc.Logout(ctx, "never-issued"); err != nil {
		t.Fatalf("unknown session logout should be a no-op: %v", err)
	}
	live, err := f.svc.Sessions(ctx, f.staff.ID)
	if err != nil || len(live) != 1 || live[0].Token != b.SessionToken {
		t.Fatalf("expected only session b, got %v %v", live, err)
	}
}

func TestVerifyWithoutRevocationCheck(t *testing.T) {
	f := newFixture(t, WithRevocationCheck(false))
	ctx := context.Background()
	creds, _ := f.svc.Issue(ctx, f.staff, DeviceInfo{})
	if err := f.svc.Logout(ctx, creds.SessionToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := f.svc.Verify(ctx, creds.AccessToken); err != nil {
		t.Fatalf("without revocation checks the token stays valid until expiry: %v", err)
	}
}

func TestLoginWrongPasswordIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.Login(ctx, LoginRequest{Identifier: "jane@x.com", Password: "wrong-password"})
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("attempt %d: expected unauthorized, got %v", i, err)
		}
	}
	entries := f.audit.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Outcome != OutcomeFailure || e.Reason != ReasonInvalidPassword || e.StaffID == nil || *e.StaffID != "s1" {
			t.Fatalf("unexpected audit row: %+v", e)
		}
	}
	if f.sessions.Len() != 0 {
		t.Fatalf("failed logins must not create sessions")
	}
}

func TestLoginUnknownIdentifier(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Login(context.Background(), LoginRequest{Identifier: "ghost", Password: "whatever1"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	entries := f.audit.Entries()
	if len(entries) != 1 || entries[0].StaffID != nil || entries[0].Reason != ReasonUnknownIdentifier {
		t.Fatalf("unexpected audit rows: %+v", entries)
	}
}

func TestLoginByEachIdentifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"jane", "JANE@x.com", "+91 12345 67890"} {
		creds, err := f.svc.Login(ctx, LoginRequest{Identifier: id, Password: "P@ssw0rd1", Device: DeviceInfo{DeviceID: id}})
		if err != nil {
			t.Fatalf("Login(%q): %v", id, err)
		}
		if creds.User.ID != "s1" || creds.SessionToken == "" || creds.RefreshToken == "" {
			t.Fatalf("unexpected credentials: %+v", creds)
		}
	}
	if f.sessions.Len() != 3 {
		t.Fatalf("expected one session per login, got %d", f.sessions.Len())
	}
	for _, e := range f.audit.Entries() {
		if e.Outcome != OutcomeSuccess {
			t.Fatalf("unexpected audit row: %+v", e)
		}
	}
}

func TestLoginCompanyScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedStaff(t, "c2", "s2", "jane2", "jane@x.com", "")

	_, err := f.svc.Login(ctx, LoginRequest{Identifier: "jane@x.com", Password: "P@ssw0rd1"})
	if !errors.Is(err, ErrAmbiguousIdentifier) || !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ambiguous identifier, got %v", err)
	}
	if !strings.Contains(err.Error(), "companyId is required") {
		t.Fatalf("cross-company match should ask for companyId, got %q", err.Error())
	}
	creds, err := f.svc.Login(ctx, LoginRequest{CompanyID: "c2", Identifier: "jane@x.com", Password: "P@ssw0rd1"})
	if err != nil || creds.User.ID != "s2" {
		t.Fatalf("scoped login failed: %v", err)
	}
	if _, err := f.svc.Login(ctx, LoginRequest{CompanyID: "nope", Identifier: "jane", Password: "P@ssw0rd1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoginAmbiguousWithinCompany(t *testing.T) {
	f := newFixture(t)
	// username of s3 equals the email of s1; both are unique in their own field.
	f.seedStaff(t, "c1", "s3", "jane@x.com", "other@x.com", "")

	_, err := f.svc.Login(context.Background(), LoginRequest{CompanyID: "c1", Identifier: "jane@x.com", Password: "P@ssw0rd1"})
	if !errors.Is(err, ErrAmbiguousIdentifier) {
		t.Fatalf("expected ambiguous identifier, got %v", err)
	}
	if strings.Contains(err.Error(), "more than one company") || !strings.Contains(err.Error(), "company c1") {
		t.Fatalf("message should point at the single company, got %q", err.Error())
	}
	entries := f.audit.Entries()
	if last := entries[len(entries)-1]; last.Reason != ReasonAmbiguousIdentifier {
		t.Fatalf("unexpected audit row: %+v", last)
	}
}

func TestLoginRequiresFields(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Login(context.Background(), LoginRequest{Identifier: " "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if len(f.audit.Entries()) != 0 {
		t.Fatalf("malformed requests are not audited")
	}
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	u, err := f.svc.Me(context.Background(), "s1")
	if err != nil || u.Username != "jane" || u.FullName != "Jane Doe" {
		t.Fatalf("unexpected user %+v %v", u, err)
	}
	if _, err := f.svc.Me(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{ErrTokenExpired, KindExpired},
		{ErrTokenRevoked, KindRevoked},
		{ErrWrongTokenKind, KindWrongKind},
		{ErrInvalidToken, KindInvalid},
		{ErrUnauthorized, KindInvalid},
		{errors.New("connection refused"), KindUnavailable},
	}
	for _, tc := range cases {
		if got := Kind(tc.err); got != tc.want {
			t.Fatalf("Kind(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if KindUnavailable.Terminal() || !KindRevoked.Terminal() {
		t.Fatalf("terminal classification is wrong")
	}
}

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)
	hash, err := h.Hash("P@ssw0rd1")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if err := h.Verify(hash, "P@ssw0rd1"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := h.Verify(hash, "nope"); err == nil {
		t.Fatalf("expected mismatch")
	}
	if _, err := h.Hash(""); err == nil {
		t.Fatalf("expected error for empty password")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), Principal{StaffID: "s1", Role: tenant.RoleAdmin})
	id, ok := StaffIDFromContext(ctx)
	if !ok || id != "s1" {
		t.Fatalf("unexpected staff id: %s, ok=%v", id, ok)
	}
	if _, ok := TokenFromContext(ctx); ok {
		t.Fatalf("token should be absent")
	}
	ctx = ContextWithToken(ctx, "abc")
	if tok, ok := TokenFromContext(ctx); !ok || tok != "abc" {
		t.Fatalf("token not stored")
	}
}
