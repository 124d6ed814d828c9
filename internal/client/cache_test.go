package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kaarya.org/internal/auth"
)

type fakeAPI struct {
	mu           sync.Mutex
	verifyErr    error
	verifyGate   chan struct{}
	verifyCalls  atomic.Int32
	refreshErr   error
	refreshGate  chan struct{}
	refreshCalls atomic.Int32
	logouts      []string
}

func (f *fakeAPI) Login(_ context.Context, req auth.LoginRequest) (*auth.Credentials, error) {
	if req.Password != "P@ssw0rd1" {
		return nil, auth.ErrUnauthorized
	}
	return &auth.Credentials{
		User:        &auth.User{ID: "s1", Username: req.Identifier},
		AccessToken: "access-1", RefreshToken: "refresh-1", SessionToken: "session-1",
	}, nil
}

func (f *fakeAPI) Verify(context.Context, string) error {
	f.verifyCalls.Add(1)
	if f.verifyGate != nil {
		<-f.verifyGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyErr
}

func (f *fakeAPI) Refresh(_ context.Context, refreshToken string) (*auth.Credentials, error) {
	n := f.refreshCalls.Add(1)
	if f.refreshGate != nil {
		<-f.refreshGate
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &auth.Credentials{
		AccessToken:  "access-refreshed",
		RefreshToken: refreshToken + "-r" + string(rune('0'+n)),
	}, nil
}

func (f *fakeAPI) Logout(_ context.Context, sessionToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts = append(f.logouts, sessionToken)
	return nil
}

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func storedBlob(storedAt time.Time) *Blob {
	return &Blob{
		User:     &auth.User{ID: "s1"},
		Tokens:   Tokens{AccessToken: "access-0", RefreshToken: "refresh-0", SessionToken: "session-0"},
		StoredAt: storedAt,
	}
}

func newCache(api API, p Persister) *Cache {
	return New(api, p, WithClock(func() time.Time { return t0 }))
}

func TestStartWithoutBlob(t *testing.T) {
	api := &fakeAPI{}
	c := newCache(api, &MemoryPersister{})
	if got := c.Start(context.Background()); got != StateUnauthenticated {
		t.Fatalf("state = %s", got)
	}
	c.Wait()
	if api.verifyCalls.Load() != 0 {
		t.Fatalf("nothing to verify")
	}
}

func TestStartWithLocallyExpiredBlob(t *testing.T) {
	api := &fakeAPI{}
	p := &MemoryPersister{}
	_ = p.Save(context.Background(), storedBlob(t0.Add(-DefaultTTL)))
	c := newCache(api, p)
	if got := c.Start(context.Background()); got != StateUnauthenticated {
		t.Fatalf("state = %s", got)
	}
	c.Wait()
	if b, _ := p.Load(context.Background()); b != nil {
		t.Fatalf("expired blob should be cleared")
	}
	if api.verifyCalls.Load() != 0 {
		t.Fatalf("expired blob must not be verified")
	}
}

func TestStartOptimisticThenVerified(t *testing.T) {
	api := &fakeAPI{}
	p := &MemoryPersister{}
	_ = p.Save(context.Background(), storedBlob(t0.Add(-time.Hour)))
	c := newCache(api, p)
	if got := c.Start(context.Background()); got != StateAuthenticated {
		t.Fatalf("state = %s", got)
	}
	c.Wait()
	if api.verifyCalls.Load() != 1 {
		t.Fatalf("expected one background verify")
	}
	if s := c.Snapshot(); s.State != StateAuthenticated || s.Tokens.AccessToken != "access-0" {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
	if got := c.Start(context.Background()); got != StateAuthenticated {
		t.Fatalf("second Start should report the current state")
	}
}

func TestVerifyFailureRefreshesOnce(t *testing.T) {
	api := &fakeAPI{verifyErr: auth.ErrTokenExpired}
	p := &MemoryPersister{}
	_ = p.Save(context.Background(), storedBlob(t0.Add(-time.Hour)))
	c := newCache(api, p)
	c.Start(context.Background())
	c.Wait()
	if api.refreshCalls.Load() != 1 {
		t.Fatalf("expected one refresh, got %d", api.refreshCalls.Load())
	}
	s := c.Snapshot()
	if s.State != StateAuthenticated || s.Tokens.AccessToken != "access-refreshed" || s.Tokens.RefreshToken != "refresh-0-r1" {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
	b, _ := p.Load(context.Background())
	if b == nil || b.Tokens.AccessToken != "access-refreshed" || !b.StoredAt.Equal(t0) {
		t.Fatalf("refreshed blob not persisted: %+v", b)
	}
}

func TestVerifyAndRefreshFailureForcesLogout(t *testing.T) {
	api := &fakeAPI{verifyErr: auth.ErrTokenRevoked, refreshErr: auth.ErrTokenRevoked}
	p := &MemoryPersister{}
	_ = p.Save(context.Background(), storedBlob(t0.Add(-time.Hour)))
	c := newCache(api, p)
	c.Start(context.Background())
	c.Wait()
	if s := c.Snapshot(); s.State != StateUnauthenticated || s.User != nil {
		t.Fatalf("expected forced logout, got %+v", s)
	}
	if b, _ := p.Load(context.Background()); b != nil {
		t.Fatalf("blob should be cleared")
	}
	if len(api.logouts) != 1 || api.logouts[0] != "session-0" {
		t.Fatalf("expected server logout for session-0, got %v", api.logouts)
	}
}

func TestVerifyUnavailableKeepsSession(t *testing.T) {
	api := &fakeAPI{verifyErr: errors.New("dial tcp: connection refused")}
	p := &MemoryPersister{}
	_ = p.Save(context.Background(), storedBlob(t0.Add(-time.Hour)))
	c := newCache(api, p)
	c.Start(context.Background())
	c.Wait()
	if c.Snapshot().State != StateAuthenticated || api.refreshCalls.Load() != 0 {
		t.Fatalf("transient verify failure must not log out")
	}
}

func TestStaleVerificationIgnoredAfterLogout(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{verifyErr: auth.ErrTokenExpired, verifyGate: gate}
	p := &MemoryPersister{}
	_ = p.Save(context.Background(), storedBlob(t0.Add(-time.Hour)))
	c := newCache(api, p)
	c.Start(context.Background())

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := c.Login(context.Background(), auth.LoginRequest{Identifier: "jane", Password: "P@ssw0rd1"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	close(gate)
	c.Wait()

	s := c.Snapshot()
	if s.State != StateAuthenticated || s.Tokens.SessionToken != "session-1" {
		t.Fatalf("stale verification must not touch the new session: %+v", s)
	}
	if api.refreshCalls.Load() != 0 {
		t.Fatalf("stale verification must not refresh")
	}
}

func TestConcurrentRefreshIsCoalesced(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{refreshGate: gate}
	c := newCache(api, &MemoryPersister{})
	if _, err := c.Login(context.Background(), auth.LoginRequest{Identifier: "jane", Password: "P@ssw0rd1"}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	const callers = 8
	var ready, done sync.WaitGroup
	ready.Add(callers)
	done.Add(callers)
	results := make([]Tokens, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			ready.Done()
			tok, err := c.Refresh(context.Background())
			if err != nil {
				t.Errorf("Refresh: %v", err)
			}
			results[i] = tok
		}(i)
	}
	ready.Wait()
	for api.refreshCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	done.Wait()

	if n := api.refreshCalls.Load(); n != 1 {
		t.Fatalf("expected one refresh request, got %d", n)
	}
	for _, r := range results {
		if r.AccessToken != "access-refreshed" {
			t.Fatalf("every caller should see the shared result, got %+v", r)
		}
	}
}

func TestRefreshWithoutCredentials(t *testing.T) {
	c := newCache(&fakeAPI{}, nil)
	if _, err := c.Refresh(context.Background()); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestSubscribeSeesTransitions(t *testing.T) {
	c := newCache(&fakeAPI{}, &MemoryPersister{})
	ch, cancel := c.Subscribe()
	defer cancel()
	if s := <-ch; s.State != StateUninitialized {
		t.Fatalf("initial state = %s", s.State)
	}
	if _, err := c.Login(context.Background(), auth.LoginRequest{Identifier: "jane", Password: "P@ssw0rd1"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if s := <-ch; s.State != StateAuthenticated || s.User.ID != "s1" {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if s := <-ch; s.State != StateUnauthenticated {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after cancel")
	}
}

func TestLoginFailureLeavesStateAlone(t *testing.T) {
	c := newCache(&fakeAPI{}, &MemoryPersister{})
	if _, err := c.Login(context.Background(), auth.LoginRequest{Identifier: "jane", Password: "nope"}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, ok := c.AccessToken(); ok {
		t.Fatalf("no token expected")
	}
}
