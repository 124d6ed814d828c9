package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"kaarya.org/internal/auth"
	"kaarya.org/internal/obs"
)

// DefaultTTL bounds how long a persisted blob is trusted without contacting the server.
const DefaultTTL = 24 * time.Hour

// State is the cache lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateRestoring
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRestoring:
		return "restoring"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// ErrStale is returned when a result arrives for a session that is no longer current.
var ErrStale = errors.New("client: session changed while request was in flight")

// Snapshot is the observable cache state.
type Snapshot struct {
	State  State
	User   *auth.User
	Tokens Tokens
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Cache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithVerifyDelay defers background verification after an optimistic restore.
func WithVerifyDelay(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.verifyDelay = d
		}
	}
}

// Cache holds client credentials, restores them optimistically and keeps them honest
// with a background verify, one refresh, then forced logout.
type Cache struct {
	api         API
	persister   Persister
	ttl         time.Duration
	verifyDelay time.Duration
	now         func() time.Time

	mu         sync.Mutex
	state      State
	blob       *Blob
	generation uint64
	subs       map[int]chan Snapshot
	nextSub    int

	refreshes singleflight.Group
	tasks     sync.WaitGroup
}

func New(api API, persister Persister, opts ...Option) *Cache {
	if persister == nil {
		persister = &MemoryPersister{}
	}
	c := &Cache{
		api:       api,
		persister: persister,
		ttl:       DefaultTTL,
		now:       time.Now,
		subs:      make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start restores persisted credentials. A fresh blob makes the cache Authenticated at once
// and schedules a background verification; otherwise it becomes Unauthenticated.
func (c *Cache) Start(ctx context.Context) State {
	c.mu.Lock()
	if c.state != StateUninitialized {
		defer c.mu.Unlock()
		return c.state
	}
	c.setLocked(StateRestoring, nil)
	c.mu.Unlock()

	blob, err := c.persister.Load(ctx)
	if err != nil {
		obs.Warn("credential restore failed", map[string]any{"error": err})
	}
	if blob == nil || blob.Tokens.AccessToken == "" || blob.Expired(c.now(), c.ttl) {
		if blob != nil {
			c.clearPersisted(ctx)
		}
		c.mu.Lock()
		c.generation++
		c.setLocked(StateUnauthenticated, nil)
		c.mu.Unlock()
		return StateUnauthenticated
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.setLocked(StateAuthenticated, blob)
	c.mu.Unlock()

	c.tasks.Add(1)
	go c.revalidate(ctx, gen, blob.Tokens)
	return StateAuthenticated
}

// revalidate is tagged with the generation it was started for and acts only while that
// generation is still current.
func (c *Cache) revalidate(ctx context.Context, gen uint64, tokens Tokens) {
	defer c.tasks.Done()
	if c.verifyDelay > 0 {
		t := time.NewTimer(c.verifyDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	err := c.api.Verify(ctx, tokens.AccessToken)
	if err == nil || !c.current(gen) {
		return
	}
	if auth.Kind(err) == auth.KindUnavailable {
		obs.Warn("background verify unavailable", map[string]any{"error": err})
		return
	}
	if _, err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrStale) {
		c.expire(ctx, gen)
	}
}

// Refresh exchanges the current refresh token once; concurrent callers share the result.
// A terminal failure clears the cache.
func (c *Cache) Refresh(ctx context.Context) (Tokens, error) {
	c.mu.Lock()
	if c.blob == nil {
		c.mu.Unlock()
		return Tokens{}, auth.ErrUnauthorized
	}
	gen := c.generation
	refreshToken := c.blob.Tokens.RefreshToken
	c.mu.Unlock()

	v, err, _ := c.refreshes.Do(refreshToken, func() (any, error) {
		creds, err := c.api.Refresh(ctx, refreshToken)
		if err != nil {
			return nil, err
		}
		return c.applyRefresh(ctx, gen, creds)
	})
	if err != nil {
		if auth.Kind(err).Terminal() {
			c.expire(ctx, gen)
		}
		return Tokens{}, err
	}
	return v.(Tokens), nil
}

func (c *Cache) applyRefresh(ctx context.Context, gen uint64, creds *auth.Credentials) (Tokens, error) {
	c.mu.Lock()
	if gen != c.generation || c.blob == nil {
		c.mu.Unlock()
		return Tokens{}, ErrStale
	}
	next := *c.blob
	next.Tokens.AccessToken = creds.AccessToken
	if creds.RefreshToken != "" {
		next.Tokens.RefreshToken = creds.RefreshToken
	}
	if creds.User != nil {
		next.User = creds.User
	}
	next.StoredAt = c.now()
	c.setLocked(StateAuthenticated, &next)
	c.mu.Unlock()

	if err := c.persister.Save(ctx, &next); err != nil {
		obs.Warn("credential save failed", map[string]any{"error": err})
	}
	return next.Tokens, nil
}

// Login authenticates and adopts the resulting credentials.
func (c *Cache) Login(ctx context.Context, req auth.LoginRequest) (*auth.User, error) {
	creds, err := c.api.Login(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.Adopt(ctx, creds); err != nil {
		return nil, err
	}
	return creds.User, nil
}

// Adopt stores credentials obtained elsewhere, such as registration auto-login.
func (c *Cache) Adopt(ctx context.Context, creds *auth.Credentials) error {
	if creds == nil || creds.AccessToken == "" || creds.SessionToken == "" {
		return auth.ErrInvalidToken
	}
	blob := &Blob{
		User: creds.User,
		Tokens: Tokens{
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			SessionToken: creds.SessionToken,
		},
		StoredAt: c.now(),
	}
	c.mu.Lock()
	c.generation++
	c.setLocked(StateAuthenticated, blob)
	c.mu.Unlock()
	return c.persister.Save(ctx, blob)
}

// Logout clears local state first, then revokes the session on the server.
func (c *Cache) Logout(ctx context.Context) error {
	c.mu.Lock()
	var session string
	if c.blob != nil {
		session = c.blob.Tokens.SessionToken
	}
	c.generation++
	c.setLocked(StateUnauthenticated, nil)
	c.mu.Unlock()

	c.clearPersisted(ctx)
	if session == "" {
		return nil
	}
	return c.api.Logout(ctx, session)
}

// expire forces logout if gen is still current. The server session is revoked best-effort.
func (c *Cache) expire(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	var session string
	if c.blob != nil {
		session = c.blob.Tokens.SessionToken
	}
	c.generation++
	c.setLocked(StateUnauthenticated, nil)
	c.mu.Unlock()

	c.clearPersisted(ctx)
	if session != "" {
		if err := c.api.Logout(ctx, session); err != nil {
			obs.Warn("forced logout could not revoke session", map[string]any{"error": err})
		}
	}
}

func (c *Cache) clearPersisted(ctx context.Context) {
	if err := c.persister.Clear(ctx); err != nil {
		obs.Warn("credential clear failed", map[string]any{"error": err})
	}
}

func (c *Cache) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

// Snapshot returns the current state.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// AccessToken returns the current access token while authenticated.
func (c *Cache) AccessToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated || c.blob == nil {
		return "", false
	}
	return c.blob.Tokens.AccessToken, true
}

// Subscribe returns a channel that always holds the latest Snapshot, and a cancel func.
func (c *Cache) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Snapshot, 1)
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snapshotLocked()
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

// Wait blocks until background verification tasks finish.
func (c *Cache) Wait() { c.tasks.Wait() }

func (c *Cache) snapshotLocked() Snapshot {
	s := Snapshot{State: c.state}
	if c.blob != nil {
		s.User = c.blob.User
		s.Tokens = c.blob.Tokens
	}
	return s
}

func (c *Cache) setLocked(state State, blob *Blob) {
	c.state = state
	c.blob = blob
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
