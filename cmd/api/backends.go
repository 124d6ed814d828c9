package main

import (
	"github.com/redis/go-redis/v9"

	"kaarya.org/internal/auth"
	"kaarya.org/internal/config"
	"kaarya.org/internal/httpapi"
	"kaarya.org/internal/store/pg"
	"kaarya.org/internal/store/redisstore"
	"kaarya.org/internal/tenant"
)

// backends holds the stores selected by configuration. Token records follow the tenant
// store; sessions follow KAARYA_SESSION_BACKEND independently.
type backends struct {
	store    tenant.Store
	tokens   auth.TokenStore
	sessions auth.SessionStore
	audit    auth.AuditStore
	ready    httpapi.Readiness
	pg       *pg.Store
	rdb      redis.UniversalClient
}

var openPostgres = pg.Open

func openBackends(cfg config.Config) (*backends, error) {
	b := &backends{
		store:    tenant.NewInMemory(),
		tokens:   auth.NewMemoryTokens(),
		sessions: auth.NewMemorySessions(),
		audit:    auth.NewMemoryAudit(),
	}
	if cfg.PGDSN != "" {
		st, err := openPostgres(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		b.pg = st
		b.store, b.tokens, b.audit = st, st.Tokens(), st
		b.ready.DB = st.DB()
	}
	if cfg.RedisAddr != "" {
		b.rdb = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		b.ready.Redis = b.rdb
	}
	switch cfg.SessionBackend {
	case config.SessionBackendPostgres:
		b.sessions = b.pg.Sessions()
	case config.SessionBackendRedis:
		b.sessions = redisstore.NewSessions(b.rdb, cfg.RedisPrefix)
	}
	return b, nil
}

func (b *backends) Close() {
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	if b.pg != nil {
		_ = b.pg.Close()
	}
}
