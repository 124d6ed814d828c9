// Package redisstore keeps auth sessions in Redis so every API replica sees revocations at once.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"kaarya.org/internal/auth"
)

// ErrUnavailable wraps Redis transport failures.
var ErrUnavailable = errors.New("redis unavailable")

// Sessions implements auth.SessionStore.
//
// Each session lives under its own key with a TTL matching ExpiresAt. A per-staff set indexes
// session tokens; members whose key has expired are pruned on read.
type Sessions struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ auth.SessionStore = (*Sessions)(nil)

// Option configures Sessions.
type Option func(*Sessions)

// WithClock overrides the time source used to derive key TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Sessions) { s.now = now }
}

// NewSessions returns a store writing keys under prefix.
func NewSessions(rdb redis.UniversalClient, prefix string, opts ...Option) *Sessions {
	if prefix == "" {
		prefix = "kaarya"
	}
	s := &Sessions{rdb: rdb, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sessions) key(token string) string {
	return s.prefix + ":session:" + token
}

func (s *Sessions) staffKey(staffID string) string {
	return s.prefix + ":staff_sessions:" + staffID
}

func (s *Sessions) ttl(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.now())
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func (s *Sessions) Create(ctx context.Context, sess *auth.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := s.ttl(sess.ExpiresAt)
	staffKey := s.staffKey(sess.StaffID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.Token), data, ttl)
		pipe.SAdd(ctx, staffKey, sess.Token)
		// Sessions share one lifetime, so the newest session bounds the index.
		pipe.Expire(ctx, staffKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Sessions) Get(ctx context.Context, token string) (*auth.Session, error) {
	data, err := s.rdb.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decode(data)
}

// Revoke marks the session inactive and keeps the key until it expires, so a revoked token
// stays distinguishable from an unknown one.
func (s *Sessions) Revoke(ctx context.Context, token string) error {
	sess, err := s.Get(ctx, token)
	if errors.Is(err, auth.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sess.IsActive {
		return nil
	}
	sess.IsActive = false
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	// XX leaves an expired key expired instead of resurrecting it.
	if err := s.rdb.SetArgs(ctx, s.key(token), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Sessions) ListByStaff(ctx context.Context, staffID string) ([]*auth.Session, error) {
	staffKey := s.staffKey(staffID)
	tokens, err := s.rdb.SMembers(ctx, staffKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(tokens))
	for i, token := range tokens {
		cmds[i] = pipe.Get(ctx, s.key(token))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var out []*auth.Session
	var stale []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, tokens[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		sess, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		// Best effort; a failed prune is retried on the next listing.
		_ = s.rdb.SRem(ctx, staffKey, stale...).Err()
	}
	return out, nil
}

func decode(data []byte) (*auth.Session, error) {
	var sess auth.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}
