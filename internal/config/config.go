package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Session backends.
const (
	SessionBackendMemory   = "memory"
	SessionBackendPostgres = "postgres"
	SessionBackendRedis    = "redis"
)

// Config holds process configuration loaded from the environment.
type Config struct {
	HTTPAddr string `env:"KAARYA_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"KAARYA_GRPC_ADDR" envDefault:":9090"`

	PGDSN          string `env:"KAARYA_PG_DSN"`
	RedisAddr      string `env:"KAARYA_REDIS_ADDR"`
	RedisPrefix    string `env:"KAARYA_REDIS_PREFIX" envDefault:"kaarya"`
	SessionBackend string `env:"KAARYA_SESSION_BACKEND" envDefault:"memory"`

	AuthSecret        string        `env:"KAARYA_AUTH_SECRET"`
	Issuer            string        `env:"KAARYA_AUTH_ISSUER" envDefault:"kaarya"`
	AccessTTL         time.Duration `env:"KAARYA_ACCESS_TTL" envDefault:"24h"`
	RefreshTTL        time.Duration `env:"KAARYA_REFRESH_TTL" envDefault:"168h"`
	SessionTTL        time.Duration `env:"KAARYA_SESSION_TTL" envDefault:"168h"`
	EnforceRevocation bool          `env:"KAARYA_ENFORCE_REVOCATION" envDefault:"true"`
	BcryptCost        int           `env:"KAARYA_BCRYPT_COST" envDefault:"10"`

	RateBurst    int   `env:"KAARYA_RATE_BURST" envDefault:"20"`
	RatePerSec   int   `env:"KAARYA_RATE_PER_SEC" envDefault:"10"`
	MaxBodyBytes int64 `env:"KAARYA_MAX_BODY_BYTES" envDefault:"1048576"`
	CookieSecure bool  `env:"KAARYA_COOKIE_SECURE" envDefault:"true"`

	CORSOrigins []string `env:"KAARYA_CORS_ORIGINS" envSeparator:","`

	// TrustedProxies lists peers (IP or CIDR) whose X-Forwarded-For is honoured.
	TrustedProxies []string `env:"KAARYA_TRUSTED_PROXIES" envSeparator:","`

	AuditBuffer int `env:"KAARYA_AUDIT_BUFFER" envDefault:"256"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AuthSecret) == "" {
		return errors.New("KAARYA_AUTH_SECRET is required")
	}
	if len(c.AuthSecret) < 32 {
		return errors.New("KAARYA_AUTH_SECRET must be at least 32 bytes")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.SessionTTL <= 0 {
		return errors.New("token and session TTLs must be positive")
	}
	if c.RefreshTTL < c.AccessTTL {
		return errors.New("KAARYA_REFRESH_TTL must not be shorter than KAARYA_ACCESS_TTL")
	}
	c.SessionBackend = strings.ToLower(strings.TrimSpace(c.SessionBackend))
	switch c.SessionBackend {
	case SessionBackendMemory:
	case SessionBackendPostgres:
		if c.PGDSN == "" {
			return errors.New("postgres session backend requires KAARYA_PG_DSN")
		}
	case SessionBackendRedis:
		if c.RedisAddr == "" {
			return errors.New("redis session backend requires KAARYA_REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unsupported session backend %q", c.SessionBackend)
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		return errors.New("rate limit settings must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("KAARYA_MAX_BODY_BYTES must be positive")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a single-host prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("KAARYA_TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("KAARYA_TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
