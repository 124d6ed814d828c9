package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"kaarya.org/internal/tenant"
)

const minSecretBytes = 32

// Token kinds carried in the "kind" claim.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Claims represents JWT claims used across the service.
type Claims struct {
	Kind         string      `json:"kind"`
	Role         tenant.Role `json:"role,omitempty"`
	CompanyID    string      `json:"company,omitempty"`
	SessionToken string      `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// signer signs and parses HS256 tokens with a server-held secret.
type signer struct {
	secret []byte
	issuer string
}

func newSigner(secret, issuer string) (*signer, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("auth: secret must be at least %d bytes", minSecretBytes)
	}
	return &signer{secret: []byte(secret), issuer: issuer}, nil
}

// sign fills the registered claims and returns the signed token and its jti.
func (s *signer) sign(claims Claims, subject string, now time.Time, ttl time.Duration) (string, string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", "", errors.New("ttl must be greater than zero")
	}
	jti := uuid.NewString()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        jti,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign token: %w", err)
	}
	return signed, jti, nil
}

// parse verifies signature, issuer and expiry at now, then checks the kind claim.
func (s *signer) parse(raw, kind string, now time.Time) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if claims.Kind != kind {
		return nil, ErrWrongTokenKind
	}
	return claims, nil
}
