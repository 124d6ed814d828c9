package auth

import (
	"context"

	"kaarya.org/internal/tenant"
)

// TokenStore persists token records.
type TokenStore interface {
	Create(ctx context.Context, rec *TokenRecord) error
	FindByAccessID(ctx context.Context, jti string) (*TokenRecord, error)
	FindByRefreshID(ctx context.Context, jti string) (*TokenRecord, error)
	// Rotate revokes oldID and stores next in one step. It returns ErrTokenRevoked when
	// oldID was already revoked.
	Rotate(ctx context.Context, oldID string, next *TokenRecord) error
	// RevokeBySession revokes every record bound to the session and reports how many changed.
	RevokeBySession(ctx context.Context, sessionToken string) (int, error)
}

// SessionStore persists per-device sessions.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, token string) (*Session, error)
	// Revoke deactivates one session. Unknown and already inactive sessions are not errors.
	Revoke(ctx context.Context, token string) error
	ListByStaff(ctx context.Context, staffID string) ([]*Session, error)
}

// AuditStore appends login audit rows.
type AuditStore interface {
	Append(ctx context.Context, entry *LoginAudit) error
}

// Auditor records login attempts without blocking or failing the caller.
type Auditor interface {
	Record(ctx context.Context, entry LoginAudit)
}

// AuditorFunc adapts a function to Auditor.
type AuditorFunc func(ctx context.Context, entry LoginAudit)

func (f AuditorFunc) Record(ctx context.Context, entry LoginAudit) { f(ctx, entry) }

// PasswordVerifier checks a plaintext password against a stored hash.
type PasswordVerifier interface {
	Verify(hash, password string) error
}

// Directory resolves staff for login and token refresh. tenant.Store satisfies it.
type Directory interface {
	GetCompany(ctx context.Context, id string) (*tenant.Company, error)
	GetStaff(ctx context.Context, id string) (*tenant.Staff, error)
	FindStaffByIdentifier(ctx context.Context, companyID, identifier string) ([]*tenant.Staff, error)
}
