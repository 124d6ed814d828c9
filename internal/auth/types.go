package auth

import (
	"time"

	"kaarya.org/internal/tenant"
)

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// DeviceInfo describes the device a credential was issued to.
type DeviceInfo struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform,omitempty"`
	IP         string `json:"ip,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
}

// TokenRecord links an access token and its refresh token by jti. Records are revoked, never deleted.
type TokenRecord struct {
	ID               string
	StaffID          string
	CompanyID        string
	AccessJTI        string
	RefreshJTI       string
	TokenType        string
	SessionToken     string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	Revoked          bool
	Device           DeviceInfo
	CreatedAt        time.Time
}

// Session is one authenticated device. Token is opaque and independent of any JWT.
type Session struct {
	Token     string     `json:"sessionToken"`
	StaffID   string     `json:"staffId"`
	CompanyID string     `json:"companyId"`
	Device    DeviceInfo `json:"device"`
	IsActive  bool       `json:"isActive"`
	ExpiresAt time.Time  `json:"expiresAt"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Live reports whether the session is active and unexpired at now.
func (s *Session) Live(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// Login outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Login failure reasons.
const (
	ReasonUnknownIdentifier   = "unknown_identifier"
	ReasonAmbiguousIdentifier = "ambiguous_identifier"
	ReasonInvalidPassword     = "invalid_password"
	ReasonInactive            = "inactive"
	ReasonIssueFailed         = "issue_failed"
)

// LoginAudit is one immutable authentication attempt. StaffID is nil when no staff matched.
type LoginAudit struct {
	ID         string
	StaffID    *string
	CompanyID  string
	Identifier string
	Device     DeviceInfo
	Outcome    string
	Reason     string
	OccurredAt time.Time
}

// User is the staff snapshot returned alongside credentials.
type User struct {
	ID            string      `json:"id"`
	CompanyID     string      `json:"companyId"`
	BranchID      *string     `json:"branchId"`
	Username      string      `json:"username"`
	FirstName     string      `json:"firstName"`
	LastName      string      `json:"lastName"`
	FullName      string      `json:"fullName"`
	Email         string      `json:"email"`
	Phone         string      `json:"phone"`
	Role          tenant.Role `json:"role"`
	PhoneVerified bool        `json:"phoneVerified"`
	EmailVerified bool        `json:"emailVerified"`
}

// NewUser snapshots s without its password hash.
func NewUser(s *tenant.Staff) *User {
	if s == nil {
		return nil
	}
	u := &User{
		ID:            s.ID,
		CompanyID:     s.CompanyID,
		Username:      s.Username,
		FirstName:     s.FirstName,
		LastName:      s.LastName,
		FullName:      s.FullName(),
		Email:         s.Email,
		Phone:         s.Phone,
		Role:          s.Role,
		PhoneVerified: s.PhoneVerified,
		EmailVerified: s.EmailVerified,
	}
	if s.BranchID != nil {
		id := *s.BranchID
		u.BranchID = &id
	}
	return u
}

// Credentials is the result of issuing or refreshing tokens.
type Credentials struct {
	User             *User     `json:"user"`
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	SessionToken     string    `json:"sessionToken"`
	TokenType        string    `json:"tokenType"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// LoginRequest carries one login attempt. CompanyID optionally scopes the identifier.
type LoginRequest struct {
	CompanyID  string
	Identifier string
	Password   string
	Device     DeviceInfo
}
