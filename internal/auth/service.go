package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kaarya.org/internal/ids"
	"kaarya.org/internal/obs"
	"kaarya.org/internal/tenant"
)

const (
	defaultAccessTTL  = 24 * time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultSessionTTL = 7 * 24 * time.Hour
	defaultIssuer     = "kaarya"
)

// Service issues, verifies, refreshes and revokes credentials.
type Service struct {
	signer    *signer
	tokens    TokenStore
	sessions  SessionStore
	directory Directory
	verifier  PasswordVerifier
	auditor   Auditor
	now       func() time.Time

	issuer            string
	accessTTL         time.Duration
	refreshTTL        time.Duration
	sessionTTL        time.Duration
	enforceRevocation bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithSessionTTL configures session lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
		return nil
	}
}

// WithRevocationCheck toggles the token record and session lookup performed by Verify.
// When disabled a revoked access token stays valid until it expires.
func WithRevocationCheck(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.enforceRevocation = enabled
		return nil
	}
}

// WithAuditor sets the login auditor.
func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) error {
		if a != nil {
			s.auditor = a
		}
		return nil
	}
}

// WithPasswordVerifier overrides the bcrypt verifier.
func WithPasswordVerifier(v PasswordVerifier) ServiceOption {
	return func(s *Service) error {
		if v != nil {
			s.verifier = v
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service. secret signs every token and must be at least 32 bytes.
func NewService(secret string, tokens TokenStore, sessions SessionStore, directory Directory, opts ...ServiceOption) (*Service, error) {
	if tokens == nil || sessions == nil || directory == nil {
		return nil, errors.New("auth: token store, session store and directory are required")
	}
	svc := &Service{
		tokens:            tokens,
		sessions:          sessions,
		directory:         directory,
		verifier:          NewBcryptHasher(0),
		auditor:           AuditorFunc(func(context.Context, LoginAudit) {}),
		now:               time.Now,
		issuer:            defaultIssuer,
		accessTTL:         defaultAccessTTL,
		refreshTTL:        defaultRefreshTTL,
		sessionTTL:        defaultSessionTTL,
		enforceRevocation: true,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.refreshTTL < svc.accessTTL {
		return nil, fmt.Errorf("auth: refresh ttl %s shorter than access ttl %s", svc.refreshTTL, svc.accessTTL)
	}
	sg, err := newSigner(secret, svc.issuer)
	if err != nil {
		return nil, err
	}
	svc.signer = sg
	return svc, nil
}

// clock returns the current time at JWT precision so persisted expiries match token claims.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

// Issue creates a session for staff and a linked access/refresh token pair.
func (s *Service) Issue(ctx context.Context, staff *tenant.Staff, device DeviceInfo) (*Credentials, error) {
	if staff == nil || staff.ID == "" {
		return nil, fmt.Errorf("%w: staff is required", ErrInvalidInput)
	}
	now := s.clock()
	token, err := ids.Opaque()
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}
	session := &Session{
		Token:     token,
		StaffID:   staff.ID,
		CompanyID: staff.CompanyID,
		Device:    device,
		IsActive:  true,
		ExpiresAt: now.Add(s.sessionTTL),
		CreatedAt: now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	creds, rec, err := s.mint(staff, session, device, now)
	if err != nil {
		s.revokeQuietly(ctx, session.Token)
		return nil, err
	}
	if err := s.tokens.Create(ctx, rec); err != nil {
		s.revokeQuietly(ctx, session.Token)
		return nil, fmt.Errorf("store token: %w", err)
	}
	return creds, nil
}

func (s *Service) mint(staff *tenant.Staff, session *Session, device DeviceInfo, now time.Time) (*Credentials, *TokenRecord, error) {
	access, accessJTI, err := s.signer.sign(Claims{
		Kind:         KindAccess,
		Role:         staff.Role,
		CompanyID:    staff.CompanyID,
		SessionToken: session.Token,
	}, staff.ID, now, s.accessTTL)
	if err != nil {
		return nil, nil, err
	}
	refreshTTL := s.refreshTTL
	if remaining := session.ExpiresAt.Sub(now); remaining < refreshTTL {
		refreshTTL = remaining
	}
	refresh, refreshJTI, err := s.signer.sign(Claims{
		Kind:         KindRefresh,
		SessionToken: session.Token,
	}, staff.ID, now, refreshTTL)
	if err != nil {
		return nil, nil, err
	}
	rec := &TokenRecord{
		ID:               ids.New(),
		StaffID:          staff.ID,
		CompanyID:        staff.CompanyID,
		AccessJTI:        accessJTI,
		RefreshJTI:       refreshJTI,
		TokenType:        TokenTypeBearer,
		SessionToken:     session.Token,
		ExpiresAt:        now.Add(s.accessTTL),
		RefreshExpiresAt: now.Add(refreshTTL),
		Device:           device,
		CreatedAt:        now,
	}
	return &Credentials{
		User:             NewUser(staff),
		AccessToken:      access,
		RefreshToken:     refresh,
		SessionToken:     session.Token,
		TokenType:        TokenTypeBearer,
		ExpiresAt:        rec.ExpiresAt,
		RefreshExpiresAt: rec.RefreshExpiresAt,
	}, rec, nil
}

// Verify checks an access token's signature and expiry. With revocation enforcement the
// token record and its session must also still be live.
func (s *Service) Verify(ctx context.Context, accessToken string) (*Claims, error) {
	now := s.now().UTC()
	claims, err := s.signer.parse(accessToken, KindAccess, now)
	if err != nil {
		return nil, err
	}
	if !s.enforceRevocation {
		return claims, nil
	}
	rec, err := s.tokens.FindByAccessID(ctx, claims.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if rec.Revoked {
		return nil, ErrTokenRevoked
	}
	if err := s.requireLiveSession(ctx, rec.SessionToken, now); err != nil {
		return nil, err
	}
	return claims, nil
}

// Authenticate verifies accessToken and returns the request principal.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := s.Verify(ctx, accessToken)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		StaffID:      claims.Subject,
		CompanyID:    claims.CompanyID,
		Role:         claims.Role,
		SessionToken: claims.SessionToken,
	}, nil
}

// Refresh exchanges a refresh token for a new pair. The presented refresh token is revoked;
// presenting it again revokes the whole session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	creds, err := s.refresh(ctx, refreshToken)
	if err != nil {
		obs.ObserveRefresh(OutcomeFailure)
		return nil, err
	}
	obs.ObserveRefresh(OutcomeSuccess)
	return creds, nil
}

func (s *Service) refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	now := s.clock()
	claims, err := s.signer.parse(refreshToken, KindRefresh, now)
	if err != nil {
		return nil, err
	}
	rec, err := s.tokens.FindByRefreshID(ctx, claims.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if rec.Revoked {
		s.revokeReplayed(ctx, rec)
		return nil, ErrTokenRevoked
	}
	session, err := s.sessions.Get(ctx, rec.SessionToken)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrTokenRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if !session.Live(now) {
		return nil, ErrTokenRevoked
	}
	staff, err := s.directory.GetStaff(ctx, rec.StaffID)
	if errors.Is(err, tenant.ErrNotFound) {
		return nil, ErrTokenRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("lookup staff: %w", err)
	}
	if !staff.IsActive {
		return nil, ErrTokenRevoked
	}
	creds, next, err := s.mint(staff, session, rec.Device, now)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Rotate(ctx, rec.ID, next); err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			s.revokeReplayed(ctx, rec)
		}
		return nil, err
	}
	return creds, nil
}

func (s *Service) revokeReplayed(ctx context.Context, rec *TokenRecord) {
	obs.Warn("refresh token replay", map[string]any{
		"staff_id":  rec.StaffID,
		"record_id": rec.ID,
	})
	s.revokeQuietly(ctx, rec.SessionToken)
	if _, err := s.tokens.RevokeBySession(ctx, rec.SessionToken); err != nil {
		obs.Warn("revoke tokens failed", map[string]any{"record_id": rec.ID, "error": err})
	}
}

func (s *Service) revokeQuietly(ctx context.Context, sessionToken string) {
	if err := s.sessions.Revoke(ctx, sessionToken); err != nil {
		obs.Warn("session revoke failed", map[string]any{"error": err})
	}
}

func (s *Service) requireLiveSession(ctx context.Context, token string, now time.Time) error {
	session, err := s.sessions.Get(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return ErrTokenRevoked
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if !session.Live(now) {
		return ErrTokenRevoked
	}
	return nil
}

// Logout deactivates one session and revokes the tokens bound to it. Repeating it is not an error.
func (s *Service) Logout(ctx context.Context, sessionToken string) error {
	sessionToken = strings.TrimSpace(sessionToken)
	if sessionToken == "" {
		return fmt.Errorf("%w: sessionToken is required", ErrInvalidInput)
	}
	if err := s.sessions.Revoke(ctx, sessionToken); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if _, err := s.tokens.RevokeBySession(ctx, sessionToken); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	return nil
}

// SessionActive reports whether sessionToken names a live session.
func (s *Service) SessionActive(ctx context.Context, sessionToken string) (bool, error) {
	session, err := s.sessions.Get(ctx, sessionToken)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return session.Live(s.now().UTC()), nil
}

// Sessions lists live sessions of staffID.
func (s *Service) Sessions(ctx context.Context, staffID string) ([]*Session, error) {
	all, err := s.sessions.ListByStaff(ctx, staffID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	out := make([]*Session, 0, len(all))
	for _, sess := range all {
		if sess.Live(now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// Me returns the snapshot of staffID.
func (s *Service) Me(ctx context.Context, staffID string) (*User, error) {
	staff, err := s.directory.GetStaff(ctx, staffID)
	if errors.Is(err, tenant.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return NewUser(staff), nil
}

// Login authenticates identifier and password and issues credentials. Every attempt is
// audited. Unknown identifiers and wrong passwords both yield ErrUnauthorized.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*Credentials, error) {
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: identifier and password are required", ErrInvalidInput)
	}
	companyID := strings.TrimSpace(req.CompanyID)
	if companyID != "" {
		if _, err := s.directory.GetCompany(ctx, companyID); err != nil {
			if errors.Is(err, tenant.ErrNotFound) {
				return nil, fmt.Errorf("%w: company %s", ErrNotFound, companyID)
			}
			return nil, err
		}
	}
	entry := LoginAudit{CompanyID: companyID, Identifier: identifier, Device: req.Device}

	matches, err := s.directory.FindStaffByIdentifier(ctx, companyID, identifier)
	if err != nil {
		return nil, err
	}
	switch {
	case len(matches) == 0:
		s.fail(ctx, entry, ReasonUnknownIdentifier)
		return nil, ErrUnauthorized
	case len(matches) > 1:
		s.fail(ctx, entry, ReasonAmbiguousIdentifier)
		return nil, ambiguous(matches)
	}
	staff := matches[0]
	staffID := staff.ID
	entry.StaffID = &staffID
	entry.CompanyID = staff.CompanyID

	if !staff.IsActive {
		s.fail(ctx, entry, ReasonInactive)
		return nil, ErrUnauthorized
	}
	if err := s.verifier.Verify(staff.PasswordHash, req.Password); err != nil {
		s.fail(ctx, entry, ReasonInvalidPassword)
		return nil, ErrUnauthorized
	}
	creds, err := s.Issue(ctx, staff, req.Device)
	if err != nil {
		s.fail(ctx, entry, ReasonIssueFailed)
		return nil, err
	}
	entry.Outcome = OutcomeSuccess
	s.record(ctx, entry)
	return creds, nil
}

func (s *Service) fail(ctx context.Context, entry LoginAudit, reason string) {
	entry.Outcome = OutcomeFailure
	entry.Reason = reason
	s.record(ctx, entry)
}

func (s *Service) record(ctx context.Context, entry LoginAudit) {
	entry.ID = ids.New()
	entry.OccurredAt = s.now().UTC()
	obs.ObserveLogin(entry.Outcome)
	s.auditor.Record(ctx, entry)
}

// ambiguous explains whether a company scope would resolve the match.
func ambiguous(matches []*tenant.Staff) error {
	for _, m := range matches[1:] {
		if m.CompanyID != matches[0].CompanyID {
			return fmt.Errorf("%w: identifier is used in more than one company, companyId is required", ErrAmbiguousIdentifier)
		}
	}
	return fmt.Errorf("%w: use a username, email or phone that is unique in company %s", ErrAmbiguousIdentifier, matches[0].CompanyID)
}
