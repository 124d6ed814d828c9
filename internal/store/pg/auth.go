package pg

import (
	"context"
	"database/sql"
	"errors"

	"kaarya.org/internal/auth"
)

const tokenColumns = `id, staff_id, company_id, access_jti, refresh_jti, token_type, session_token,
	expires_at, refresh_expires_at, revoked, device_id, device_name, platform, ip, user_agent, created_at`

const sessionColumns = `token, staff_id, company_id, device_id, device_name, platform, ip, user_agent,
	is_active, expires_at, created_at`

// Tokens implements auth.TokenStore on the auth_tokens table.
type Tokens struct {
	db *sql.DB
}

func (t Tokens) Create(ctx context.Context, rec *auth.TokenRecord) error {
	return insertToken(ctx, t.db, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertToken(ctx context.Context, db execer, rec *auth.TokenRecord) error {
	d := rec.Device
	_, err := db.ExecContext(ctx, `
		insert into auth_tokens(`+tokenColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, rec.ID, rec.StaffID, rec.CompanyID, rec.AccessJTI, rec.RefreshJTI, rec.TokenType, rec.SessionToken,
		rec.ExpiresAt, rec.RefreshExpiresAt, rec.Revoked, d.DeviceID, d.DeviceName, d.Platform, d.IP, d.UserAgent, rec.CreatedAt)
	return err
}

func (t Tokens) FindByAccessID(ctx context.Context, jti string) (*auth.TokenRecord, error) {
	return scanToken(t.db.QueryRowContext(ctx, `select `+tokenColumns+` from auth_tokens where access_jti = $1`, jti))
}

func (t Tokens) FindByRefreshID(ctx context.Context, jti string) (*auth.TokenRecord, error) {
	return scanToken(t.db.QueryRowContext(ctx, `select `+tokenColumns+` from auth_tokens where refresh_jti = $1`, jti))
}

// Rotate revokes oldID and inserts next in one transaction. Concurrent rotations of the
// same record race on the conditional update; exactly one wins.
func (t Tokens) Rotate(ctx context.Context, oldID string, next *auth.TokenRecord) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `update auth_tokens set revoked = true where id = $1 and not revoked`, oldID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from auth_tokens where id = $1)`, oldID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return auth.ErrNotFound
		}
		return auth.ErrTokenRevoked
	}
	if err := insertToken(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (t Tokens) RevokeBySession(ctx context.Context, sessionToken string) (int, error) {
	res, err := t.db.ExecContext(ctx, `
		update auth_tokens set revoked = true where session_token = $1 and not revoked
	`, sessionToken)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanToken(row scanner) (*auth.TokenRecord, error) {
	var rec auth.TokenRecord
	d := &rec.Device
	err := row.Scan(&rec.ID, &rec.StaffID, &rec.CompanyID, &rec.AccessJTI, &rec.RefreshJTI, &rec.TokenType,
		&rec.SessionToken, &rec.ExpiresAt, &rec.RefreshExpiresAt, &rec.Revoked,
		&d.DeviceID, &d.DeviceName, &d.Platform, &d.IP, &d.UserAgent, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Sessions implements auth.SessionStore on the sessions table.
type Sessions struct {
	db *sql.DB
}

func (s Sessions) Create(ctx context.Context, sess *auth.Session) error {
	d := sess.Device
	_, err := s.db.ExecContext(ctx, `
		insert into sessions(`+sessionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, sess.Token, sess.StaffID, sess.CompanyID, d.DeviceID, d.DeviceName, d.Platform, d.IP, d.UserAgent,
		sess.IsActive, sess.ExpiresAt, sess.CreatedAt)
	return err
}

func (s Sessions) Get(ctx context.Context, token string) (*auth.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where token = $1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return sess, err
}

func (s Sessions) Revoke(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `update sessions set is_active = false where token = $1 and is_active`, token)
	return err
}

func (s Sessions) ListByStaff(ctx context.Context, staffID string) ([]*auth.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+` from sessions
		where staff_id = $1
		order by created_at desc
	`, staffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*auth.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row scanner) (*auth.Session, error) {
	var sess auth.Session
	d := &sess.Device
	if err := row.Scan(&sess.Token, &sess.StaffID, &sess.CompanyID, &d.DeviceID, &d.DeviceName, &d.Platform,
		&d.IP, &d.UserAgent, &sess.IsActive, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Append writes one login_audit row.
func (s *Store) Append(ctx context.Context, e *auth.LoginAudit) error {
	d := e.Device
	_, err := s.db.ExecContext(ctx, `
		insert into login_audit(id, staff_id, company_id, identifier, device_id, device_name, platform, ip,
			user_agent, outcome, reason, occurred_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, e.ID, nullString(e.StaffID), e.CompanyID, e.Identifier, d.DeviceID, d.DeviceName, d.Platform, d.IP,
		d.UserAgent, e.Outcome, e.Reason, e.OccurredAt)
	return err
}
