package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kaarya.org/internal/auth"
	"kaarya.org/internal/tenant"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Unique index names from ops/migrations that map onto staff fields.
var uniqueFields = map[string]tenant.Field{
	"staff_company_username_uq": tenant.FieldUsername,
	"staff_company_email_uq":    tenant.FieldEmail,
	"staff_company_phone_uq":    tenant.FieldPhone,
}

// Store implements tenant.Store and the auth token, session and audit stores on PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ tenant.Store      = (*Store)(nil)
	_ auth.AuditStore   = (*Store)(nil)
	_ auth.TokenStore   = Tokens{}
	_ auth.SessionStore = Sessions{}
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Tokens returns the token record store sharing this pool.
func (s *Store) Tokens() Tokens { return Tokens{db: s.db} }

// Sessions returns the session store sharing this pool.
func (s *Store) Sessions() Sessions { return Sessions{db: s.db} }

type scanner interface {
	Scan(dest ...any) error
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// tenantError maps constraint violations onto tenant sentinels.
func tenantError(err error, what string) error {
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		if field, ok := uniqueFields[pgErr.ConstraintName]; ok {
			return &tenant.ConflictError{Field: field, Value: conflictValue(pgErr.Detail)}
		}
		return fmt.Errorf("%w: %s: %s", tenant.ErrConflict, what, pgErr.ConstraintName)
	case pgErrForeignKeyViolation:
		return fmt.Errorf("%w: %s references a missing row (%s)", tenant.ErrNotFound, what, pgErr.ConstraintName)
	}
	return err
}

// conflictValue extracts the value from "Key (company_id, lower(email))=(c1, a@b.c) already exists."
func conflictValue(detail string) string {
	start := strings.LastIndex(detail, "=(")
	end := strings.LastIndex(detail, ")")
	if start < 0 || end <= start+2 {
		return ""
	}
	parts := strings.Split(detail[start+2:end], ", ")
	return parts[len(parts)-1]
}

func nullString(p *string) sql.NullString {
	if p == nil || *p == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}
