package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"kaarya.org/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// lockKey serialises concurrent migrators through pg_advisory_lock.
	lockKey = 727_261_001
)

// ErrNoMigrations is returned by Down when nothing has been applied.
var ErrNoMigrations = errors.New("migrate: no migrations applied")

// Source is a directory of SQL files inside a filesystem.
type Source struct {
	FS  fs.FS
	Dir string
}

// Manager applies SQL migrations and seeds. Each file runs in its own transaction together
// with its bookkeeping row.
type Manager struct {
	db              *sql.DB
	migrations      Source
	seeds           Source
	migrationsTable string
	seedsTable      string
	advisoryLock    bool
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeeds sets the seed source.
func WithSeeds(src Source) Option {
	return func(m *Manager) { m.seeds = src }
}

// WithAdvisoryLock toggles pg_advisory_lock around Up, Down and Seed.
func WithAdvisoryLock(enabled bool) Option {
	return func(m *Manager) { m.advisoryLock = enabled }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, migrations Source, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		advisoryLock:    true,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in name order and returns the names applied.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	var applied []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		executed, err := m.listExecuted(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.migrations, ".up.sql")
		if err != nil {
			return err
		}
		for _, f := range files {
			if executed[f.Name] {
				continue
			}
			if err := m.apply(ctx, conn, f, m.migrationsTable, false); err != nil {
				return fmt.Errorf("apply migration %s: %w", f.Name, err)
			}
			obs.Info("migration applied", map[string]any{"name": f.Name})
			applied = append(applied, f.Name)
		}
		return nil
	})
	return applied, err
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	var name string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		history, err := m.history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return ErrNoMigrations
		}
		last := history[len(history)-1]
		down := sqlFile{
			Name: last,
			Path: path.Join(m.migrations.Dir, strings.TrimSuffix(last, ".up.sql")+".down.sql"),
		}
		if _, err := fs.Stat(m.migrations.FS, down.Path); err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		if err := m.apply(ctx, conn, down, m.migrationsTable, true); err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		obs.Info("migration rolled back", map[string]any{"name": last})
		name = last
		return nil
	})
	return name, err
}

// Status returns applied migrations in application order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	var out []string
	err := m.withConn(ctx, func(conn *sql.Conn) error {
		if err := m.ensureTables(ctx, conn); err != nil {
			return err
		}
		var err error
		out, err = m.history(ctx, conn, m.migrationsTable)
		return err
	})
	return out, err
}

// Pending returns migrations that Up would apply.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	var out []string
	err := m.withConn(ctx, func(conn *sql.Conn) error {
		if err := m.ensureTables(ctx, conn); err != nil {
			return err
		}
		executed, err := m.listExecuted(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.migrations, ".up.sql")
		if err != nil {
			return err
		}
		for _, f := range files {
			if !executed[f.Name] {
				out = append(out, f.Name)
			}
		}
		return nil
	})
	return out, err
}

// Seed applies seed files once each.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	if m.seeds.FS == nil {
		return nil, nil
	}
	var applied []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		executed, err := m.listExecuted(ctx, conn, m.seedsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.seeds, ".sql")
		if err != nil {
			return err
		}
		for _, f := range files {
			if executed[f.Name] {
				continue
			}
			if err := m.apply(ctx, conn, f, m.seedsTable, false); err != nil {
				return fmt.Errorf("apply seed %s: %w", f.Name, err)
			}
			applied = append(applied, f.Name)
		}
		return nil
	})
	return applied, err
}

func (m *Manager) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

// locked runs fn on one connection holding the advisory lock, after the bookkeeping tables exist.
func (m *Manager) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	return m.withConn(ctx, func(conn *sql.Conn) error {
		if m.advisoryLock {
			if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
				return fmt.Errorf("acquire migration lock: %w", err)
			}
			defer func() {
				_, _ = conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, lockKey)
			}()
		}
		if err := m.ensureTables(ctx, conn); err != nil {
			return err
		}
		return fn(conn)
	})
}

func (m *Manager) ensureTables(ctx context.Context, conn *sql.Conn) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (name text primary key, applied_at timestamptz not null default now())`, table)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// apply executes f and records (or, for rollbacks, forgets) it in table atomically.
func (m *Manager) apply(ctx context.Context, conn *sql.Conn, f sqlFile, table string, rollback bool) error {
	body, err := fs.ReadFile(m.sourceFor(table).FS, f.Path)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if rollback {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, table), f.Name)
	} else {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table), f.Name, m.now().UTC())
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) sourceFor(table string) Source {
	if table == m.seedsTable {
		return m.seeds
	}
	return m.migrations
}

func (m *Manager) listExecuted(ctx context.Context, conn *sql.Conn, table string) (map[string]bool, error) {
	names, err := m.history(ctx, conn, table)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(names))
	for _, n := range names {
		result[n] = true
	}
	return result, nil
}

func (m *Manager) history(ctx context.Context, conn *sql.Conn, table string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

type sqlFile struct {
	Name string
	Path string
}

func collectSQL(src Source, suffix string) ([]sqlFile, error) {
	if src.FS == nil {
		return nil, nil
	}
	dir := src.Dir
	if dir == "" {
		dir = "."
	}
	entries, err := fs.ReadDir(src.FS, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []sqlFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		// seeds use the bare .sql suffix and must not pick up migrations
		if suffix == ".sql" && (strings.HasSuffix(e.Name(), ".up.sql") || strings.HasSuffix(e.Name(), ".down.sql")) {
			continue
		}
		files = append(files, sqlFile{Name: e.Name(), Path: path.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// splitStatements splits SQL on semicolons outside single-quoted strings and line comments.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var inString, inComment bool
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
				current.WriteRune(r)
			}
		case r == '-' && !inString && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			i++
		case r == '\'':
			current.WriteRune(r)
			inString = !inString
		case r == ';' && !inString:
			current.WriteRune(r)
			stmts = append(stmts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
