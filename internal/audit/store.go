package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/nullstream/genai-key-proxy/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists Events. Implementations must be safe for concurrent Append
// calls from the background writer goroutine only — nothing else calls in.
type Store interface {
	Append(ctx context.Context, e Event) error
	Close() error
}

// OpenStore builds the Store for cfg.Profile. Callers must have already
// validated cfg (config.Config.Validate enforces postgres_url presence for
// the standard profile).
func OpenStore(cfg config.AuditConfig) (Store, error) {
	switch cfg.Profile {
	case config.ProfileStandard:
		return openPostgresStore(cfg.PostgresURL)
	case config.ProfileLite, "":
		path := cfg.SQLitePath
		if path == "" {
			path = "audit.db"
		}
		return openSQLiteStore(path)
	default:
		return nil, fmt.Errorf("audit: unknown profile %q", cfg.Profile)
	}
}

type sqlStore struct {
	db       *sql.DB
	insertSQ string
}

func (s *sqlStore) Append(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, s.insertSQ, e.OccurredAt, e.Kind, e.CredentialPreview, e.Group, e.Detail)
	return err
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// openSQLiteStore opens a pure-Go (CGO-free) SQLite database for the lite
// profile. It creates its own schema directly rather than via goose — a
// single-table embedded store does not need a migration framework, and
// avoiding one keeps the lite profile dependency-free beyond the driver.
func openSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at DATETIME NOT NULL,
	kind TEXT NOT NULL,
	credential_preview TEXT NOT NULL,
	group_name TEXT NOT NULL,
	detail TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &sqlStore{
		db:       db,
		insertSQ: `INSERT INTO audit_events (occurred_at, kind, credential_preview, group_name, detail) VALUES (?, ?, ?, ?, ?)`,
	}, nil
}

// openPostgresStore opens a Postgres-backed store for the standard profile
// and applies pending goose migrations via the pgx stdlib driver.
func openPostgresStore(dsn string) (Store, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("audit: set goose dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("audit: run migrations: %w", err)
	}

	return &sqlStore{
		db:       sqlDB,
		insertSQ: `INSERT INTO audit_events (occurred_at, kind, credential_preview, group_name, detail) VALUES ($1, $2, $3, $4, $5)`,
	}, nil
}
