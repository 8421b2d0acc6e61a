// Package postgres is the production persistence adapter, selected when a
// Postgres DSN is configured. It implements capability.Repository,
// capability.ConsentStore, and capability.AuditLog against a JSONB-backed
// schema managed by the same embedded-migration mechanism as the sqlite
// store.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/agent-handwerk/callcore/internal/capability"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a sql.DB connection pool to a PostgreSQL database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to dsn and runs any pending migrations.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("postgres: pinging database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: sqlDB, logger: logger.With("subsystem", "store.postgres")}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("postgres: running migrations: %w", err)
	}

	s.logger.Info("database opened")
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		s.logger.Info("applied migration", "version", version)
	}
	return nil
}

// Get implements capability.Repository.
func (s *Store) Get(ctx context.Context, kind, id string) (capability.Entity, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT fields FROM entities WHERE kind = $1 AND id = $2`, kind, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return capability.Entity{}, fmt.Errorf("postgres: entity %s/%s not found", kind, id)
	}
	if err != nil {
		return capability.Entity{}, fmt.Errorf("postgres: get entity: %w", err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return capability.Entity{}, err
	}
	return capability.Entity{ID: id, Kind: kind, Fields: fields}, nil
}

// List implements capability.Repository.
func (s *Store) List(ctx context.Context, kind string) ([]capability.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, fields FROM entities WHERE kind = $1 ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("postgres: list entities: %w", err)
	}
	defer rows.Close()

	var out []capability.Entity
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("postgres: scan entity: %w", err)
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, capability.Entity{ID: id, Kind: kind, Fields: fields})
	}
	return out, rows.Err()
}

// Put implements capability.Repository.
func (s *Store) Put(ctx context.Context, e capability.Entity) error {
	raw, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("postgres: encoding fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (kind, id, fields, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (kind, id) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at
	`, e.Kind, e.ID, raw)
	if err != nil {
		return fmt.Errorf("postgres: put entity: %w", err)
	}
	return nil
}

// Delete implements capability.Repository.
func (s *Store) Delete(ctx context.Context, kind, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE kind = $1 AND id = $2`, kind, id)
	if err != nil {
		return fmt.Errorf("postgres: delete entity: %w", err)
	}
	return nil
}

// HasConsent implements capability.ConsentStore.
func (s *Store) HasConsent(ctx context.Context, subjectID string, kind capability.ConsentKind) (bool, error) {
	var granted bool
	err := s.db.QueryRowContext(ctx, `SELECT granted FROM consents WHERE subject_id = $1 AND kind = $2`, subjectID, string(kind)).Scan(&granted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: checking consent: %w", err)
	}
	return granted, nil
}

// SetConsent records a subject's consent decision.
func (s *Store) SetConsent(ctx context.Context, subjectID string, kind capability.ConsentKind, granted bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consents (subject_id, kind, granted, recorded_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (subject_id, kind) DO UPDATE SET granted = excluded.granted, recorded_at = excluded.recorded_at
	`, subjectID, string(kind), granted)
	if err != nil {
		return fmt.Errorf("postgres: set consent: %w", err)
	}
	return nil
}

// Record implements capability.AuditLog.
func (s *Store) Record(ctx context.Context, entry capability.AuditEntry) {
	raw, err := json.Marshal(entry.Details)
	if err != nil {
		s.logger.Error("encoding audit details", "error", err)
		return
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor_id, action, resource_type, resource_id, details, recorded_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, entry.ActorID, entry.Action, entry.ResourceType, entry.ResourceID, raw)
	if err != nil {
		s.logger.Error("recording audit entry", "error", err, "action", entry.Action)
	}
}

func decodeFields(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return map[string]string{}, nil
	}
	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("postgres: decoding fields: %w", err)
	}
	return fields, nil
}
