// Package sqlite is the local/dev persistence adapter: a single-writer
// SQLite database under the configured data directory, used when no
// Postgres DSN is configured. It implements capability.Repository,
// capability.ConsentStore, and capability.AuditLog.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/agent-handwerk/callcore/internal/capability"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a sql.DB connection to a local SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens a SQLite database at dataDir/agentcore.db with WAL
// mode enabled and runs any pending migrations.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("sqlite: creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "agentcore.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	sqlDB.SetMaxOpenConns(1)

	s := &Store{db: sqlDB, logger: logger.With("subsystem", "store.sqlite")}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	s.logger.Info("database opened", "path", dbPath)
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
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
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
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
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
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
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT fields FROM entities WHERE kind = ? AND id = ?`, kind, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return capability.Entity{}, fmt.Errorf("sqlite: entity %s/%s not found", kind, id)
	}
	if err != nil {
		return capability.Entity{}, fmt.Errorf("sqlite: get entity: %w", err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return capability.Entity{}, err
	}
	return capability.Entity{ID: id, Kind: kind, Fields: fields}, nil
}

// List implements capability.Repository.
func (s *Store) List(ctx context.Context, kind string) ([]capability.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, fields FROM entities WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list entities: %w", err)
	}
	defer rows.Close()

	var out []capability.Entity
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan entity: %w", err)
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
		return fmt.Errorf("sqlite: encoding fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (kind, id, fields, updated_at) VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT (kind, id) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at
	`, e.Kind, e.ID, string(raw))
	if err != nil {
		return fmt.Errorf("sqlite: put entity: %w", err)
	}
	return nil
}

// Delete implements capability.Repository.
func (s *Store) Delete(ctx context.Context, kind, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete entity: %w", err)
	}
	return nil
}

// HasConsent implements capability.ConsentStore.
func (s *Store) HasConsent(ctx context.Context, subjectID string, kind capability.ConsentKind) (bool, error) {
	var granted bool
	err := s.db.QueryRowContext(ctx, `SELECT granted FROM consents WHERE subject_id = ? AND kind = ?`, subjectID, string(kind)).Scan(&granted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: checking consent: %w", err)
	}
	return granted, nil
}

// SetConsent records a subject's consent decision. Not part of
// capability.ConsentStore (which is predicate-only), exposed for whatever
// admin surface captures consent in the first place.
func (s *Store) SetConsent(ctx context.Context, subjectID string, kind capability.ConsentKind, granted bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consents (subject_id, kind, granted, recorded_at) VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT (subject_id, kind) DO UPDATE SET granted = excluded.granted, recorded_at = excluded.recorded_at
	`, subjectID, string(kind), granted)
	if err != nil {
		return fmt.Errorf("sqlite: set consent: %w", err)
	}
	return nil
}

// Record implements capability.AuditLog. Per the audit error-taxonomy
// entry, failures are logged, never returned.
func (s *Store) Record(ctx context.Context, entry capability.AuditEntry) {
	raw, err := json.Marshal(entry.Details)
	if err != nil {
		s.logger.Error("encoding audit details", "error", err)
		return
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor_id, action, resource_type, resource_id, details, recorded_at)
		VALUES (?, ?, ?, ?, ?, datetime('now'))
	`, entry.ActorID, entry.Action, entry.ResourceType, entry.ResourceID, string(raw))
	if err != nil {
		s.logger.Error("recording audit entry", "error", err, "action", entry.Action)
	}
}

func decodeFields(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("sqlite: decoding fields: %w", err)
	}
	return fields, nil
}
