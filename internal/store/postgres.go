package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canopy-eco/canopy/internal/model"
)

// PostgresStore persists records in Postgres via a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates a pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping pool: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// RunMigrations executes unapplied SQL migration files from the provided
// filesystem in order, tracking applied files in a schema_migrations table.
// Forward-only; each file runs at most once.
func (s *PostgresStore) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	applied, err := s.loadAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("store: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("store: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if applied[name] {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}

		s.logger.Info("running migration", "file", name)
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("store: execute migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("store: record migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) loadAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Put upserts the full record (last write wins).
func (s *PostgresStore) Put(ctx context.Context, rec model.AnalysisRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record %s: %w", rec.ID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO analyses (id, status, created_at, updated_at, payload, progress)
		VALUES ($1, $2, $3, $4, $5, NULL)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			payload = EXCLUDED.payload,
			progress = NULL
	`, rec.ID, string(rec.Status), rec.CreatedAt.UTC(), rec.UpdatedAt, payload)
	if err != nil {
		return fmt.Errorf("store: put %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (model.AnalysisRecord, error) {
	var payload []byte
	var progress []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload, progress FROM analyses WHERE id = $1`, id,
	).Scan(&payload, &progress)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AnalysisRecord{}, ErrNotFound
	}
	if err != nil {
		return model.AnalysisRecord{}, fmt.Errorf("store: get %s: %w", id, err)
	}

	var rec model.AnalysisRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return model.AnalysisRecord{}, fmt.Errorf("store: unmarshal record %s: %w", id, err)
	}
	if len(progress) > 0 {
		var p model.AnalysisProgress
		if err := json.Unmarshal(progress, &p); err == nil {
			rec.Progress = &p
			rec.Status = p.Status
		}
	}
	return rec, nil
}

// UpdateProgress stores a progress snapshot without rewriting the payload.
func (s *PostgresStore) UpdateProgress(ctx context.Context, id uuid.UUID, p model.AnalysisProgress) error {
	enc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal progress %s: %w", id, err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE analyses SET progress = $1, status = $2, updated_at = $3 WHERE id = $4
	`, enc, string(p.Status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: update progress %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecent returns up to limit records, newest first.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]model.AnalysisRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT payload, progress FROM analyses ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent: %w", err)
	}
	defer rows.Close()

	var out []model.AnalysisRecord
	for rows.Next() {
		var payload, progress []byte
		if err := rows.Scan(&payload, &progress); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		var rec model.AnalysisRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("store: unmarshal record: %w", err)
		}
		if len(progress) > 0 {
			var p model.AnalysisProgress
			if err := json.Unmarshal(progress, &p); err == nil {
				rec.Progress = &p
				rec.Status = p.Status
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping checks connectivity to the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
