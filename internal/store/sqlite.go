package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/canopy-eco/canopy/internal/model"
)

// SQLiteStore persists records in a local sqlite database. Suitable for
// single-node deployments; the full record is stored as a JSON payload with
// indexed columns for status and recency.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and prepares the
// schema. WAL mode keeps concurrent readers cheap while the runner writes.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS analyses (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			payload    TEXT NOT NULL,
			progress   TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_analyses_created_at ON analyses (created_at DESC);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Put upserts the full record (last write wins).
func (s *SQLiteStore) Put(ctx context.Context, rec model.AnalysisRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses (id, status, created_at, updated_at, payload, progress)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			payload = excluded.payload,
			progress = NULL
	`, rec.ID.String(), string(rec.Status),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.Format(time.RFC3339Nano),
		string(payload))
	if err != nil {
		return fmt.Errorf("store: put %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record or ErrNotFound. A stored progress snapshot, when
// newer than the payload, is layered on top.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (model.AnalysisRecord, error) {
	var payload string
	var progress sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, progress FROM analyses WHERE id = ?`, id.String(),
	).Scan(&payload, &progress)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AnalysisRecord{}, ErrNotFound
	}
	if err != nil {
		return model.AnalysisRecord{}, fmt.Errorf("store: get %s: %w", id, err)
	}

	var rec model.AnalysisRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return model.AnalysisRecord{}, fmt.Errorf("store: unmarshal record %s: %w", id, err)
	}
	if progress.Valid {
		var p model.AnalysisProgress
		if err := json.Unmarshal([]byte(progress.String), &p); err == nil {
			rec.Progress = &p
			rec.Status = p.Status
		}
	}
	return rec, nil
}

// UpdateProgress stores a progress snapshot without rewriting the payload.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id uuid.UUID, p model.AnalysisProgress) error {
	enc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal progress %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE analyses SET progress = ?, status = ?, updated_at = ? WHERE id = ?
	`, string(enc), string(p.Status), time.Now().UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return fmt.Errorf("store: update progress %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: progress rows affected %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecent returns up to limit records, newest first.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]model.AnalysisRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload, progress FROM analyses ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent: %w", err)
	}
	defer rows.Close()

	var out []model.AnalysisRecord
	for rows.Next() {
		var payload string
		var progress sql.NullString
		if err := rows.Scan(&payload, &progress); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		var rec model.AnalysisRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("store: unmarshal record: %w", err)
		}
		if progress.Valid {
			var p model.AnalysisProgress
			if err := json.Unmarshal([]byte(progress.String), &p); err == nil {
				rec.Progress = &p
				rec.Status = p.Status
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
