// Package store persists analysis records. Three implementations share one
// interface: Postgres (pgx) for multi-instance deployments, sqlite for
// single-node, and an in-memory map for tests.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/canopy-eco/canopy/internal/model"
)

// ErrNotFound is returned when no record exists for the given id.
var ErrNotFound = errors.New("store: analysis not found")

// Store persists analysis records. Put is a last-write-wins upsert of the
// full record; UpdateProgress touches only the progress snapshot.
// Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, rec model.AnalysisRecord) error
	Get(ctx context.Context, id uuid.UUID) (model.AnalysisRecord, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, p model.AnalysisProgress) error
	ListRecent(ctx context.Context, limit int) ([]model.AnalysisRecord, error)
	Ping(ctx context.Context) error
	Close() error
}
