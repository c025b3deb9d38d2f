package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canopy-eco/canopy/internal/model"
)

// MemoryStore keeps records in a mutex-guarded map. Data does not survive a
// restart; used in tests and as a fallback when no store is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]model.AnalysisRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]model.AnalysisRecord)}
}

// Put upserts the full record.
func (s *MemoryStore) Put(_ context.Context, rec model.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	s.records[rec.ID] = rec
	return nil
}

// Get returns the record or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (model.AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return model.AnalysisRecord{}, ErrNotFound
	}
	return rec, nil
}

// UpdateProgress stores a new progress snapshot on an existing record.
func (s *MemoryStore) UpdateProgress(_ context.Context, id uuid.UUID, p model.AnalysisProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Progress = &p
	rec.Status = p.Status
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return nil
}

// ListRecent returns up to limit records, newest first.
func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]model.AnalysisRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AnalysisRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
