// Package lifecycle tracks analyses from submission to terminal state: it
// gates work behind an initialization health check, runs the orchestrator in
// a background goroutine per analysis, persists every transition, and serves
// lookups from a short-lived in-memory registry backed by the store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/canopy-eco/canopy/internal/model"
	"github.com/canopy-eco/canopy/internal/orchestrator"
	"github.com/canopy-eco/canopy/internal/store"
)

var (
	// ErrNotInitialized is returned by Start before Initialize has succeeded.
	ErrNotInitialized = errors.New("lifecycle: manager not initialized")
	// ErrNotFound is returned when an analysis id is unknown.
	ErrNotFound = errors.New("lifecycle: analysis not found")
	// ErrCannotCancel is returned when the analysis has already settled.
	ErrCannotCancel = errors.New("lifecycle: analysis already settled")
)

// Probe is one named dependency health check consulted during Initialize.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Health is the aggregate health snapshot served by /health.
type Health struct {
	Healthy        bool                `json:"healthy"`
	Initialized    bool                `json:"initialized"`
	ActiveAnalyses int                 `json:"active_analyses"`
	Agents         []model.AgentHealth `json:"agents"`
}

// Config tunes the manager.
type Config struct {
	// Grace is how long a settled record stays in the registry before
	// eviction; the store copy remains. Default 5m.
	Grace time.Duration
	// PipelineTimeout bounds one full analysis run. Default 10m.
	PipelineTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = 5 * time.Minute
	}
	if c.PipelineTimeout <= 0 {
		c.PipelineTimeout = 10 * time.Minute
	}
	return c
}

// Manager owns the analysis lifecycle.
type Manager struct {
	orc    *orchestrator.Orchestrator
	st     store.Store
	probes []Probe
	cfg    Config
	logger *slog.Logger

	mu          sync.RWMutex
	active      map[uuid.UUID]model.AnalysisRecord
	initialized bool
}

// New creates a manager. Initialize must succeed before Start accepts work.
func New(orc *orchestrator.Orchestrator, st store.Store, probes []Probe, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		orc:    orc,
		st:     st,
		probes: probes,
		cfg:    cfg.withDefaults(),
		logger: logger,
		active: make(map[uuid.UUID]model.AnalysisRecord),
	}
}

// Initialize runs all dependency probes concurrently and opens the gate when
// every one succeeds. Safe to call again after a failure.
func (m *Manager) Initialize(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range m.probes {
		g.Go(func() error {
			if err := p.Check(gctx); err != nil {
				return fmt.Errorf("lifecycle: probe %s: %w", p.Name, err)
			}
			m.logger.Debug("probe passed", "probe", p.Name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	m.logger.Info("lifecycle manager initialized", "probes", len(m.probes))
	return nil
}

// Start validates the request, persists a pending record, and launches the
// background runner. The returned record is the caller's tracking handle.
func (m *Manager) Start(ctx context.Context, req model.AnalysisRequest) (model.AnalysisRecord, error) {
	m.mu.RLock()
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized {
		return model.AnalysisRecord{}, ErrNotInitialized
	}

	if err := req.Validate(); err != nil {
		return model.AnalysisRecord{}, err
	}

	now := time.Now().UTC()
	rec := model.AnalysisRecord{
		ID:          uuid.New(),
		Status:      model.AnalysisStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Filename:    req.Filename,
		Coordinates: req.Coordinates,
		Progress: &model.AnalysisProgress{
			Status:          model.AnalysisStatusPending,
			ProgressPercent: 0,
			CurrentStep:     "queued",
			UpdatedAt:       now,
		},
	}
	rec.Progress.AnalysisID = rec.ID

	// The initial persist is fatal: without a store copy the analysis would
	// be invisible after registry eviction.
	if err := m.st.Put(ctx, rec); err != nil {
		return model.AnalysisRecord{}, fmt.Errorf("lifecycle: persist new analysis: %w", err)
	}

	m.mu.Lock()
	m.active[rec.ID] = rec
	m.mu.Unlock()

	m.logger.Info("analysis started", "analysis_id", rec.ID, "filename", req.Filename)

	// Detach from the request context so an HTTP disconnect doesn't kill
	// the pipeline.
	go m.run(context.WithoutCancel(ctx), rec.ID, req)

	return rec, nil
}

// run executes one analysis to its terminal state.
func (m *Manager) run(ctx context.Context, id uuid.UUID, req model.AnalysisRequest) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PipelineTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("analysis runner panicked", "analysis_id", id, "panic", r)
			m.settle(ctx, id, model.AnalysisStatusFailed, nil, fmt.Sprintf("internal error: %v", r))
		}
	}()

	started := time.Now()
	m.updateProgress(ctx, id, model.AnalysisStatusProcessing, 10, "starting analysis", "")

	input := map[string]any{
		"image_data": req.ImageData,
		"image_type": req.ImageType,
		"filename":   req.Filename,
	}
	if req.Coordinates != nil {
		input["coordinates"] = req.Coordinates
	}
	if len(req.FocusAreas) > 0 {
		input["focus_areas"] = req.FocusAreas
	}
	for k, v := range req.Metadata {
		if _, taken := input[k]; !taken {
			input[k] = v
		}
	}

	hooks := orchestrator.Hooks{
		Canceled: func() bool {
			m.mu.RLock()
			defer m.mu.RUnlock()
			rec, ok := m.active[id]
			return ok && rec.Status == model.AnalysisStatusCancelled
		},
		Progress: func(percent float64, step string) {
			m.updateProgress(ctx, id, model.AnalysisStatusProcessing, percent, step, "")
		},
	}

	res, err := m.orc.Run(ctx, input, id, hooks)
	elapsed := time.Since(started).Seconds()

	switch {
	case errors.Is(err, orchestrator.ErrCanceled):
		m.logger.Info("analysis cancelled", "analysis_id", id, "elapsed_s", elapsed)
		m.settle(ctx, id, model.AnalysisStatusCancelled, res, "")
	case err != nil:
		m.logger.Error("analysis failed", "analysis_id", id, "error", err, "elapsed_s", elapsed)
		m.settle(ctx, id, model.AnalysisStatusFailed, res, err.Error())
	default:
		m.logger.Info("analysis completed", "analysis_id", id, "elapsed_s", elapsed)
		m.settleCompleted(ctx, id, res, elapsed)
	}
}

// settleCompleted writes the terminal Completed record.
func (m *Manager) settleCompleted(ctx context.Context, id uuid.UUID, res *orchestrator.Result, elapsed float64) {
	m.mu.Lock()
	rec, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	// A cancel that raced the final stage wins; terminal records are
	// immutable apart from UpdatedAt.
	if rec.Status == model.AnalysisStatusCancelled {
		m.mu.Unlock()
		m.settle(ctx, id, model.AnalysisStatusCancelled, res, "")
		return
	}
	now := time.Now().UTC()
	rec.Status = model.AnalysisStatusCompleted
	rec.UpdatedAt = now
	rec.Result = res.Data
	rec.AgentResults = res.AgentResults
	rec.Synthesis = res.Synthesis
	rec.ProcessingTimeSeconds = &elapsed
	rec.Progress = &model.AnalysisProgress{
		AnalysisID:      id,
		Status:          model.AnalysisStatusCompleted,
		ProgressPercent: 100,
		CurrentStep:     "done",
		UpdatedAt:       now,
	}
	m.active[id] = rec
	m.mu.Unlock()

	m.persist(ctx, rec)
	m.scheduleEviction(id)
}

// settle writes a terminal Failed or Cancelled record, attaching whatever
// partial agent results the orchestrator produced.
func (m *Manager) settle(ctx context.Context, id uuid.UUID, status model.AnalysisStatus, res *orchestrator.Result, errMsg string) {
	m.mu.Lock()
	rec, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	// A cancel that raced the failing stage wins; terminal records are
	// immutable apart from UpdatedAt.
	if rec.Status == model.AnalysisStatusCancelled && status != model.AnalysisStatusCancelled {
		status = model.AnalysisStatusCancelled
		errMsg = ""
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.UpdatedAt = now
	rec.ErrorMessage = errMsg
	if res != nil {
		rec.AgentResults = res.AgentResults
		rec.Synthesis = res.Synthesis
	}
	percent := 0.0
	step := "failed"
	if status == model.AnalysisStatusCancelled {
		step = "cancelled"
	}
	rec.Progress = &model.AnalysisProgress{
		AnalysisID:      id,
		Status:          status,
		ProgressPercent: percent,
		CurrentStep:     step,
		ErrorMessage:    errMsg,
		UpdatedAt:       now,
	}
	m.active[id] = rec
	m.mu.Unlock()

	m.persist(ctx, rec)
	m.scheduleEviction(id)
}

// persist writes the final record. The terminal state must not be lost
// silently, so failures are logged loudly.
func (m *Manager) persist(ctx context.Context, rec model.AnalysisRecord) {
	if err := m.st.Put(ctx, rec); err != nil {
		m.logger.Error("persist terminal record failed",
			"analysis_id", rec.ID,
			"status", rec.Status,
			"error", err,
		)
	}
}

// updateProgress updates the registry and, best effort, the store.
func (m *Manager) updateProgress(ctx context.Context, id uuid.UUID, status model.AnalysisStatus, percent float64, step, errMsg string) {
	now := time.Now().UTC()
	p := model.AnalysisProgress{
		AnalysisID:      id,
		Status:          status,
		ProgressPercent: percent,
		CurrentStep:     step,
		ErrorMessage:    errMsg,
		UpdatedAt:       now,
	}

	m.mu.Lock()
	rec, ok := m.active[id]
	terminal := ok && rec.Status.IsTerminal()
	if ok && !terminal {
		rec.Status = status
		rec.UpdatedAt = now
		rec.Progress = &p
		m.active[id] = rec
	}
	m.mu.Unlock()
	// A settled record never regresses to a processing snapshot, in the
	// registry or in the store.
	if !ok || terminal {
		return
	}

	if err := m.st.UpdateProgress(ctx, id, p); err != nil {
		m.logger.Warn("progress update not persisted",
			"analysis_id", id,
			"percent", percent,
			"error", err,
		)
	}
}

// scheduleEviction drops the settled record from the registry after the
// grace period; the store copy remains the source of truth.
func (m *Manager) scheduleEviction(id uuid.UUID) {
	time.AfterFunc(m.cfg.Grace, func() {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		m.logger.Debug("analysis evicted from registry", "analysis_id", id)
	})
}

// Get returns the current record: registry first, store fallback.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (model.AnalysisRecord, error) {
	m.mu.RLock()
	rec, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		return rec, nil
	}

	rec, err := m.st.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.AnalysisRecord{}, ErrNotFound
	}
	if err != nil {
		return model.AnalysisRecord{}, fmt.Errorf("lifecycle: load analysis: %w", err)
	}
	return rec, nil
}

// Cancel requests cooperative cancellation. Only pending or processing
// analyses can be cancelled; the runner observes the flag at the next stage
// boundary, so in-flight stages still finish.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	rec, ok := m.active[id]
	if ok {
		if rec.Status.IsTerminal() {
			m.mu.Unlock()
			return ErrCannotCancel
		}
		now := time.Now().UTC()
		rec.Status = model.AnalysisStatusCancelled
		rec.UpdatedAt = now
		rec.Progress = &model.AnalysisProgress{
			AnalysisID:      id,
			Status:          model.AnalysisStatusCancelled,
			ProgressPercent: 0,
			CurrentStep:     "cancelled",
			UpdatedAt:       now,
		}
		m.active[id] = rec
		m.mu.Unlock()

		m.logger.Info("analysis cancel requested", "analysis_id", id)
		m.persist(ctx, rec)
		return nil
	}
	m.mu.Unlock()

	// Not in the registry: either unknown, settled and evicted, or orphaned
	// by a crash. An orphaned non-terminal record is settled directly.
	stored, err := m.st.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lifecycle: load analysis: %w", err)
	}
	if stored.Status.IsTerminal() {
		return ErrCannotCancel
	}
	stored.Status = model.AnalysisStatusCancelled
	stored.UpdatedAt = time.Now().UTC()
	m.persist(ctx, stored)
	return nil
}

// ListRecent returns recent analyses from the store, newest first.
func (m *Manager) ListRecent(ctx context.Context, limit int) ([]model.AnalysisRecord, error) {
	recs, err := m.st.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list recent: %w", err)
	}
	return recs, nil
}

// Health aggregates executor snapshots and registry state. The manager is
// unhealthy until Initialize has succeeded.
func (m *Manager) Health(ctx context.Context) Health {
	m.mu.RLock()
	initialized := m.initialized
	var activeCount int
	for _, rec := range m.active {
		if !rec.Status.IsTerminal() {
			activeCount++
		}
	}
	m.mu.RUnlock()

	var agents []model.AgentHealth
	for _, ex := range m.orc.Executors() {
		agents = append(agents, ex.Health())
	}

	return Health{
		Healthy:        initialized,
		Initialized:    initialized,
		ActiveAnalyses: activeCount,
		Agents:         agents,
	}
}
