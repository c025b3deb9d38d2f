package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/canopy-eco/canopy/internal/agent"
	"github.com/canopy-eco/canopy/internal/inference"
	"github.com/canopy-eco/canopy/internal/model"
	"github.com/canopy-eco/canopy/internal/orchestrator"
	"github.com/canopy-eco/canopy/internal/store"
	"github.com/canopy-eco/canopy/internal/testutil"
)

// stubOp is a controllable agent operation for lifecycle tests.
type stubOp struct {
	name  string
	delay time.Duration
	fail  atomic.Bool
	calls atomic.Int32
}

func (s *stubOp) Name() string    { return s.name }
func (s *stubOp) Version() string { return "0.0.0-test" }

func (s *stubOp) Attempt(ctx context.Context, _ map[string]any, _ uuid.UUID) (*agent.Output, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.fail.Load() {
		return nil, fmt.Errorf("stub %s: induced failure", s.name)
	}
	conf := 0.9
	return &agent.Output{
		Data:       map[string]any{"stub": s.name},
		Confidence: &conf,
	}, nil
}

type harness struct {
	mgr   *Manager
	st    store.Store
	img   *stubOp
	eco   *stubOp
	rec   *stubOp
	probe atomic.Int32
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := testutil.TestLogger()

	h := &harness{
		st:  store.NewMemoryStore(),
		img: &stubOp{name: "image_analysis"},
		eco: &stubOp{name: "ecosystem_balance"},
		rec: &stubOp{name: "recovery_plan"},
	}

	execCfg := agent.Config{Timeout: 5 * time.Second, MaxRetries: 1, BackoffBase: time.Millisecond}
	orc, err := orchestrator.New(
		agent.NewExecutor(h.img, execCfg, logger),
		agent.NewExecutor(h.eco, execCfg, logger),
		agent.NewExecutor(h.rec, execCfg, logger),
		inference.NewNoopClient(),
		0.6,
		logger,
	)
	require.NoError(t, err)

	probes := []Probe{{
		Name: "stub",
		Check: func(context.Context) error {
			h.probe.Add(1)
			return nil
		},
	}}
	h.mgr = New(orc, h.st, probes, cfg, logger)
	return h
}

func validRequest() model.AnalysisRequest {
	return model.AnalysisRequest{
		ImageData: "aGVsbG8=",
		ImageType: "image/png",
		Filename:  "site.png",
	}
}

// waitTerminal polls until the analysis reaches a terminal status.
func waitTerminal(t *testing.T, m *Manager, id uuid.UUID) model.AnalysisRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := m.Get(context.Background(), id)
		require.NoError(t, err)
		if rec.Status.IsTerminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("analysis never reached a terminal state")
	return model.AnalysisRecord{}
}

func TestStartRequiresInitialize(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.mgr.Start(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, h.mgr.Initialize(context.Background()))
	require.EqualValues(t, 1, h.probe.Load())

	_, err = h.mgr.Start(context.Background(), validRequest())
	require.NoError(t, err)
}

func TestInitializeFailsWhenProbeFails(t *testing.T) {
	h := newHarness(t, Config{})
	h.mgr.probes = append(h.mgr.probes, Probe{
		Name:  "broken",
		Check: func(context.Context) error { return errors.New("dependency down") },
	})

	err := h.mgr.Initialize(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken")

	// The gate stays closed after a failed Initialize.
	_, err = h.mgr.Start(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.mgr.Initialize(context.Background()))

	req := validRequest()
	req.ImageType = "image/tiff"
	_, err := h.mgr.Start(context.Background(), req)
	require.Error(t, err)
}

func TestAnalysisRunsToCompletion(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.mgr.Initialize(ctx))

	rec, err := h.mgr.Start(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, model.AnalysisStatusPending, rec.Status)

	final := waitTerminal(t, h.mgr, rec.ID)
	require.Equal(t, model.AnalysisStatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	require.NotNil(t, final.ProcessingTimeSeconds)
	require.NotNil(t, final.Progress)
	require.Equal(t, 100.0, final.Progress.ProgressPercent)
	require.Len(t, final.AgentResults, 3)

	// The terminal record is persisted, not just cached.
	stored, err := h.st.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.AnalysisStatusCompleted, stored.Status)
}

func TestAnalysisFailureKeepsPartialResults(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.mgr.Initialize(ctx))

	h.rec.fail.Store(true)

	rec, err := h.mgr.Start(ctx, validRequest())
	require.NoError(t, err)

	final := waitTerminal(t, h.mgr, rec.ID)
	require.Equal(t, model.AnalysisStatusFailed, final.Status)
	require.NotEmpty(t, final.ErrorMessage)
	require.Nil(t, final.Result)

	// Both fan-out branches succeeded before recovery failed; their results
	// survive on the record.
	require.Equal(t, model.AgentStatusCompleted, final.AgentResults["image_analysis"].Status)
	require.Equal(t, model.AgentStatusCompleted, final.AgentResults["ecosystem_balance"].Status)
}

func TestCancelDuringProcessing(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.mgr.Initialize(ctx))

	// Slow the fan-out stage so the cancel lands before the next boundary.
	h.img.delay = 300 * time.Millisecond
	h.eco.delay = 300 * time.Millisecond

	rec, err := h.mgr.Start(ctx, validRequest())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.mgr.Cancel(ctx, rec.ID))

	final := waitTerminal(t, h.mgr, rec.ID)
	require.Equal(t, model.AnalysisStatusCancelled, final.Status)
	// The recovery stage never ran.
	require.EqualValues(t, 0, h.rec.calls.Load())
}

func TestCancelWinsOverRacingFailure(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.mgr.Initialize(ctx))

	// The fan-out stages are slow and the imagery branch will fail, so the
	// cancel lands mid-stage and the stage failure settles after it.
	h.img.fail.Store(true)
	h.img.delay = 300 * time.Millisecond
	h.eco.delay = 300 * time.Millisecond

	rec, err := h.mgr.Start(ctx, validRequest())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.mgr.Cancel(ctx, rec.ID))

	// The runner has settled once the partial branch results land in the
	// store; the cancelled status must survive that settle.
	require.Eventually(t, func() bool {
		stored, getErr := h.st.Get(ctx, rec.ID)
		return getErr == nil && len(stored.AgentResults) > 0
	}, 5*time.Second, 10*time.Millisecond)

	stored, err := h.st.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.AnalysisStatusCancelled, stored.Status)
	require.Empty(t, stored.ErrorMessage)

	got, err := h.mgr.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.AnalysisStatusCancelled, got.Status)
}

func TestProgressNeverRegressesSettledRecord(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	now := time.Now().UTC()
	rec := model.AnalysisRecord{
		ID:        uuid.New(),
		Status:    model.AnalysisStatusCancelled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.st.Put(ctx, rec))
	h.mgr.mu.Lock()
	h.mgr.active[rec.ID] = rec
	h.mgr.mu.Unlock()

	// A late progress update from an in-flight stage must not touch the
	// registry or the store copy.
	h.mgr.updateProgress(ctx, rec.ID, model.AnalysisStatusProcessing, 60, "synthesizing findings", "")

	got, err := h.mgr.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.AnalysisStatusCancelled, got.Status)

	stored, err := h.st.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.AnalysisStatusCancelled, stored.Status)
	require.Nil(t, stored.Progress)
}

func TestCancelSettledAnalysis(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.mgr.Initialize(ctx))

	rec, err := h.mgr.Start(ctx, validRequest())
	require.NoError(t, err)
	waitTerminal(t, h.mgr, rec.ID)

	require.ErrorIs(t, h.mgr.Cancel(ctx, rec.ID), ErrCannotCancel)
}

func TestCancelUnknownAnalysis(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.mgr.Initialize(context.Background()))

	require.ErrorIs(t, h.mgr.Cancel(context.Background(), uuid.New()), ErrNotFound)
}

func TestGetFallsBackToStore(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	// A record present only in the store (e.g. written before a restart).
	orphan := model.AnalysisRecord{
		ID:        uuid.New(),
		Status:    model.AnalysisStatusCompleted,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.st.Put(ctx, orphan))

	got, err := h.mgr.Get(ctx, orphan.ID)
	require.NoError(t, err)
	require.Equal(t, orphan.ID, got.ID)

	_, err = h.mgr.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryEvictionAfterGrace(t *testing.T) {
	h := newHarness(t, Config{Grace: 50 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, h.mgr.Initialize(ctx))

	rec, err := h.mgr.Start(ctx, validRequest())
	require.NoError(t, err)
	waitTerminal(t, h.mgr, rec.ID)

	require.Eventually(t, func() bool {
		h.mgr.mu.RLock()
		_, ok := h.mgr.active[rec.ID]
		h.mgr.mu.RUnlock()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// Still served from the store after eviction.
	got, err := h.mgr.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.AnalysisStatusCompleted, got.Status)
}

func TestHealthSnapshot(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	health := h.mgr.Health(ctx)
	require.False(t, health.Healthy)
	require.Len(t, health.Agents, 3)

	require.NoError(t, h.mgr.Initialize(ctx))

	h.img.delay = 200 * time.Millisecond
	h.eco.delay = 200 * time.Millisecond
	rec, err := h.mgr.Start(ctx, validRequest())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	health = h.mgr.Health(ctx)
	require.True(t, health.Healthy)
	require.Equal(t, 1, health.ActiveAnalyses)

	waitTerminal(t, h.mgr, rec.ID)
	health = h.mgr.Health(ctx)
	require.Equal(t, 0, health.ActiveAnalyses)
}

func TestListRecent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.mgr.Initialize(ctx))

	rec, err := h.mgr.Start(ctx, validRequest())
	require.NoError(t, err)
	waitTerminal(t, h.mgr, rec.ID)

	recs, err := h.mgr.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
}
