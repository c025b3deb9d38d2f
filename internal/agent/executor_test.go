package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/canopy-eco/canopy/internal/model"
	"github.com/canopy-eco/canopy/internal/testutil"
)

// fakeOp is a scriptable Operation for executor tests.
type fakeOp struct {
	name     string
	calls    atomic.Int32
	failN    int32         // first failN attempts error out
	delay    time.Duration // per-attempt sleep, honoring ctx
	panicMsg string
}

func (f *fakeOp) Name() string    { return f.name }
func (f *fakeOp) Version() string { return "1.0.0" }

func (f *fakeOp) Attempt(ctx context.Context, input map[string]any, correlationID uuid.UUID) (*Output, error) {
	n := f.calls.Add(1)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if n <= f.failN {
		return nil, errors.New("attempt failed")
	}
	conf := 0.9
	return &Output{
		Data:       map[string]any{"ok": true},
		Metadata:   map[string]any{"attempt": int(n)},
		Confidence: &conf,
	}, nil
}

func testConfig() Config {
	return Config{
		Timeout:     200 * time.Millisecond,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	}
}

func TestProcessSuccess(t *testing.T) {
	op := &fakeOp{name: "vision"}
	ex := NewExecutor(op, testConfig(), testutil.TestLogger())

	res := ex.Process(context.Background(), map[string]any{}, uuid.New())

	if res.Status != model.AgentStatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.ErrorCode != "" {
		t.Errorf("unexpected error code %q", res.ErrorCode)
	}
	if res.Confidence == nil || *res.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", res.Confidence)
	}
	if res.CompletedAt == nil || res.ProcessingTimeSeconds == nil {
		t.Error("completion fields not populated")
	}
	if got := ex.Health().Status; got != model.AgentStatusIdle {
		t.Errorf("executor status after Process = %s, want idle", got)
	}
}

func TestProcessRetriesThenSucceeds(t *testing.T) {
	op := &fakeOp{name: "vision", failN: 2}
	ex := NewExecutor(op, testConfig(), testutil.TestLogger())

	res := ex.Process(context.Background(), nil, uuid.New())

	if res.Status != model.AgentStatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if got := op.calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestProcessExhaustsRetries(t *testing.T) {
	op := &fakeOp{name: "vision", failN: 100}
	ex := NewExecutor(op, testConfig(), testutil.TestLogger())

	res := ex.Process(context.Background(), nil, uuid.New())

	if res.Status != model.AgentStatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.ErrorCode != model.ErrCodeAgentProcessing {
		t.Errorf("error code = %q, want %q", res.ErrorCode, model.ErrCodeAgentProcessing)
	}
	if got := op.calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want exactly 3", got)
	}
	if got := ex.Health().Status; got != model.AgentStatusIdle {
		t.Errorf("executor status after Process = %s, want idle", got)
	}
}

func TestProcessTimeout(t *testing.T) {
	op := &fakeOp{name: "vision", delay: time.Second}
	ex := NewExecutor(op, Config{
		Timeout:     30 * time.Millisecond,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	}, testutil.TestLogger())

	res := ex.Process(context.Background(), nil, uuid.New())

	if res.Status != model.AgentStatusTimedOut {
		t.Fatalf("status = %s, want timed_out", res.Status)
	}
	if res.ErrorCode != model.ErrCodeAgentTimeout {
		t.Errorf("error code = %q, want %q", res.ErrorCode, model.ErrCodeAgentTimeout)
	}
	// The timeout must abandon remaining retries rather than burn them all.
	if got := op.calls.Load(); got > 1 {
		t.Errorf("attempts = %d, want 1 (deadline abandons retries)", got)
	}
}

func TestProcessRecoversPanic(t *testing.T) {
	op := &fakeOp{name: "vision", panicMsg: "boom"}
	ex := NewExecutor(op, testConfig(), testutil.TestLogger())

	res := ex.Process(context.Background(), nil, uuid.New())

	if res.Status != model.AgentStatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.ErrorCode != model.ErrCodeAgentProcessing {
		t.Errorf("error code = %q, want %q", res.ErrorCode, model.ErrCodeAgentProcessing)
	}
	if got := ex.Health().Status; got != model.AgentStatusIdle {
		t.Errorf("executor status after panic = %s, want idle", got)
	}
}

func TestProcessConcurrent(t *testing.T) {
	op := &fakeOp{name: "vision", delay: 5 * time.Millisecond}
	ex := NewExecutor(op, testConfig(), testutil.TestLogger())

	const n = 8
	results := make(chan model.AgentResult, n)
	for range n {
		go func() {
			results <- ex.Process(context.Background(), nil, uuid.New())
		}()
	}
	for range n {
		res := <-results
		if res.Status != model.AgentStatusCompleted {
			t.Errorf("status = %s, want completed", res.Status)
		}
	}
	if got := ex.Health().Status; got != model.AgentStatusIdle {
		t.Errorf("executor status after concurrent runs = %s, want idle", got)
	}
}

func TestHealthSnapshot(t *testing.T) {
	op := &fakeOp{name: "vision"}
	ex := NewExecutor(op, testConfig(), testutil.TestLogger())

	h := ex.Health()
	if h.Name != "vision" || h.Version != "1.0.0" {
		t.Errorf("identity = %s/%s, want vision/1.0.0", h.Name, h.Version)
	}
	if h.Status != model.AgentStatusIdle {
		t.Errorf("status = %s, want idle", h.Status)
	}
	if h.MaxRetries != 3 {
		t.Errorf("max retries = %d, want 3", h.MaxRetries)
	}
	if op.calls.Load() != 0 {
		t.Error("Health must not invoke the operation")
	}
}

func TestProcessingErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &ProcessingError{Agent: "vision", Attempts: 3, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("ProcessingError should unwrap to the inner error")
	}
}
