// Package agent provides the retry/timeout execution wrapper shared by all
// analysis agents. An Executor owns exactly one Operation and converts its
// attempts into an immutable model.AgentResult, never letting an error escape.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canopy-eco/canopy/internal/model"
)

// Output is what a single successful attempt produces.
type Output struct {
	Data           map[string]any
	Metadata       map[string]any
	Confidence     *float64
	QualityMetrics map[string]float64
}

// Operation is one analysis capability (vision, ecosystem balance, recovery
// plan). Attempt is called up to MaxRetries times per Process invocation and
// must respect ctx cancellation.
type Operation interface {
	Name() string
	Version() string
	Attempt(ctx context.Context, input map[string]any, correlationID uuid.UUID) (*Output, error)
}

// Config bounds one executor's retry and timeout behavior.
type Config struct {
	Timeout     time.Duration // overall budget covering all attempts
	MaxRetries  int           // total attempts, not extra retries
	BackoffBase time.Duration // sleep before attempt n is BackoffBase << (n-1)
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	return c
}

// ProcessingError wraps the last attempt error after retries are exhausted.
type ProcessingError struct {
	Agent         string
	CorrelationID uuid.UUID
	Attempts      int
	Err           error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("agent %s: %d attempts failed for %s: %v", e.Agent, e.Attempts, e.CorrelationID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Executor wraps an Operation with timeout, retry, and status tracking.
// Safe for concurrent use; the status fields are a best-effort observability
// snapshot, not a serialization mechanism.
type Executor struct {
	op     Operation
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	status    model.AgentStatus
	currentID *uuid.UUID
}

// NewExecutor creates an executor for op. Zero-valued Config fields fall back
// to defaults (120s timeout, 3 attempts, 1s backoff base).
func NewExecutor(op Operation, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		op:     op,
		cfg:    cfg.withDefaults(),
		logger: logger.With("agent", op.Name()),
		status: model.AgentStatusIdle,
	}
}

// Name returns the wrapped operation's name.
func (e *Executor) Name() string { return e.op.Name() }

// Process runs the operation with retries under the overall timeout and
// returns a fully populated result. It never returns an error: failures and
// timeouts are encoded on the result's Status/ErrorCode fields. The executor
// always returns to Idle, even on panic inside the operation.
func (e *Executor) Process(ctx context.Context, input map[string]any, correlationID uuid.UUID) model.AgentResult {
	started := time.Now().UTC()

	e.setStatus(model.AgentStatusProcessing, &correlationID)
	e.logger.Info("agent processing started",
		"correlation_id", correlationID,
		"timeout", e.cfg.Timeout,
		"max_retries", e.cfg.MaxRetries,
	)

	result := model.AgentResult{
		AgentName:     e.op.Name(),
		AgentVersion:  e.op.Version(),
		CorrelationID: correlationID,
		StartedAt:     started,
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	type outcome struct {
		out *Output
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("agent %s: panic: %v", e.op.Name(), r)}
			}
		}()
		out, err := e.runAttempts(attemptCtx, input, correlationID)
		done <- outcome{out: out, err: err}
	}()

	var status model.AgentStatus
	select {
	case <-attemptCtx.Done():
		// Overall deadline or caller cancellation wins over remaining retries.
		status = model.AgentStatusTimedOut
		result.ErrorCode = model.ErrCodeAgentTimeout
		result.ErrorMessage = fmt.Sprintf("agent %s timed out after %s", e.op.Name(), e.cfg.Timeout)
		e.logger.Warn("agent timed out",
			"correlation_id", correlationID,
			"timeout", e.cfg.Timeout,
		)
	case oc := <-done:
		if oc.err != nil && attemptCtx.Err() != nil {
			// The attempt loop observed the deadline itself; classify as
			// a timeout, not a processing failure.
			status = model.AgentStatusTimedOut
			result.ErrorCode = model.ErrCodeAgentTimeout
			result.ErrorMessage = fmt.Sprintf("agent %s timed out after %s", e.op.Name(), e.cfg.Timeout)
			e.logger.Warn("agent timed out",
				"correlation_id", correlationID,
				"timeout", e.cfg.Timeout,
			)
		} else if oc.err != nil {
			status = model.AgentStatusFailed
			result.ErrorCode = model.ErrCodeAgentProcessing
			result.ErrorMessage = oc.err.Error()
			e.logger.Error("agent failed",
				"correlation_id", correlationID,
				"error", oc.err,
			)
		} else {
			status = model.AgentStatusCompleted
			result.Data = oc.out.Data
			result.Metadata = oc.out.Metadata
			result.Confidence = oc.out.Confidence
			result.QualityMetrics = oc.out.QualityMetrics
		}
	}

	completed := time.Now().UTC()
	elapsed := completed.Sub(started).Seconds()
	result.Status = status
	result.CompletedAt = &completed
	result.ProcessingTimeSeconds = &elapsed

	e.setStatus(status, &correlationID)
	e.setStatus(model.AgentStatusIdle, nil)

	e.logger.Info("agent processing finished",
		"correlation_id", correlationID,
		"status", status,
		"elapsed_s", elapsed,
	)
	return result
}

// runAttempts executes up to MaxRetries attempts with exponential backoff.
func (e *Executor) runAttempts(ctx context.Context, input map[string]any, correlationID uuid.UUID) (*Output, error) {
	var lastErr error
	for attempt := range e.cfg.MaxRetries {
		if attempt > 0 {
			wait := e.cfg.BackoffBase << (attempt - 1)
			e.logger.Info("agent retrying",
				"correlation_id", correlationID,
				"attempt", attempt+1,
				"wait", wait,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		out, err := e.op.Attempt(ctx, input, correlationID)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("agent attempt failed",
			"correlation_id", correlationID,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return nil, &ProcessingError{
		Agent:         e.op.Name(),
		CorrelationID: correlationID,
		Attempts:      e.cfg.MaxRetries,
		Err:           lastErr,
	}
}

// Health returns a snapshot of the executor without side effects.
func (e *Executor) Health() model.AgentHealth {
	e.mu.Lock()
	defer e.mu.Unlock()

	var current *uuid.UUID
	if e.currentID != nil {
		id := *e.currentID
		current = &id
	}
	return model.AgentHealth{
		Name:          e.op.Name(),
		Version:       e.op.Version(),
		Status:        e.status,
		CurrentID:     current,
		TimeoutSecs:   e.cfg.Timeout.Seconds(),
		MaxRetries:    e.cfg.MaxRetries,
		Healthy:       true,
		LastCheckedAt: time.Now().UTC(),
	}
}

func (e *Executor) setStatus(status model.AgentStatus, id *uuid.UUID) {
	e.mu.Lock()
	e.status = status
	e.currentID = id
	e.mu.Unlock()
}
