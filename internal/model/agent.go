// Package model defines the core domain types shared across Canopy packages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus describes what an agent executor is doing right now.
type AgentStatus string

const (
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusProcessing AgentStatus = "processing"
	AgentStatusCompleted  AgentStatus = "completed"
	AgentStatusFailed     AgentStatus = "failed"
	AgentStatusTimedOut   AgentStatus = "timed_out"
)

// Agent-level error codes recorded on failed results.
const (
	ErrCodeAgentTimeout    = "AGENT_TIMEOUT"
	ErrCodeAgentProcessing = "AGENT_PROCESSING_ERROR"
)

// AgentResult is the outcome of one agent invocation. It is immutable once
// returned by the executor; callers copy before mutating.
type AgentResult struct {
	AgentName             string             `json:"agent_name"`
	AgentVersion          string             `json:"agent_version"`
	CorrelationID         uuid.UUID          `json:"correlation_id"`
	Status                AgentStatus        `json:"status"`
	StartedAt             time.Time          `json:"started_at"`
	CompletedAt           *time.Time         `json:"completed_at,omitempty"`
	ProcessingTimeSeconds *float64           `json:"processing_time_seconds,omitempty"`
	Data                  map[string]any     `json:"data,omitempty"`
	Metadata              map[string]any     `json:"metadata,omitempty"`
	ErrorCode             string             `json:"error_code,omitempty"`
	ErrorMessage          string             `json:"error_message,omitempty"`
	Confidence            *float64           `json:"confidence,omitempty"`
	QualityMetrics        map[string]float64 `json:"quality_metrics,omitempty"`
}

// Succeeded reports whether the invocation produced a usable payload.
func (r AgentResult) Succeeded() bool {
	return r.Status == AgentStatusCompleted
}

// AgentHealth is a point-in-time snapshot of one executor.
type AgentHealth struct {
	Name          string      `json:"name"`
	Version       string      `json:"version"`
	Status        AgentStatus `json:"status"`
	CurrentID     *uuid.UUID  `json:"current_id,omitempty"`
	TimeoutSecs   float64     `json:"timeout_seconds"`
	MaxRetries    int         `json:"max_retries"`
	Healthy       bool        `json:"healthy"`
	LastCheckedAt time.Time   `json:"last_checked_at"`
}
