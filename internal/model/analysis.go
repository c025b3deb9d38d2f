package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnalysisStatus is the lifecycle status of a tracked analysis.
type AnalysisStatus string

const (
	AnalysisStatusPending    AnalysisStatus = "pending"
	AnalysisStatusProcessing AnalysisStatus = "processing"
	AnalysisStatusCompleted  AnalysisStatus = "completed"
	AnalysisStatusFailed     AnalysisStatus = "failed"
	AnalysisStatusCancelled  AnalysisStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s AnalysisStatus) IsTerminal() bool {
	switch s {
	case AnalysisStatusCompleted, AnalysisStatusFailed, AnalysisStatusCancelled:
		return true
	}
	return false
}

// Supported image MIME subtypes for analysis uploads.
var supportedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// MaxImageBytes bounds the decoded image payload size.
const MaxImageBytes = 10 * 1024 * 1024

// AnalysisRequest is the client-supplied input for one analysis.
type AnalysisRequest struct {
	ImageData   string             `json:"image_data"` // base64, optional data-URL prefix
	ImageType   string             `json:"image_type"`
	Filename    string             `json:"filename,omitempty"`
	Coordinates map[string]float64 `json:"coordinates,omitempty"` // latitude, longitude
	FocusAreas  []string           `json:"focus_areas,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// Validate checks the request is structurally sound before any work starts.
func (r AnalysisRequest) Validate() error {
	if r.ImageData == "" {
		return fmt.Errorf("model: image_data is required")
	}
	if !supportedImageTypes[r.ImageType] {
		return fmt.Errorf("model: unsupported image type %q", r.ImageType)
	}
	if r.Coordinates != nil {
		lat, okLat := r.Coordinates["latitude"]
		lng, okLng := r.Coordinates["longitude"]
		if !okLat || !okLng {
			return fmt.Errorf("model: coordinates must include latitude and longitude")
		}
		if lat < -90 || lat > 90 {
			return fmt.Errorf("model: latitude %v out of range", lat)
		}
		if lng < -180 || lng > 180 {
			return fmt.Errorf("model: longitude %v out of range", lng)
		}
	}
	return nil
}

// AnalysisProgress is the externally observable progress of an analysis.
type AnalysisProgress struct {
	AnalysisID      uuid.UUID      `json:"analysis_id"`
	Status          AnalysisStatus `json:"status"`
	ProgressPercent float64        `json:"progress_percent"`
	CurrentStep     string         `json:"current_step,omitempty"`
	Message         string         `json:"message,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Equal reports whether two progress snapshots are observably identical.
// UpdatedAt is excluded so that pure timestamp churn does not count as change.
func (p AnalysisProgress) Equal(o AnalysisProgress) bool {
	return p.AnalysisID == o.AnalysisID &&
		p.Status == o.Status &&
		p.ProgressPercent == o.ProgressPercent &&
		p.CurrentStep == o.CurrentStep &&
		p.Message == o.Message &&
		p.ErrorMessage == o.ErrorMessage
}

// AnalysisRecord is the full tracked state of one analysis.
// Invariant: exactly one status at a time; once terminal, only UpdatedAt moves.
type AnalysisRecord struct {
	ID                    uuid.UUID              `json:"id"`
	Status                AnalysisStatus         `json:"status"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
	Filename              string                 `json:"filename,omitempty"`
	Coordinates           map[string]float64     `json:"coordinates,omitempty"`
	Result                *AnalysisResult        `json:"result,omitempty"`
	Progress              *AnalysisProgress      `json:"progress,omitempty"`
	ErrorMessage          string                 `json:"error_message,omitempty"`
	ProcessingTimeSeconds *float64               `json:"processing_time_seconds,omitempty"`
	AgentResults          map[string]AgentResult `json:"agent_results,omitempty"`
	Synthesis             map[string]any         `json:"synthesis,omitempty"`
}
