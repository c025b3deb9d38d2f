package model

// RiskLevel is a coarse risk classification used across agents.
type RiskLevel string

const (
	RiskHigh          RiskLevel = "high"
	RiskMedium        RiskLevel = "medium"
	RiskLow           RiskLevel = "low"
	RiskNotApplicable RiskLevel = "n/a"
)

// InvasiveSpecies is one identified invasive species occurrence.
type InvasiveSpecies struct {
	Name       string    `json:"name"` // scientific name (common name)
	Risk       RiskLevel `json:"risk"`
	Confidence float64   `json:"confidence"`
	Location   string    `json:"location,omitempty"` // position within the image
	Density    string    `json:"density,omitempty"`
	Notes      string    `json:"notes,omitempty"`
}

// RecoveryAction is one step of the generated restoration plan.
type RecoveryAction struct {
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Priority    int     `json:"priority"` // 1 is most urgent
	CostBRL     float64 `json:"cost_brl,omitempty"`
	Timeframe   string  `json:"timeframe,omitempty"`
}

// AnalysisResult is the composite outcome assembled from all pipeline stages.
type AnalysisResult struct {
	MosquitoRisk         RiskLevel          `json:"mosquito_risk"`
	BreedingSites        []string           `json:"breeding_sites,omitempty"`
	InvasiveSpecies      []InvasiveSpecies  `json:"invasive_species"`
	VegetationCoverage   float64            `json:"vegetation_coverage"` // 0.0 to 1.0
	DegradationSigns     []string           `json:"degradation_signs,omitempty"`
	EcosystemType        string             `json:"ecosystem_type,omitempty"`
	EcosystemSummary     string             `json:"ecosystem_summary,omitempty"`
	BiodiversityScore    *float64           `json:"biodiversity_score,omitempty"`
	RestorationViability string             `json:"restoration_viability,omitempty"`
	RecoveryActions      []RecoveryAction   `json:"recovery_actions,omitempty"`
	OverallConfidence    *float64           `json:"overall_confidence,omitempty"`
	QualityMetrics       map[string]float64 `json:"quality_metrics,omitempty"`
}
