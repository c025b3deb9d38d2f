// Package orchestrator runs the multi-agent analysis pipeline: image and
// ecosystem analysis fan out concurrently, a synthesis step merges their
// findings, and the recovery plan agent consumes everything downstream.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/canopy-eco/canopy/internal/agent"
	"github.com/canopy-eco/canopy/internal/inference"
	"github.com/canopy-eco/canopy/internal/model"
)

// Stage names as they appear in StageError and progress labels.
const (
	StageImageAnalysis    = "image_analysis"
	StageEcosystemBalance = "ecosystem_balance"
	StageRecoveryPlan     = "recovery_plan"
)

// ErrCanceled is returned when the Canceled hook reports true at a stage
// boundary. Running stages are never interrupted mid-flight.
var ErrCanceled = errors.New("orchestrator: analysis canceled")

// StageError reports which pipeline stage failed for which analysis.
type StageError struct {
	Stage         string
	CorrelationID uuid.UUID
	Err           error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("orchestrator: stage %s failed for %s: %v", e.Stage, e.CorrelationID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Hooks lets the lifecycle manager observe and steer a run.
// Both fields are optional.
type Hooks struct {
	// Canceled is consulted at every stage boundary; when it returns true
	// the run stops with ErrCanceled.
	Canceled func() bool
	// Progress receives stage-boundary progress (percent, step label).
	Progress func(percent float64, step string)
}

func (h Hooks) canceled() bool {
	return h.Canceled != nil && h.Canceled()
}

func (h Hooks) progress(percent float64, step string) {
	if h.Progress != nil {
		h.Progress(percent, step)
	}
}

// Result is the composite outcome of one pipeline run. It is non-nil even
// when Run returns an error, so partial agent results can be persisted.
type Result struct {
	Data           *model.AnalysisResult
	AgentResults   map[string]model.AgentResult
	Synthesis      map[string]any
	Confidence     *float64
	QualityMetrics map[string]float64
}

// Orchestrator coordinates the executors for one analysis pipeline.
// It never retries; retry policy lives inside each executor.
type Orchestrator struct {
	imagery         *agent.Executor
	ecosystem       *agent.Executor
	recovery        *agent.Executor
	synth           inference.Client
	fallbackQuality float64
	logger          *slog.Logger
}

// New validates the wiring up front so a misconfigured orchestrator can
// never partially execute a pipeline.
func New(imagery, ecosystem, recovery *agent.Executor, synth inference.Client, fallbackQuality float64, logger *slog.Logger) (*Orchestrator, error) {
	if imagery == nil || ecosystem == nil || recovery == nil {
		return nil, fmt.Errorf("orchestrator: all three executors are required")
	}
	if synth == nil {
		return nil, fmt.Errorf("orchestrator: synthesis client is required")
	}
	if fallbackQuality < 0 || fallbackQuality > 1 {
		return nil, fmt.Errorf("orchestrator: fallback quality %v out of [0,1]", fallbackQuality)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		imagery:         imagery,
		ecosystem:       ecosystem,
		recovery:        recovery,
		synth:           synth,
		fallbackQuality: fallbackQuality,
		logger:          logger,
	}, nil
}

// Executors returns the wrapped executors for health aggregation.
func (o *Orchestrator) Executors() []*agent.Executor {
	return []*agent.Executor{o.imagery, o.ecosystem, o.recovery}
}

// Run executes the full pipeline for one request. The returned Result is
// always non-nil; on StageError it carries every agent result produced so
// far, failed branches included.
func (o *Orchestrator) Run(ctx context.Context, req map[string]any, correlationID uuid.UUID, hooks Hooks) (*Result, error) {
	res := &Result{AgentResults: map[string]model.AgentResult{}}

	if hooks.canceled() {
		return res, ErrCanceled
	}
	hooks.progress(20, "running image and ecosystem analysis")

	// Fan out the two independent stages. Wait for both; a failing branch
	// never cancels its sibling, so the surviving result is still recorded.
	var wg sync.WaitGroup
	branchResults := make([]model.AgentResult, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		branchResults[0] = o.imagery.Process(ctx, req, correlationID)
	}()
	go func() {
		defer wg.Done()
		branchResults[1] = o.ecosystem.Process(ctx, req, correlationID)
	}()
	wg.Wait()

	imgResult, ecoResult := branchResults[0], branchResults[1]
	res.AgentResults[StageImageAnalysis] = imgResult
	res.AgentResults[StageEcosystemBalance] = ecoResult

	if !imgResult.Succeeded() {
		return res, &StageError{
			Stage:         StageImageAnalysis,
			CorrelationID: correlationID,
			Err:           branchError(imgResult),
		}
	}
	if !ecoResult.Succeeded() {
		return res, &StageError{
			Stage:         StageEcosystemBalance,
			CorrelationID: correlationID,
			Err:           branchError(ecoResult),
		}
	}

	if hooks.canceled() {
		return res, ErrCanceled
	}
	hooks.progress(60, "synthesizing findings")

	res.Synthesis = o.synthesize(ctx, imgResult.Data, ecoResult.Data, correlationID)

	if hooks.canceled() {
		return res, ErrCanceled
	}
	hooks.progress(75, "generating recovery plan")

	recoveryInput := map[string]any{
		"image_analysis":     imgResult.Data,
		"ecosystem_analysis": ecoResult.Data,
		"synthesis":          res.Synthesis,
	}
	for k, v := range req {
		if _, taken := recoveryInput[k]; !taken {
			recoveryInput[k] = v
		}
	}
	recResult := o.recovery.Process(ctx, recoveryInput, correlationID)
	res.AgentResults[StageRecoveryPlan] = recResult
	if !recResult.Succeeded() {
		return res, &StageError{
			Stage:         StageRecoveryPlan,
			CorrelationID: correlationID,
			Err:           branchError(recResult),
		}
	}

	hooks.progress(95, "assembling results")

	res.Confidence = meanConfidence(imgResult.Confidence, ecoResult.Confidence, recResult.Confidence)
	res.QualityMetrics = mergeQualityMetrics(res.Synthesis, imgResult, ecoResult, recResult)
	res.Data = assembleResult(imgResult.Data, ecoResult.Data, recResult.Data, res.Confidence, res.QualityMetrics)

	return res, nil
}

// synthesize merges the two branch payloads through one inference call.
// Any internal failure degrades to a conservative fallback object instead
// of failing the pipeline.
func (o *Orchestrator) synthesize(ctx context.Context, imgData, ecoData map[string]any, correlationID uuid.UUID) map[string]any {
	prompt, err := synthesisPrompt(imgData, ecoData)
	if err == nil {
		var resp inference.Response
		resp, err = o.synth.Generate(ctx, inference.Request{Prompt: prompt})
		if err == nil {
			var synthesis map[string]any
			if jsonErr := json.Unmarshal([]byte(inference.ExtractJSON(resp.Text)), &synthesis); jsonErr == nil && synthesis != nil {
				if _, ok := synthesis["quality_score"]; !ok {
					synthesis["quality_score"] = o.fallbackQuality
				}
				return synthesis
			}
			err = fmt.Errorf("orchestrator: unparseable synthesis reply")
		}
	}

	o.logger.Warn("synthesis failed, using fallback",
		"correlation_id", correlationID,
		"error", err,
	)
	return map[string]any{
		"quality_score": o.fallbackQuality,
		"fallback":      true,
		"summary":       "synthesis unavailable; individual agent findings stand on their own",
	}
}

func synthesisPrompt(imgData, ecoData map[string]any) (string, error) {
	img, err := json.Marshal(imgData)
	if err != nil {
		return "", fmt.Errorf("orchestrator: marshal image findings: %w", err)
	}
	eco, err := json.Marshal(ecoData)
	if err != nil {
		return "", fmt.Errorf("orchestrator: marshal ecosystem findings: %w", err)
	}
	return fmt.Sprintf(`Cross-check these two independent environmental analyses of the same site.
Identify agreements, contradictions, and combined risk.

RESPOND WITH VALID JSON ONLY:
{
  "summary": "two-sentence combined assessment",
  "agreements": ["points where both analyses agree"],
  "contradictions": ["points of disagreement"],
  "combined_risk": "high|medium|low",
  "quality_score": 0.0
}

IMAGE ANALYSIS:
%s

ECOSYSTEM ANALYSIS:
%s`, img, eco), nil
}

// branchError converts a failed AgentResult into a wrapped error.
func branchError(r model.AgentResult) error {
	return fmt.Errorf("%s: %s", r.ErrorCode, r.ErrorMessage)
}

// meanConfidence averages the non-nil confidences; nil values are excluded
// from the mean rather than counted as zero.
func meanConfidence(confs ...*float64) *float64 {
	var sum float64
	var n int
	for _, c := range confs {
		if c != nil {
			sum += *c
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}

func mergeQualityMetrics(synthesis map[string]any, results ...model.AgentResult) map[string]float64 {
	merged := map[string]float64{}
	for _, r := range results {
		for k, v := range r.QualityMetrics {
			merged[r.AgentName+"."+k] = v
		}
	}
	if qs, ok := synthesis["quality_score"].(float64); ok {
		merged["synthesis.quality_score"] = qs
	}
	return merged
}

// assembleResult flattens the agent payloads into the typed composite result.
func assembleResult(imgData, ecoData, recData map[string]any, confidence *float64, quality map[string]float64) *model.AnalysisResult {
	out := &model.AnalysisResult{
		MosquitoRisk:      model.RiskNotApplicable,
		OverallConfidence: confidence,
		QualityMetrics:    quality,
	}

	if risk, ok := imgData["mosquito_risk"].(string); ok {
		out.MosquitoRisk = model.RiskLevel(risk)
	}
	out.BreedingSites = stringList(imgData["breeding_sites"])
	out.DegradationSigns = stringList(imgData["degradation_signs"])
	if cov, ok := imgData["vegetation_coverage"].(float64); ok {
		out.VegetationCoverage = cov
	}
	out.InvasiveSpecies = []model.InvasiveSpecies{}
	if species, ok := imgData["invasive_species"].([]any); ok {
		for _, s := range species {
			sp, ok := s.(map[string]any)
			if !ok {
				continue
			}
			entry := model.InvasiveSpecies{Risk: model.RiskMedium}
			entry.Name, _ = sp["name"].(string)
			if risk, ok := sp["risk"].(string); ok {
				entry.Risk = model.RiskLevel(risk)
			}
			if conf, ok := sp["confidence"].(float64); ok {
				entry.Confidence = conf
			}
			entry.Location, _ = sp["location"].(string)
			entry.Density, _ = sp["density"].(string)
			out.InvasiveSpecies = append(out.InvasiveSpecies, entry)
		}
	}

	out.EcosystemType, _ = ecoData["ecosystem_type"].(string)
	out.EcosystemSummary, _ = ecoData["summary"].(string)
	if score, ok := ecoData["biodiversity_score"].(float64); ok {
		out.BiodiversityScore = &score
	}
	out.RestorationViability, _ = ecoData["restoration_viability"].(string)

	if actions, ok := recData["actions"].([]any); ok {
		for _, a := range actions {
			act, ok := a.(map[string]any)
			if !ok {
				continue
			}
			entry := model.RecoveryAction{}
			entry.Category, _ = act["category"].(string)
			entry.Description, _ = act["description"].(string)
			if p, ok := act["priority"].(float64); ok {
				entry.Priority = int(p)
			}
			if c, ok := act["cost_brl"].(float64); ok {
				entry.CostBRL = c
			}
			entry.Timeframe, _ = act["timeframe"].(string)
			out.RecoveryActions = append(out.RecoveryActions, entry)
		}
	}

	return out
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
