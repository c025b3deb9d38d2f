// Package recovery implements the recovery plan agent. It turns the combined
// image, ecosystem, and synthesis findings into a prioritized restoration
// plan with rough cost estimates.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/canopy-eco/canopy/internal/agent"
	"github.com/canopy-eco/canopy/internal/inference"
	"github.com/canopy-eco/canopy/internal/retrieval"
)

const (
	agentName    = "recovery_plan"
	agentVersion = "1.0.0"
)

// Action categories a plan may use.
var actionCategories = []string{
	"invasive_control", "revegetation", "vector_control", "soil_conservation",
	"water_management", "monitoring", "education", "maintenance",
}

// Rough per-unit cost factors in BRL, used to sanity-check model estimates.
var costFactors = map[string]float64{
	"native_seedling":    15.0,   // per seedling
	"invasive_removal":   50.0,   // per m²
	"monitoring_system":  5000.0, // per system
	"education_program":  2000.0, // per program
	"monthly_upkeep":     800.0,  // per month
	"equipment_set":      3000.0, // per set
	"specialist_workday": 150.0,  // per day
}

// Operation generates the restoration plan.
type Operation struct {
	client inference.Client
	index  retrieval.Index
	logger *slog.Logger
}

// New creates the recovery plan operation.
func New(client inference.Client, index retrieval.Index, logger *slog.Logger) *Operation {
	return &Operation{client: client, index: index, logger: logger.With("agent", agentName)}
}

// Name implements agent.Operation.
func (o *Operation) Name() string { return agentName }

// Version implements agent.Operation.
func (o *Operation) Version() string { return agentVersion }

// Attempt implements agent.Operation. Input keys: image_analysis,
// ecosystem_analysis, synthesis, coordinates, area_size_m2.
func (o *Operation) Attempt(ctx context.Context, input map[string]any, correlationID uuid.UUID) (*agent.Output, error) {
	img, _ := input["image_analysis"].(map[string]any)
	eco, _ := input["ecosystem_analysis"].(map[string]any)
	if img == nil && eco == nil {
		return nil, fmt.Errorf("recovery: at least one upstream analysis is required")
	}

	snippets, err := o.index.Query(ctx, retrievalQuery(img, eco), 5)
	if err != nil {
		o.logger.Warn("strategy retrieval failed, continuing without context",
			"correlation_id", correlationID,
			"error", err,
		)
		snippets = nil
	}

	resp, err := o.client.Generate(ctx, inference.Request{
		Prompt: buildPrompt(input, snippets),
	})
	if err != nil {
		return nil, fmt.Errorf("recovery: generate: %w", err)
	}

	data := parseResponse(resp.Text)
	conf := clamp01(floatField(data, "overall_confidence", 0.8))
	actions := listField(data, "actions")

	o.logger.Debug("recovery plan parsed",
		"correlation_id", correlationID,
		"action_count", len(actions),
		"estimated_cost_brl", data["estimated_cost_brl"],
	)

	return &agent.Output{
		Data: data,
		Metadata: map[string]any{
			"model_used":         resp.Model,
			"analysis_type":      "plan_generation",
			"rag_documents_used": len(snippets),
		},
		Confidence: &conf,
		QualityMetrics: map[string]float64{
			"plan_completeness":  planCompleteness(data),
			"action_specificity": actionSpecificity(actions),
			"cost_coverage":      costCoverage(actions),
		},
	}, nil
}

func retrievalQuery(img, eco map[string]any) string {
	parts := []string{"restoration strategy"}
	if eco != nil {
		if et, ok := eco["ecosystem_type"].(string); ok {
			parts = append(parts, et)
		}
		if threats, ok := eco["threats"].([]any); ok {
			for _, t := range threats {
				if s, ok := t.(string); ok {
					parts = append(parts, s)
				}
			}
		}
	}
	if img != nil {
		if risk, ok := img["mosquito_risk"].(string); ok && risk != "low" {
			parts = append(parts, "mosquito vector control")
		}
	}
	return strings.Join(parts, " ")
}

func buildPrompt(input map[string]any, snippets []retrieval.Snippet) string {
	var b strings.Builder
	b.WriteString(`Generate an environmental restoration plan from the findings below.

REQUIREMENTS:
- 4 to 8 concrete actions, each with a category from: ` + strings.Join(actionCategories, ", ") + `
- Priority 1 (most urgent) to 5
- Rough cost per action in BRL and a realistic timeframe
- Address every identified threat and any mosquito breeding risk

RESPOND WITH VALID JSON ONLY:
{
  "actions": [
    {"category": "invasive_control", "description": "specific action", "priority": 1,
     "cost_brl": 0.0, "timeframe": "e.g. 2 weeks"}
  ],
  "estimated_cost_brl": 0.0,
  "estimated_duration_months": 0,
  "expected_outcomes": ["measurable outcomes"],
  "overall_confidence": 0.0
}`)

	if len(snippets) > 0 {
		b.WriteString("\n\nREFERENCE STRATEGIES:\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "- %s\n", s.Text)
		}
	}
	for _, key := range []string{"image_analysis", "ecosystem_analysis", "synthesis"} {
		if section, ok := input[key].(map[string]any); ok {
			if enc, err := json.Marshal(section); err == nil {
				fmt.Fprintf(&b, "\n%s:\n%s\n", strings.ToUpper(key), enc)
			}
		}
	}
	if area, ok := input["area_size_m2"].(float64); ok && area > 0 {
		fmt.Fprintf(&b, "\nSITE AREA: %.0f m²", area)
	}
	return b.String()
}

// parseResponse normalizes the plan with conservative defaults. A reply with
// no parseable actions still yields a minimal monitoring-only plan.
func parseResponse(text string) map[string]any {
	var data map[string]any
	if err := json.Unmarshal([]byte(inference.ExtractJSON(text)), &data); err != nil || data == nil {
		data = map[string]any{}
	}

	actions := listField(data, "actions")
	normalized := make([]any, 0, len(actions))
	for _, a := range actions {
		act, ok := a.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := act["description"].(string); !ok {
			continue
		}
		if cat, ok := act["category"].(string); !ok || !validCategory(cat) {
			act["category"] = "maintenance"
		}
		p := floatField(act, "priority", 3)
		if p < 1 {
			p = 1
		}
		if p > 5 {
			p = 5
		}
		act["priority"] = p
		if floatField(act, "cost_brl", 0) < 0 {
			act["cost_brl"] = 0.0
		}
		normalized = append(normalized, act)
	}
	if len(normalized) == 0 {
		normalized = append(normalized, map[string]any{
			"category":    "monitoring",
			"description": "establish baseline environmental monitoring before intervention",
			"priority":    1.0,
			"cost_brl":    costFactors["monitoring_system"],
			"timeframe":   "1 month",
		})
	}
	data["actions"] = normalized

	if floatField(data, "estimated_cost_brl", 0) <= 0 {
		var total float64
		for _, a := range normalized {
			if act, ok := a.(map[string]any); ok {
				total += floatField(act, "cost_brl", 0)
			}
		}
		data["estimated_cost_brl"] = total
	}
	if _, ok := data["expected_outcomes"].([]any); !ok {
		data["expected_outcomes"] = []any{}
	}
	data["overall_confidence"] = clamp01(floatField(data, "overall_confidence", 0.8))
	return data
}

func validCategory(c string) bool {
	for _, known := range actionCategories {
		if c == known {
			return true
		}
	}
	return false
}

func planCompleteness(data map[string]any) float64 {
	score := 0.0
	if len(listField(data, "actions")) >= 4 {
		score += 0.4
	} else {
		score += 0.2
	}
	if floatField(data, "estimated_cost_brl", 0) > 0 {
		score += 0.3
	}
	if len(listField(data, "expected_outcomes")) > 0 {
		score += 0.3
	}
	return score
}

func actionSpecificity(actions []any) float64 {
	if len(actions) == 0 {
		return 0
	}
	var specific int
	for _, a := range actions {
		if act, ok := a.(map[string]any); ok {
			if desc, ok := act["description"].(string); ok && len(desc) > 30 {
				specific++
			}
		}
	}
	return float64(specific) / float64(len(actions))
}

func costCoverage(actions []any) float64 {
	if len(actions) == 0 {
		return 0
	}
	var costed int
	for _, a := range actions {
		if act, ok := a.(map[string]any); ok {
			if floatField(act, "cost_brl", 0) > 0 {
				costed++
			}
		}
	}
	return float64(costed) / float64(len(actions))
}

func floatField(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func listField(m map[string]any, key string) []any {
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
