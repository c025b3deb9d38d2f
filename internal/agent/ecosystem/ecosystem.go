// Package ecosystem implements the ecosystem balance agent. It grounds a
// text model with retrieved knowledge snippets (biomes, species profiles,
// restoration strategies) and assesses biodiversity and restoration viability.
package ecosystem

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
	agentName    = "ecosystem_balance"
	agentVersion = "1.0.0"
)

// knownBiomes are the Brazilian biomes the agent can classify into.
var knownBiomes = []string{
	"amazonia", "cerrado", "mata_atlantica", "caatinga", "pampa", "pantanal", "coastal",
}

// Operation assesses ecosystem balance for one analysis.
type Operation struct {
	client inference.Client
	index  retrieval.Index
	logger *slog.Logger
}

// New creates the ecosystem balance operation.
func New(client inference.Client, index retrieval.Index, logger *slog.Logger) *Operation {
	return &Operation{client: client, index: index, logger: logger.With("agent", agentName)}
}

// Name implements agent.Operation.
func (o *Operation) Name() string { return agentName }

// Version implements agent.Operation.
func (o *Operation) Version() string { return agentVersion }

// Attempt implements agent.Operation. Input keys: coordinates, image_analysis
// (the vision agent's data, when running after it), focus_areas.
func (o *Operation) Attempt(ctx context.Context, input map[string]any, correlationID uuid.UUID) (*agent.Output, error) {
	snippets, err := o.index.Query(ctx, retrievalQuery(input), 5)
	if err != nil {
		// Retrieval is an enrichment, not a hard dependency.
		o.logger.Warn("knowledge retrieval failed, continuing without context",
			"correlation_id", correlationID,
			"error", err,
		)
		snippets = nil
	}

	resp, err := o.client.Generate(ctx, inference.Request{
		Prompt: buildPrompt(input, snippets),
	})
	if err != nil {
		return nil, fmt.Errorf("ecosystem: generate: %w", err)
	}

	data := parseResponse(resp.Text)
	conf := clamp01(floatField(data, "overall_confidence", 0.75))

	o.logger.Debug("ecosystem analysis parsed",
		"correlation_id", correlationID,
		"ecosystem_type", data["ecosystem_type"],
		"restoration_viability", data["restoration_viability"],
	)

	return &agent.Output{
		Data: data,
		Metadata: map[string]any{
			"model_used":          resp.Model,
			"analysis_type":       "rag_enhanced",
			"rag_documents_used":  len(snippets),
			"biome_detected":      data["ecosystem_type"],
		},
		Confidence: &conf,
		QualityMetrics: map[string]float64{
			"rag_relevance":          snippetRelevance(snippets),
			"analysis_depth":         analysisDepth(data),
			"biodiversity_coverage":  clamp01(floatField(data, "biodiversity_score", 0.5)),
			"contextual_accuracy":    conf,
		},
	}, nil
}

// retrievalQuery summarizes the request into a knowledge lookup query.
func retrievalQuery(input map[string]any) string {
	parts := []string{"ecosystem balance restoration"}
	if img, ok := input["image_analysis"].(map[string]any); ok {
		if vq, ok := img["vegetation_quality"].(string); ok {
			parts = append(parts, vq, "vegetation")
		}
		if species, ok := img["invasive_species"].([]any); ok {
			for _, s := range species {
				if sp, ok := s.(map[string]any); ok {
					if name, ok := sp["name"].(string); ok {
						parts = append(parts, name)
					}
				}
			}
		}
	}
	if coords, ok := input["coordinates"].(map[string]float64); ok {
		if lat, okLat := coords["latitude"]; okLat {
			parts = append(parts, fmt.Sprintf("latitude %v Brazil biome", lat))
		}
	}
	return strings.Join(parts, " ")
}

func buildPrompt(input map[string]any, snippets []retrieval.Snippet) string {
	var b strings.Builder
	b.WriteString(`Assess the ecological balance of this site for restoration planning.

ANALYZE:
1. Ecosystem type (one of: amazonia, cerrado, mata_atlantica, caatinga, pampa, pantanal, coastal)
2. Biodiversity state (0.0 severely depleted, 1.0 pristine)
3. Main threats (deforestation, fragmentation, invasive species, pollution, climate, urbanization, agriculture, mining)
4. Restoration viability (high|medium|low) and why

RESPOND WITH VALID JSON ONLY:
{
  "ecosystem_type": "cerrado",
  "biodiversity_score": 0.0,
  "threats": ["list of main threats"],
  "restoration_viability": "high|medium|low",
  "summary": "two-sentence ecological summary",
  "overall_confidence": 0.0
}`)

	if len(snippets) > 0 {
		b.WriteString("\n\nREFERENCE KNOWLEDGE:\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "- %s\n", s.Text)
		}
	}

	if img, ok := input["image_analysis"].(map[string]any); ok {
		if enc, err := json.Marshal(img); err == nil {
			fmt.Fprintf(&b, "\nIMAGE ANALYSIS FINDINGS:\n%s\n", enc)
		}
	}
	if coords, ok := input["coordinates"].(map[string]float64); ok {
		if lat, okLat := coords["latitude"]; okLat {
			if lng, okLng := coords["longitude"]; okLng {
				fmt.Fprintf(&b, "\nLOCATION: lat %v, lng %v", lat, lng)
			}
		}
	}
	return b.String()
}

// parseResponse normalizes the model reply with conservative defaults.
func parseResponse(text string) map[string]any {
	var data map[string]any
	if err := json.Unmarshal([]byte(inference.ExtractJSON(text)), &data); err != nil || data == nil {
		data = map[string]any{}
	}

	et, _ := data["ecosystem_type"].(string)
	if !validBiome(et) {
		data["ecosystem_type"] = "unknown"
	}
	data["biodiversity_score"] = clamp01(floatField(data, "biodiversity_score", 0.5))
	data["overall_confidence"] = clamp01(floatField(data, "overall_confidence", 0.75))
	if _, ok := data["threats"].([]any); !ok {
		data["threats"] = []any{}
	}
	switch data["restoration_viability"] {
	case "high", "medium", "low":
	default:
		data["restoration_viability"] = "medium"
	}
	if _, ok := data["summary"].(string); !ok {
		data["summary"] = ""
	}
	return data
}

func validBiome(b string) bool {
	for _, known := range knownBiomes {
		if b == known {
			return true
		}
	}
	return false
}

// analysisDepth scores how many substantive fields the model filled in.
func analysisDepth(data map[string]any) float64 {
	depth := 0.0
	if data["ecosystem_type"] != "unknown" {
		depth += 0.25
	}
	if threats, ok := data["threats"].([]any); ok && len(threats) > 0 {
		depth += 0.25
	}
	if s, ok := data["summary"].(string); ok && s != "" {
		depth += 0.25
	}
	if floatField(data, "biodiversity_score", 0.5) != 0.5 {
		depth += 0.25
	}
	return depth
}

func snippetRelevance(snippets []retrieval.Snippet) float64 {
	if len(snippets) == 0 {
		return 0
	}
	var sum float64
	for _, s := range snippets {
		sum += float64(s.Score)
	}
	return clamp01(sum / float64(len(snippets)))
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

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
