// Package vision implements the image analysis agent. It sends the uploaded
// image to a vision-capable model and extracts mosquito breeding risk,
// invasive species sightings, and vegetation condition.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/canopy-eco/canopy/internal/agent"
	"github.com/canopy-eco/canopy/internal/inference"
	"github.com/canopy-eco/canopy/internal/model"
)

const (
	agentName    = "image_analysis"
	agentVersion = "1.0.0"
)

// Operation analyzes one environmental image.
type Operation struct {
	client inference.Client
	logger *slog.Logger
}

// New creates the image analysis operation.
func New(client inference.Client, logger *slog.Logger) *Operation {
	return &Operation{client: client, logger: logger.With("agent", agentName)}
}

// Name implements agent.Operation.
func (o *Operation) Name() string { return agentName }

// Version implements agent.Operation.
func (o *Operation) Version() string { return agentVersion }

// Attempt implements agent.Operation. Input keys: image_data (base64 string,
// optional data-URL prefix), image_type, filename, coordinates, focus_areas.
func (o *Operation) Attempt(ctx context.Context, input map[string]any, correlationID uuid.UUID) (*agent.Output, error) {
	imageData, _ := input["image_data"].(string)
	imageType, _ := input["image_type"].(string)

	raw, err := decodeImage(imageData)
	if err != nil {
		return nil, fmt.Errorf("vision: %w", err)
	}

	prompt := buildPrompt(input)
	resp, err := o.client.Generate(ctx, inference.Request{
		Prompt: prompt,
		Images: []inference.Image{{MIMEType: imageType, Data: raw}},
	})
	if err != nil {
		return nil, fmt.Errorf("vision: generate: %w", err)
	}

	data := parseResponse(resp.Text)
	conf := clamp01(floatField(data, "overall_confidence", 0.6))

	o.logger.Debug("image analysis parsed",
		"correlation_id", correlationID,
		"mosquito_risk", data["mosquito_risk"],
		"species_count", len(listField(data, "invasive_species")),
	)

	return &agent.Output{
		Data: data,
		Metadata: map[string]any{
			"model_used":    resp.Model,
			"analysis_type": "vision",
			"image_bytes":   len(raw),
		},
		Confidence: &conf,
		QualityMetrics: map[string]float64{
			"image_quality":          clamp01(floatField(data, "image_quality", 0.7)),
			"detection_confidence":   conf,
			"species_identification": speciesConfidence(data),
		},
	}, nil
}

// decodeImage strips any data-URL prefix and decodes base64, enforcing the
// size bound.
func decodeImage(imageData string) ([]byte, error) {
	if imageData == "" {
		return nil, fmt.Errorf("image_data is required")
	}
	if idx := strings.Index(imageData, ","); idx != -1 {
		imageData = imageData[idx+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(imageData)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image data: %w", err)
	}
	if len(raw) > model.MaxImageBytes {
		return nil, fmt.Errorf("image too large: %d bytes (max %d)", len(raw), model.MaxImageBytes)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty image data")
	}
	return raw, nil
}

func buildPrompt(input map[string]any) string {
	var b strings.Builder
	b.WriteString(`Analyze this environmental image for ecological recovery planning. Be precise and specific.

REQUIRED ANALYSIS:

1. AEDES AEGYPTI / MOSQUITO BREEDING:
- Identify potential breeding sites (standing water containers, tires, pots, gutters)
- Assess conditions favoring proliferation (shade, clean water, temperature)
- Classify risk: high (multiple sites), medium (few sites), low (none)

2. INVASIVE SPECIES:
- Giant African snail (Achatina fulica): large shell, dark stripes
- Water hyacinth (Eichhornia crassipes): purple flowers, rounded leaves
- Guinea grass (Panicum maximum): tall dense grass
- Any other visible invasive species
- For each: scientific name, ecological risk, location in image

3. ENVIRONMENTAL CONDITIONS:
- Vegetation coverage (0.0 = bare, 1.0 = fully covered)
- Vegetation quality (native vs invasive vs degraded)
- Degradation signs (erosion, litter, pollution, deforestation)
- Water presence (rivers, lakes, flooding)

RESPOND WITH VALID JSON ONLY:
{
  "mosquito_risk": "high|medium|low",
  "breeding_sites": ["specific sites found"],
  "invasive_species": [
    {"name": "Scientific name (common name)", "risk": "high|medium|low",
     "confidence": 0.0, "location": "position in image", "density": "low|medium|high"}
  ],
  "vegetation_coverage": 0.0,
  "vegetation_quality": "native|mixed|invasive|degraded",
  "degradation_signs": ["specific problems observed"],
  "water_presence": {"has_water": false, "type": "river|lake|flood|container|none", "quality": "clean|turbid|polluted"},
  "overall_confidence": 0.0
}`)

	if coords, ok := input["coordinates"].(map[string]float64); ok {
		if lat, okLat := coords["latitude"]; okLat {
			if lng, okLng := coords["longitude"]; okLng {
				fmt.Fprintf(&b, "\n\nGEOGRAPHIC CONTEXT: image captured at lat %v, lng %v", lat, lng)
			}
		}
	}
	if areas, ok := input["focus_areas"].([]string); ok && len(areas) > 0 {
		fmt.Fprintf(&b, "\n\nSPECIAL FOCUS: prioritize analysis of: %s", strings.Join(areas, ", "))
	}
	return b.String()
}

// parseResponse extracts and normalizes the model's JSON reply. Missing or
// malformed fields get conservative defaults rather than failing the attempt.
func parseResponse(text string) map[string]any {
	var data map[string]any
	if err := json.Unmarshal([]byte(inference.ExtractJSON(text)), &data); err != nil || data == nil {
		data = map[string]any{}
	}

	if _, ok := data["mosquito_risk"].(string); !ok {
		data["mosquito_risk"] = "medium"
	}
	switch data["mosquito_risk"] {
	case "high", "medium", "low":
	default:
		data["mosquito_risk"] = "medium"
	}

	if _, ok := data["invasive_species"].([]any); !ok {
		data["invasive_species"] = []any{}
	}
	if _, ok := data["breeding_sites"].([]any); !ok {
		data["breeding_sites"] = []any{}
	}
	if _, ok := data["degradation_signs"].([]any); !ok {
		data["degradation_signs"] = []any{}
	}
	data["vegetation_coverage"] = clamp01(floatField(data, "vegetation_coverage", 0.5))
	data["overall_confidence"] = clamp01(floatField(data, "overall_confidence", 0.6))

	for _, s := range listField(data, "invasive_species") {
		sp, ok := s.(map[string]any)
		if !ok {
			continue
		}
		sp["confidence"] = clamp01(floatField(sp, "confidence", 0.7))
		switch sp["risk"] {
		case "high", "medium", "low":
		default:
			sp["risk"] = "medium"
		}
	}
	return data
}

// speciesConfidence averages per-species confidences, defaulting when none.
func speciesConfidence(data map[string]any) float64 {
	species := listField(data, "invasive_species")
	if len(species) == 0 {
		return 0.5
	}
	var sum float64
	var n int
	for _, s := range species {
		if sp, ok := s.(map[string]any); ok {
			sum += floatField(sp, "confidence", 0.7)
			n++
		}
	}
	if n == 0 {
		return 0.5
	}
	return sum / float64(n)
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
