package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/canopy-eco/canopy/internal/inference"
	"github.com/canopy-eco/canopy/internal/retrieval"
	"github.com/canopy-eco/canopy/internal/testutil"
)

type stubClient struct {
	text string
	err  error
}

func (s stubClient) Generate(context.Context, inference.Request) (inference.Response, error) {
	return inference.Response{Text: s.text, Model: "stub"}, s.err
}
func (s stubClient) Model() string                 { return "stub" }
func (s stubClient) Healthy(context.Context) error { return nil }

type stubIndex struct{}

func (stubIndex) Query(context.Context, string, int) ([]retrieval.Snippet, error) { return nil, nil }
func (stubIndex) Healthy(context.Context) error                                   { return nil }
func (stubIndex) Close() error                                                    { return nil }

func upstreamInput() map[string]any {
	return map[string]any{
		"image_analysis": map[string]any{
			"mosquito_risk": "high",
		},
		"ecosystem_analysis": map[string]any{
			"ecosystem_type": "cerrado",
			"threats":        []any{"invasive species"},
		},
	}
}

func TestAttemptSuccess(t *testing.T) {
	reply := `{"actions": [
		{"category": "invasive_control", "description": "remove water hyacinth from the lake margin by manual extraction", "priority": 1, "cost_brl": 5000, "timeframe": "3 weeks"},
		{"category": "vector_control", "description": "drain and cover all standing water containers on site", "priority": 1, "cost_brl": 800, "timeframe": "1 week"}
	], "estimated_cost_brl": 5800, "expected_outcomes": ["reduced breeding sites"], "overall_confidence": 0.85}`
	op := New(stubClient{text: reply}, stubIndex{}, testutil.TestLogger())

	out, err := op.Attempt(context.Background(), upstreamInput(), uuid.New())
	if err != nil {
		t.Fatalf("Attempt() error: %v", err)
	}
	actions := out.Data["actions"].([]any)
	if len(actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(actions))
	}
	if out.Confidence == nil || *out.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", out.Confidence)
	}
	if out.QualityMetrics["cost_coverage"] != 1.0 {
		t.Errorf("cost_coverage = %v, want 1.0", out.QualityMetrics["cost_coverage"])
	}
}

func TestAttemptRequiresUpstreamAnalysis(t *testing.T) {
	op := New(stubClient{text: "{}"}, stubIndex{}, testutil.TestLogger())
	if _, err := op.Attempt(context.Background(), map[string]any{}, uuid.New()); err == nil {
		t.Fatal("expected error when both upstream analyses are missing")
	}
}

func TestAttemptInferenceError(t *testing.T) {
	op := New(stubClient{err: errors.New("backend down")}, stubIndex{}, testutil.TestLogger())
	if _, err := op.Attempt(context.Background(), upstreamInput(), uuid.New()); err == nil {
		t.Fatal("expected error when inference fails")
	}
}

func TestParseResponseMinimalPlanFallback(t *testing.T) {
	data := parseResponse("nothing useful")
	actions := data["actions"].([]any)
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1 fallback action", len(actions))
	}
	act := actions[0].(map[string]any)
	if act["category"] != "monitoring" {
		t.Errorf("fallback category = %v, want monitoring", act["category"])
	}
	if data["estimated_cost_brl"].(float64) <= 0 {
		t.Error("fallback plan should carry a cost estimate")
	}
}

func TestParseResponseNormalizesActions(t *testing.T) {
	data := parseResponse(`{"actions": [
		{"category": "terraforming", "description": "do something vague", "priority": 9, "cost_brl": -100},
		{"priority": 1},
		{"category": "revegetation", "description": "plant 200 native seedlings along the riparian strip", "priority": 0}
	]}`)
	actions := data["actions"].([]any)
	// The description-less action is dropped.
	if len(actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(actions))
	}
	first := actions[0].(map[string]any)
	if first["category"] != "maintenance" {
		t.Errorf("unknown category normalized to %v, want maintenance", first["category"])
	}
	if first["priority"] != 5.0 {
		t.Errorf("priority = %v, want clamped to 5", first["priority"])
	}
	if first["cost_brl"] != 0.0 {
		t.Errorf("cost_brl = %v, want floored at 0", first["cost_brl"])
	}
	second := actions[1].(map[string]any)
	if second["priority"] != 1.0 {
		t.Errorf("priority = %v, want raised to 1", second["priority"])
	}
	// Total cost recomputed from actions when the model omits it.
	if data["estimated_cost_brl"] != 0.0 {
		t.Errorf("estimated_cost_brl = %v, want 0.0", data["estimated_cost_brl"])
	}
}
