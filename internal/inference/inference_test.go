package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "Here you go:\n```json\n{\"a\": 1}\n```\nDone.", `{"a": 1}`},
		{"unclosed fence", "```json\n{\"a\": 1}", `{"a": 1}`},
		{"embedded in prose", `The result is {"a": 1} as requested.`, `{"a": 1}`},
		{"nested braces", `{"a": {"b": 2}}`, `{"a": {"b": 2}}`},
		{"no json", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSON(tt.in); got != tt.want {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s, want /api/generate", r.URL.Path)
		}
		var req ollamaGenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("stream should be disabled")
		}
		if req.Model != "gemma3" {
			t.Errorf("model = %s, want gemma3", req.Model)
		}
		if len(req.Images) != 1 {
			t.Errorf("images = %d, want 1", len(req.Images))
		}
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Model:    "gemma3",
			Response: `{"ok": true}`,
			Done:     true,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "gemma3")
	resp, err := c.Generate(context.Background(), Request{
		Prompt: "analyze",
		Images: []Image{{MIMEType: "image/png", Data: []byte("fake")}},
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if resp.Text != `{"ok": true}` {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestOllamaGenerateErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "missing")
	if _, err := c.Generate(context.Background(), Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestGeminiGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{{"text": `{"risk": "low"}`}},
				},
			}},
		})
	}))
	defer srv.Close()

	c := NewGeminiClient("test-key", "gemini-1.5-flash")
	c.baseURL = srv.URL
	resp, err := c.Generate(context.Background(), Request{Prompt: "analyze"})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if resp.Text != `{"risk": "low"}` {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestGeminiGenerateEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
	}))
	defer srv.Close()

	c := NewGeminiClient("test-key", "gemini-1.5-flash")
	c.baseURL = srv.URL
	if _, err := c.Generate(context.Background(), Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error for empty candidates")
	}
}

func TestNoopClient(t *testing.T) {
	c := NewNoopClient()
	resp, err := c.Generate(context.Background(), Request{Prompt: "anything"})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if resp.Text != "{}" {
		t.Errorf("text = %q, want {}", resp.Text)
	}
	if err := c.Healthy(context.Background()); err != nil {
		t.Errorf("Healthy() error: %v", err)
	}
}
