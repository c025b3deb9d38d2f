// Package inference provides text and vision generation clients used by the
// analysis agents and the synthesis step.
package inference

import (
	"context"
	"strings"
)

// Image is one inline image attached to a generation request.
type Image struct {
	MIMEType string // e.g. "image/png"
	Data     []byte // raw bytes, not base64
}

// Request is one generation call.
type Request struct {
	Prompt      string
	Images      []Image
	Temperature float64
	MaxTokens   int
}

// Response is the model's reply.
type Response struct {
	Text  string
	Model string
}

// Client generates text from a prompt and optional images.
// Implementations must be safe for concurrent use.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Model() string
	Healthy(ctx context.Context) error
}

// ExtractJSON pulls the first JSON object out of a model reply. Models often
// wrap JSON in markdown fences or prose; this tolerates both. Returns the
// raw text unchanged when no object is found so callers can surface it.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)

	if idx := strings.Index(text, "```json"); idx != -1 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		return text[start : end+1]
	}
	return text
}
