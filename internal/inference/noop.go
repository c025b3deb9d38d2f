package inference

import "context"

// NoopClient returns a fixed empty-JSON reply. Used when no inference backend
// is configured so the pipeline still runs end to end (agents fall back to
// their conservative defaults).
type NoopClient struct{}

// NewNoopClient creates a NoopClient.
func NewNoopClient() *NoopClient { return &NoopClient{} }

// Generate returns an empty JSON object.
func (NoopClient) Generate(_ context.Context, _ Request) (Response, error) {
	return Response{Text: "{}", Model: "noop"}, nil
}

// Model returns "noop".
func (NoopClient) Model() string { return "noop" }

// Healthy always succeeds.
func (NoopClient) Healthy(context.Context) error { return nil }
