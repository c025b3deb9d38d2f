package retrieval

import "context"

// NoopIndex returns no snippets. Used when no Qdrant instance is configured;
// agents then run on the request payload alone.
type NoopIndex struct{}

// Query returns an empty result set.
func (NoopIndex) Query(context.Context, string, int) ([]Snippet, error) { return nil, nil }

// Healthy always succeeds.
func (NoopIndex) Healthy(context.Context) error { return nil }

// Close is a no-op.
func (NoopIndex) Close() error { return nil }
