// Package retrieval provides the ecosystem knowledge index consumed by the
// ecosystem-balance and recovery-plan agents. Reference material (biome
// descriptions, invasive species profiles, restoration strategies) is stored
// as embedded vectors; agents query it with free text to ground their prompts.
package retrieval

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// Snippet is one retrieved knowledge fragment.
type Snippet struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Topic string  `json:"topic,omitempty"` // e.g. "biome", "invasive_species", "restoration"
	Biome string  `json:"biome,omitempty"`
	Score float32 `json:"score"`
}

// Index retrieves knowledge snippets relevant to a free-text query.
// Implementations must be safe for concurrent use.
type Index interface {
	Query(ctx context.Context, text string, limit int) ([]Snippet, error)
	Healthy(ctx context.Context) error
	Close() error
}

// Embedder converts text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
	Dimensions() int
}
