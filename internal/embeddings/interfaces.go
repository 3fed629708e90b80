// Package embeddings turns chunk text into fixed-dimensional vectors via an
// OpenAI-compatible endpoint, with caching, rate limiting, and retries.
package embeddings

import "context"

// Embedder generates embedding vectors for text
type Embedder interface {
	// Embed returns the unit-normalized vector for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the canonical vector dimension
	Dimension() int

	// HealthCheck verifies the backing endpoint is reachable
	HealthCheck(ctx context.Context) error
}
