package embeddings

import (
	"context"

	"lerian-timeline-engine/internal/apperrors"
	"lerian-timeline-engine/internal/logging"
	"lerian-timeline-engine/internal/retry"
)

// RetryableEmbedder wraps an Embedder with retry logic. Exhausted retries
// surface as EMBEDDING_UNAVAILABLE.
type RetryableEmbedder struct {
	inner   Embedder
	retrier *retry.Retrier
	logger  logging.Logger
}

// NewRetryableEmbedder wraps an embedder with the given attempt budget
func NewRetryableEmbedder(inner Embedder, maxAttempts int) *RetryableEmbedder {
	return &RetryableEmbedder{
		inner:   inner,
		retrier: retry.New(retry.ExponentialBackoff(maxAttempts)),
		logger:  logging.WithComponent("embedder-retry"),
	}
}

// Embed retries transient failures before giving up
func (r *RetryableEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		vector, err = r.inner.Embed(ctx, text)
		return err
	})
	if result.Err != nil {
		r.logger.ErrorContext(ctx, "embedding failed after retries",
			"attempts", result.Attempts, "error", result.Err.Error())
		return nil, apperrors.Wrap(apperrors.KindEmbeddingUnavailable, "embedding service unavailable", result.Err)
	}
	return vector, nil
}

// EmbedBatch retries transient failures before giving up
func (r *RetryableEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		vectors, err = r.inner.EmbedBatch(ctx, texts)
		return err
	})
	if result.Err != nil {
		r.logger.ErrorContext(ctx, "batch embedding failed after retries",
			"attempts", result.Attempts, "texts", len(texts), "error", result.Err.Error())
		return nil, apperrors.Wrap(apperrors.KindEmbeddingUnavailable, "embedding service unavailable", result.Err)
	}
	return vectors, nil
}

// Dimension returns the inner embedder's dimension
func (r *RetryableEmbedder) Dimension() int {
	return r.inner.Dimension()
}

// HealthCheck delegates to the inner embedder without retries
func (r *RetryableEmbedder) HealthCheck(ctx context.Context) error {
	return r.inner.HealthCheck(ctx)
}
