package embeddings

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"lerian-timeline-engine/internal/config"
	"lerian-timeline-engine/internal/logging"
)

// OpenAIEmbedder generates embeddings through an OpenAI-compatible endpoint
type OpenAIEmbedder struct {
	client      *openai.Client
	model       string
	dimension   int
	local       *LRUCache
	shared      VectorCache
	rateLimiter *RateLimiter
	timeout     time.Duration
	logger      logging.Logger
}

// NewOpenAIEmbedder creates an embedder from configuration. A nil shared
// cache disables the second tier.
func NewOpenAIEmbedder(cfg *config.OpenAIConfig, shared VectorCache) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dimension)
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &OpenAIEmbedder{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.EmbeddingModel,
		dimension:   cfg.Dimension,
		local:       NewLRUCache(1000, 24*time.Hour),
		shared:      shared,
		rateLimiter: NewRateLimiter(cfg.RateLimitRPM, time.Minute),
		timeout:     timeout,
		logger:      logging.WithComponent("embedder"),
	}, nil
}

// Dimension returns the canonical vector dimension
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// Embed returns the unit-normalized vector for a single text
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input text, in input order. Cached
// texts skip the API call.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var uncachedTexts []string
	var uncachedIndices []int

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("text at index %d cannot be empty", i)
		}
		if vector, found := e.cacheGet(text); found {
			results[i] = vector
			continue
		}
		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	if err := e.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiting error: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := openai.EmbeddingRequest{
		Input: uncachedTexts,
		Model: openai.EmbeddingModel(e.model),
	}
	if strings.HasPrefix(e.model, "text-embedding-3") {
		req.Dimensions = e.dimension
	}

	resp, err := e.client.CreateEmbeddings(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(uncachedTexts) {
		return nil, fmt.Errorf("embedding response has %d vectors, want %d", len(resp.Data), len(uncachedTexts))
	}

	for i, item := range resp.Data {
		vector, err := normalize(item.Embedding, e.dimension)
		if err != nil {
			return nil, fmt.Errorf("vector %d invalid: %w", i, err)
		}
		originalIndex := uncachedIndices[i]
		results[originalIndex] = vector
		e.cacheSet(uncachedTexts[i], vector)
	}

	e.logger.DebugContext(ctx, "embeddings generated",
		"total_texts", len(texts),
		"cached", len(texts)-len(uncachedTexts),
		"generated", len(uncachedTexts))

	return results, nil
}

// HealthCheck verifies the endpoint by embedding a constant probe text
func (e *OpenAIEmbedder) HealthCheck(ctx context.Context) error {
	_, err := e.Embed(ctx, "health check probe")
	return err
}

// CacheStats returns statistics for the in-process cache tier
func (e *OpenAIEmbedder) CacheStats() CacheStats {
	return e.local.Stats()
}

func (e *OpenAIEmbedder) cacheGet(text string) ([]float32, bool) {
	if vector, found := e.local.Get(text); found {
		return vector, true
	}
	if e.shared != nil {
		if vector, found := e.shared.Get(text); found {
			e.local.Set(text, vector)
			return vector, true
		}
	}
	return nil, false
}

func (e *OpenAIEmbedder) cacheSet(text string, vector []float32) {
	e.local.Set(text, vector)
	if e.shared != nil {
		e.shared.Set(text, vector)
	}
}

// normalize validates a raw vector and scales it to unit length so cosine
// similarity reduces to a dot product downstream.
func normalize(raw []float32, dimension int) ([]float32, error) {
	if len(raw) != dimension {
		return nil, fmt.Errorf("got %d components, want %d", len(raw), dimension)
	}

	var sumSquares float64
	for _, v := range raw {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("vector contains non-finite component")
		}
		sumSquares += f * f
	}

	norm := math.Sqrt(sumSquares)
	if norm == 0 {
		return nil, fmt.Errorf("vector has zero magnitude")
	}

	unit := make([]float32, len(raw))
	for i, v := range raw {
		unit[i] = float32(float64(v) / norm)
	}
	return unit, nil
}
