// Package retrieval finds session context relevant to a user turn: it
// searches the vector index, expands hits into neighborhoods, and merges
// overlapping neighborhoods into prompt-ready groups.
package retrieval

import (
	"context"
	"sort"
	"strings"

	"lerian-timeline-engine/internal/config"
	"lerian-timeline-engine/internal/embeddings"
	"lerian-timeline-engine/internal/logging"
	"lerian-timeline-engine/internal/storage"
	"lerian-timeline-engine/internal/types"
)

// Strategy names accepted by the retriever
const (
	StrategyFixed       = "fixed"
	StrategyAdaptive    = "adaptive"
	StrategyIntelligent = "intelligent"
)

const (
	// maxAdaptiveRounds bounds re-expansion so low-quality sessions
	// cannot grow the neighborhood without limit
	maxAdaptiveRounds = 3
	// maxNeighborSpan is the hard cap on either side of a hit
	maxNeighborSpan = 10
)

// Retriever performs configurable context retrieval against a session
type Retriever struct {
	index    storage.VectorIndex
	embedder embeddings.Embedder
	defaults config.ContextConfig
	logger   logging.Logger
}

// NewRetriever creates a retriever with per-call-overridable defaults
func NewRetriever(index storage.VectorIndex, embedder embeddings.Embedder, defaults config.ContextConfig) *Retriever {
	return &Retriever{
		index:    index,
		embedder: embedder,
		defaults: defaults,
		logger:   logging.WithComponent("retrieval"),
	}
}

// Defaults returns the retriever's configured defaults, for per-call
// adjustment
func (r *Retriever) Defaults() config.ContextConfig {
	return r.defaults
}

// Retrieve returns expanded groups of chunks relevant to text within the
// session. currentMessageID, when set, is excluded from results so a turn
// never retrieves itself. Embedding failure propagates as
// EMBEDDING_UNAVAILABLE; the caller decides whether to degrade.
func (r *Retriever) Retrieve(ctx context.Context, text, sessionID, currentMessageID string, cfg config.ContextConfig) ([]types.ExpandedGroup, error) {
	queryVector, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	hits, err := r.index.Search(ctx, storage.SearchOptions{
		SessionID:        sessionID,
		QueryVector:      queryVector,
		QueryText:        text,
		Limit:            cfg.MaxSimilar,
		Threshold:        cfg.SimilarityThreshold,
		ExcludeMessageID: currentMessageID,
		CosineWeight:     cfg.CosineWeight,
		LexicalWeight:    cfg.LexicalWeight,
	})
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	strategy := strings.ToLower(cfg.Strategy)
	if strategy == StrategyIntelligent {
		// Near-identical vectors carry no extra signal; keep the best
		// representative of each cluster before expanding.
		hits = storage.FilterDiverse(hits, cfg.DiversityThreshold, cfg.MaxSimilar)
	}

	before, after := cfg.ChunksBefore, cfg.ChunksAfter
	groups, err := r.expand(ctx, hits, before, after)
	if err != nil {
		return nil, err
	}

	if strategy == StrategyAdaptive || strategy == StrategyIntelligent {
		for round := 0; round < maxAdaptiveRounds; round++ {
			if meanHitScore(groups) >= cfg.AdaptiveQualityThreshold {
				break
			}
			grownBefore := grow(before, cfg.AdaptiveExpansionFactor)
			grownAfter := grow(after, cfg.AdaptiveExpansionFactor)
			if grownBefore == before && grownAfter == after {
				break
			}
			before, after = grownBefore, grownAfter
			groups, err = r.expand(ctx, hits, before, after)
			if err != nil {
				return nil, err
			}
			r.logger.DebugContext(ctx, "adaptive re-expansion",
				"session_id", sessionID, "before", before, "after", after)
		}
	}

	if strategy == StrategyIntelligent {
		groups = dropDuplicateGroups(groups, cfg.DiversityThreshold)
	}

	for i := range groups {
		capGroup(&groups[i], cfg.MaxPerGroup)
	}

	r.logger.DebugContext(ctx, "retrieval complete",
		"session_id", sessionID, "hits", len(hits), "groups", len(groups))
	return groups, nil
}

// expand turns each hit into its ordinal neighborhood within its message
func (r *Retriever) expand(ctx context.Context, hits []types.ScoredChunk, before, after int) ([]types.ExpandedGroup, error) {
	groups := make([]types.ExpandedGroup, 0, len(hits))
	for _, hit := range hits {
		neighbors, err := r.index.GetNeighbors(ctx, hit.Chunk.MessageID, hit.Chunk.ChunkIndex, before, after)
		if err != nil {
			return nil, err
		}
		if len(neighbors) == 0 {
			neighbors = []types.ChunkEmbedding{hit.Chunk}
		}
		groups = append(groups, types.ExpandedGroup{
			MessageID: hit.Chunk.MessageID,
			SessionID: hit.Chunk.SessionID,
			Chunks:    neighbors,
			HitScore:  hit.Score,
			HitIndex:  hit.Chunk.ChunkIndex,
		})
	}
	return groups, nil
}

func meanHitScore(groups []types.ExpandedGroup) float64 {
	if len(groups) == 0 {
		return 0
	}
	var sum float64
	for i := range groups {
		sum += groups[i].HitScore
	}
	return sum / float64(len(groups))
}

func grow(span int, factor float64) int {
	grown := int(float64(span) * factor)
	if grown <= span {
		grown = span + 1
	}
	if grown > maxNeighborSpan {
		grown = maxNeighborSpan
	}
	return grown
}

// dropDuplicateGroups greedily removes groups whose combined text overlaps
// an already-kept group by at least delta. Groups are considered in score
// order so the best representative of duplicated content survives.
func dropDuplicateGroups(groups []types.ExpandedGroup, delta float64) []types.ExpandedGroup {
	if delta <= 0 || len(groups) < 2 {
		return groups
	}

	byScore := make([]int, len(groups))
	for i := range byScore {
		byScore[i] = i
	}
	sort.Slice(byScore, func(a, b int) bool {
		return groups[byScore[a]].HitScore > groups[byScore[b]].HitScore
	})

	keptTexts := make([]string, 0, len(groups))
	keep := make(map[int]bool, len(groups))
	for _, idx := range byScore {
		text := combinedText(&groups[idx])
		duplicate := false
		for _, kept := range keptTexts {
			if storage.LexicalOverlap(text, kept) >= delta {
				duplicate = true
				break
			}
		}
		if !duplicate {
			keep[idx] = true
			keptTexts = append(keptTexts, text)
		}
	}

	result := make([]types.ExpandedGroup, 0, len(keep))
	for i := range groups {
		if keep[i] {
			result = append(result, groups[i])
		}
	}
	return result
}

func combinedText(g *types.ExpandedGroup) string {
	parts := make([]string, 0, len(g.Chunks))
	for i := range g.Chunks {
		parts = append(parts, g.Chunks[i].Text)
	}
	return strings.Join(parts, " ")
}

// capGroup trims a group to maxPerGroup chunks centered on the hit,
// dropping whichever end is farther from the hit ordinal.
func capGroup(g *types.ExpandedGroup, maxPerGroup int) {
	if maxPerGroup <= 0 {
		return
	}
	for len(g.Chunks) > maxPerGroup {
		headDist := g.HitIndex - g.Chunks[0].ChunkIndex
		tailDist := g.Chunks[len(g.Chunks)-1].ChunkIndex - g.HitIndex
		if headDist >= tailDist {
			g.Chunks = g.Chunks[1:]
		} else {
			g.Chunks = g.Chunks[:len(g.Chunks)-1]
		}
	}
}
