package storage

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"lerian-timeline-engine/internal/types"
)

// CosineSimilarity computes the cosine of two vectors. Vectors stored in
// the index are unit-normalized, so this reduces to a dot product for them,
// but the full form keeps the function safe for raw inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		normA += fa * fa
		normB += fb * fb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// LexicalOverlap computes token-set Jaccard similarity of two texts in [0,1]
func LexicalOverlap(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for token := range setA {
		if _, ok := setB[token]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(text)) {
		token := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if token != "" {
			set[token] = struct{}{}
		}
	}
	return set
}

// compositeScore blends cosine and lexical relevance. Zero weights mean
// pure cosine.
func compositeScore(cosine float64, queryText, chunkText string, cosineWeight, lexicalWeight float64) float64 {
	if queryText == "" || (cosineWeight == 0 && lexicalWeight == 0) {
		return cosine
	}
	return cosineWeight*cosine + lexicalWeight*LexicalOverlap(queryText, chunkText)
}

// rankScoredChunks orders by score descending, then recency (newer first),
// then chunk id ascending.
func rankScoredChunks(chunks []types.ScoredChunk) {
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		if !chunks[i].Chunk.Timestamp.Equal(chunks[j].Chunk.Timestamp) {
			return chunks[i].Chunk.Timestamp.After(chunks[j].Chunk.Timestamp)
		}
		return chunks[i].Chunk.ChunkID < chunks[j].Chunk.ChunkID
	})
}

// FilterDiverse greedily drops candidates whose cosine to an already-kept
// candidate exceeds delta, keeping at most maxKept. Input must already be
// ranked best-first.
func FilterDiverse(candidates []types.ScoredChunk, delta float64, maxKept int) []types.ScoredChunk {
	if maxKept <= 0 || maxKept > len(candidates) {
		maxKept = len(candidates)
	}

	kept := make([]types.ScoredChunk, 0, maxKept)
	for _, candidate := range candidates {
		if len(kept) >= maxKept {
			break
		}
		redundant := false
		for i := range kept {
			if CosineSimilarity(candidate.Chunk.Vector, kept[i].Chunk.Vector) > delta {
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, candidate)
		}
	}
	return kept
}
