package retrieval

import (
	"sort"

	"lerian-timeline-engine/internal/config"
	"lerian-timeline-engine/internal/types"
)

// Merger combines expanded groups into context groups under the configured
// caps
type Merger struct {
	maxGroups      int
	maxTotalChunks int
}

// NewMerger creates a merger from retrieval configuration
func NewMerger(cfg *config.ContextConfig) *Merger {
	return &Merger{
		maxGroups:      cfg.MaxGroups,
		maxTotalChunks: cfg.MaxTotalChunks,
	}
}

// Merge unifies groups of the same message whose ordinal ranges overlap or
// are adjacent, then applies the total-chunk cap by tail-trimming and the
// group-count cap by dropping whole groups. Results are ordered by
// earliest chunk timestamp ascending so prompt order matches conversation
// order.
func (m *Merger) Merge(groups []types.ExpandedGroup) []types.ContextGroup {
	if len(groups) == 0 {
		return nil
	}

	byMessage := make(map[string][]types.ExpandedGroup)
	var messageOrder []string
	for i := range groups {
		id := groups[i].MessageID
		if _, seen := byMessage[id]; !seen {
			messageOrder = append(messageOrder, id)
		}
		byMessage[id] = append(byMessage[id], groups[i])
	}

	var merged []types.ContextGroup
	for _, messageID := range messageOrder {
		merged = append(merged, mergeWithinMessage(byMessage[messageID])...)
	}

	// Total-chunk cap first: trim the lowest-scoring group's tail chunks
	if m.maxTotalChunks > 0 {
		for totalChunks(merged) > m.maxTotalChunks {
			lowest := 0
			for i := range merged {
				if merged[i].Score < merged[lowest].Score {
					lowest = i
				}
			}
			g := &merged[lowest]
			g.Chunks = g.Chunks[:len(g.Chunks)-1]
			if len(g.Chunks) == 0 {
				merged = append(merged[:lowest], merged[lowest+1:]...)
			} else {
				refreshTimestamps(g)
			}
		}
	}

	// Group-count cap last: dropping a whole group loses the most context
	if m.maxGroups > 0 && len(merged) > m.maxGroups {
		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].Score > merged[j].Score
		})
		merged = merged[:m.maxGroups]
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].EarliestTimestamp.Before(merged[j].EarliestTimestamp)
	})
	return merged
}

// mergeWithinMessage merges a single message's groups whose chunk-index
// ranges overlap or are adjacent
func mergeWithinMessage(groups []types.ExpandedGroup) []types.ContextGroup {
	sort.SliceStable(groups, func(i, j int) bool {
		loI, _ := groups[i].Range()
		loJ, _ := groups[j].Range()
		return loI < loJ
	})

	var result []types.ContextGroup
	var current *types.ContextGroup
	currentHi := -2

	for i := range groups {
		lo, hi := groups[i].Range()
		if current != nil && lo <= currentHi+1 {
			current.Chunks = unionChunks(current.Chunks, groups[i].Chunks)
			if groups[i].HitScore > current.Score {
				current.Score = groups[i].HitScore
			}
			if hi > currentHi {
				currentHi = hi
			}
			refreshTimestamps(current)
			continue
		}

		result = append(result, types.ContextGroup{
			MessageID: groups[i].MessageID,
			SessionID: groups[i].SessionID,
			Chunks:    append([]types.ChunkEmbedding{}, groups[i].Chunks...),
			Score:     groups[i].HitScore,
		})
		current = &result[len(result)-1]
		currentHi = hi
		refreshTimestamps(current)
	}
	return result
}

// unionChunks merges two ascending chunk lists, deduplicating by ordinal
func unionChunks(a, b []types.ChunkEmbedding) []types.ChunkEmbedding {
	seen := make(map[int]bool, len(a)+len(b))
	result := make([]types.ChunkEmbedding, 0, len(a)+len(b))
	for _, list := range [][]types.ChunkEmbedding{a, b} {
		for i := range list {
			if !seen[list[i].ChunkIndex] {
				seen[list[i].ChunkIndex] = true
				result = append(result, list[i])
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ChunkIndex < result[j].ChunkIndex
	})
	return result
}

func refreshTimestamps(g *types.ContextGroup) {
	if len(g.Chunks) == 0 {
		return
	}
	g.EarliestTimestamp = g.Chunks[0].Timestamp
	g.LatestTimestamp = g.Chunks[0].Timestamp
	for i := 1; i < len(g.Chunks); i++ {
		ts := g.Chunks[i].Timestamp
		if ts.Before(g.EarliestTimestamp) {
			g.EarliestTimestamp = ts
		}
		if ts.After(g.LatestTimestamp) {
			g.LatestTimestamp = ts
		}
	}
}

func totalChunks(groups []types.ContextGroup) int {
	total := 0
	for i := range groups {
		total += len(groups[i].Chunks)
	}
	return total
}
