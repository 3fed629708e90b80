package storage

import (
	"context"
	"sort"
	"sync"

	"lerian-timeline-engine/internal/apperrors"
	"lerian-timeline-engine/internal/types"
)

// MemoryMessageStore is a thread-safe in-memory MessageStore, the default
// backend and the one used in tests.
type MemoryMessageStore struct {
	mu        sync.RWMutex
	messages  map[string]types.Message
	bySession map[string][]string
}

// NewMemoryMessageStore creates an empty in-memory message store
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		messages:  make(map[string]types.Message),
		bySession: make(map[string][]string),
	}
}

// Put persists a message; fails with DUPLICATE if the id exists
func (s *MemoryMessageStore) Put(ctx context.Context, msg *types.Message) error {
	if err := msg.Validate(); err != nil {
		return apperrors.Wrap(apperrors.KindBadInput, "invalid message", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return apperrors.Newf(apperrors.KindDuplicate, "message %s already exists", msg.ID)
	}

	s.messages[msg.ID] = *msg
	s.bySession[msg.SessionID] = append(s.bySession[msg.SessionID], msg.ID)
	return nil
}

// GetByID returns the message or NOT_FOUND
func (s *MemoryMessageStore) GetByID(ctx context.Context, id string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, exists := s.messages[id]
	if !exists {
		return nil, apperrors.Newf(apperrors.KindNotFound, "message %s not found", id)
	}
	return &msg, nil
}

// ListBySession returns all session messages in insertion order
func (s *MemoryMessageStore) ListBySession(ctx context.Context, sessionID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySession[sessionID]
	result := make([]types.Message, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.messages[id])
	}
	return result, nil
}

// ListBySessionChrono returns session messages in chronological order
func (s *MemoryMessageStore) ListBySessionChrono(ctx context.Context, sessionID string) ([]types.Message, error) {
	result, err := s.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	SortChrono(result)
	return result, nil
}

// ListAll returns every stored message
func (s *MemoryMessageStore) ListAll(ctx context.Context) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.Message, 0, len(s.messages))
	for _, msg := range s.messages {
		result = append(result, msg)
	}
	SortChrono(result)
	return result, nil
}

// SetParent rewrites a message's parent link
func (s *MemoryMessageStore) SetParent(ctx context.Context, id, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, exists := s.messages[id]
	if !exists {
		return apperrors.Newf(apperrors.KindNotFound, "message %s not found", id)
	}
	msg.ParentMessageID = parentID
	s.messages[id] = msg
	return nil
}

// DeleteBySession removes all session messages
func (s *MemoryMessageStore) DeleteBySession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.bySession[sessionID] {
		delete(s.messages, id)
	}
	delete(s.bySession, sessionID)
	return nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryMessageStore) HealthCheck(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store
func (s *MemoryMessageStore) Close() error { return nil }

// SortChrono orders messages by timestamp ascending, ties broken by id
func SortChrono(messages []types.Message) {
	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].Timestamp.Before(messages[j].Timestamp)
		}
		return messages[i].ID < messages[j].ID
	})
}

// MemoryVectorIndex is a thread-safe in-memory VectorIndex using exact
// brute-force search.
type MemoryVectorIndex struct {
	mu        sync.RWMutex
	chunks    map[string]types.ChunkEmbedding
	byMessage map[string]map[int]string
	bySession map[string][]string
	dimension int
}

// NewMemoryVectorIndex creates an empty index for vectors of the given
// dimension
func NewMemoryVectorIndex(dimension int) *MemoryVectorIndex {
	return &MemoryVectorIndex{
		chunks:    make(map[string]types.ChunkEmbedding),
		byMessage: make(map[string]map[int]string),
		bySession: make(map[string][]string),
		dimension: dimension,
	}
}

// PutBatch inserts chunks with vectors. The batch is rejected whole when
// any (messageID, chunkIndex) slot is occupied, so indexing stays
// all-or-nothing per message.
func (idx *MemoryVectorIndex) PutBatch(ctx context.Context, chunks []types.ChunkEmbedding) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i := range chunks {
		if err := chunks[i].Validate(idx.dimension); err != nil {
			return apperrors.Wrap(apperrors.KindBadInput, "invalid chunk", err)
		}
		if chunks[i].Pending() {
			return apperrors.Newf(apperrors.KindBadInput, "chunk %s has no vector", chunks[i].ChunkID)
		}
		if ordinals, ok := idx.byMessage[chunks[i].MessageID]; ok {
			if _, occupied := ordinals[chunks[i].ChunkIndex]; occupied {
				return apperrors.Newf(apperrors.KindDuplicate,
					"chunk ordinal %d already indexed for message %s", chunks[i].ChunkIndex, chunks[i].MessageID)
			}
		}
	}

	for i := range chunks {
		chunk := chunks[i]
		idx.chunks[chunk.ChunkID] = chunk
		if idx.byMessage[chunk.MessageID] == nil {
			idx.byMessage[chunk.MessageID] = make(map[int]string)
		}
		idx.byMessage[chunk.MessageID][chunk.ChunkIndex] = chunk.ChunkID
		idx.bySession[chunk.SessionID] = append(idx.bySession[chunk.SessionID], chunk.ChunkID)
	}
	return nil
}

// Search scans candidate chunks and returns the ranked matches
func (idx *MemoryVectorIndex) Search(ctx context.Context, opts SearchOptions) ([]types.ScoredChunk, error) {
	if len(opts.QueryVector) != idx.dimension {
		return nil, apperrors.Newf(apperrors.KindBadInput,
			"query vector has %d components, want %d", len(opts.QueryVector), idx.dimension)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var candidateIDs []string
	if opts.SessionID != "" {
		candidateIDs = idx.bySession[opts.SessionID]
	} else {
		candidateIDs = make([]string, 0, len(idx.chunks))
		for id := range idx.chunks {
			candidateIDs = append(candidateIDs, id)
		}
	}

	scored := make([]types.ScoredChunk, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		chunk := idx.chunks[id]
		if opts.ExcludeMessageID != "" && chunk.MessageID == opts.ExcludeMessageID {
			continue
		}
		cosine := CosineSimilarity(opts.QueryVector, chunk.Vector)
		score := compositeScore(cosine, opts.QueryText, chunk.Text, opts.CosineWeight, opts.LexicalWeight)
		if score < opts.Threshold {
			continue
		}
		scored = append(scored, types.ScoredChunk{Chunk: chunk, Score: score})
	}

	rankScoredChunks(scored)
	if opts.Limit > 0 && len(scored) > opts.Limit {
		scored = scored[:opts.Limit]
	}
	return scored, nil
}

// GetNeighbors returns the ordinal window around a chunk within its message
func (idx *MemoryVectorIndex) GetNeighbors(ctx context.Context, messageID string, chunkIndex, before, after int) ([]types.ChunkEmbedding, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ordinals := idx.byMessage[messageID]
	if len(ordinals) == 0 {
		return nil, nil
	}

	lo := chunkIndex - before
	if lo < 0 {
		lo = 0
	}
	hi := chunkIndex + after

	result := make([]types.ChunkEmbedding, 0, hi-lo+1)
	for ordinal := lo; ordinal <= hi; ordinal++ {
		if id, ok := ordinals[ordinal]; ok {
			result = append(result, idx.chunks[id])
		}
	}
	return result, nil
}

// GetByMessage returns the message's chunks in ascending ordinal order
func (idx *MemoryVectorIndex) GetByMessage(ctx context.Context, messageID string) ([]types.ChunkEmbedding, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ordinals := idx.byMessage[messageID]
	result := make([]types.ChunkEmbedding, 0, len(ordinals))
	for _, id := range ordinals {
		result = append(result, idx.chunks[id])
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ChunkIndex < result[j].ChunkIndex
	})
	return result, nil
}

// GetBySession returns the session's chunks ordered by timestamp then ordinal
func (idx *MemoryVectorIndex) GetBySession(ctx context.Context, sessionID string) ([]types.ChunkEmbedding, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids := idx.bySession[sessionID]
	result := make([]types.ChunkEmbedding, 0, len(ids))
	for _, id := range ids {
		result = append(result, idx.chunks[id])
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.Before(result[j].Timestamp)
		}
		return result[i].ChunkIndex < result[j].ChunkIndex
	})
	return result, nil
}

// DeleteByMessage removes all chunks of a message
func (idx *MemoryVectorIndex) DeleteByMessage(ctx context.Context, messageID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, id := range idx.byMessage[messageID] {
		chunk := idx.chunks[id]
		delete(idx.chunks, id)
		idx.bySession[chunk.SessionID] = removeID(idx.bySession[chunk.SessionID], id)
	}
	delete(idx.byMessage, messageID)
	return nil
}

// DeleteBySession removes all chunks of a session
func (idx *MemoryVectorIndex) DeleteBySession(ctx context.Context, sessionID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, id := range idx.bySession[sessionID] {
		chunk := idx.chunks[id]
		delete(idx.chunks, id)
		if ordinals, ok := idx.byMessage[chunk.MessageID]; ok {
			delete(ordinals, chunk.ChunkIndex)
			if len(ordinals) == 0 {
				delete(idx.byMessage, chunk.MessageID)
			}
		}
	}
	delete(idx.bySession, sessionID)
	return nil
}

// CountBySession returns the number of chunks indexed for a session
func (idx *MemoryVectorIndex) CountBySession(ctx context.Context, sessionID string) (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.bySession[sessionID]), nil
}

// Stats summarizes index contents
func (idx *MemoryVectorIndex) Stats(ctx context.Context) (*types.VectorStats, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	stats := &types.VectorStats{
		TotalChunks:     len(idx.chunks),
		ChunksBySession: make(map[string]int),
		ChunksByMessage: make(map[string]int),
	}
	for _, chunk := range idx.chunks {
		stats.ChunksBySession[chunk.SessionID]++
		stats.ChunksByMessage[chunk.MessageID]++
	}
	return stats, nil
}

// HealthCheck always succeeds for the in-memory index
func (idx *MemoryVectorIndex) HealthCheck(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory index
func (idx *MemoryVectorIndex) Close() error { return nil }

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

var _ MessageStore = (*MemoryMessageStore)(nil)
var _ VectorIndex = (*MemoryVectorIndex)(nil)
