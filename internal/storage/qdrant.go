package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"lerian-timeline-engine/internal/apperrors"
	"lerian-timeline-engine/internal/config"
	"lerian-timeline-engine/internal/logging"
	"lerian-timeline-engine/internal/types"
)

const (
	defaultQdrantCollection = "timeline_chunks"
	scrollPageLimit         = 10000
)

// QdrantVectorIndex implements VectorIndex on a Qdrant collection. The
// (messageID, chunkIndex) uniqueness invariant is maintained by the
// indexing pipeline's delete-then-insert discipline, since Qdrant has no
// secondary unique constraints.
type QdrantVectorIndex struct {
	client         *qdrant.Client
	config         *config.QdrantConfig
	collectionName string
	dimension      int
	logger         logging.Logger
}

// NewQdrantVectorIndex creates an uninitialized index; call Initialize
// before use.
func NewQdrantVectorIndex(cfg *config.QdrantConfig, dimension int) *QdrantVectorIndex {
	collectionName := cfg.Collection
	if collectionName == "" {
		collectionName = defaultQdrantCollection
	}
	return &QdrantVectorIndex{
		config:         cfg,
		collectionName: collectionName,
		dimension:      dimension,
		logger:         logging.WithComponent("qdrant"),
	}
}

// Initialize connects and creates the collection if it doesn't exist
func (qi *QdrantVectorIndex) Initialize(ctx context.Context) error {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   qi.config.Host,
		Port:   qi.config.Port,
		APIKey: qi.config.APIKey,
		UseTLS: qi.config.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("failed to create Qdrant client: %w", err)
	}
	qi.client = client

	collections, err := qi.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	exists := false
	for _, name := range collections {
		if name == qi.collectionName {
			exists = true
			break
		}
	}

	if !exists {
		err = qi.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: qi.collectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(qi.dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", qi.collectionName, err)
		}
		qi.logger.Info("created Qdrant collection", "collection", qi.collectionName)
	}

	qi.logger.Info("Qdrant collection initialized", "collection", qi.collectionName)
	return nil
}

// PutBatch upserts chunks as points keyed by chunk id
func (qi *QdrantVectorIndex) PutBatch(ctx context.Context, chunks []types.ChunkEmbedding) error {
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i := range chunks {
		if err := chunks[i].Validate(qi.dimension); err != nil {
			return apperrors.Wrap(apperrors.KindBadInput, "invalid chunk", err)
		}
		if chunks[i].Pending() {
			return apperrors.Newf(apperrors.KindBadInput, "chunk %s has no vector", chunks[i].ChunkID)
		}
		points = append(points, qi.chunkToPoint(&chunks[i]))
	}

	if _, err := qi.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: qi.collectionName,
		Points:         points,
	}); err != nil {
		return storeUnavailable("chunk upsert", err)
	}

	qi.logger.Debug("stored chunks in Qdrant", "count", len(points))
	return nil
}

// Search queries the collection; composite lexical rescoring happens in
// process over an oversampled candidate set.
func (qi *QdrantVectorIndex) Search(ctx context.Context, opts SearchOptions) ([]types.ScoredChunk, error) {
	if len(opts.QueryVector) != qi.dimension {
		return nil, apperrors.Newf(apperrors.KindBadInput,
			"query vector has %d components, want %d", len(opts.QueryVector), qi.dimension)
	}

	composite := opts.QueryText != "" && (opts.CosineWeight != 0 || opts.LexicalWeight != 0)

	limit := opts.Limit
	if limit <= 0 {
		limit = scrollPageLimit
	}
	fetchLimit := limit
	if composite {
		// Lexical rescoring can reorder; oversample before capping.
		fetchLimit = limit * 4
		if fetchLimit < 50 {
			fetchLimit = 50
		}
	}

	query := &qdrant.QueryPoints{
		CollectionName: qi.collectionName,
		Query:          qdrant.NewQuery(opts.QueryVector...),
		Limit:          qdrant.PtrOf(uint64(fetchLimit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
		Filter:         qi.buildFilter(opts.SessionID, opts.ExcludeMessageID),
	}
	if !composite && opts.Threshold > 0 {
		query.ScoreThreshold = qdrant.PtrOf(float32(opts.Threshold))
	}

	searchResult, err := qi.client.Query(ctx, query)
	if err != nil {
		return nil, storeUnavailable("vector search", err)
	}

	scored := make([]types.ScoredChunk, 0, len(searchResult))
	for _, point := range searchResult {
		chunk, err := qi.scoredPointToChunk(point)
		if err != nil {
			qi.logger.Error("failed to convert point to chunk", "error", err.Error())
			continue
		}
		score := float64(point.GetScore())
		if composite {
			score = compositeScore(score, opts.QueryText, chunk.Text, opts.CosineWeight, opts.LexicalWeight)
		}
		if score < opts.Threshold {
			continue
		}
		scored = append(scored, types.ScoredChunk{Chunk: *chunk, Score: score})
	}

	rankScoredChunks(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// GetNeighbors returns the ordinal window around a chunk within its message
func (qi *QdrantVectorIndex) GetNeighbors(ctx context.Context, messageID string, chunkIndex, before, after int) ([]types.ChunkEmbedding, error) {
	lo := float64(chunkIndex - before)
	if lo < 0 {
		lo = 0
	}
	hi := float64(chunkIndex + after)

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			matchCondition("message_id", messageID),
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key:   "chunk_index",
						Range: &qdrant.Range{Gte: &lo, Lte: &hi},
					},
				},
			},
		},
	}

	chunks, err := qi.scrollChunks(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
	return chunks, nil
}

// GetByMessage returns the message's chunks in ascending ordinal order
func (qi *QdrantVectorIndex) GetByMessage(ctx context.Context, messageID string) ([]types.ChunkEmbedding, error) {
	filter := &qdrant.Filter{Must: []*qdrant.Condition{matchCondition("message_id", messageID)}}
	chunks, err := qi.scrollChunks(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
	return chunks, nil
}

// GetBySession returns the session's chunks ordered by timestamp then ordinal
func (qi *QdrantVectorIndex) GetBySession(ctx context.Context, sessionID string) ([]types.ChunkEmbedding, error) {
	filter := &qdrant.Filter{Must: []*qdrant.Condition{matchCondition("session_id", sessionID)}}
	chunks, err := qi.scrollChunks(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.Slice(chunks, func(i, j int) bool {
		if !chunks[i].Timestamp.Equal(chunks[j].Timestamp) {
			return chunks[i].Timestamp.Before(chunks[j].Timestamp)
		}
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
	return chunks, nil
}

// DeleteByMessage removes all chunks of a message
func (qi *QdrantVectorIndex) DeleteByMessage(ctx context.Context, messageID string) error {
	return qi.deleteByFilter(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{matchCondition("message_id", messageID)},
	})
}

// DeleteBySession removes all chunks of a session
func (qi *QdrantVectorIndex) DeleteBySession(ctx context.Context, sessionID string) error {
	return qi.deleteByFilter(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{matchCondition("session_id", sessionID)},
	})
}

// CountBySession returns the number of chunks indexed for a session
func (qi *QdrantVectorIndex) CountBySession(ctx context.Context, sessionID string) (int, error) {
	count, err := qi.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: qi.collectionName,
		Filter:         &qdrant.Filter{Must: []*qdrant.Condition{matchCondition("session_id", sessionID)}},
	})
	if err != nil {
		return 0, storeUnavailable("chunk count", err)
	}
	return int(count), nil
}

// Stats summarizes index contents from a bounded scroll
func (qi *QdrantVectorIndex) Stats(ctx context.Context) (*types.VectorStats, error) {
	chunks, err := qi.scrollChunks(ctx, nil)
	if err != nil {
		return nil, err
	}

	stats := &types.VectorStats{
		TotalChunks:     len(chunks),
		ChunksBySession: make(map[string]int),
		ChunksByMessage: make(map[string]int),
	}
	for i := range chunks {
		stats.ChunksBySession[chunks[i].SessionID]++
		stats.ChunksByMessage[chunks[i].MessageID]++
	}
	return stats, nil
}

// HealthCheck verifies the connection to Qdrant
func (qi *QdrantVectorIndex) HealthCheck(ctx context.Context) error {
	if _, err := qi.client.GetCollectionInfo(ctx, qi.collectionName); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// Close releases the client connection
func (qi *QdrantVectorIndex) Close() error {
	if qi.client != nil {
		return qi.client.Close()
	}
	return nil
}

func (qi *QdrantVectorIndex) deleteByFilter(ctx context.Context, filter *qdrant.Filter) error {
	_, err := qi.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: qi.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return storeUnavailable("chunk delete", err)
	}
	return nil
}

func (qi *QdrantVectorIndex) scrollChunks(ctx context.Context, filter *qdrant.Filter) ([]types.ChunkEmbedding, error) {
	points, err := qi.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: qi.collectionName,
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint32(scrollPageLimit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, storeUnavailable("chunk scroll", err)
	}

	chunks := make([]types.ChunkEmbedding, 0, len(points))
	for _, point := range points {
		chunk, err := qi.retrievedPointToChunk(point)
		if err != nil {
			qi.logger.Error("failed to convert point to chunk", "error", err.Error())
			continue
		}
		chunks = append(chunks, *chunk)
	}
	return chunks, nil
}

func (qi *QdrantVectorIndex) buildFilter(sessionID, excludeMessageID string) *qdrant.Filter {
	filter := &qdrant.Filter{}
	if sessionID != "" {
		filter.Must = append(filter.Must, matchCondition("session_id", sessionID))
	}
	if excludeMessageID != "" {
		filter.MustNot = append(filter.MustNot, matchCondition("message_id", excludeMessageID))
	}
	if len(filter.Must) == 0 && len(filter.MustNot) == 0 {
		return nil
	}
	return filter
}

func matchCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func (qi *QdrantVectorIndex) chunkToPoint(chunk *types.ChunkEmbedding) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id:      qdrant.NewID(chunk.ChunkID),
		Vectors: qdrant.NewVectors(chunk.Vector...),
		Payload: qdrant.NewValueMap(map[string]any{
			"message_id":  chunk.MessageID,
			"session_id":  chunk.SessionID,
			"chunk_index": int64(chunk.ChunkIndex),
			"text":        chunk.Text,
			"timestamp":   chunk.Timestamp.Unix(),
		}),
	}
}

func (qi *QdrantVectorIndex) scoredPointToChunk(point *qdrant.ScoredPoint) (*types.ChunkEmbedding, error) {
	return payloadToChunk(point.GetId(), point.GetPayload(), point.GetVectors())
}

func (qi *QdrantVectorIndex) retrievedPointToChunk(point *qdrant.RetrievedPoint) (*types.ChunkEmbedding, error) {
	return payloadToChunk(point.GetId(), point.GetPayload(), point.GetVectors())
}

func payloadToChunk(id *qdrant.PointId, payload map[string]*qdrant.Value, vectors *qdrant.VectorsOutput) (*types.ChunkEmbedding, error) {
	chunk := &types.ChunkEmbedding{ChunkID: id.GetUuid()}
	if chunk.ChunkID == "" {
		return nil, fmt.Errorf("point has no uuid id")
	}

	if v, ok := payload["message_id"]; ok {
		chunk.MessageID = v.GetStringValue()
	}
	if v, ok := payload["session_id"]; ok {
		chunk.SessionID = v.GetStringValue()
	}
	if v, ok := payload["chunk_index"]; ok {
		chunk.ChunkIndex = int(v.GetIntegerValue())
	}
	if v, ok := payload["text"]; ok {
		chunk.Text = v.GetStringValue()
	}
	if v, ok := payload["timestamp"]; ok {
		chunk.Timestamp = time.Unix(v.GetIntegerValue(), 0).UTC()
	}
	if chunk.MessageID == "" || chunk.SessionID == "" {
		return nil, fmt.Errorf("point %s has incomplete payload", chunk.ChunkID)
	}

	if vectors != nil {
		if vector := vectors.GetVector(); vector != nil {
			chunk.Vector = vector.GetData()
		}
	}
	return chunk, nil
}

var _ VectorIndex = (*QdrantVectorIndex)(nil)
