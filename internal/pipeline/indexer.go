// Package pipeline orchestrates the turn flow: persist, retrieve, prompt,
// complete, and index in the background.
package pipeline

import (
	"context"
	"sync"
	"time"

	"lerian-timeline-engine/internal/chunking"
	"lerian-timeline-engine/internal/embeddings"
	"lerian-timeline-engine/internal/logging"
	"lerian-timeline-engine/internal/storage"
	"lerian-timeline-engine/internal/types"
)

const (
	defaultIndexWorkers = 4
	defaultIndexQueue   = 256
	indexJobTimeout     = 2 * time.Minute
)

// Indexer chunks, embeds, and indexes messages on a background worker
// pool. Failures are logged, never surfaced to the request that scheduled
// them.
type Indexer struct {
	index    storage.VectorIndex
	embedder embeddings.Embedder
	chunker  *chunking.Chunker
	logger   logging.Logger

	jobs     chan types.Message
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewIndexer creates an indexer with the default pool size
func NewIndexer(index storage.VectorIndex, embedder embeddings.Embedder, chunker *chunking.Chunker) *Indexer {
	return &Indexer{
		index:    index,
		embedder: embedder,
		chunker:  chunker,
		logger:   logging.WithComponent("indexer"),
		jobs:     make(chan types.Message, defaultIndexQueue),
	}
}

// Start launches the worker pool
func (ix *Indexer) Start() {
	for i := 0; i < defaultIndexWorkers; i++ {
		ix.wg.Add(1)
		go ix.worker()
	}
}

// Stop closes the queue and drains outstanding jobs before returning
func (ix *Indexer) Stop() {
	ix.stopOnce.Do(func() { close(ix.jobs) })
	ix.wg.Wait()
}

// Submit schedules a message for background indexing. Returns false when
// the queue is full; the caller may fall back to synchronous indexing or
// drop with a log line.
func (ix *Indexer) Submit(msg *types.Message) bool {
	select {
	case ix.jobs <- *msg:
		return true
	default:
		return false
	}
}

func (ix *Indexer) worker() {
	defer ix.wg.Done()
	for msg := range ix.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), indexJobTimeout)
		if err := ix.IndexMessage(ctx, &msg); err != nil {
			ix.logger.Error("background indexing failed",
				"message_id", msg.ID, "session_id", msg.SessionID, "error", err.Error())
		}
		cancel()
	}
}

// IndexMessage chunks and embeds a message and stores the result.
// Idempotent over (messageID, chunkIndex): prior chunks of the message are
// deleted before reinserting, so reruns converge to the same state.
func (ix *Indexer) IndexMessage(ctx context.Context, msg *types.Message) error {
	fragments := ix.chunker.Split(msg.Content)
	if len(fragments) == 0 {
		return ix.index.DeleteByMessage(ctx, msg.ID)
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, fragments)
	if err != nil {
		return err
	}

	if err := ix.index.DeleteByMessage(ctx, msg.ID); err != nil {
		return err
	}

	chunks := make([]types.ChunkEmbedding, len(fragments))
	for i := range fragments {
		chunks[i] = *types.NewChunkEmbedding(msg.ID, msg.SessionID, i, fragments[i], vectors[i], msg.Timestamp)
	}
	if err := ix.index.PutBatch(ctx, chunks); err != nil {
		return err
	}

	ix.logger.DebugContext(ctx, "message indexed",
		"message_id", msg.ID, "chunks", len(chunks))
	return nil
}
