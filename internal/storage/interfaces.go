// Package storage provides the message store and vector index backends:
// in-memory, database/sql (SQLite or PostgreSQL), and Qdrant.
package storage

import (
	"context"

	"lerian-timeline-engine/internal/types"
)

// MessageStore persists chat messages keyed by id with a session secondary
// index. Chain integrity is enforced by callers, not the store.
type MessageStore interface {
	// Put persists a message; fails with DUPLICATE if the id exists
	Put(ctx context.Context, msg *types.Message) error

	// GetByID returns the message or NOT_FOUND
	GetByID(ctx context.Context, id string) (*types.Message, error)

	// ListBySession returns all session messages in unspecified order
	ListBySession(ctx context.Context, sessionID string) ([]types.Message, error)

	// ListBySessionChrono returns session messages ordered by timestamp
	// ascending, ties broken by id ascending
	ListBySessionChrono(ctx context.Context, sessionID string) ([]types.Message, error)

	// ListAll returns every stored message
	ListAll(ctx context.Context) ([]types.Message, error)

	// SetParent rewrites a message's parent link. Used by chain repair only.
	SetParent(ctx context.Context, id, parentID string) error

	// DeleteBySession removes all session messages, best-effort
	DeleteBySession(ctx context.Context, sessionID string) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// SearchOptions parameterizes a similarity search
type SearchOptions struct {
	// SessionID scopes the search; empty searches across all sessions
	SessionID string

	// QueryVector is the unit-normalized query embedding
	QueryVector []float32

	// QueryText enables composite lexical scoring when non-empty
	QueryText string

	// Limit caps the number of results; 0 means no cap
	Limit int

	// Threshold drops results scoring below it
	Threshold float64

	// ExcludeMessageID drops chunks belonging to the given message
	ExcludeMessageID string

	// CosineWeight and LexicalWeight control composite scoring. Both zero
	// means pure cosine.
	CosineWeight  float64
	LexicalWeight float64
}

// VectorIndex stores chunk embeddings and answers similarity and
// neighborhood queries. (messageID, chunkIndex) is unique per index.
type VectorIndex interface {
	// PutBatch inserts chunks with vectors; fails with DUPLICATE when a
	// (messageID, chunkIndex) slot is already occupied
	PutBatch(ctx context.Context, chunks []types.ChunkEmbedding) error

	// Search returns scored chunks ordered by score descending, ties
	// broken by recency then chunk id
	Search(ctx context.Context, opts SearchOptions) ([]types.ScoredChunk, error)

	// GetNeighbors returns the chunks of messageID with ordinals in
	// [chunkIndex-before, chunkIndex+after], clamped to existing
	// ordinals, ascending
	GetNeighbors(ctx context.Context, messageID string, chunkIndex, before, after int) ([]types.ChunkEmbedding, error)

	// GetByMessage returns the message's chunks in ascending ordinal order
	GetByMessage(ctx context.Context, messageID string) ([]types.ChunkEmbedding, error)

	// GetBySession returns the session's chunks ordered by timestamp then
	// ordinal
	GetBySession(ctx context.Context, sessionID string) ([]types.ChunkEmbedding, error)

	// DeleteByMessage removes all chunks of a message
	DeleteByMessage(ctx context.Context, messageID string) error

	// DeleteBySession removes all chunks of a session
	DeleteBySession(ctx context.Context, sessionID string) error

	// CountBySession returns the number of chunks indexed for a session
	CountBySession(ctx context.Context, sessionID string) (int, error)

	// Stats summarizes index contents by session and message
	Stats(ctx context.Context) (*types.VectorStats, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
