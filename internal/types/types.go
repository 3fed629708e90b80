// Package types provides the core data model for the timeline engine:
// messages, chunk embeddings, retrieval groups, and window context.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a chat turn
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// Valid returns true if the role is a known value
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one chat turn. Immutable after creation except for
// ParentMessageID, which chain repair may rewrite.
type Message struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Role            Role      `json:"role"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	ParentMessageID string    `json:"parent_message_id,omitempty"`
}

// NewMessage creates a message with a fresh id and the current timestamp
func NewMessage(sessionID string, role Role, content, parentID string) (*Message, error) {
	if sessionID == "" {
		return nil, errors.New("session_id cannot be empty")
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("content cannot be empty")
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role: %s", role)
	}

	return &Message{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		Role:            role,
		Content:         content,
		Timestamp:       time.Now().UTC(),
		ParentMessageID: parentID,
	}, nil
}

// Validate checks structural invariants of a message
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New("message id cannot be empty")
	}
	if m.SessionID == "" {
		return errors.New("session_id cannot be empty")
	}
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role: %s", m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return errors.New("content cannot be empty")
	}
	if m.Timestamp.IsZero() {
		return errors.New("timestamp cannot be zero")
	}
	return nil
}

// ChunkEmbedding is an indexed fragment of a message
type ChunkEmbedding struct {
	ChunkID    string    `json:"chunk_id"`
	MessageID  string    `json:"message_id"`
	SessionID  string    `json:"session_id"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Vector     []float32 `json:"vector,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewChunkEmbedding creates a chunk row with a fresh id
func NewChunkEmbedding(messageID, sessionID string, index int, text string, vector []float32, ts time.Time) *ChunkEmbedding {
	return &ChunkEmbedding{
		ChunkID:    uuid.New().String(),
		MessageID:  messageID,
		SessionID:  sessionID,
		ChunkIndex: index,
		Text:       text,
		Vector:     vector,
		Timestamp:  ts,
	}
}

// Pending reports whether the chunk still awaits its embedding
func (c *ChunkEmbedding) Pending() bool {
	return len(c.Vector) == 0
}

// Validate checks structural invariants of a chunk row
func (c *ChunkEmbedding) Validate(dimension int) error {
	if c.ChunkID == "" {
		return errors.New("chunk id cannot be empty")
	}
	if c.MessageID == "" {
		return errors.New("message_id cannot be empty")
	}
	if c.SessionID == "" {
		return errors.New("session_id cannot be empty")
	}
	if c.ChunkIndex < 0 {
		return fmt.Errorf("chunk_index must be non-negative, got %d", c.ChunkIndex)
	}
	if strings.TrimSpace(c.Text) == "" {
		return errors.New("text cannot be empty")
	}
	if !c.Pending() && len(c.Vector) != dimension {
		return fmt.Errorf("vector has %d components, want %d", len(c.Vector), dimension)
	}
	return nil
}

// ScoredChunk pairs a chunk with its relevance score
type ScoredChunk struct {
	Chunk ChunkEmbedding `json:"chunk"`
	Score float64        `json:"score"`
}

// ExpandedGroup is the neighborhood of chunks around a similarity hit,
// all belonging to one message.
type ExpandedGroup struct {
	MessageID string           `json:"message_id"`
	SessionID string           `json:"session_id"`
	Chunks    []ChunkEmbedding `json:"chunks"`
	HitScore  float64          `json:"hit_score"`
	HitIndex  int              `json:"hit_index"`
}

// Range returns the lowest and highest chunk ordinal in the group
func (g *ExpandedGroup) Range() (lo, hi int) {
	if len(g.Chunks) == 0 {
		return 0, -1
	}
	lo, hi = g.Chunks[0].ChunkIndex, g.Chunks[0].ChunkIndex
	for _, c := range g.Chunks[1:] {
		if c.ChunkIndex < lo {
			lo = c.ChunkIndex
		}
		if c.ChunkIndex > hi {
			hi = c.ChunkIndex
		}
	}
	return lo, hi
}

// ContextGroup is a merger of overlapping expanded groups within one message
type ContextGroup struct {
	MessageID         string           `json:"message_id"`
	SessionID         string           `json:"session_id"`
	Chunks            []ChunkEmbedding `json:"chunks"`
	Score             float64          `json:"score"`
	EarliestTimestamp time.Time        `json:"earliest_timestamp"`
	LatestTimestamp   time.Time        `json:"latest_timestamp"`
}

// CombinedText joins the group's chunk texts in ordinal order
func (g *ContextGroup) CombinedText() string {
	parts := make([]string, 0, len(g.Chunks))
	for _, c := range g.Chunks {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, " ")
}

// ConversationContext is the rolling window view handed to the prompt builder
type ConversationContext struct {
	SessionID      string    `json:"session_id"`
	RecentMessages []Message `json:"recent_messages"`
	Summary        string    `json:"summary"`
}

// ChainReport is the result of validating a session's parent-link chain
type ChainReport struct {
	SessionID       string   `json:"session_id"`
	Valid           bool     `json:"valid"`
	BrokenParentIDs []string `json:"broken_parent_ids"`
	OrphanIDs       []string `json:"orphan_ids"`
	RootCount       int      `json:"root_count"`
	TotalCount      int      `json:"total_count"`
	Warnings        []string `json:"warnings,omitempty"`
}

// RepairReport describes the outcome of a chain repair pass
type RepairReport struct {
	SessionID       string      `json:"session_id"`
	RepairedIDs     []string    `json:"repaired_ids"`
	AfterValidation ChainReport `json:"after_validation"`
}

// VectorStats summarizes the vector index contents
type VectorStats struct {
	TotalChunks     int            `json:"total_chunks"`
	ChunksBySession map[string]int `json:"chunks_by_session"`
	ChunksByMessage map[string]int `json:"chunks_by_message"`
}
