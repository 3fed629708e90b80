package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("s1", RoleUser, "hello", "parent-1")

	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, RoleUser, msg.Role)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "parent-1", msg.ParentMessageID)
	assert.False(t, msg.Timestamp.IsZero())
	require.NoError(t, msg.Validate())
}

func TestNewMessage_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
		role      Role
		content   string
	}{
		{"empty session", "", RoleUser, "hello"},
		{"empty content", "s1", RoleUser, ""},
		{"whitespace content", "s1", RoleUser, "   "},
		{"invalid role", "s1", Role("SYSTEM"), "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMessage(tt.sessionID, tt.role, tt.content, "")
			assert.Error(t, err)
		})
	}
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleAssistant.Valid())
	assert.False(t, Role("SYSTEM").Valid())
	assert.False(t, Role("").Valid())
}

func TestChunkEmbeddingValidate(t *testing.T) {
	now := time.Now().UTC()
	chunk := NewChunkEmbedding("m1", "s1", 0, "some text", []float32{1, 0, 0}, now)

	require.NoError(t, chunk.Validate(3))
	assert.False(t, chunk.Pending())

	assert.Error(t, chunk.Validate(768), "dimension mismatch")

	pending := NewChunkEmbedding("m1", "s1", 1, "later", nil, now)
	assert.True(t, pending.Pending())
	require.NoError(t, pending.Validate(3), "pending chunks skip the dimension check")

	negative := NewChunkEmbedding("m1", "s1", -1, "bad", nil, now)
	assert.Error(t, negative.Validate(3))
}

func TestExpandedGroupRange(t *testing.T) {
	g := ExpandedGroup{Chunks: []ChunkEmbedding{
		{ChunkIndex: 4}, {ChunkIndex: 2}, {ChunkIndex: 7},
	}}

	lo, hi := g.Range()
	assert.Equal(t, 2, lo)
	assert.Equal(t, 7, hi)

	empty := ExpandedGroup{}
	lo, hi = empty.Range()
	assert.Equal(t, 0, lo)
	assert.Equal(t, -1, hi)
}

func TestContextGroupCombinedText(t *testing.T) {
	g := ContextGroup{Chunks: []ChunkEmbedding{
		{Text: "first part"}, {Text: "second part"},
	}}
	assert.Equal(t, "first part second part", g.CombinedText())
}
