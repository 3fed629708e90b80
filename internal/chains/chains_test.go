package chains

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lerian-timeline-engine/internal/storage"
	"lerian-timeline-engine/internal/types"
)

func seedMessage(t *testing.T, store storage.MessageStore, id, sessionID, parentID string, ts time.Time) {
	t.Helper()
	err := store.Put(context.Background(), &types.Message{
		ID:              id,
		SessionID:       sessionID,
		Role:            types.RoleUser,
		Content:         "content " + id,
		Timestamp:       ts,
		ParentMessageID: parentID,
	})
	require.NoError(t, err)
}

func TestValidator_ValidChain(t *testing.T) {
	store := storage.NewMemoryMessageStore()
	base := time.Now().UTC()
	seedMessage(t, store, "m1", "s1", "", base)
	seedMessage(t, store, "m2", "s1", "m1", base.Add(time.Second))
	seedMessage(t, store, "m3", "s1", "m2", base.Add(2*time.Second))

	report, err := NewValidator(store).Validate(context.Background(), "s1")
	require.NoError(t, err)

	assert.True(t, report.Valid)
	assert.Empty(t, report.BrokenParentIDs)
	assert.Empty(t, report.OrphanIDs)
	assert.Equal(t, 1, report.RootCount)
	assert.Equal(t, 3, report.TotalCount)
	assert.Empty(t, report.Warnings)
}

func TestValidator_BrokenParent(t *testing.T) {
	store := storage.NewMemoryMessageStore()
	base := time.Now().UTC()
	seedMessage(t, store, "m1", "s1", "", base)
	seedMessage(t, store, "m2", "s1", "ghost", base.Add(time.Second))

	report, err := NewValidator(store).Validate(context.Background(), "s1")
	require.NoError(t, err)

	assert.False(t, report.Valid)
	assert.Equal(t, []string{"m2"}, report.BrokenParentIDs)
}

func TestValidator_MultipleRootsWarnOnly(t *testing.T) {
	store := storage.NewMemoryMessageStore()
	base := time.Now().UTC()
	seedMessage(t, store, "m1", "s1", "", base)
	seedMessage(t, store, "m2", "s1", "", base.Add(time.Second))

	report, err := NewValidator(store).Validate(context.Background(), "s1")
	require.NoError(t, err)

	assert.True(t, report.Valid, "multiple roots are a warning, not a failure")
	assert.Equal(t, 2, report.RootCount)
	assert.NotEmpty(t, report.Warnings)
}

func TestValidator_OrphanDetached(t *testing.T) {
	store := storage.NewMemoryMessageStore()
	base := time.Now().UTC()
	seedMessage(t, store, "m1", "s1", "", base)
	seedMessage(t, store, "m2", "s1", "m1", base.Add(time.Second))
	// m3 and m4 form a cycle-free island hanging off a broken link
	seedMessage(t, store, "m3", "s1", "ghost", base.Add(2*time.Second))
	seedMessage(t, store, "m4", "s1", "m3", base.Add(3*time.Second))

	report, err := NewValidator(store).Validate(context.Background(), "s1")
	require.NoError(t, err)

	assert.False(t, report.Valid)
	assert.Equal(t, []string{"m3"}, report.BrokenParentIDs)
	assert.Equal(t, []string{"m3", "m4"}, report.OrphanIDs,
		"the whole detached island is unreachable, broken link included")
}

func TestValidator_BrokenParentIsAlsoOrphan(t *testing.T) {
	store := storage.NewMemoryMessageStore()
	base := time.Now().UTC()
	seedMessage(t, store, "a", "s1", "", base)
	seedMessage(t, store, "c", "s1", "b", base.Add(time.Second))

	report, err := NewValidator(store).Validate(context.Background(), "s1")
	require.NoError(t, err)

	assert.False(t, report.Valid)
	assert.Equal(t, []string{"c"}, report.BrokenParentIDs)
	assert.Equal(t, []string{"c"}, report.OrphanIDs, "no traversal from a root reaches c")
}

func TestValidator_RepairRelinksAndRevalidates(t *testing.T) {
	store := storage.NewMemoryMessageStore()
	base := time.Now().UTC()
	seedMessage(t, store, "m1", "s1", "", base)
	seedMessage(t, store, "m2", "s1", "m1", base.Add(time.Second))
	seedMessage(t, store, "m3", "s1", "ghost", base.Add(2*time.Second))

	validator := NewValidator(store)
	report, err := validator.Repair(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, []string{"m3"}, report.RepairedIDs)
	assert.True(t, report.AfterValidation.Valid)

	repaired, err := store.GetByID(context.Background(), "m3")
	require.NoError(t, err)
	assert.Equal(t, "m2", repaired.ParentMessageID, "relinked to most recent prior message")
}

func TestValidator_RepairIdempotent(t *testing.T) {
	store := storage.NewMemoryMessageStore()
	base := time.Now().UTC()
	seedMessage(t, store, "m1", "s1", "", base)
	seedMessage(t, store, "m2", "s1", "ghost", base.Add(time.Second))

	validator := NewValidator(store)
	first, err := validator.Repair(context.Background(), "s1")
	require.NoError(t, err)
	require.NotEmpty(t, first.RepairedIDs)

	second, err := validator.Repair(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, second.RepairedIDs, "second repair changes nothing")
	assert.True(t, second.AfterValidation.Valid)
}

func TestValidator_RepairEmptySession(t *testing.T) {
	store := storage.NewMemoryMessageStore()

	report, err := NewValidator(store).Repair(context.Background(), "empty")
	require.NoError(t, err)
	assert.Empty(t, report.RepairedIDs)
	assert.True(t, report.AfterValidation.Valid)
}

func TestValidator_TraverseChainOrder(t *testing.T) {
	store := storage.NewMemoryMessageStore()
	base := time.Now().UTC()
	seedMessage(t, store, "m1", "s1", "", base)
	seedMessage(t, store, "m2", "s1", "m1", base.Add(time.Second))
	seedMessage(t, store, "m3", "s1", "m2", base.Add(2*time.Second))

	ordered, err := NewValidator(store).Traverse(context.Background(), "s1")
	require.NoError(t, err)

	require.Len(t, ordered, 3)
	assert.Equal(t, "m1", ordered[0].ID)
	assert.Equal(t, "m2", ordered[1].ID)
	assert.Equal(t, "m3", ordered[2].ID)
}

func TestValidator_TraverseKeepsUnreachable(t *testing.T) {
	store := storage.NewMemoryMessageStore()
	base := time.Now().UTC()
	seedMessage(t, store, "m1", "s1", "", base)
	seedMessage(t, store, "m2", "s1", "ghost", base.Add(time.Second))

	ordered, err := NewValidator(store).Traverse(context.Background(), "s1")
	require.NoError(t, err)

	require.Len(t, ordered, 2, "unreachable messages still listed")
	assert.Equal(t, "m1", ordered[0].ID)
	assert.Equal(t, "m2", ordered[1].ID)
}
