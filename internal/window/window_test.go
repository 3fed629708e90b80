package window

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lerian-timeline-engine/internal/config"
	"lerian-timeline-engine/internal/types"
)

type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	args := m.Called(ctx, system, prompt)
	return args.String(0), args.Error(1)
}

func (m *MockCompleter) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func testWindowConfig(size int) *config.WindowConfig {
	return &config.WindowConfig{
		Size:                   size,
		MaxSummaryChars:        1000,
		MaxAgeHours:            24,
		CleanupIntervalMinutes: 60,
	}
}

func windowMessage(i int, sessionID string) *types.Message {
	return &types.Message{
		ID:        fmt.Sprintf("m%d", i),
		SessionID: sessionID,
		Role:      types.RoleUser,
		Content:   fmt.Sprintf("Message number %d.", i),
		Timestamp: time.Now().UTC(),
	}
}

func TestManager_AppendWithinCapacity(t *testing.T) {
	completer := &MockCompleter{}
	m := NewManager(testWindowConfig(3), completer)

	for i := 1; i <= 3; i++ {
		require.NoError(t, m.Append(context.Background(), windowMessage(i, "s1")))
	}

	ctxView := m.Context("s1")
	assert.Len(t, ctxView.RecentMessages, 3)
	assert.Empty(t, ctxView.Summary)
	completer.AssertNotCalled(t, "Complete")
}

func TestManager_EvictionFoldsIntoSummary(t *testing.T) {
	completer := &MockCompleter{}
	completer.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return("folded summary", nil)

	m := NewManager(testWindowConfig(2), completer)
	for i := 1; i <= 3; i++ {
		require.NoError(t, m.Append(context.Background(), windowMessage(i, "s1")))
	}

	ctxView := m.Context("s1")
	require.Len(t, ctxView.RecentMessages, 2)
	assert.Equal(t, "m2", ctxView.RecentMessages[0].ID)
	assert.Equal(t, "m3", ctxView.RecentMessages[1].ID)
	assert.Equal(t, "folded summary", ctxView.Summary)
}

func TestManager_EvictedContentReachesSummarizer(t *testing.T) {
	completer := &MockCompleter{}
	var captured string
	completer.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.String(2) }).
		Return("ok", nil)

	m := NewManager(testWindowConfig(1), completer)
	require.NoError(t, m.Append(context.Background(), windowMessage(1, "s1")))
	require.NoError(t, m.Append(context.Background(), windowMessage(2, "s1")))

	assert.Contains(t, captured, "Message number 1.",
		"evicted content must be folded before it is dropped")
}

func TestManager_LLMFailureStillFolds(t *testing.T) {
	completer := &MockCompleter{}
	completer.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("llm down"))

	m := NewManager(testWindowConfig(1), completer)
	require.NoError(t, m.Append(context.Background(), windowMessage(1, "s1")))
	require.NoError(t, m.Append(context.Background(), windowMessage(2, "s1")))

	ctxView := m.Context("s1")
	assert.Contains(t, ctxView.Summary, "Message number 1.",
		"fallback summary keeps evicted content")
}

func TestManager_ContextUnknownSessionIsEmpty(t *testing.T) {
	m := NewManager(testWindowConfig(3), &MockCompleter{})

	ctxView := m.Context("nope")
	assert.Empty(t, ctxView.RecentMessages)
	assert.Empty(t, ctxView.Summary)
}

func TestManager_Clear(t *testing.T) {
	m := NewManager(testWindowConfig(3), &MockCompleter{})
	require.NoError(t, m.Append(context.Background(), windowMessage(1, "s1")))

	m.Clear("s1")

	assert.Empty(t, m.Context("s1").RecentMessages)
	assert.Equal(t, 0, m.ActiveSessions())
}

func TestManager_SessionsAreIsolated(t *testing.T) {
	m := NewManager(testWindowConfig(3), &MockCompleter{})
	require.NoError(t, m.Append(context.Background(), windowMessage(1, "s1")))
	require.NoError(t, m.Append(context.Background(), windowMessage(2, "s2")))

	assert.Len(t, m.Context("s1").RecentMessages, 1)
	assert.Len(t, m.Context("s2").RecentMessages, 1)
	assert.Equal(t, "m1", m.Context("s1").RecentMessages[0].ID)
}

func TestManager_SweepEvictsStaleWindows(t *testing.T) {
	m := NewManager(testWindowConfig(3), &MockCompleter{})
	m.maxAge = time.Millisecond
	require.NoError(t, m.Append(context.Background(), windowMessage(1, "s1")))

	time.Sleep(5 * time.Millisecond)
	m.sweep()

	assert.Equal(t, 0, m.ActiveSessions())
}

func TestManager_StartStop(t *testing.T) {
	m := NewManager(testWindowConfig(3), &MockCompleter{})
	m.cleanupInterval = time.Millisecond
	m.Start()
	time.Sleep(5 * time.Millisecond)
	m.Stop()
}
