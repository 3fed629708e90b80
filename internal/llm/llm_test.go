package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lerian-timeline-engine/internal/apperrors"
	"lerian-timeline-engine/internal/config"
)

var testConfigNoKey = config.OpenAIConfig{CompletionModel: "gpt-4o-mini"}

// MockCompleter for testing wrappers
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

func TestRetryableCompleter_SucceedsAfterTransientFailure(t *testing.T) {
	inner := &MockCompleter{}
	inner.On("Complete", mock.Anything, "sys", "hello").
		Return("", errors.New("timeout")).Once()
	inner.On("Complete", mock.Anything, "sys", "hello").
		Return("hi there", nil).Once()

	wrapped := NewRetryableCompleter(inner, 3)
	reply, err := wrapped.Complete(context.Background(), "sys", "hello")

	require.NoError(t, err)
	assert.Equal(t, "hi there", reply)
	inner.AssertExpectations(t)
}

func TestRetryableCompleter_ExhaustedRetriesMapToUnavailable(t *testing.T) {
	inner := &MockCompleter{}
	inner.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("boom"))

	wrapped := NewRetryableCompleter(inner, 2)
	_, err := wrapped.Complete(context.Background(), "", "prompt")

	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindLLMUnavailable))
}

func TestRetryableCompleter_RetriesUpToBudget(t *testing.T) {
	inner := &MockCompleter{}
	inner.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("bad request")).Times(3)

	wrapped := NewRetryableCompleter(inner, 3)
	_, err := wrapped.Complete(context.Background(), "", "prompt")

	require.Error(t, err)
	inner.AssertExpectations(t)
}

func TestNewOpenAICompleter_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAICompleter(&testConfigNoKey)
	assert.Error(t, err)
}
