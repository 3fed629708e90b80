package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lerian-timeline-engine/internal/logging"
)

// MockEmbedder for testing wrappers
type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

func (m *MockEmbedder) Dimension() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockEmbedder) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func TestLRUCache_GetSet(t *testing.T) {
	cache := NewLRUCache(10, time.Hour)

	_, found := cache.Get("missing")
	assert.False(t, found)

	vector := []float32{0.1, 0.2, 0.3}
	cache.Set("hello", vector)

	got, found := cache.Get("hello")
	require.True(t, found)
	assert.Equal(t, vector, got)

	// Returned slice is a copy
	got[0] = 99
	again, _ := cache.Get("hello")
	assert.Equal(t, float32(0.1), again[0])
}

func TestLRUCache_Eviction(t *testing.T) {
	cache := NewLRUCache(2, time.Hour)

	cache.Set("a", []float32{1})
	cache.Set("b", []float32{2})
	cache.Set("c", []float32{3})

	_, found := cache.Get("a")
	assert.False(t, found, "oldest entry should be evicted")

	stats := cache.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestLRUCache_TTLExpiry(t *testing.T) {
	cache := NewLRUCache(10, time.Nanosecond)

	cache.Set("a", []float32{1})
	time.Sleep(time.Millisecond)

	_, found := cache.Get("a")
	assert.False(t, found)
}

func TestLRUCache_IgnoresEmptyVector(t *testing.T) {
	cache := NewLRUCache(10, time.Hour)
	cache.Set("a", nil)

	_, found := cache.Get("a")
	assert.False(t, found)
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestRateLimiter_WaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	require.True(t, rl.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiter_DefaultRate(t *testing.T) {
	rl := NewRateLimiter(0, 0)

	for i := 0; i < defaultRequestsPerMinute; i++ {
		require.True(t, rl.Allow(), "token %d", i)
	}
	assert.False(t, rl.Allow())
}

func TestRateLimiter_RefillsContinuously(t *testing.T) {
	rl := NewRateLimiter(2, 100*time.Millisecond)
	require.True(t, rl.Allow())
	require.True(t, rl.Allow())
	require.False(t, rl.Allow())

	time.Sleep(120 * time.Millisecond)
	assert.True(t, rl.Allow(), "tokens accrue without waiting a full interval")
}

// An unreachable address makes every lookup degrade to a miss, which is
// enough to hammer the counters from multiple goroutines.
func TestRedisCache_ConcurrentGetsAndStats(t *testing.T) {
	cache := &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 50 * time.Millisecond,
			MaxRetries:  -1,
		}),
		ttl:     time.Hour,
		timeout: 100 * time.Millisecond,
		logger:  logging.WithComponent("embed-cache-redis"),
	}
	defer func() { _ = cache.Close() }()

	const workers, lookups = 8, 5
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < lookups; i++ {
				cache.Get(fmt.Sprintf("text-%d-%d", w, i))
				cache.Stats()
			}
		}(w)
	}
	wg.Wait()

	stats := cache.Stats()
	assert.Equal(t, int64(workers*lookups), stats.Misses)
	assert.Equal(t, int64(0), stats.Hits)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		raw       []float32
		dimension int
		wantErr   bool
	}{
		{name: "valid vector", raw: []float32{3, 4}, dimension: 2},
		{name: "wrong dimension", raw: []float32{1, 2, 3}, dimension: 2, wantErr: true},
		{name: "zero vector", raw: []float32{0, 0}, dimension: 2, wantErr: true},
		{name: "non-finite component", raw: []float32{1, float32(math.Inf(1))}, dimension: 2, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit, err := normalize(tt.raw, tt.dimension)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			var sumSquares float64
			for _, v := range unit {
				sumSquares += float64(v) * float64(v)
			}
			assert.InDelta(t, 1.0, sumSquares, 1e-6)
		})
	}
}

func TestRetryableEmbedder_SucceedsAfterTransientFailure(t *testing.T) {
	inner := &MockEmbedder{}
	inner.On("Embed", mock.Anything, "hi").
		Return(nil, errors.New("connection reset")).Once()
	inner.On("Embed", mock.Anything, "hi").
		Return([]float32{1, 0}, nil).Once()

	wrapped := NewRetryableEmbedder(inner, 3)
	vector, err := wrapped.Embed(context.Background(), "hi")

	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vector)
	inner.AssertExpectations(t)
}

func TestRetryableEmbedder_ExhaustedRetriesMapToUnavailable(t *testing.T) {
	inner := &MockEmbedder{}
	inner.On("EmbedBatch", mock.Anything, mock.Anything).
		Return(nil, errors.New("boom"))

	wrapped := NewRetryableEmbedder(inner, 2)
	_, err := wrapped.EmbedBatch(context.Background(), []string{"a"})

	require.Error(t, err)
	assertKindEmbeddingUnavailable(t, err)
}

func assertKindEmbeddingUnavailable(t *testing.T, err error) {
	t.Helper()
	assert.Contains(t, err.Error(), "EMBEDDING_UNAVAILABLE")
}
