package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lerian-timeline-engine/internal/apperrors"
	"lerian-timeline-engine/internal/chunking"
	"lerian-timeline-engine/internal/config"
	"lerian-timeline-engine/internal/pipeline"
	"lerian-timeline-engine/internal/prompt"
	"lerian-timeline-engine/internal/retrieval"
	"lerian-timeline-engine/internal/storage"
	"lerian-timeline-engine/internal/types"
	"lerian-timeline-engine/internal/window"
)

const testDimension = 3

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
	return testDimension
}

func (m *MockEmbedder) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	args := m.Called(ctx, system, prompt)
	return args.String(0), args.Error(1)
}

func (m *MockCompleter) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type testServer struct {
	server    *httptest.Server
	store     *storage.MemoryMessageStore
	index     *storage.MemoryVectorIndex
	embedder  *MockEmbedder
	completer *MockCompleter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := storage.NewMemoryMessageStore()
	index := storage.NewMemoryVectorIndex(testDimension)
	embedder := new(MockEmbedder)
	completer := new(MockCompleter)

	contextCfg := config.ContextConfig{
		Strategy:                retrieval.StrategyFixed,
		ChunksBefore:            1,
		ChunksAfter:             1,
		MaxSimilar:              5,
		SimilarityThreshold:     0.1,
		MaxPerGroup:             5,
		MaxGroups:               3,
		MaxTotalChunks:          20,
		AdaptiveExpansionFactor: 1.5,
		CosineWeight:            1.0,
		DiversityThreshold:      0.9,
	}

	windows := window.NewManager(&config.WindowConfig{Size: 6, MaxSummaryChars: 1000}, completer)
	builder := prompt.NewBuilder(&config.PromptConfig{
		MaxLength: 8000,
		Format:    prompt.FormatStructured,
		System:    "You are a helpful assistant.",
	})
	chunker := chunking.NewChunker(&config.ChunkingConfig{MaxChars: 500, OverlapChars: 50})
	retriever := retrieval.NewRetriever(index, embedder, contextCfg)
	merger := retrieval.NewMerger(&contextCfg)
	indexer := pipeline.NewIndexer(index, embedder, chunker)

	p := pipeline.New(store, index, embedder, completer, windows, retriever, merger, builder, indexer)

	cfg := config.DefaultConfig()
	router := NewRouter(cfg, NewHandlers(p, store, index, embedder, completer))
	server := httptest.NewServer(router.Handler())
	t.Cleanup(server.Close)

	return &testServer{
		server:    server,
		store:     store,
		index:     index,
		embedder:  embedder,
		completer: completer,
	}
}

func (ts *testServer) request(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.server.URL+basePath+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func now() time.Time {
	return time.Now().UTC()
}

func seedMessage(ctx context.Context, store *storage.MemoryMessageStore, id, parentID, content string, offsetSec int) error {
	return store.Put(ctx, &types.Message{
		ID:              id,
		SessionID:       "s1",
		Role:            types.RoleUser,
		Content:         content,
		Timestamp:       now().Add(time.Duration(offsetSec) * time.Second),
		ParentMessageID: parentID,
	})
}

func decodeData(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func decodeErrorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Error.Code
}

func TestChat_RequiresSessionID(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodPost, "/chat", ChatRequest{Message: "hello"})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(apperrors.KindBadInput), decodeErrorCode(t, resp))
}

func TestChat_FullTurn(t *testing.T) {
	ts := newTestServer(t)
	ts.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	ts.completer.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return("hi there", nil)

	resp := ts.request(t, http.MethodPost, "/chat?sessionId=s1", ChatRequest{Message: "hello"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result pipeline.TurnResult
	decodeData(t, resp, &result)
	assert.Equal(t, "hello", result.UserMessage.Content)
	assert.Equal(t, "hi there", result.AssistantMessage.Content)
	assert.Nil(t, result.Prompt)
}

func TestChat_IncludePromptEchoesPrompt(t *testing.T) {
	ts := newTestServer(t)
	ts.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	ts.completer.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return("reply", nil)

	resp := ts.request(t, http.MethodPost, "/chat?sessionId=s1&includePrompt=true", ChatRequest{Message: "hello"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result pipeline.TurnResult
	decodeData(t, resp, &result)
	require.NotNil(t, result.Prompt)
	assert.Contains(t, result.Prompt.Prompt, "hello")
}

func TestChat_LLMFailureMapsTo500(t *testing.T) {
	ts := newTestServer(t)
	ts.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	ts.completer.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return("", apperrors.New(apperrors.KindLLMUnavailable, "llm service unavailable"))

	resp := ts.request(t, http.MethodPost, "/chat?sessionId=s1", ChatRequest{Message: "hello"})

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, string(apperrors.KindLLMUnavailable), decodeErrorCode(t, resp))
}

func TestSimpleChat_DirectReply(t *testing.T) {
	ts := newTestServer(t)
	ts.completer.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return("pong", nil)

	resp := ts.request(t, http.MethodPost, "/chat/simple?sessionId=s1", ChatRequest{Message: "ping"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]string
	decodeData(t, resp, &result)
	assert.Equal(t, "pong", result["reply"])

	messages, err := ts.store.ListBySession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, messages, "simple chat persists nothing")
}

func TestSession_ReturnsChronoOrder(t *testing.T) {
	ts := newTestServer(t)
	ts.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	ts.completer.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return("reply", nil)

	resp := ts.request(t, http.MethodPost, "/chat?sessionId=s1", ChatRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.request(t, http.MethodGet, "/session/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var messages []types.Message
	decodeData(t, resp, &messages)
	require.Len(t, messages, 2)
	assert.Equal(t, types.RoleUser, messages[0].Role)
	assert.Equal(t, types.RoleAssistant, messages[1].Role)
}

func TestConversation_TraversesChain(t *testing.T) {
	ts := newTestServer(t)
	ts.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	ts.completer.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return("reply", nil)

	for _, msg := range []string{"first", "second"} {
		resp := ts.request(t, http.MethodPost, "/chat?sessionId=s1", ChatRequest{Message: msg})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	resp := ts.request(t, http.MethodGet, "/conversation/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var messages []types.Message
	decodeData(t, resp, &messages)
	require.Len(t, messages, 4)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "second", messages[2].Content)
}

func TestChainValidate_HealthyChain(t *testing.T) {
	ts := newTestServer(t)
	ts.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	ts.completer.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return("reply", nil)

	resp := ts.request(t, http.MethodPost, "/chat?sessionId=s1", ChatRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.request(t, http.MethodGet, "/chain/validate/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report types.ChainReport
	decodeData(t, resp, &report)
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.TotalCount)
}

func TestChainRepair_RelinksBrokenParent(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, seedMessage(ctx, ts.store, "m1", "", "one", 1))
	require.NoError(t, seedMessage(ctx, ts.store, "m2", "missing", "two", 2))

	resp := ts.request(t, http.MethodPost, "/chain/repair/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report types.RepairReport
	decodeData(t, resp, &report)
	assert.Contains(t, report.RepairedIDs, "m2")
	assert.True(t, report.AfterValidation.Valid)
}

func TestSearchSimilar_RejectsEmptyQuery(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodPost, "/search/similar?sessionId=s1", SearchRequest{})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(apperrors.KindBadInput), decodeErrorCode(t, resp))
}

func TestSearchSimilar_ReturnsHits(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	ts.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)

	chunk := types.NewChunkEmbedding("m1", "s1", 0, "indexed content", []float32{1, 0, 0}, now())
	require.NoError(t, ts.index.PutBatch(ctx, []types.ChunkEmbedding{*chunk}))

	resp := ts.request(t, http.MethodPost, "/search/similar?sessionId=s1", SearchRequest{Query: "content"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hits []types.ScoredChunk
	decodeData(t, resp, &hits)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].Chunk.MessageID)
}

func TestSearchThreshold_RejectsOutOfRange(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodPost, "/search/threshold/s1",
		ThresholdSearchRequest{Query: "q", Threshold: 2})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestVectorStatistics(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	chunk := types.NewChunkEmbedding("m1", "s1", 0, "content", []float32{1, 0, 0}, now())
	require.NoError(t, ts.index.PutBatch(ctx, []types.ChunkEmbedding{*chunk}))

	resp := ts.request(t, http.MethodGet, "/vector/statistics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats types.VectorStats
	decodeData(t, resp, &stats)
	assert.Equal(t, 1, stats.TotalChunks)
	assert.Equal(t, 1, stats.ChunksBySession["s1"])
}

func TestVectorReprocess_ReportsCount(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	ts.embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return([][]float32{{1, 0, 0}}, nil)

	require.NoError(t, seedMessage(ctx, ts.store, "m1", "", "content", 1))

	resp := ts.request(t, http.MethodPost, "/vector/reprocess/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]int
	decodeData(t, resp, &result)
	assert.Equal(t, 1, result["processed"])
	assert.Equal(t, 1, result["chunks"])
}

func TestWindowContextAndClear(t *testing.T) {
	ts := newTestServer(t)
	ts.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	ts.completer.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return("reply", nil)

	resp := ts.request(t, http.MethodPost, "/chat?sessionId=s1", ChatRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.request(t, http.MethodGet, "/phase6/context/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var windowCtx types.ConversationContext
	decodeData(t, resp, &windowCtx)
	assert.Len(t, windowCtx.RecentMessages, 2)

	resp = ts.request(t, http.MethodDelete, "/phase6/history/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.request(t, http.MethodGet, "/phase6/context/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &windowCtx)
	assert.Empty(t, windowCtx.RecentMessages)
}

func TestHealth_AllComponentsHealthy(t *testing.T) {
	ts := newTestServer(t)
	ts.embedder.On("HealthCheck", mock.Anything).Return(nil)
	ts.completer.On("HealthCheck", mock.Anything).Return(nil)

	resp := ts.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status HealthStatus
	decodeData(t, resp, &status)
	assert.Equal(t, "healthy", status.Status)
	assert.Contains(t, status.Features, "similarity-search")
}

func TestHealth_DegradedComponent(t *testing.T) {
	ts := newTestServer(t)
	ts.embedder.On("HealthCheck", mock.Anything).
		Return(apperrors.New(apperrors.KindEmbeddingUnavailable, "embedding service unreachable"))
	ts.completer.On("HealthCheck", mock.Anything).Return(nil)

	resp := ts.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var status HealthStatus
	decodeData(t, resp, &status)
	assert.Equal(t, "degraded", status.Status)
}

func TestPing_Heartbeat(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.server.URL + "/ping")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
