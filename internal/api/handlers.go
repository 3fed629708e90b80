package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"lerian-timeline-engine/internal/api/response"
	"lerian-timeline-engine/internal/chains"
	"lerian-timeline-engine/internal/embeddings"
	"lerian-timeline-engine/internal/llm"
	"lerian-timeline-engine/internal/pipeline"
	"lerian-timeline-engine/internal/storage"
)

const defaultSearchLimit = 10

// Handlers carries the dependencies shared by all route handlers
type Handlers struct {
	pipeline  *pipeline.Pipeline
	store     storage.MessageStore
	index     storage.VectorIndex
	validator *chains.Validator
	embedder  embeddings.Embedder
	completer llm.Completer
	startTime time.Time
}

// NewHandlers creates the handler set
func NewHandlers(p *pipeline.Pipeline, store storage.MessageStore, index storage.VectorIndex,
	embedder embeddings.Embedder, completer llm.Completer) *Handlers {
	return &Handlers{
		pipeline:  p,
		store:     store,
		index:     index,
		validator: chains.NewValidator(store),
		embedder:  embedder,
		completer: completer,
		startTime: time.Now(),
	}
}

// ChatRequest is the body of the chat endpoints
type ChatRequest struct {
	Message string `json:"message"`
}

// SearchRequest is the body of the similarity search endpoints
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// ThresholdSearchRequest is the body of the threshold search endpoint
type ThresholdSearchRequest struct {
	Query     string  `json:"query"`
	Threshold float64 `json:"threshold"`
}

// HandleChat runs a full user turn: persist, retrieve, prompt, complete
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		response.WriteBadRequest(w, "sessionId query parameter is required")
		return
	}
	includePrompt, _ := strconv.ParseBool(r.URL.Query().Get("includePrompt"))

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	result, err := h.pipeline.HandleUserTurn(r.Context(), sessionID, req.Message, includePrompt)
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, result)
}

// HandleSimpleChat is a direct LLM round trip without window or retrieval
func (h *Handlers) HandleSimpleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		response.WriteBadRequest(w, "sessionId query parameter is required")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	reply, err := h.pipeline.SimpleChat(r.Context(), sessionID, req.Message)
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, map[string]string{"reply": reply})
}

// HandleConversation returns the chain-traversed ordered history
func (h *Handlers) HandleConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	messages, err := h.validator.Traverse(r.Context(), sessionID)
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, messages)
}

// HandleSession returns all session messages in timestamp order
func (h *Handlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	messages, err := h.store.ListBySessionChrono(r.Context(), sessionID)
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, messages)
}

// HandleMessages returns every stored message
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.store.ListAll(r.Context())
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, messages)
}

// HandleChainValidate runs chain validation for a session
func (h *Handlers) HandleChainValidate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	report, err := h.validator.Validate(r.Context(), sessionID)
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, report)
}

// HandleChainRepair relinks damaged parent references for a session
func (h *Handlers) HandleChainRepair(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	report, err := h.validator.Repair(r.Context(), sessionID)
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, report)
}

// HandleSearchSimilar returns the session's top matching chunks
func (h *Handlers) HandleSearchSimilar(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		response.WriteBadRequest(w, "sessionId query parameter is required")
		return
	}

	req, ok := decodeSearchRequest(w, r)
	if !ok {
		return
	}

	hits, err := h.pipeline.SearchSimilar(r.Context(), sessionID, req.Query, req.Limit)
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, hits)
}

// HandleSearchGlobal returns top matching chunks across all sessions
func (h *Handlers) HandleSearchGlobal(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSearchRequest(w, r)
	if !ok {
		return
	}

	hits, err := h.pipeline.SearchGlobal(r.Context(), req.Query, req.Limit)
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, hits)
}

// HandleSearchThreshold returns all session chunks at or above a score
func (h *Handlers) HandleSearchThreshold(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req ThresholdSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		response.WriteBadRequest(w, "query cannot be empty")
		return
	}
	if req.Threshold < -1 || req.Threshold > 1 {
		response.WriteBadRequest(w, "threshold must be within [-1, 1]")
		return
	}

	hits, err := h.pipeline.SearchThreshold(r.Context(), sessionID, req.Query, req.Threshold)
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, hits)
}

// HandleChunksByMessage lists a message's indexed chunks
func (h *Handlers) HandleChunksByMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")

	chunks, err := h.index.GetByMessage(r.Context(), messageID)
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, chunks)
}

// HandleChunksBySession lists a session's indexed chunks
func (h *Handlers) HandleChunksBySession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	chunks, err := h.index.GetBySession(r.Context(), sessionID)
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, chunks)
}

// HandleVectorStats reports chunk counts by session and message
func (h *Handlers) HandleVectorStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.index.Stats(r.Context())
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, stats)
}

// HandleVectorProcess re-indexes every stored message
func (h *Handlers) HandleVectorProcess(w http.ResponseWriter, r *http.Request) {
	processed, err := h.pipeline.ProcessAll(r.Context())
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, map[string]int{"processed": processed})
}

// HandleVectorReprocess re-indexes one session's messages
func (h *Handlers) HandleVectorReprocess(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	processed, err := h.pipeline.ReprocessSession(r.Context(), sessionID)
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	chunks, err := h.index.CountBySession(r.Context(), sessionID)
	if err != nil {
		response.WriteAppError(w, err)
		return
	}
	response.WriteSuccess(w, map[string]int{"processed": processed, "chunks": chunks})
}

// HandleWindowContext returns the session's rolling window state
func (h *Handlers) HandleWindowContext(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	response.WriteSuccess(w, h.pipeline.Window().Context(sessionID))
}

// HandleClearHistory drops the session's window state
func (h *Handlers) HandleClearHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	h.pipeline.Window().Clear(sessionID)
	response.WriteSuccess(w, map[string]string{"session_id": sessionID}, "window cleared")
}

func decodeSearchRequest(w http.ResponseWriter, r *http.Request) (SearchRequest, bool) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteBadRequest(w, "invalid request body: "+err.Error())
		return req, false
	}
	if req.Query == "" {
		response.WriteBadRequest(w, "query cannot be empty")
		return req, false
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}
	return req, true
}
