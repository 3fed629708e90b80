// Package api provides the HTTP surface of the timeline engine.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"lerian-timeline-engine/internal/config"
	"lerian-timeline-engine/internal/logging"
)

const (
	basePath       = "/api/v1/timeline"
	maxRequestSize = 10 * 1024 * 1024
	requestTimeout = 60 * time.Second
)

// Router wires middleware and routes around the handler set
type Router struct {
	config   *config.Config
	mux      *chi.Mux
	handlers *Handlers
	logger   logging.Logger
}

// NewRouter creates the API router with its middleware stack and routes
func NewRouter(cfg *config.Config, handlers *Handlers) *Router {
	r := &Router{
		config:   cfg,
		mux:      chi.NewRouter(),
		handlers: handlers,
		logger:   logging.WithComponent("api"),
	}
	r.setupMiddleware()
	r.setupRoutes()
	return r
}

// Handler returns the HTTP handler
func (r *Router) Handler() http.Handler {
	return r.mux
}

func (r *Router) setupMiddleware() {
	r.mux.Use(chimiddleware.Recoverer)
	r.mux.Use(chimiddleware.RequestID)
	r.mux.Use(chimiddleware.Timeout(requestTimeout))
	r.mux.Use(chimiddleware.RequestSize(maxRequestSize))
	r.mux.Use(chimiddleware.Heartbeat("/ping"))
	r.mux.Use(r.requestLogger)
}

func (r *Router) setupRoutes() {
	h := r.handlers

	r.mux.Route(basePath, func(mux chi.Router) {
		mux.Post("/chat", h.HandleChat)
		mux.Post("/chat/simple", h.HandleSimpleChat)

		mux.Get("/conversation/{sessionId}", h.HandleConversation)
		mux.Get("/session/{sessionId}", h.HandleSession)
		mux.Get("/messages", h.HandleMessages)

		mux.Get("/chain/validate/{sessionId}", h.HandleChainValidate)
		mux.Post("/chain/repair/{sessionId}", h.HandleChainRepair)

		mux.Post("/search/similar", h.HandleSearchSimilar)
		mux.Post("/search/similar/global", h.HandleSearchGlobal)
		mux.Post("/search/threshold/{sessionId}", h.HandleSearchThreshold)

		mux.Get("/chunks/message/{id}", h.HandleChunksByMessage)
		mux.Get("/chunks/session/{id}", h.HandleChunksBySession)

		mux.Get("/vector/statistics", h.HandleVectorStats)
		mux.Post("/vector/process", h.HandleVectorProcess)
		mux.Post("/vector/reprocess/{sessionId}", h.HandleVectorReprocess)

		mux.Get("/phase6/context/{sessionId}", h.HandleWindowContext)
		mux.Delete("/phase6/history/{sessionId}", h.HandleClearHistory)

		mux.Get("/health", h.HandleHealth)
	})
}

// requestLogger logs one structured line per request with its latency and
// threads the request id through as the logging trace id
func (r *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, req.ProtoMajor)

		ctx := logging.WithTraceID(req.Context(), chimiddleware.GetReqID(req.Context()))
		next.ServeHTTP(ww, req.WithContext(ctx))

		r.logger.Info("request completed",
			"method", req.Method,
			"path", req.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(req.Context()),
		)
	})
}
