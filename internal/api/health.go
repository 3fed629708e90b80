package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"lerian-timeline-engine/internal/api/response"
)

const healthCheckTimeout = 5 * time.Second

// HealthStatus is the health endpoint payload
type HealthStatus struct {
	Status    string           `json:"status"`
	Server    string           `json:"server"`
	Uptime    string           `json:"uptime"`
	Timestamp string           `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Features  []string         `json:"features"`
	System    SystemInfo       `json:"system"`
}

// Check is one component's health result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// SystemInfo carries process-level runtime figures
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	MemoryMB     uint64 `json:"memory_mb"`
}

var featureList = []string{
	"chat",
	"chain-validation",
	"chain-repair",
	"similarity-search",
	"context-retrieval",
	"rolling-window",
	"background-indexing",
}

// HandleHealth reports component health and the enabled feature set
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]Check{
		"message_store": h.runCheck(ctx, h.store.HealthCheck),
		"vector_index":  h.runCheck(ctx, h.index.HealthCheck),
		"embedder":      h.runCheck(ctx, h.embedder.HealthCheck),
		"completer":     h.runCheck(ctx, h.completer.HealthCheck),
	}

	status := "healthy"
	statusCode := http.StatusOK
	for _, c := range checks {
		if c.Status != "healthy" {
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			break
		}
	}

	payload := HealthStatus{
		Status:    status,
		Server:    "lerian-timeline-engine",
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Features:  featureList,
		System:    systemInfo(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response.SuccessResponse{
		Data:      payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *Handlers) runCheck(ctx context.Context, check func(context.Context) error) Check {
	start := time.Now()
	err := check(ctx)
	latency := time.Since(start).Round(time.Millisecond).String()
	if err != nil {
		return Check{Status: "unhealthy", Message: err.Error(), Latency: latency}
	}
	return Check{Status: "healthy", Latency: latency}
}

func systemInfo() SystemInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		MemoryMB:     mem.Alloc / 1024 / 1024,
	}
}
