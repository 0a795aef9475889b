package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

var startTime = time.Now()

// HealthHandler serves liveness and readiness endpoints.
type HealthHandler struct {
	stats StatsSource
}

// NewHealthHandler creates a health handler. With a nil stats source the
// server always reports ready.
func NewHealthHandler(stats StatsSource) *HealthHandler {
	return &HealthHandler{stats: stats}
}

// Liveness reports that the process is up.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(startTime).String(),
	})
}

// Readiness reports 503 until at least one renderer worker is idle.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"uptime":         time.Since(startTime).String(),
		"uptime_seconds": time.Since(startTime).Seconds(),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
	}

	ready := true
	if h.stats != nil {
		stats := h.stats.Stats()
		ready = stats.IdleWorkers > 0
		body["workers"] = map[string]interface{}{
			"total": stats.TotalWorkers,
			"busy":  stats.BusyWorkers,
			"idle":  stats.IdleWorkers,
		}
		body["requests_total"] = stats.TotalRequests
	}

	status := http.StatusOK
	body["status"] = "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		body["status"] = "not_ready"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
