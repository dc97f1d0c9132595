package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/llmops-lab/blackbox-gateway/internal/gateway/recorder"
	"github.com/llmops-lab/blackbox-gateway/internal/shared/models"
)

// Pinger is any dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler probes the gateway's dependencies. The store being down
// degrades the gateway (budget checks fail open, records drop) but does not
// make it unable to answer, so the status is "degraded" rather than a 5xx.
type HealthHandler struct {
	version  string
	db       Pinger
	redis    Pinger
	recorder *recorder.Recorder
}

func NewHealthHandler(version string, db, redis Pinger, rec *recorder.Recorder) *HealthHandler {
	return &HealthHandler{version: version, db: db, redis: redis, recorder: rec}
}

// HandleHealth handles GET /health
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	status := "healthy"

	if err := h.db.Ping(ctx); err != nil {
		checks["database"] = "error: " + err.Error()
		status = "degraded"
	} else {
		checks["database"] = "ok"
	}

	if err := h.redis.Ping(ctx); err != nil {
		checks["redis"] = "error: " + err.Error()
		status = "degraded"
	} else {
		checks["redis"] = "ok"
	}

	if dropped := h.recorder.Dropped(); dropped > 0 {
		checks["log_recorder"] = fmt.Sprintf("degraded: %d records dropped since startup", dropped)
		status = "degraded"
	} else {
		checks["log_recorder"] = "ok"
	}

	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:    status,
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}
