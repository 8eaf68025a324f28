package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	logger    *slog.Logger
	startedAt time.Time
	version   string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		logger:    logger.With(slog.String("handler", "health")),
		startedAt: time.Now(),
		version:   version,
	}
}

// HealthCheck handles GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":  "healthy",
		"version": h.version,
		"uptime":  time.Since(h.startedAt).String(),
	})
}
