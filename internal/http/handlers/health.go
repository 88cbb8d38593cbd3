package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"gorm.io/gorm"
)

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *gorm.DB
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version, startTime: time.Now()}
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// HealthOutput is the health check response.
type HealthOutput struct {
	Body struct {
		Status     string `json:"status" enum:"ok,degraded"`
		Version    string `json:"version"`
		UptimeSecs int64  `json:"uptime_seconds"`
		Goroutines int    `json:"goroutines"`
		Database   string `json:"database" enum:"ok,error,disabled"`
	}
}

// Register registers the health route with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the service health.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "ok"
	out.Body.Version = h.version
	out.Body.UptimeSecs = int64(time.Since(h.startTime).Seconds())
	out.Body.Goroutines = runtime.NumGoroutine()

	out.Body.Database = "disabled"
	if h.db != nil {
		out.Body.Database = "ok"
		if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			out.Body.Database = "error"
			out.Body.Status = "degraded"
		}
	}
	return out, nil
}
