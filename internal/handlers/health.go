package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	storeType  string
	store      Pinger
	backendURL string
	backend    Pinger
	logger     *slog.Logger
	startTime  time.Time
}

func NewHealthHandler(storeType string, store Pinger, backendURL string, backend Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		storeType:  storeType,
		store:      store,
		backendURL: backendURL,
		backend:    backend,
		logger:     logger,
		startTime:  time.Now(),
	}
}

type HealthResponse struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Store   StoreHealth   `json:"store"`
	Backend BackendHealth `json:"backend"`
}

type StoreHealth struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type BackendHealth struct {
	URL    string `json:"url"`
	Status string `json:"status"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status: "healthy",
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
		Store:  StoreHealth{Type: h.storeType, Status: "connected"},
		Backend: BackendHealth{
			URL:    h.backendURL,
			Status: "reachable",
		},
	}

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Store health check failed", "error", err)
		response.Store.Status = "error: " + err.Error()
		response.Status = "degraded"
	}

	if err := h.backend.Ping(ctx); err != nil {
		h.logger.Warn("Backend health check failed", "error", err)
		response.Backend.Status = "unreachable"
		response.Status = "degraded"
	}

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}
