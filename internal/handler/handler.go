package handler

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/guardrail/internal/circuitbreaker"
	"github.com/angeloszaimis/guardrail/internal/upstream"
)

type AdminHandler struct {
	logger    *slog.Logger
	registry  *circuitbreaker.Registry
	upstreams []*upstream.Upstream
}

type DependencyStatus struct {
	Healthy      bool                 `json:"healthy"`
	State        circuitbreaker.State `json:"state"`
	URL          string               `json:"url"`
	EWMAResponse time.Duration        `json:"ewma_response"`
}

type HealthResponse struct {
	Status       string                      `json:"status"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func NewAdminHandler(logger *slog.Logger, registry *circuitbreaker.Registry, upstreams []*upstream.Upstream) *AdminHandler {
	return &AdminHandler{
		logger:    logger,
		registry:  registry,
		upstreams: upstreams,
	}
}

// Health always answers 200 while the process runs. Status is "degraded"
// when any dependency is unhealthy or its breaker is not closed; the game
// server keeps working on fail-safe defaults in that case.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:       "ok",
		Dependencies: make(map[string]DependencyStatus, len(h.upstreams)),
	}

	for _, u := range h.upstreams {
		status := DependencyStatus{
			Healthy:      u.IsHealthy(),
			State:        u.Breaker().State(),
			URL:          u.BaseURL().String(),
			EWMAResponse: u.EWMATime(),
		}
		if !status.Healthy || status.State != circuitbreaker.StateClosed {
			resp.Status = "degraded"
		}
		resp.Dependencies[u.Name()] = status
	}

	h.writeJSON(w, resp)
}

func (h *AdminHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.registry.Stats())
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// WithRequestLogging logs every admin request with its status and duration.
func WithRequestLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		logger.Info("Handled request",
			slog.String("from", extractClientIP(r)),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", wrapped.statusCode),
			slog.Duration("duration", time.Since(start)),
			slog.String("user_agent", r.UserAgent()))
	})
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
