// Package rest is the thin HTTP surface over the resolution core. It
// owns request decoding and error-to-status translation, nothing else.
package rest

import (
	"encoding/json"
	"mime"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calliope-audio/backbeat/internal/core/ports"
	"github.com/calliope-audio/backbeat/internal/core/services"
)

// Handler manages the HTTP interface for the service.
type Handler struct {
	resolver *services.Resolver
	tracks   ports.TrackSource // optional; nil when no metadata source is configured
	cache    ports.FeatureCache
	router   *http.ServeMux
}

// NewHandler initializes the HTTP adapter and sets up routes. The
// gatherer backs the /metrics endpoint.
func NewHandler(resolver *services.Resolver, tracks ports.TrackSource, cache ports.FeatureCache, gatherer prometheus.Gatherer) *Handler {
	h := &Handler{
		resolver: resolver,
		tracks:   tracks,
		cache:    cache,
		router:   http.NewServeMux(),
	}
	h.routes(gatherer)
	return h
}

// ServeHTTP satisfies the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes(gatherer prometheus.Gatherer) {
	h.router.HandleFunc("GET /health", h.HealthCheck)
	h.router.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	h.router.HandleFunc("POST /v1/tracks/{id}/features", h.ResolveFeatures)
	h.router.HandleFunc("DELETE /v1/tracks/{id}/features", h.ClearFeatures)
	h.router.HandleFunc("DELETE /v1/cache", h.ClearAllFeatures)
}

// HealthCheck is a simple endpoint to verify the API is running.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func isJSONContentType(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	return err == nil && mediaType == "application/json"
}
