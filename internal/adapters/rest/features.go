package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/calliope-audio/backbeat/internal/core/domain"
)

// resolveRequest is the optional body of a feature resolution call.
// Callers who already hold track metadata send it here and skip the
// track-source lookup entirely.
type resolveRequest struct {
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	ISRC       string `json:"isrc"`
	MBID       string `json:"mbid"`
	PreviewURL string `json:"previewUrl"`
	DurationMS int    `json:"durationMs"`
}

// ResolveFeatures handles POST /v1/tracks/{id}/features.
func (h *Handler) ResolveFeatures(w http.ResponseWriter, r *http.Request) {
	if !isJSONContentType(r) {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	trackID := r.PathValue("id")
	if trackID == "" {
		writeError(w, http.StatusBadRequest, "track id is required")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	query := domain.TrackQuery{
		TrackID:    trackID,
		Title:      req.Title,
		Artist:     req.Artist,
		ISRC:       req.ISRC,
		MBID:       req.MBID,
		PreviewURL: req.PreviewURL,
		DurationMS: req.DurationMS,
	}

	// Without title and artist the waterfall has nothing to search
	// with; fall back to the track-metadata source when one is wired.
	if query.Title == "" || query.Artist == "" {
		if h.tracks == nil {
			writeError(w, http.StatusBadRequest, "title and artist are required")
			return
		}
		fetched, err := h.tracks.GetTrack(r.Context(), trackID)
		if err != nil {
			writeError(w, http.StatusNotFound, "track metadata not found")
			return
		}
		query = mergeQuery(query, fetched)
	}

	record, err := h.resolver.Resolve(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, record.Result())
}

// ClearFeatures handles DELETE /v1/tracks/{id}/features: drops the
// cached record so the next resolve runs the waterfall again.
func (h *Handler) ClearFeatures(w http.ResponseWriter, r *http.Request) {
	trackID := r.PathValue("id")
	if trackID == "" {
		writeError(w, http.StatusBadRequest, "track id is required")
		return
	}

	if err := h.cache.Clear(r.Context(), trackID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cacheWiper is the optional whole-cache purge some cache backends
// support.
type cacheWiper interface {
	ClearAll(ctx context.Context) error
}

// ClearAllFeatures handles DELETE /v1/cache: drops every cached record,
// typically after an analyzer or schema change.
func (h *Handler) ClearAllFeatures(w http.ResponseWriter, r *http.Request) {
	wiper, ok := h.cache.(cacheWiper)
	if !ok {
		writeError(w, http.StatusNotImplemented, "cache backend does not support purging")
		return
	}
	if err := wiper.ClearAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mergeQuery fills the gaps of a caller-supplied query from the track
// source. Caller-supplied values stay.
func mergeQuery(q, fetched domain.TrackQuery) domain.TrackQuery {
	if q.Title == "" {
		q.Title = fetched.Title
	}
	if q.Artist == "" {
		q.Artist = fetched.Artist
	}
	if q.ISRC == "" {
		q.ISRC = fetched.ISRC
	}
	if q.PreviewURL == "" {
		q.PreviewURL = fetched.PreviewURL
	}
	if q.DurationMS == 0 {
		q.DurationMS = fetched.DurationMS
	}
	return q
}
