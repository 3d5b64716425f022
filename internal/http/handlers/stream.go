// Package handlers provides the HTTP handlers for prismcast.
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/prismcast/prismcast/internal/channels"
	"github.com/prismcast/prismcast/internal/supervisor"
)

// StreamHandler serves the HLS egress of supervised streams.
type StreamHandler struct {
	sup    *supervisor.Supervisor
	logger *slog.Logger
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(sup *supervisor.Supervisor, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{sup: sup, logger: logger}
}

// Routes registers the stream routes.
func (h *StreamHandler) Routes(r chi.Router) {
	r.Get("/stream/{channelID}/playlist.m3u8", h.GetPlaylist)
	r.Get("/stream/{channelID}/init.mp4", h.GetInit)
	r.Get("/stream/{channelID}/{segment}", h.GetSegment)
}

// GetPlaylist serves the media playlist, tuning the channel on first
// request. Playlist polls are the client-liveness heartbeat.
func (h *StreamHandler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	st, err := h.sup.Tune(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, channels.ErrNotFound) {
			http.Error(w, "Unknown channel", http.StatusNotFound)
			return
		}
		h.logger.Error("tuning failed",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
		http.Error(w, "Tuning failed", http.StatusBadGateway)
		return
	}

	playlist, ok := st.Playlist()
	if !ok {
		// Capture is up but no segment has been cut yet.
		http.Error(w, "No segments available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	_, _ = w.Write(playlist)
}

// GetInit serves the current init segment with ETag support so reconnecting
// clients avoid duplicate moov downloads.
func (h *StreamHandler) GetInit(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	st, ok := h.sup.Lookup(channelID)
	if !ok {
		http.Error(w, "Channel not tuned", http.StatusNotFound)
		return
	}
	init, ok := st.Init()
	if !ok {
		http.Error(w, "Init segment not ready", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("ETag", init.ETag)
	if r.Header.Get("If-None-Match") == init.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(init.Data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	_, _ = w.Write(init.Data)
}

// GetSegment serves one media segment by name (segmentN.m4s). Evicted
// indices answer not-found; late readers holding older playlists are
// expected.
func (h *StreamHandler) GetSegment(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	segmentName := chi.URLParam(r, "segment")

	var index uint64
	if _, err := fmt.Sscanf(segmentName, "segment%d.m4s", &index); err != nil {
		http.Error(w, "Invalid segment name", http.StatusBadRequest)
		return
	}

	st, ok := h.sup.Lookup(channelID)
	if !ok {
		http.Error(w, "Channel not tuned", http.StatusNotFound)
		return
	}
	data, ok := st.Segment(index)
	if !ok {
		http.Error(w, "Segment not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	_, _ = w.Write(data)
}
