package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/SWT-Forschungsprojekt/tup/internal/feed"
)

type feedHandler struct {
	feed   FeedSource
	status LoopStatus
}

// HealthResponse is the JSON body of GET /health
type HealthResponse struct {
	Status        string    `json:"status"`
	Running       bool      `json:"running"`
	FeedTimestamp time.Time `json:"feedTimestamp"`
	TripUpdates   int       `json:"tripUpdates"`
}

// Health handles GET /health
func (h *feedHandler) Health(w http.ResponseWriter, _ *http.Request) {
	msg := h.feed.Load()
	running := h.status == nil || h.status.Running()

	resp := HealthResponse{
		Status:        "ok",
		Running:       running,
		FeedTimestamp: time.Unix(int64(msg.GetHeader().GetTimestamp()), 0).UTC(),
		TripUpdates:   feed.TripUpdateCount(msg),
	}

	status := http.StatusOK
	if !running {
		resp.Status = "stopped"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// TripUpdates handles GET /gtfs-rt/trip-updates
// Query params: format=json (optional)
func (h *feedHandler) TripUpdates(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		h.TripUpdatesJSON(w, r)
		return
	}

	data, err := proto.Marshal(h.feed.Load())
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode feed")
		writeError(w, http.StatusInternalServerError, "Failed to encode feed")
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// TripUpdatesJSON handles GET /gtfs-rt/trip-updates.json
func (h *feedHandler) TripUpdatesJSON(w http.ResponseWriter, _ *http.Request) {
	data, err := protojson.Marshal(h.feed.Load())
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode feed")
		writeError(w, http.StatusInternalServerError, "Failed to encode feed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
