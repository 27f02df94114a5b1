package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SWT-Forschungsprojekt/tup/internal/history"
)

type historyHandler struct {
	store HistoryReader
}

// AverageResponse is the JSON body of GET /api/history/average
type AverageResponse struct {
	TripID  string    `json:"tripId"`
	StopID  string    `json:"stopId"`
	Average int64     `json:"average"`
	Time    time.Time `json:"time"`
}

// DelayStatsResponse is the JSON body of GET /api/delays/stats
type DelayStatsResponse struct {
	HourlyStats []history.DelayStat `json:"hourlyStats"`
	Count       int                 `json:"count"`
	LastChecked time.Time           `json:"lastChecked"`
}

// Average handles GET /api/history/average
// Query params: trip_id, stop_id (required)
func (h *historyHandler) Average(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Historic store not configured")
		return
	}

	tripID := r.URL.Query().Get("trip_id")
	stopID := r.URL.Query().Get("stop_id")
	if tripID == "" || stopID == "" {
		writeError(w, http.StatusBadRequest, "trip_id and stop_id parameters are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	avg, err := h.store.Average(ctx, tripID, stopID)
	if errors.Is(err, history.ErrNoData) {
		writeError(w, http.StatusNotFound, "No observations for trip and stop")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("trip", tripID).Str("stop", stopID).Msg("Failed to compute average")
		writeError(w, http.StatusInternalServerError, "Failed to compute average")
		return
	}

	writeJSON(w, http.StatusOK, AverageResponse{
		TripID:  tripID,
		StopID:  stopID,
		Average: avg,
		Time:    time.Unix(avg, 0).UTC(),
	})
}

// DelayStats handles GET /api/delays/stats
// Query params: route_id (optional), period (optional, default "24h")
func (h *historyHandler) DelayStats(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Historic store not configured")
		return
	}

	hours := 24
	if period := r.URL.Query().Get("period"); len(period) > 1 && period[len(period)-1] == 'h' {
		if n, err := strconv.Atoi(period[:len(period)-1]); err == nil && n > 0 && n <= 720 {
			hours = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	stats, err := h.store.DelayStats(ctx, r.URL.Query().Get("route_id"), now.Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		log.Error().Err(err).Msg("Failed to get hourly delay stats")
		writeError(w, http.StatusInternalServerError, "Failed to get hourly delay stats")
		return
	}

	writeJSON(w, http.StatusOK, DelayStatsResponse{
		HourlyStats: stats,
		Count:       len(stats),
		LastChecked: now,
	})
}
