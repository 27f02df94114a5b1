package predictor

import (
	"context"
	"errors"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/SWT-Forschungsprojekt/tup/internal/feed"
	"github.com/SWT-Forschungsprojekt/tup/internal/history"
	"github.com/SWT-Forschungsprojekt/tup/internal/timetable"
)

// HistoricAverage records every stop a vehicle reaches and predicts the
// departure at a vehicle's closest stop as the mean of all past observations
// for that trip and stop.
type HistoricAverage struct {
	tt    timetable.Accessor
	store history.Store
	opts  Options
}

func NewHistoricAverage(tt timetable.Accessor, store history.Store, opts Options) *HistoricAverage {
	return &HistoricAverage{tt: tt, store: store, opts: opts.withDefaults()}
}

func (h *HistoricAverage) Name() string { return "historic-average" }

func (h *HistoricAverage) Predict(ctx context.Context, out *gtfs.FeedMessage, vehicles *gtfs.FeedMessage) error {
	now := h.opts.Now()
	positioned := vehiclesOf(vehicles)

	// Stop sequences are looked up once and shared by both passes
	stopsByTrip := make(map[string][]timetable.Stop)
	for _, v := range positioned {
		if _, done := stopsByTrip[v.TripID]; done {
			continue
		}
		stops, err := h.tt.StopsForTrip(v.TripID)
		if err != nil {
			logger(ctx).Debug().Err(err).Str("trip", v.TripID).Msg("Skipping vehicle")
			stopsByTrip[v.TripID] = nil
			continue
		}
		stopsByTrip[v.TripID] = stops
	}

	h.observe(ctx, positioned, stopsByTrip, now)

	feed.Clear(out, now)
	for _, v := range positioned {
		stops := stopsByTrip[v.TripID]
		idx := closestStop(stops, v.Position)
		if idx < 0 {
			continue
		}

		avg, err := h.store.Average(ctx, v.TripID, stops[idx].ID)
		if errors.Is(err, history.ErrNoData) {
			continue
		}
		if err != nil {
			logger(ctx).Warn().Err(err).Str("trip", v.TripID).Str("stop", stops[idx].ID).Msg("Failed to read historic average")
			continue
		}

		feed.SetTripUpdate(out, feed.StopEvent{
			TripID:    v.TripID,
			StopID:    stops[idx].ID,
			VehicleID: v.VehicleID,
			RouteID:   v.RouteID,
			Time:      avg,
			Kind:      timetable.Departure,
		}, now)
	}
	return nil
}

// observe appends one record per vehicle and stop within the threshold
func (h *HistoricAverage) observe(ctx context.Context, positioned []vehicle, stopsByTrip map[string][]timetable.Stop, now time.Time) {
	serviceDate := h.opts.serviceDate(now)

	for _, v := range positioned {
		for _, stop := range stopsNear(stopsByTrip[v.TripID], v.Position, h.opts.Threshold) {
			err := h.store.Append(ctx, history.Record{
				TripID:       v.TripID,
				StopID:       stop.ID,
				ServiceDate:  serviceDate,
				ObservedTime: now.Unix(),
			})
			if err != nil {
				logger(ctx).Warn().Err(err).Str("trip", v.TripID).Str("stop", stop.ID).Msg("Failed to append observation")
			}
		}
	}
}
