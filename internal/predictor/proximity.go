package predictor

import (
	"context"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/SWT-Forschungsprojekt/tup/internal/feed"
	"github.com/SWT-Forschungsprojekt/tup/internal/timetable"
)

// Proximity marks a stop as reached when a vehicle is within the threshold
// of it. The arrival time only ever moves forward.
type Proximity struct {
	tt   timetable.Accessor
	opts Options
}

func NewProximity(tt timetable.Accessor, opts Options) *Proximity {
	return &Proximity{tt: tt, opts: opts.withDefaults()}
}

func (p *Proximity) Name() string { return "proximity" }

func (p *Proximity) Predict(ctx context.Context, out *gtfs.FeedMessage, vehicles *gtfs.FeedMessage) error {
	now := p.opts.Now()
	seen := make(map[string]struct{})

	for _, v := range vehiclesOf(vehicles) {
		seen[v.TripID] = struct{}{}

		stops, err := p.tt.StopsForTrip(v.TripID)
		if err != nil {
			logger(ctx).Debug().Err(err).Str("trip", v.TripID).Msg("Skipping vehicle")
			continue
		}

		for _, stop := range stopsNear(stops, v.Position, p.opts.Threshold) {
			arrival := now.Unix()
			if existing, ok := feed.EventTime(out, v.TripID, stop.ID, timetable.Arrival); ok && existing > arrival {
				arrival = existing
			}

			feed.SetTripUpdate(out, feed.StopEvent{
				TripID:    v.TripID,
				StopID:    stop.ID,
				VehicleID: v.VehicleID,
				RouteID:   v.RouteID,
				Time:      arrival,
				Kind:      timetable.Arrival,
			}, now)
		}
	}

	if removed := feed.DeleteStaleTripUpdates(out, seen); removed > 0 {
		logger(ctx).Debug().Int("removed", removed).Msg("Removed stale trip updates")
	}
	return nil
}
