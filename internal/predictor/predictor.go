// Package predictor turns vehicle positions into trip update predictions.
package predictor

import (
	"context"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SWT-Forschungsprojekt/tup/internal/geo"
	"github.com/SWT-Forschungsprojekt/tup/internal/timetable"
)

// DefaultThreshold is the distance in meters at which a vehicle counts as being at a stop
const DefaultThreshold = 100.0

// Predictor updates the trip update feed from one vehicle position snapshot.
//
// out is the writer's private working copy; Predict may modify it freely.
// Per-vehicle failures are logged and skipped, an error means the whole
// cycle failed and out must be discarded.
type Predictor interface {
	Name() string
	Predict(ctx context.Context, out *gtfs.FeedMessage, vehicles *gtfs.FeedMessage) error
}

// Options shared by the strategies
type Options struct {
	Threshold float64          // proximity threshold in meters
	Now       func() time.Time // clock, defaults to time.Now
	Location  *time.Location   // timezone used to derive the service date
}

// logger returns the cycle logger carried by ctx, falling back to the global one
func logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

func (o Options) serviceDate(now time.Time) time.Time {
	y, m, d := now.In(o.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, o.Location)
}

// vehicle is a position entity with everything the strategies need
type vehicle struct {
	TripID    string
	RouteID   string
	VehicleID string
	Position  geo.Point
}

// vehiclesOf extracts positioned vehicles with a trip from a snapshot.
// Duplicate trips are kept; callers upsert by trip id.
func vehiclesOf(msg *gtfs.FeedMessage) []vehicle {
	var out []vehicle
	for _, entity := range msg.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil || vp.GetTrip().GetTripId() == "" || vp.Position == nil {
			continue
		}

		vehicleID := vp.GetVehicle().GetId()
		if vehicleID == "" {
			vehicleID = vp.GetVehicle().GetLabel()
		}

		out = append(out, vehicle{
			TripID:    vp.GetTrip().GetTripId(),
			RouteID:   vp.GetTrip().GetRouteId(),
			VehicleID: vehicleID,
			Position: geo.Point{
				Lat: float64(vp.GetPosition().GetLatitude()),
				Lon: float64(vp.GetPosition().GetLongitude()),
			},
		})
	}
	return out
}

// stopsNear returns the stops within threshold meters of p
func stopsNear(stops []timetable.Stop, p geo.Point, threshold float64) []timetable.Stop {
	var near []timetable.Stop
	for _, s := range stops {
		if geo.Distance(p, stopPoint(s)) <= threshold {
			near = append(near, s)
		}
	}
	return near
}

// closestStop returns the index of the stop nearest to p, or -1 for no stops
func closestStop(stops []timetable.Stop, p geo.Point) int {
	best := -1
	bestDist := 0.0
	for i, s := range stops {
		d := geo.Distance(p, stopPoint(s))
		if best == -1 || d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}
