package predictor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/SWT-Forschungsprojekt/tup/internal/feed"
	"github.com/SWT-Forschungsprojekt/tup/internal/geo"
	"github.com/SWT-Forschungsprojekt/tup/internal/history"
	"github.com/SWT-Forschungsprojekt/tup/internal/timetable"
)

var (
	errTooFewStops   = errors.New("trip has fewer than two stops")
	errNoSegment     = errors.New("trip has no segment of non-zero length")
	errEmptySchedule = errors.New("segment has no scheduled duration")
)

// DelayRecorder receives the lateness of every late vehicle of a cycle
type DelayRecorder interface {
	RecordDelays(ctx context.Context, at time.Time, observations []history.DelayObservation) error
}

// ScheduleDeviation compares how far a vehicle has travelled along its
// current segment with how much of the segment's scheduled time has passed.
// A vehicle is late when the time fraction exceeds the distance fraction;
// the arrival at the segment's end stop is then extrapolated from the
// remaining distance.
type ScheduleDeviation struct {
	tt     timetable.Accessor
	opts   Options
	delays DelayRecorder
}

// NewScheduleDeviation creates the strategy; delays may be nil
func NewScheduleDeviation(tt timetable.Accessor, opts Options, delays DelayRecorder) *ScheduleDeviation {
	return &ScheduleDeviation{tt: tt, opts: opts.withDefaults(), delays: delays}
}

func (s *ScheduleDeviation) Name() string { return "schedule-deviation" }

// segmentEstimate describes a vehicle's position on the segment stops[Index] -> stops[Index+1]
type segmentEstimate struct {
	Index        int
	EndStopID    string
	ProgressWay  float64
	ProgressTime float64
	Departure    time.Time // scheduled departure at the segment start
	Arrival      time.Time // scheduled arrival at the segment end
	Predicted    time.Time
}

func (e segmentEstimate) late() bool {
	return e.ProgressTime > e.ProgressWay
}

func (s *ScheduleDeviation) Predict(ctx context.Context, out *gtfs.FeedMessage, vehicles *gtfs.FeedMessage) error {
	now := s.opts.Now()
	serviceDate := s.opts.serviceDate(now)
	seen := make(map[string]struct{})
	var delays []history.DelayObservation

	for _, v := range vehiclesOf(vehicles) {
		seen[v.TripID] = struct{}{}

		est, err := s.estimate(v, now, serviceDate)
		if err != nil {
			logger(ctx).Debug().Err(err).Str("trip", v.TripID).Msg("Skipping vehicle")
			continue
		}
		if !est.late() {
			// back on schedule, drop any earlier delay prediction
			feed.DeleteTripUpdate(out, v.TripID)
			continue
		}

		feed.SetTripUpdate(out, feed.StopEvent{
			TripID:    v.TripID,
			StopID:    est.EndStopID,
			VehicleID: v.VehicleID,
			RouteID:   v.RouteID,
			Time:      est.Predicted.Unix(),
			Kind:      timetable.Arrival,
		}, now)

		delays = append(delays, history.DelayObservation{
			RouteID:      v.RouteID,
			DelaySeconds: int(est.Predicted.Sub(est.Arrival) / time.Second),
		})
	}

	feed.DeleteStaleTripUpdates(out, seen)

	if s.delays != nil && len(delays) > 0 {
		if err := s.delays.RecordDelays(ctx, now, delays); err != nil {
			logger(ctx).Warn().Err(err).Msg("Failed to record delay statistics")
		}
	}
	return nil
}

func (s *ScheduleDeviation) estimate(v vehicle, now, serviceDate time.Time) (segmentEstimate, error) {
	stops, err := s.tt.StopsForTrip(v.TripID)
	if err != nil {
		return segmentEstimate{}, err
	}
	if len(stops) < 2 {
		return segmentEstimate{}, errTooFewStops
	}

	idx, foot, ok := closestSegment(stops, v.Position)
	if !ok {
		return segmentEstimate{}, errNoSegment
	}
	start, end := stopPoint(stops[idx]), stopPoint(stops[idx+1])

	way, err := geo.ProgressRatio(start, end, foot)
	if err != nil {
		return segmentEstimate{}, err
	}

	dep, err := s.tt.EventTime(v.TripID, idx, timetable.Departure, serviceDate)
	if err != nil {
		return segmentEstimate{}, err
	}
	arr, err := s.tt.EventTime(v.TripID, idx+1, timetable.Arrival, serviceDate)
	if err != nil {
		return segmentEstimate{}, err
	}

	duration := arr.Sub(dep)
	if duration <= 0 {
		return segmentEstimate{}, fmt.Errorf("%w: segment %d", errEmptySchedule, idx)
	}

	return segmentEstimate{
		Index:        idx,
		EndStopID:    stops[idx+1].ID,
		ProgressWay:  way,
		ProgressTime: float64(now.Sub(dep)) / float64(duration),
		Departure:    dep,
		Arrival:      arr,
		Predicted:    now.Add(time.Duration(float64(duration) * (1 - way))),
	}, nil
}

// closestSegment finds the segment whose foot point is nearest to p.
// Zero-length segments are ignored.
func closestSegment(stops []timetable.Stop, p geo.Point) (int, geo.Point, bool) {
	best := -1
	var bestFoot geo.Point
	bestDist := 0.0

	for i := 0; i+1 < len(stops); i++ {
		start, end := stopPoint(stops[i]), stopPoint(stops[i+1])
		if geo.Distance(start, end) == 0 {
			continue
		}

		foot := geo.ProjectToSegment(p, start, end)
		d := geo.Distance(p, foot)
		if best == -1 || d < bestDist {
			best, bestFoot, bestDist = i, foot, d
		}
	}

	return best, bestFoot, best != -1
}

func stopPoint(s timetable.Stop) geo.Point {
	return geo.Point{Lat: s.Lat, Lon: s.Lon}
}
