package predictor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/SWT-Forschungsprojekt/tup/internal/history"
	"github.com/SWT-Forschungsprojekt/tup/internal/timetable"
)

// Stops on the 41st parallel, roughly 840 m apart
var line = []timetable.Stop{
	{ID: "S1", Lat: 41.0, Lon: 2.00},
	{ID: "S2", Lat: 41.0, Lon: 2.01},
	{ID: "S3", Lat: 41.0, Lon: 2.02},
}

var serviceDay = time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)

func at(hh, mm, ss int) time.Time {
	return serviceDay.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second)
}

type scheduledTrip struct {
	stops      []timetable.Stop
	arrivals   []time.Time
	departures []time.Time
	noService  bool
}

type fakeTimetable map[string]scheduledTrip

func (f fakeTimetable) StopsForTrip(tripID string) ([]timetable.Stop, error) {
	trip, ok := f[tripID]
	if !ok || len(trip.stops) == 0 {
		return nil, fmt.Errorf("%w: %s", timetable.ErrTripNotFound, tripID)
	}
	return trip.stops, nil
}

func (f fakeTimetable) EventTime(tripID string, idx int, kind timetable.EventKind, _ time.Time) (time.Time, error) {
	trip, ok := f[tripID]
	if !ok {
		return time.Time{}, timetable.ErrTripNotFound
	}
	if trip.noService {
		return time.Time{}, timetable.ErrNoService
	}
	if kind == timetable.Departure {
		return trip.departures[idx], nil
	}
	return trip.arrivals[idx], nil
}

// lineTrip runs S1 08:00 -> S2 08:10/08:11 -> S3 08:20
func lineTrip() scheduledTrip {
	return scheduledTrip{
		stops:      line,
		arrivals:   []time.Time{at(8, 0, 0), at(8, 10, 0), at(8, 20, 0)},
		departures: []time.Time{at(8, 0, 0), at(8, 11, 0), at(8, 20, 0)},
	}
}

type position struct {
	trip    string
	route   string
	vehicle string
	lat     float64
	lon     float64
}

func vehicleFeed(positions ...position) *gtfs.FeedMessage {
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
	}
	for i, p := range positions {
		msg.Entity = append(msg.Entity, &gtfs.FeedEntity{
			Id: proto.String(fmt.Sprintf("e%d", i)),
			Vehicle: &gtfs.VehiclePosition{
				Trip:    &gtfs.TripDescriptor{TripId: proto.String(p.trip), RouteId: proto.String(p.route)},
				Vehicle: &gtfs.VehicleDescriptor{Id: proto.String(p.vehicle)},
				Position: &gtfs.Position{
					Latitude:  proto.Float32(float32(p.lat)),
					Longitude: proto.Float32(float32(p.lon)),
				},
			},
		})
	}
	return msg
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func stopTimeUpdates(msg *gtfs.FeedMessage, tripID string) []*gtfs.TripUpdate_StopTimeUpdate {
	for _, e := range msg.GetEntity() {
		if e.GetTripUpdate().GetTrip().GetTripId() == tripID {
			return e.GetTripUpdate().GetStopTimeUpdate()
		}
	}
	return nil
}

// memoryStore is an in-memory history.Store
type memoryStore struct {
	mu      sync.Mutex
	records []history.Record
}

func (m *memoryStore) Append(_ context.Context, rec history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryStore) Average(_ context.Context, tripID, stopID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum, count int64
	for _, r := range m.records {
		if r.TripID == tripID && r.StopID == stopID {
			sum += r.ObservedTime
			count++
		}
	}
	if count == 0 {
		return 0, history.ErrNoData
	}
	return sum / count, nil
}

type recordedDelays struct {
	observations []history.DelayObservation
}

func (r *recordedDelays) RecordDelays(_ context.Context, _ time.Time, obs []history.DelayObservation) error {
	r.observations = append(r.observations, obs...)
	return nil
}
