// Package feed builds and publishes the GTFS-RT trip update feed.
package feed

import (
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/SWT-Forschungsprojekt/tup/internal/timetable"
)

// Version is the GTFS-RT version written into every header
const Version = "2.0"

// StopEvent is a single predicted event for one stop of a trip
type StopEvent struct {
	TripID    string
	StopID    string
	VehicleID string
	RouteID   string
	Time      int64
	Kind      timetable.EventKind
}

// New returns an empty full-dataset feed
func New(now time.Time) *gtfs.FeedMessage {
	msg := &gtfs.FeedMessage{}
	SetHeader(msg, now)
	return msg
}

// SetHeader rewrites the feed header for the given time
func SetHeader(msg *gtfs.FeedMessage, now time.Time) {
	msg.Header = &gtfs.FeedHeader{
		GtfsRealtimeVersion: proto.String(Version),
		Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
		Timestamp:           proto.Uint64(uint64(now.Unix())),
	}
}

// Clear drops every entity and writes a fresh header
func Clear(msg *gtfs.FeedMessage, now time.Time) {
	msg.Entity = nil
	SetHeader(msg, now)
}

// SetTripUpdate upserts the trip update for ev.TripID and the stop time update
// for ev.StopID within it, then sets the requested event time. The trip update
// timestamp is always refreshed to now.
func SetTripUpdate(msg *gtfs.FeedMessage, ev StopEvent, now time.Time) {
	tu := findTripUpdate(msg, ev.TripID)
	if tu == nil {
		tu = &gtfs.TripUpdate{
			Trip: &gtfs.TripDescriptor{TripId: proto.String(ev.TripID)},
		}
		if ev.RouteID != "" {
			tu.Trip.RouteId = proto.String(ev.RouteID)
		}
		if ev.VehicleID != "" {
			tu.Vehicle = &gtfs.VehicleDescriptor{Id: proto.String(ev.VehicleID)}
		}
		msg.Entity = append(msg.Entity, &gtfs.FeedEntity{
			Id:         proto.String(ev.TripID),
			TripUpdate: tu,
		})
	}

	stu := findStopTimeUpdate(tu, ev.StopID)
	if stu == nil {
		stu = &gtfs.TripUpdate_StopTimeUpdate{StopId: proto.String(ev.StopID)}
		tu.StopTimeUpdate = append(tu.StopTimeUpdate, stu)
	}

	event := &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(ev.Time)}
	if ev.Kind == timetable.Departure {
		stu.Departure = event
	} else {
		stu.Arrival = event
	}

	tu.Timestamp = proto.Uint64(uint64(now.Unix()))
}

// EventTime returns the current event time for a trip and stop, if any
func EventTime(msg *gtfs.FeedMessage, tripID, stopID string, kind timetable.EventKind) (int64, bool) {
	tu := findTripUpdate(msg, tripID)
	if tu == nil {
		return 0, false
	}
	stu := findStopTimeUpdate(tu, stopID)
	if stu == nil {
		return 0, false
	}

	event := stu.GetArrival()
	if kind == timetable.Departure {
		event = stu.GetDeparture()
	}
	if event == nil || event.Time == nil {
		return 0, false
	}
	return event.GetTime(), true
}

// DeleteStaleTripUpdates removes every trip update whose trip id is not in
// current and returns how many were removed. Entities without a trip update
// are kept.
func DeleteStaleTripUpdates(msg *gtfs.FeedMessage, current map[string]struct{}) int {
	kept := make([]*gtfs.FeedEntity, 0, len(msg.Entity))
	for _, entity := range msg.Entity {
		tu := entity.GetTripUpdate()
		if tu == nil {
			kept = append(kept, entity)
			continue
		}
		if _, ok := current[tu.GetTrip().GetTripId()]; ok {
			kept = append(kept, entity)
		}
	}

	removed := len(msg.Entity) - len(kept)
	msg.Entity = kept
	return removed
}

// DeleteTripUpdate removes the trip update for tripID and reports whether one existed
func DeleteTripUpdate(msg *gtfs.FeedMessage, tripID string) bool {
	for i, entity := range msg.Entity {
		if tu := entity.GetTripUpdate(); tu != nil && tu.GetTrip().GetTripId() == tripID {
			msg.Entity = append(msg.Entity[:i], msg.Entity[i+1:]...)
			return true
		}
	}
	return false
}

// TripUpdateCount returns the number of entities carrying a trip update
func TripUpdateCount(msg *gtfs.FeedMessage) int {
	n := 0
	for _, entity := range msg.GetEntity() {
		if entity.GetTripUpdate() != nil {
			n++
		}
	}
	return n
}

func findTripUpdate(msg *gtfs.FeedMessage, tripID string) *gtfs.TripUpdate {
	for _, entity := range msg.GetEntity() {
		if tu := entity.GetTripUpdate(); tu != nil && tu.GetTrip().GetTripId() == tripID {
			return tu
		}
	}
	return nil
}

func findStopTimeUpdate(tu *gtfs.TripUpdate, stopID string) *gtfs.TripUpdate_StopTimeUpdate {
	for _, stu := range tu.GetStopTimeUpdate() {
		if stu.GetStopId() == stopID {
			return stu
		}
	}
	return nil
}
