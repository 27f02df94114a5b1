// Package timetable exposes the static schedule to the predictors.
package timetable

import (
	"errors"
	"time"
)

var (
	// ErrTripNotFound is returned for unknown trips or trips without stop times.
	ErrTripNotFound = errors.New("trip not found")
	// ErrNoService is returned when a trip does not run on the requested service date.
	ErrNoService = errors.New("no scheduled service")
	// ErrNoEventTime is returned when the stop time carries no value for the requested event.
	ErrNoEventTime = errors.New("no scheduled event time")
	// ErrStopIndex is returned for a stop index outside the trip's stop sequence.
	ErrStopIndex = errors.New("stop index out of range")
)

// EventKind selects the arrival or departure time of a stop time
type EventKind int

const (
	Arrival EventKind = iota
	Departure
)

func (k EventKind) String() string {
	if k == Departure {
		return "departure"
	}
	return "arrival"
}

// Stop is one entry of a trip's ordered stop sequence
type Stop struct {
	ID  string
	Lat float64
	Lon float64
}

// Accessor is the read-only view of the schedule used by the predictors.
type Accessor interface {
	// StopsForTrip returns the trip's stops ordered by stop sequence.
	StopsForTrip(tripID string) ([]Stop, error)
	// EventTime returns the scheduled time of the stop at stopIndex for the given service date.
	EventTime(tripID string, stopIndex int, kind EventKind, serviceDate time.Time) (time.Time, error)
}
