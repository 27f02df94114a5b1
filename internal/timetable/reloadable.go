package timetable

import (
	"sync/atomic"
	"time"
)

// Reloadable is an Accessor whose underlying timetable can be replaced
// while predictions are running.
type Reloadable struct {
	current atomic.Pointer[GTFS]
}

func NewReloadable(g *GTFS) *Reloadable {
	r := &Reloadable{}
	r.current.Store(g)
	return r
}

// Swap installs g for all subsequent lookups
func (r *Reloadable) Swap(g *GTFS) {
	r.current.Store(g)
}

func (r *Reloadable) Current() *GTFS {
	return r.current.Load()
}

func (r *Reloadable) StopsForTrip(tripID string) ([]Stop, error) {
	return r.current.Load().StopsForTrip(tripID)
}

func (r *Reloadable) EventTime(tripID string, stopIndex int, kind EventKind, serviceDate time.Time) (time.Time, error) {
	return r.current.Load().EventTime(tripID, stopIndex, kind, serviceDate)
}
