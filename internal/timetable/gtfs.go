package timetable

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog/log"
)

// GTFS is an in-memory Accessor built from a static GTFS zip
type GTFS struct {
	loc        *time.Location
	stops      map[string]stopRow
	trips      map[string]tripRow
	stopTimes  map[string][]stopTimeRow // keyed by trip_id, ordered by stop_sequence
	calendars  map[string]calendarRow
	exceptions map[string]map[string]int // service_id -> YYYYMMDD -> exception_type
}

type feedFiles struct {
	Agencies      []agencyRow
	Stops         []stopRow
	Trips         []tripRow
	StopTimes     []stopTimeRow
	Calendars     []calendarRow
	CalendarDates []calendarDateRow
}

func init() {
	// Tolerate rows with missing trailing columns
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		r := csv.NewReader(in)
		r.FieldsPerRecord = -1
		r.TrimLeadingSpace = true
		return r
	})
}

// Load reads a GTFS zip file from disk
func Load(path string) (*GTFS, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	return parse(r.File)
}

// LoadReader reads a GTFS zip from memory
func LoadReader(r io.ReaderAt, size int64) (*GTFS, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	return parse(zr.File)
}

func parse(files []*zip.File) (*GTFS, error) {
	var data feedFiles

	targets := map[string]interface{}{
		"agency.txt":         &data.Agencies,
		"stops.txt":          &data.Stops,
		"trips.txt":          &data.Trips,
		"stop_times.txt":     &data.StopTimes,
		"calendar.txt":       &data.Calendars,
		"calendar_dates.txt": &data.CalendarDates,
	}

	seen := make(map[string]bool)
	for _, f := range files {
		dest, ok := targets[f.Name]
		if !ok {
			continue
		}
		if err := unmarshalFile(f, dest); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", f.Name, err)
		}
		seen[f.Name] = true
	}

	for _, required := range []string{"stops.txt", "trips.txt", "stop_times.txt"} {
		if !seen[required] {
			return nil, fmt.Errorf("gtfs feed is missing %s", required)
		}
	}

	g := build(data)
	log.Info().
		Int("stops", len(g.stops)).
		Int("trips", len(g.trips)).
		Int("services", len(g.calendars)).
		Str("timezone", g.loc.String()).
		Msg("Timetable loaded")

	return g, nil
}

func unmarshalFile(f *zip.File, dest interface{}) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	return gocsv.Unmarshal(skipBOM(rc), dest)
}

func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if head, err := br.Peek(3); err == nil && bytes.Equal(head, []byte{0xEF, 0xBB, 0xBF}) {
		br.Discard(3)
	}
	return br
}

func build(data feedFiles) *GTFS {
	g := &GTFS{
		loc:        time.UTC,
		stops:      make(map[string]stopRow, len(data.Stops)),
		trips:      make(map[string]tripRow, len(data.Trips)),
		stopTimes:  make(map[string][]stopTimeRow),
		calendars:  make(map[string]calendarRow, len(data.Calendars)),
		exceptions: make(map[string]map[string]int),
	}

	if len(data.Agencies) > 0 && data.Agencies[0].Timezone != "" {
		loc, err := time.LoadLocation(data.Agencies[0].Timezone)
		if err != nil {
			log.Warn().Err(err).Str("timezone", data.Agencies[0].Timezone).Msg("Unknown agency timezone, using UTC")
		} else {
			g.loc = loc
		}
	}

	for _, s := range data.Stops {
		g.stops[s.ID] = s
	}
	for _, t := range data.Trips {
		g.trips[t.ID] = t
	}
	for _, st := range data.StopTimes {
		g.stopTimes[st.TripID] = append(g.stopTimes[st.TripID], st)
	}
	for tripID := range g.stopTimes {
		seq := g.stopTimes[tripID]
		sort.SliceStable(seq, func(i, j int) bool {
			return seq[i].StopSequence < seq[j].StopSequence
		})
	}
	for _, c := range data.Calendars {
		g.calendars[c.ServiceID] = c
	}
	for _, cd := range data.CalendarDates {
		if g.exceptions[cd.ServiceID] == nil {
			g.exceptions[cd.ServiceID] = make(map[string]int)
		}
		g.exceptions[cd.ServiceID][cd.Date] = cd.ExceptionType
	}

	return g
}

// Location returns the agency timezone used to resolve service dates
func (g *GTFS) Location() *time.Location {
	return g.loc
}

// StopsForTrip implements Accessor
func (g *GTFS) StopsForTrip(tripID string) ([]Stop, error) {
	seq, ok := g.stopTimes[tripID]
	if _, known := g.trips[tripID]; !known || !ok || len(seq) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTripNotFound, tripID)
	}

	stops := make([]Stop, 0, len(seq))
	for _, st := range seq {
		s, ok := g.stops[st.StopID]
		if !ok {
			return nil, fmt.Errorf("trip %s references unknown stop %s", tripID, st.StopID)
		}
		stops = append(stops, Stop{ID: s.ID, Lat: s.Latitude, Lon: s.Longitude})
	}
	return stops, nil
}

// EventTime implements Accessor
func (g *GTFS) EventTime(tripID string, stopIndex int, kind EventKind, serviceDate time.Time) (time.Time, error) {
	trip, ok := g.trips[tripID]
	seq := g.stopTimes[tripID]
	if !ok || len(seq) == 0 {
		return time.Time{}, fmt.Errorf("%w: %s", ErrTripNotFound, tripID)
	}
	if stopIndex < 0 || stopIndex >= len(seq) {
		return time.Time{}, fmt.Errorf("%w: %d for trip %s", ErrStopIndex, stopIndex, tripID)
	}

	local := serviceDate.In(g.loc)
	if !g.ServiceActive(trip.ServiceID, local) {
		return time.Time{}, fmt.Errorf("%w: trip %s on %s", ErrNoService, tripID, local.Format("2006-01-02"))
	}

	raw := seq[stopIndex].ArrivalTime
	if kind == Departure {
		raw = seq[stopIndex].DepartureTime
	}
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s of stop %d on trip %s", ErrNoEventTime, kind, stopIndex, tripID)
	}

	secs, err := SecondsSinceMidnight(raw)
	if err != nil {
		return time.Time{}, err
	}

	// GTFS times count from noon minus 12h, which differs from midnight on DST change days
	y, m, d := local.Date()
	base := time.Date(y, m, d, 12, 0, 0, 0, g.loc).Add(-12 * time.Hour)
	return base.Add(time.Duration(secs) * time.Second), nil
}

// ServiceActive reports whether the service runs on the given date
func (g *GTFS) ServiceActive(serviceID string, date time.Time) bool {
	key := date.Format("20060102")

	if exceptionType, ok := g.exceptions[serviceID][key]; ok {
		return exceptionType == serviceAdded
	}

	cal, ok := g.calendars[serviceID]
	if !ok {
		return false
	}
	if key < cal.StartDate || key > cal.EndDate {
		return false
	}
	return cal.runsOn(int(date.Weekday()))
}

// SecondsSinceMidnight parses a GTFS "HH:MM:SS" time, which may exceed 24:00:00
func SecondsSinceMidnight(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid gtfs time %q", value)
	}

	var fields [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid gtfs time %q", value)
		}
		fields[i] = n
	}
	if fields[1] > 59 || fields[2] > 59 {
		return 0, fmt.Errorf("invalid gtfs time %q", value)
	}

	return fields[0]*3600 + fields[1]*60 + fields[2], nil
}
