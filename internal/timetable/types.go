package timetable

// CSV rows of the static GTFS files read by the loader

type agencyRow struct {
	ID       string `csv:"agency_id"`
	Name     string `csv:"agency_name"`
	Timezone string `csv:"agency_timezone"`
}

type stopRow struct {
	ID        string  `csv:"stop_id"`
	Name      string  `csv:"stop_name"`
	Latitude  float64 `csv:"stop_lat"`
	Longitude float64 `csv:"stop_lon"`
}

type tripRow struct {
	RouteID   string `csv:"route_id"`
	ServiceID string `csv:"service_id"`
	ID        string `csv:"trip_id"`
}

type stopTimeRow struct {
	TripID        string `csv:"trip_id"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
	StopID        string `csv:"stop_id"`
	StopSequence  int    `csv:"stop_sequence"`
}

type calendarRow struct {
	ServiceID string `csv:"service_id"`
	Monday    int    `csv:"monday"`
	Tuesday   int    `csv:"tuesday"`
	Wednesday int    `csv:"wednesday"`
	Thursday  int    `csv:"thursday"`
	Friday    int    `csv:"friday"`
	Saturday  int    `csv:"saturday"`
	Sunday    int    `csv:"sunday"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
}

type calendarDateRow struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType int    `csv:"exception_type"`
}

const (
	serviceAdded   = 1
	serviceRemoved = 2
)

func (c calendarRow) runsOn(weekday int) bool {
	days := [7]int{c.Sunday, c.Monday, c.Tuesday, c.Wednesday, c.Thursday, c.Friday, c.Saturday}
	return days[weekday] == 1
}
