package geo

import (
	"errors"
	"math"
)

const earthRadiusMeters = 6371000

// ErrZeroLengthSegment is returned when the endpoints of a segment coincide.
var ErrZeroLengthSegment = errors.New("zero-length segment")

// Point is a WGS84 coordinate in degrees
type Point struct {
	Lat float64
	Lon float64
}

// Distance calculates the great-circle distance between two points in meters
func Distance(a, b Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	deltaPhi := (b.Lat - a.Lat) * math.Pi / 180
	deltaLambda := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

// ProjectToSegment returns the foot point of p on the segment [start, end].
// The projection parameter is clamped, so points beyond either end map onto
// that endpoint rather than onto the infinite line.
func ProjectToSegment(p, start, end Point) Point {
	// Local equirectangular plane centred on the segment start
	cosLat := math.Cos(start.Lat * math.Pi / 180)
	dx := (end.Lon - start.Lon) * cosLat
	dy := end.Lat - start.Lat

	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return start
	}

	px := (p.Lon - start.Lon) * cosLat
	py := p.Lat - start.Lat

	t := Clamp((px*dx+py*dy)/lenSq, 0, 1)
	switch t {
	case 0:
		return start
	case 1:
		return end
	}
	return Interpolate(start, end, t)
}

// ProgressRatio returns how far along [start, end] the foot point lies, in [0, 1].
func ProgressRatio(start, end, foot Point) (float64, error) {
	length := Distance(start, end)
	if length == 0 {
		return 0, ErrZeroLengthSegment
	}
	return Clamp(Distance(start, foot)/length, 0, 1), nil
}

// Interpolate linearly interpolates between two points
func Interpolate(start, end Point, fraction float64) Point {
	return Point{
		Lat: start.Lat + (end.Lat-start.Lat)*fraction,
		Lon: start.Lon + (end.Lon-start.Lon)*fraction,
	}
}

// Clamp restricts value to [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
