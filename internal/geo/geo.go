package geo

import "math"

const earthRadiusKm = 6371.0

// Coordinate is a WGS84 point. Address is display-only and may lag behind
// the numeric position; it never participates in distance math.
type Coordinate struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Valid reports whether the coordinate lies in the WGS84 domain.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// SamePoint compares only the numeric position, ignoring Address.
func (c Coordinate) SamePoint(o Coordinate) bool {
	return c.Lat == o.Lat && c.Lng == o.Lng
}

// DistanceKm returns the haversine great-circle distance between a and b.
func DistanceKm(a, b Coordinate) float64 {
	if a.SamePoint(b) {
		return 0
	}
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// DistanceMeters is DistanceKm in meters, for displacement gating.
func DistanceMeters(a, b Coordinate) float64 {
	return DistanceKm(a, b) * 1000
}

// ProgressPercent maps total/remaining distance to [0,100].
// A non-positive total yields 0 rather than dividing by zero.
func ProgressPercent(totalKm, remainingKm float64) float64 {
	if totalKm <= 0 {
		return 0
	}
	p := (totalKm - remainingKm) / totalKm * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ETAMinutes estimates minutes to cover remainingKm at speedKmh.
// known is false when the speed is non-positive; callers render that as
// "unknown", never as zero.
func ETAMinutes(remainingKm, speedKmh float64) (minutes float64, known bool) {
	if speedKmh <= 0 {
		return 0, false
	}
	m := remainingKm / speedKmh * 60
	if m < 0 {
		m = 0
	}
	return m, true
}

// MpsToKmh converts meters per second to kilometers per hour.
func MpsToKmh(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return v * 3.6
}

func toRad(d float64) float64 { return d * math.Pi / 180 }
