package trip

import (
	"time"

	"tripwatch/internal/geo"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PassengerStatus string

const (
	PassengerWaiting   PassengerStatus = "waiting"
	PassengerBoarded   PassengerStatus = "boarded"
	PassengerCompleted PassengerStatus = "completed"
	PassengerCancelled PassengerStatus = "cancelled"
)

func (s PassengerStatus) Terminal() bool {
	return s == PassengerCompleted || s == PassengerCancelled
}

// PassengerEntry is one rider's participation in a trip, with its own
// status lifecycle independent of the trip's.
type PassengerEntry struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Coordinate geo.Coordinate  `json:"coordinate"`
	SeatIndex  int             `json:"seatIndex"`
	FareShare  float64         `json:"fareShare"`
	Status     PassengerStatus `json:"status"`
}

// Trip is the ride currently being monitored: one driver, zero or more
// passengers. Owned by the store; everything else gets copies.
type Trip struct {
	ID               string           `json:"id"`
	DriverID         string           `json:"driverId"`
	Pickup           geo.Coordinate   `json:"pickup"`
	Destination      geo.Coordinate   `json:"destination"`
	Current          geo.Coordinate   `json:"current"`
	Fare             float64          `json:"fare"`
	ScheduledMinutes int              `json:"scheduledMinutes"`
	Status           Status           `json:"status"`
	Passengers       []PassengerEntry `json:"passengers"`
}

// ActivePassengers returns the entries that are not in a terminal status.
func (t *Trip) ActivePassengers() []PassengerEntry {
	if t == nil {
		return nil
	}
	out := make([]PassengerEntry, 0, len(t.Passengers))
	for _, p := range t.Passengers {
		if !p.Status.Terminal() {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to readers.
func (t *Trip) Clone() *Trip {
	if t == nil {
		return nil
	}
	c := *t
	c.Passengers = append([]PassengerEntry(nil), t.Passengers...)
	return &c
}

// LocationSample is one accepted device fix. Timestamps are non-decreasing
// within a tracking session; out-of-order fixes are dropped upstream.
type LocationSample struct {
	Coordinate  geo.Coordinate `json:"coordinate"`
	TimestampMs int64          `json:"timestampMs"`
	SpeedMps    float64        `json:"speedMps,omitempty"`
	HeadingDeg  float64        `json:"headingDeg,omitempty"`
}

func (s LocationSample) Time() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// Progress is derived state, recomputed on every accepted sample or
// trip-geometry change.
type Progress struct {
	Percent    float64 `json:"percent"`
	ETAMinutes float64 `json:"etaMinutes"`
	ETAKnown   bool    `json:"etaKnown"`
	SpeedKmh   float64 `json:"speedKmh"`
}
