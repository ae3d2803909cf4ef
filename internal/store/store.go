// Package store is the single writer for the active trip's state. The
// sampler, the channel, and lifecycle code all merge through one
// mutex-serialized write path so a server snapshot and an in-flight local
// sample can never interleave partially.
package store

import (
	"log"
	"sync"
	"time"

	"tripwatch/internal/channel"
	"tripwatch/internal/geo"
	"tripwatch/internal/metrics"
	"tripwatch/internal/trip"
)

// Snapshot is the read-only view handed to UI collaborators. ActivePassengers
// never contains terminal entries.
type Snapshot struct {
	Trip             *trip.Trip
	ActivePassengers []trip.PassengerEntry
	Progress         trip.Progress
	ConnectionState  channel.State
	PermissionDenied bool
}

type Store struct {
	metrics *metrics.Collector

	mu               sync.Mutex
	trip             *trip.Trip
	progress         trip.Progress
	connState        channel.State
	permissionDenied bool
	lastSampleMs     int64
	hasSample        bool
	prevCoord        geo.Coordinate
	prevMs           int64
}

func New(m *metrics.Collector) *Store {
	return &Store{metrics: m, connState: channel.StateDisconnected}
}

// BeginTrip installs the hydrated trip record for a fresh session.
func (s *Store) BeginTrip(t trip.Trip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trip = t.Clone()
	s.pruneLocked()
	s.lastSampleMs = 0
	s.hasSample = false
	s.progress = trip.Progress{}
	s.recomputeLocked()
}

// Clear drops all trip state at the end of a session.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trip = nil
	s.progress = trip.Progress{}
	s.lastSampleMs = 0
	s.hasSample = false
}

// ApplyLocationSample merges one device sample: updates the device
// coordinate and recomputes progress. Samples strictly older than the last
// accepted one are dropped as an expected race, not an error.
func (s *Store) ApplyLocationSample(sample trip.LocationSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	defer s.observeMerge(start)

	if s.trip == nil {
		return
	}
	if s.hasSample && sample.TimestampMs < s.lastSampleMs {
		if s.metrics != nil {
			s.metrics.SamplesDropped.WithLabelValues("stale").Inc()
		}
		return
	}

	prevCoord, prevMs, hadPrev := s.trip.Current, s.lastSampleMs, s.hasSample
	s.trip.Current = sample.Coordinate
	s.lastSampleMs = sample.TimestampMs
	s.hasSample = true

	speedKmh := geo.MpsToKmh(sample.SpeedMps)
	if speedKmh == 0 && hadPrev && sample.TimestampMs > prevMs {
		// Fall back to deriving speed from consecutive accepted fixes.
		dtH := float64(sample.TimestampMs-prevMs) / 1000 / 3600
		if dtH > 0 {
			speedKmh = geo.DistanceKm(prevCoord, sample.Coordinate) / dtH
		}
	}
	s.progress.SpeedKmh = speedKmh
	s.recomputeLocked()

	if s.metrics != nil {
		s.metrics.SamplesAccepted.Inc()
	}
}

// ApplyServerEvent merges one inbound trip event. Server snapshots win over
// locally-estimated state because they carry the other parties' positions.
// A nil or unexpected event is discarded without touching state.
func (s *Store) ApplyServerEvent(ev trip.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	defer s.observeMerge(start)

	if s.trip == nil && !eventCarriesSnapshot(ev) {
		return
	}

	switch e := ev.(type) {
	case trip.TripStarted:
		if e.Snapshot != nil {
			s.adoptSnapshotLocked(*e.Snapshot)
		}
		if s.trip != nil {
			s.trip.Status = trip.StatusActive
		}
	case trip.LocationUpdate:
		s.adoptSnapshotLocked(e.Snapshot)
	case trip.TripEnded:
		if e.Snapshot != nil {
			s.adoptSnapshotLocked(*e.Snapshot)
		}
		if s.trip != nil {
			s.markPassengerLocked(e.PassengerEntryID, trip.PassengerCompleted)
			s.trip.Status = trip.StatusCompleted
		}
	case trip.TripCancelled:
		if e.Snapshot != nil {
			s.adoptSnapshotLocked(*e.Snapshot)
		}
		if s.trip != nil {
			s.markPassengerLocked(e.PassengerEntryID, trip.PassengerCancelled)
			s.trip.Status = trip.StatusCancelled
		}
	default:
		log.Printf("store: discarding unexpected event %T", ev)
		if s.metrics != nil {
			s.metrics.EventsDiscarded.Inc()
		}
		return
	}

	s.pruneLocked()
	s.recomputeLocked()
}

// adoptSnapshotLocked replaces trip and passenger state with the server's
// view, keeping the device's own coordinate: the server cannot observe this
// device better than the device itself.
func (s *Store) adoptSnapshotLocked(snap trip.Trip) {
	own := geo.Coordinate{}
	haveOwn := false
	if s.trip != nil && s.hasSample {
		own = s.trip.Current
		haveOwn = true
	}
	s.trip = snap.Clone()
	if haveOwn {
		s.trip.Current = own
	}
}

func (s *Store) markPassengerLocked(entryID string, st trip.PassengerStatus) {
	if entryID == "" {
		return
	}
	for i := range s.trip.Passengers {
		if s.trip.Passengers[i].ID == entryID {
			s.trip.Passengers[i].Status = st
			return
		}
	}
}

// pruneLocked removes terminal passengers on every mutation so a transient
// snapshot can never leak a completed or cancelled entry.
func (s *Store) pruneLocked() {
	if s.trip == nil {
		return
	}
	kept := s.trip.Passengers[:0]
	for _, p := range s.trip.Passengers {
		if !p.Status.Terminal() {
			kept = append(kept, p)
		}
	}
	s.trip.Passengers = kept
}

func (s *Store) recomputeLocked() {
	if s.trip == nil {
		return
	}
	totalKm := geo.DistanceKm(s.trip.Pickup, s.trip.Destination)
	remainingKm := geo.DistanceKm(s.trip.Current, s.trip.Destination)
	s.progress.Percent = geo.ProgressPercent(totalKm, remainingKm)
	s.progress.ETAMinutes, s.progress.ETAKnown = geo.ETAMinutes(remainingKm, s.progress.SpeedKmh)
	if remainingKm == 0 {
		s.progress.ETAMinutes, s.progress.ETAKnown = 0, true
	}
}

// SetConnectionState records an observed channel transition. The store never
// forces one.
func (s *Store) SetConnectionState(st channel.State) {
	s.mu.Lock()
	s.connState = st
	s.mu.Unlock()
}

func (s *Store) ConnectionState() channel.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// SetPermissionDenied flags a terminal permission failure for the UI to
// render; it is not thrown across the producer boundary.
func (s *Store) SetPermissionDenied(denied bool) {
	s.mu.Lock()
	s.permissionDenied = denied
	s.mu.Unlock()
}

// TripStatus returns the current status, or "" when no trip is loaded.
func (s *Store) TripStatus() trip.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trip == nil {
		return ""
	}
	return s.trip.Status
}

// Snapshot returns a deep copy; readers never share memory with the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Trip:             s.trip.Clone(),
		ActivePassengers: s.trip.ActivePassengers(),
		Progress:         s.progress,
		ConnectionState:  s.connState,
		PermissionDenied: s.permissionDenied,
	}
}

func (s *Store) observeMerge(start time.Time) {
	if s.metrics != nil {
		s.metrics.MergeDuration.Observe(time.Since(start).Seconds())
	}
}

func eventCarriesSnapshot(ev trip.Event) bool {
	switch e := ev.(type) {
	case trip.TripStarted:
		return e.Snapshot != nil
	case trip.LocationUpdate:
		return true
	case trip.TripEnded:
		return e.Snapshot != nil
	case trip.TripCancelled:
		return e.Snapshot != nil
	}
	return false
}
