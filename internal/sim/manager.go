// Package sim drives trips for the dev backend: each started trip gets a
// goroutine that advances the driver along a straight N-point interpolation
// from pickup to destination and broadcasts snapshots on a ticker.
package sim

import (
	"context"
	"log"
	"sync"
	"time"

	"tripwatch/internal/geo"
	"tripwatch/internal/metrics"
	"tripwatch/internal/trip"
)

const (
	routePoints    = 64
	driverSpeedKmh = 30.0
	boardRadiusKm  = 0.05
)

// Broadcaster fans an event out to every connection watching a trip.
type Broadcaster interface {
	BroadcastEvent(tripID string, ev trip.Event)
}

type Manager struct {
	pub             Broadcaster
	publishInterval time.Duration
	speedMultiplier float64
	metrics         *metrics.Collector

	mu      sync.Mutex
	trips   map[string]*trackedTrip
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

type trackedTrip struct {
	t      trip.Trip
	route  []geo.Coordinate
	doneKm float64
}

func NewManager(pub Broadcaster, publishInterval time.Duration, speedMultiplier float64, m *metrics.Collector) *Manager {
	if publishInterval <= 0 {
		publishInterval = time.Second
	}
	if speedMultiplier <= 0 {
		speedMultiplier = 1
	}
	return &Manager{
		pub:             pub,
		publishInterval: publishInterval,
		speedMultiplier: speedMultiplier,
		metrics:         m,
		trips:           make(map[string]*trackedTrip),
		cancels:         make(map[string]context.CancelFunc),
	}
}

// Load registers trips in the pending state, driver parked at the pickup.
func (m *Manager) Load(trips []trip.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range trips {
		t.Status = trip.StatusPending
		t.Current = t.Pickup
		m.trips[t.ID] = &trackedTrip{t: t, route: interpolateRoute(t.Pickup, t.Destination, routePoints)}
	}
}

// Snapshot serves REST hydration.
func (m *Manager) Snapshot(tripID string) (trip.Trip, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tt, ok := m.trips[tripID]
	if !ok {
		return trip.Trip{}, false
	}
	return *tt.t.Clone(), true
}

// HandleCommand applies one client command and emits the matching events.
func (m *Manager) HandleCommand(ctx context.Context, tripID string, cmd trip.Command) {
	switch c := cmd.(type) {
	case trip.StartTrip:
		m.startTrip(ctx, tripID)
	case trip.EndTrip:
		m.finishPassenger(tripID, c.PassengerEntryID, trip.PassengerCompleted)
	case trip.CancelTrip:
		m.finishPassenger(tripID, c.PassengerEntryID, trip.PassengerCancelled)
	default:
		log.Printf("sim: ignoring command %T for trip %s", cmd, tripID)
	}
}

func (m *Manager) startTrip(parent context.Context, tripID string) {
	m.mu.Lock()
	tt, ok := m.trips[tripID]
	if !ok || tt.t.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	if _, running := m.cancels[tripID]; running {
		m.mu.Unlock()
		return
	}
	tt.t.Status = trip.StatusActive
	snap := *tt.t.Clone()
	ctx, cancel := context.WithCancel(parent)
	m.cancels[tripID] = cancel
	m.wg.Add(1)
	if m.metrics != nil {
		m.metrics.TripsStarted.Inc()
		m.metrics.ActiveTrips.Set(float64(len(m.cancels)))
	}
	m.mu.Unlock()

	log.Printf("sim: starting trip %s", tripID)
	m.pub.BroadcastEvent(tripID, trip.TripStarted{Snapshot: &snap})

	go func() {
		defer m.wg.Done()
		m.runTrip(ctx, tripID)
		m.mu.Lock()
		delete(m.cancels, tripID)
		if m.metrics != nil {
			m.metrics.TripsFinished.Inc()
			m.metrics.ActiveTrips.Set(float64(len(m.cancels)))
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) runTrip(ctx context.Context, tripID string) {
	tick := time.NewTicker(m.publishInterval)
	defer tick.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			stepKm := driverSpeedKmh * m.speedMultiplier * now.Sub(last).Hours()
			last = now
			done := m.advance(tripID, stepKm)
			if done {
				return
			}
		}
	}
}

// advance moves the driver stepKm along the route, boards waiting passengers
// near the pickup, and completes the trip at the destination. Returns true
// once the trip reached a terminal status.
func (m *Manager) advance(tripID string, stepKm float64) bool {
	m.mu.Lock()
	tt, ok := m.trips[tripID]
	if !ok || tt.t.Status.Terminal() {
		m.mu.Unlock()
		return true
	}
	tt.doneKm += stepKm
	tt.t.Current = pointAt(tt.route, tt.doneKm)

	arrived := tt.t.Current.SamePoint(tt.route[len(tt.route)-1])
	for i := range tt.t.Passengers {
		p := &tt.t.Passengers[i]
		switch {
		case arrived && p.Status == trip.PassengerBoarded:
			p.Status = trip.PassengerCompleted
		case p.Status == trip.PassengerWaiting &&
			geo.DistanceKm(tt.t.Current, p.Coordinate) <= boardRadiusKm:
			p.Status = trip.PassengerBoarded
		}
	}
	if arrived {
		tt.t.Status = trip.StatusCompleted
	}
	snap := *tt.t.Clone()
	m.mu.Unlock()

	if arrived {
		log.Printf("sim: trip %s completed", tripID)
		m.pub.BroadcastEvent(tripID, trip.TripEnded{DriverID: snap.DriverID, Snapshot: &snap})
		return true
	}
	m.pub.BroadcastEvent(tripID, trip.LocationUpdate{Snapshot: snap})
	return false
}

// finishPassenger moves one entry to a terminal status; the trip itself ends
// once no active passengers remain.
func (m *Manager) finishPassenger(tripID, entryID string, st trip.PassengerStatus) {
	m.mu.Lock()
	tt, ok := m.trips[tripID]
	if !ok || tt.t.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	for i := range tt.t.Passengers {
		if tt.t.Passengers[i].ID == entryID {
			tt.t.Passengers[i].Status = st
		}
	}
	tripOver := len(tt.t.ActivePassengers()) == 0
	var cancel context.CancelFunc
	if tripOver {
		if st == trip.PassengerCancelled {
			tt.t.Status = trip.StatusCancelled
		} else {
			tt.t.Status = trip.StatusCompleted
		}
		cancel = m.cancels[tripID]
	}
	snap := *tt.t.Clone()
	m.mu.Unlock()

	if !tripOver {
		m.pub.BroadcastEvent(tripID, trip.LocationUpdate{Snapshot: snap})
		return
	}
	if cancel != nil {
		cancel()
	}
	if snap.Status == trip.StatusCancelled {
		log.Printf("sim: trip %s cancelled", tripID)
		m.pub.BroadcastEvent(tripID, trip.TripCancelled{PassengerEntryID: entryID, Snapshot: &snap})
	} else {
		log.Printf("sim: trip %s ended", tripID)
		m.pub.BroadcastEvent(tripID, trip.TripEnded{DriverID: snap.DriverID, PassengerEntryID: entryID, Snapshot: &snap})
	}
}

// Stop cancels every running trip and waits for the goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// interpolateRoute returns n points linearly spaced between a and b.
// The dev backend does not model road geometry.
func interpolateRoute(a, b geo.Coordinate, n int) []geo.Coordinate {
	if n < 2 {
		n = 2
	}
	pts := make([]geo.Coordinate, n)
	for i := 0; i < n; i++ {
		f := float64(i) / float64(n-1)
		pts[i] = geo.Coordinate{
			Lat: a.Lat + (b.Lat-a.Lat)*f,
			Lng: a.Lng + (b.Lng-a.Lng)*f,
		}
	}
	return pts
}

// pointAt walks the route until doneKm is spent and returns that point.
func pointAt(route []geo.Coordinate, doneKm float64) geo.Coordinate {
	if len(route) == 0 {
		return geo.Coordinate{}
	}
	remaining := doneKm
	for i := 1; i < len(route); i++ {
		seg := geo.DistanceKm(route[i-1], route[i])
		if remaining < seg {
			f := 0.0
			if seg > 0 {
				f = remaining / seg
			}
			return geo.Coordinate{
				Lat: route[i-1].Lat + (route[i].Lat-route[i-1].Lat)*f,
				Lng: route[i-1].Lng + (route[i].Lng-route[i-1].Lng)*f,
			}
		}
		remaining -= seg
	}
	return route[len(route)-1]
}
