package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripwatch/internal/channel"
	"tripwatch/internal/geo"
	"tripwatch/internal/trip"
)

var (
	pickup = geo.Coordinate{Lat: 6.5244, Lng: 3.3792}
	dest   = geo.Coordinate{Lat: 6.4550, Lng: 3.3940}
)

func newTestTrip() trip.Trip {
	return trip.Trip{
		ID:          "t1",
		DriverID:    "d1",
		Pickup:      pickup,
		Destination: dest,
		Current:     pickup,
		Status:      trip.StatusInProgress,
		Passengers: []trip.PassengerEntry{
			{ID: "p1", UserID: "u1", Status: trip.PassengerBoarded, Coordinate: pickup},
			{ID: "p2", UserID: "u2", Status: trip.PassengerBoarded, Coordinate: pickup},
		},
	}
}

func TestTripEndedPrunesTerminalPassengers(t *testing.T) {
	s := New(nil)
	s.BeginTrip(newTestTrip())

	s.ApplyServerEvent(trip.TripEnded{DriverID: "d1"})

	snap := s.Snapshot()
	assert.Equal(t, trip.StatusCompleted, snap.Trip.Status)
	for _, p := range snap.ActivePassengers {
		assert.False(t, p.Status.Terminal())
	}
	// The stored list itself holds no terminal entry either.
	for _, p := range snap.Trip.Passengers {
		assert.False(t, p.Status.Terminal())
	}
}

func TestOutOfOrderSampleLeavesCoordinate(t *testing.T) {
	s := New(nil)
	s.BeginTrip(newTestTrip())

	mid := geo.Coordinate{Lat: 6.49, Lng: 3.385}
	s.ApplyLocationSample(trip.LocationSample{Coordinate: mid, TimestampMs: 2000})
	s.ApplyLocationSample(trip.LocationSample{Coordinate: pickup, TimestampMs: 1000})

	snap := s.Snapshot()
	assert.Equal(t, mid.Lat, snap.Trip.Current.Lat)
	assert.Equal(t, mid.Lng, snap.Trip.Current.Lng)
}

func TestEqualTimestampLastWriteWins(t *testing.T) {
	s := New(nil)
	s.BeginTrip(newTestTrip())

	first := geo.Coordinate{Lat: 6.49, Lng: 3.385}
	second := geo.Coordinate{Lat: 6.48, Lng: 3.386}
	s.ApplyLocationSample(trip.LocationSample{Coordinate: first, TimestampMs: 2000})
	s.ApplyLocationSample(trip.LocationSample{Coordinate: second, TimestampMs: 2000})

	assert.Equal(t, second.Lat, s.Snapshot().Trip.Current.Lat)
}

func TestCancelledPassengerInSnapshotDropsFromProjection(t *testing.T) {
	s := New(nil)
	s.BeginTrip(newTestTrip())
	require.Len(t, s.Snapshot().ActivePassengers, 2)

	snap := newTestTrip()
	snap.Passengers[1].Status = trip.PassengerCancelled
	s.ApplyServerEvent(trip.LocationUpdate{Snapshot: snap})

	active := s.Snapshot().ActivePassengers
	require.Len(t, active, 1)
	assert.Equal(t, "p1", active[0].ID)
}

func TestServerSnapshotKeepsOwnCoordinate(t *testing.T) {
	s := New(nil)
	s.BeginTrip(newTestTrip())

	own := geo.Coordinate{Lat: 6.50, Lng: 3.382}
	s.ApplyLocationSample(trip.LocationSample{Coordinate: own, TimestampMs: 1000})

	snap := newTestTrip()
	snap.Current = geo.Coordinate{Lat: 6.47, Lng: 3.39}
	snap.Passengers[0].Coordinate = geo.Coordinate{Lat: 6.46, Lng: 3.391}
	s.ApplyServerEvent(trip.LocationUpdate{Snapshot: snap})

	got := s.Snapshot()
	// Cross-party data (passenger positions) comes from the server...
	assert.Equal(t, 6.46, got.Trip.Passengers[0].Coordinate.Lat)
	// ...but the device's own fix is not overwritten by an estimate.
	assert.Equal(t, own.Lat, got.Trip.Current.Lat)
}

func TestSampleAtDestination(t *testing.T) {
	s := New(nil)
	s.BeginTrip(newTestTrip())

	s.ApplyLocationSample(trip.LocationSample{Coordinate: dest, TimestampMs: 1000, SpeedMps: 0})

	p := s.Snapshot().Progress
	assert.InDelta(t, 100.0, p.Percent, 0.01)
	assert.True(t, p.ETAKnown)
	assert.Equal(t, 0.0, p.ETAMinutes)
	assert.GreaterOrEqual(t, p.ETAMinutes, 0.0)
}

func TestProgressUnknownETAWhileStationary(t *testing.T) {
	s := New(nil)
	s.BeginTrip(newTestTrip())

	s.ApplyLocationSample(trip.LocationSample{Coordinate: pickup, TimestampMs: 1000, SpeedMps: 0})

	p := s.Snapshot().Progress
	assert.False(t, p.ETAKnown)
	assert.InDelta(t, 0.0, p.Percent, 0.01)
}

func TestSpeedDerivedFromConsecutiveFixes(t *testing.T) {
	s := New(nil)
	s.BeginTrip(newTestTrip())

	mid := geo.Coordinate{Lat: 6.49, Lng: 3.385}
	s.ApplyLocationSample(trip.LocationSample{Coordinate: pickup, TimestampMs: 0})
	// ~3.9 km in 5 minutes without a reported speed.
	s.ApplyLocationSample(trip.LocationSample{Coordinate: mid, TimestampMs: 5 * 60 * 1000})

	p := s.Snapshot().Progress
	assert.Greater(t, p.SpeedKmh, 0.0)
	assert.True(t, p.ETAKnown)
}

func TestTripStartedMarksActive(t *testing.T) {
	s := New(nil)
	s.BeginTrip(newTestTrip())

	s.ApplyServerEvent(trip.TripStarted{})
	assert.Equal(t, trip.StatusActive, s.Snapshot().Trip.Status)
}

func TestTripCancelled(t *testing.T) {
	s := New(nil)
	s.BeginTrip(newTestTrip())

	s.ApplyServerEvent(trip.TripCancelled{PassengerEntryID: "p1"})
	snap := s.Snapshot()
	assert.Equal(t, trip.StatusCancelled, snap.Trip.Status)
	for _, p := range snap.ActivePassengers {
		assert.NotEqual(t, "p1", p.ID)
	}
}

func TestConnectionStateObserved(t *testing.T) {
	s := New(nil)
	assert.Equal(t, channel.StateDisconnected, s.Snapshot().ConnectionState)
	s.SetConnectionState(channel.StateConnected)
	assert.Equal(t, channel.StateConnected, s.Snapshot().ConnectionState)
}

func TestClear(t *testing.T) {
	s := New(nil)
	s.BeginTrip(newTestTrip())
	s.Clear()
	assert.Nil(t, s.Snapshot().Trip)
	assert.Equal(t, trip.Status(""), s.TripStatus())
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New(nil)
	s.BeginTrip(newTestTrip())

	snap := s.Snapshot()
	snap.Trip.Passengers[0].Status = trip.PassengerCancelled
	snap.Trip.Current = geo.Coordinate{Lat: 0, Lng: 0}

	fresh := s.Snapshot()
	assert.Equal(t, trip.PassengerBoarded, fresh.Trip.Passengers[0].Status)
	assert.Equal(t, pickup.Lat, fresh.Trip.Current.Lat)
}

// Producers fire concurrently; the merge path must serialize them. Run with
// -race to make this meaningful.
func TestConcurrentMerges(t *testing.T) {
	s := New(nil)
	s.BeginTrip(newTestTrip())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(base int64) {
			defer wg.Done()
			for j := int64(0); j < 100; j++ {
				s.ApplyLocationSample(trip.LocationSample{
					Coordinate:  geo.Coordinate{Lat: 6.5, Lng: 3.38},
					TimestampMs: base + j,
				})
			}
		}(int64(i) * 1000)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.ApplyServerEvent(trip.LocationUpdate{Snapshot: newTestTrip()})
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	require.NotNil(t, snap.Trip)
	assert.Len(t, snap.ActivePassengers, 2)
}
