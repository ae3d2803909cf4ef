package trip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripwatch/internal/geo"
)

func TestEventRoundTrip(t *testing.T) {
	snap := Trip{
		ID:       "t1",
		DriverID: "d1",
		Status:   StatusActive,
		Current:  geo.Coordinate{Lat: 6.5, Lng: 3.4},
		Passengers: []PassengerEntry{
			{ID: "p1", UserID: "u1", Status: PassengerBoarded, SeatIndex: 0},
		},
	}

	for _, ev := range []Event{
		TripStarted{Snapshot: &snap},
		LocationUpdate{Snapshot: snap},
		TripEnded{DriverID: "d1", PassengerEntryID: "p1"},
		TripCancelled{PassengerEntryID: "p1"},
	} {
		data, err := EncodeEvent(ev)
		require.NoError(t, err)
		got, err := DecodeEvent(data)
		require.NoError(t, err)
		assert.Equal(t, ev.EventType(), got.EventType())
	}
}

func TestDecodeEventCarriesSnapshot(t *testing.T) {
	snap := Trip{ID: "t1", Status: StatusActive}
	data, err := EncodeEvent(LocationUpdate{Snapshot: snap})
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	lu, ok := got.(LocationUpdate)
	require.True(t, ok)
	assert.Equal(t, "t1", lu.Snapshot.ID)
	assert.Equal(t, StatusActive, lu.Snapshot.Status)
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := DecodeEvent([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`{"type":"somethingElse","payload":{}}`))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`{"type":"locationUpdate","payload":"not an object"}`))
	assert.Error(t, err)
}

func TestCommandRoundTrip(t *testing.T) {
	for _, cmd := range []Command{
		StartTrip{},
		EndTrip{DriverID: "d1", PassengerEntryID: "p1"},
		CancelTrip{PassengerEntryID: "p2"},
	} {
		data, err := EncodeCommand(cmd)
		require.NoError(t, err)
		got, err := DecodeCommand(data)
		require.NoError(t, err)
		assert.Equal(t, cmd, got)
	}
}

func TestActivePassengersFiltersTerminal(t *testing.T) {
	tr := Trip{Passengers: []PassengerEntry{
		{ID: "a", Status: PassengerWaiting},
		{ID: "b", Status: PassengerCompleted},
		{ID: "c", Status: PassengerBoarded},
		{ID: "d", Status: PassengerCancelled},
	}}
	active := tr.ActivePassengers()
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "c", active[1].ID)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.True(t, PassengerCancelled.Terminal())
	assert.False(t, PassengerBoarded.Terminal())
}

func TestCloneIsDeep(t *testing.T) {
	tr := &Trip{ID: "t1", Passengers: []PassengerEntry{{ID: "p1", Status: PassengerWaiting}}}
	c := tr.Clone()
	c.Passengers[0].Status = PassengerCancelled
	assert.Equal(t, PassengerWaiting, tr.Passengers[0].Status)
}
