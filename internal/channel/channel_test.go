package channel

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tripwatch/internal/trip"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// wsHarness is a minimal trip backend: it records handshakes and inbound
// command frames and lets tests push events or kill connections.
type wsHarness struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      []*websocket.Conn
	handshakes []trip.Handshake
	frames     [][]byte
	dials      int
}

func newWSHarness(t *testing.T) *wsHarness {
	h := &wsHarness{t: t}
	h.srv = httptest.NewServer(http.HandlerFunc(h.handle))
	t.Cleanup(func() {
		h.closeAll()
		h.srv.Close()
	})
	return h
}

func (h *wsHarness) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var hs trip.Handshake
	if err := conn.ReadJSON(&hs); err != nil {
		conn.Close()
		return
	}
	h.mu.Lock()
	h.dials++
	h.conns = append(h.conns, conn)
	h.handshakes = append(h.handshakes, hs)
	h.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		h.frames = append(h.frames, data)
		h.mu.Unlock()
	}
}

func (h *wsHarness) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
}

func (h *wsHarness) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

func (h *wsHarness) lastHandshake() trip.Handshake {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handshakes[len(h.handshakes)-1]
}

func (h *wsHarness) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *wsHarness) lastFrame() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames[len(h.frames)-1]
}

func (h *wsHarness) sendEvent(ev trip.Event) {
	data, err := trip.EncodeEvent(ev)
	require.NoError(h.t, err)
	h.mu.Lock()
	conn := h.conns[len(h.conns)-1]
	h.mu.Unlock()
	require.NoError(h.t, conn.WriteMessage(websocket.TextMessage, data))
}

func (h *wsHarness) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.Close()
	}
	h.conns = nil
}

func newTestChannel(h *wsHarness, opts Options) *Channel {
	opts.URL = h.url()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 20 * time.Millisecond
	}
	if opts.RetryMaxDelay == 0 {
		opts.RetryMaxDelay = 100 * time.Millisecond
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 10
	}
	return New(opts)
}

func waitState(t *testing.T, c *Channel, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "want state %s", want)
}

func TestConnectSendsHandshake(t *testing.T) {
	h := newWSHarness(t)
	c := newTestChannel(h, Options{})
	defer c.Disconnect()

	require.NoError(t, c.Connect("u1", "t1"))
	waitState(t, c, StateConnected)
	assert.Equal(t, trip.Handshake{UserID: "u1", TripID: "t1"}, h.lastHandshake())
}

func TestConnectSamePairIsNoop(t *testing.T) {
	h := newWSHarness(t)
	c := newTestChannel(h, Options{})
	defer c.Disconnect()

	require.NoError(t, c.Connect("u1", "t1"))
	waitState(t, c, StateConnected)
	require.NoError(t, c.Connect("u1", "t1"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.dialCount())
}

func TestConnectDifferentPairReplacesConnection(t *testing.T) {
	h := newWSHarness(t)
	c := newTestChannel(h, Options{})
	defer c.Disconnect()

	require.NoError(t, c.Connect("u1", "t1"))
	waitState(t, c, StateConnected)

	require.NoError(t, c.Connect("u1", "t2"))
	require.Eventually(t, func() bool { return h.dialCount() == 2 },
		2*time.Second, 5*time.Millisecond)
	waitState(t, c, StateConnected)
	assert.Equal(t, "t2", h.lastHandshake().TripID)
}

func TestEventDispatchOrderAndPanicIsolation(t *testing.T) {
	h := newWSHarness(t)
	c := newTestChannel(h, Options{})
	defer c.Disconnect()

	var mu sync.Mutex
	var calls []string
	c.On(trip.EventLocationUpdate, func(trip.Event) {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
		panic("handler blew up")
	})
	c.On(trip.EventLocationUpdate, func(ev trip.Event) {
		mu.Lock()
		calls = append(calls, "second:"+string(ev.EventType()))
		mu.Unlock()
	})

	require.NoError(t, c.Connect("u1", "t1"))
	waitState(t, c, StateConnected)

	h.sendEvent(trip.LocationUpdate{Snapshot: trip.Trip{ID: "t1"}})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second:locationUpdate"}, calls)
}

func TestMalformedEventDoesNotKillConnection(t *testing.T) {
	h := newWSHarness(t)
	c := newTestChannel(h, Options{})
	defer c.Disconnect()

	got := make(chan trip.Event, 1)
	c.On(trip.EventTripStarted, func(ev trip.Event) { got <- ev })

	require.NoError(t, c.Connect("u1", "t1"))
	waitState(t, c, StateConnected)

	h.mu.Lock()
	conn := h.conns[len(h.conns)-1]
	h.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))

	h.sendEvent(trip.TripStarted{})
	select {
	case ev := <-got:
		assert.Equal(t, trip.EventTripStarted, ev.EventType())
	case <-time.After(2 * time.Second):
		t.Fatal("event after malformed frame never arrived")
	}
	assert.Equal(t, StateConnected, c.State())
}

func TestSendWhileDisconnected(t *testing.T) {
	h := newWSHarness(t)
	c := newTestChannel(h, Options{})

	err := c.SendStartTrip()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConnected))

	err = c.SendEndTrip("d1", "p1")
	assert.True(t, errors.Is(err, ErrNotConnected))
	err = c.SendCancelTrip("p1")
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestSendCommandReachesServer(t *testing.T) {
	h := newWSHarness(t)
	c := newTestChannel(h, Options{})
	defer c.Disconnect()

	require.NoError(t, c.Connect("u1", "t1"))
	waitState(t, c, StateConnected)

	require.NoError(t, c.SendEndTrip("d1", "p1"))
	require.Eventually(t, func() bool { return h.frameCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	cmd, err := trip.DecodeCommand(h.lastFrame())
	require.NoError(t, err)
	assert.Equal(t, trip.EndTrip{DriverID: "d1", PassengerEntryID: "p1"}, cmd)
}

func TestDisconnectIdempotent(t *testing.T) {
	h := newWSHarness(t)
	c := newTestChannel(h, Options{})

	require.NoError(t, c.Connect("u1", "t1"))
	waitState(t, c, StateConnected)

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	// Disconnect from a never-connected channel is fine too.
	fresh := newTestChannel(h, Options{})
	fresh.Disconnect()
	assert.Equal(t, StateDisconnected, fresh.State())
}

func TestReconnectAfterDrop(t *testing.T) {
	h := newWSHarness(t)
	c := newTestChannel(h, Options{})
	defer c.Disconnect()

	require.NoError(t, c.Connect("u1", "t1"))
	waitState(t, c, StateConnected)

	h.closeAll()
	require.Eventually(t, func() bool { return h.dialCount() >= 2 },
		2*time.Second, 5*time.Millisecond, "channel never redialed")
	waitState(t, c, StateConnected)
}

func TestNoReconnectAfterDisconnect(t *testing.T) {
	h := newWSHarness(t)
	c := newTestChannel(h, Options{})

	require.NoError(t, c.Connect("u1", "t1"))
	waitState(t, c, StateConnected)

	c.Disconnect()
	h.closeAll()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, h.dialCount(), "a disconnected channel must not redial")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestRetryGivesUpAfterBoundedAttempts(t *testing.T) {
	h := newWSHarness(t)
	url := h.url()
	h.closeAll()
	h.srv.Close()

	c := New(Options{
		URL:           url,
		RetryDelay:    5 * time.Millisecond,
		RetryMaxDelay: 10 * time.Millisecond,
		MaxAttempts:   3,
	})
	defer c.Disconnect()

	var mu sync.Mutex
	var states []State
	c2 := New(Options{
		URL:           url,
		RetryDelay:    5 * time.Millisecond,
		RetryMaxDelay: 10 * time.Millisecond,
		MaxAttempts:   3,
		OnState: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	defer c2.Disconnect()

	require.NoError(t, c.Connect("u1", "t1"))
	require.NoError(t, c2.Connect("u1", "t1"))
	waitState(t, c, StateDisconnected)
	waitState(t, c2, StateDisconnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateDisconnected, states[len(states)-1])
}
