// Package channel owns the persistent duplex connection for one active
// trip: typed inbound event dispatch, outbound commands, and a bounded
// reconnect loop that dies with the trip.
package channel

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tripwatch/internal/metrics"
	"tripwatch/internal/trip"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ErrNotConnected is returned by the Send methods when no connection is
// established. Callers decide whether to re-issue the command.
var ErrNotConnected = errors.New("trip channel not connected")

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	handshakeTimeout = 10 * time.Second
)

type Handler func(trip.Event)

type Options struct {
	URL           string
	RetryDelay    time.Duration // base backoff, doubles per attempt
	RetryMaxDelay time.Duration
	MaxAttempts   int
	Metrics       *metrics.Collector
	OnState       func(State) // invoked outside the channel lock
	Dialer        *websocket.Dialer
}

// Channel is one connection per active trip. State machine:
// disconnected -> connecting -> connected -> disconnected, returning to
// connecting on unexpected closure until Disconnect or attempts run out.
type Channel struct {
	url           string
	dialer        *websocket.Dialer
	retryDelay    time.Duration
	retryMaxDelay time.Duration
	maxAttempts   int
	metrics       *metrics.Collector
	onState       func(State)

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	userID     string
	tripID     string
	closed     bool
	attempts   int
	retryTimer *time.Timer
	gen        int // invalidates dial/retry continuations from older connections
	handlers   map[trip.EventType][]Handler
}

func New(opts Options) *Channel {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	return &Channel{
		url:           opts.URL,
		dialer:        dialer,
		retryDelay:    opts.RetryDelay,
		retryMaxDelay: opts.RetryMaxDelay,
		maxAttempts:   opts.MaxAttempts,
		metrics:       opts.Metrics,
		onState:       opts.OnState,
		state:         StateDisconnected,
		handlers:      make(map[trip.EventType][]Handler),
	}
}

// On registers a handler for one event type. Handlers run in registration
// order on the read goroutine; a panicking handler does not stop delivery
// to the ones after it.
func (c *Channel) On(t trip.EventType, h Handler) {
	c.mu.Lock()
	c.handlers[t] = append(c.handlers[t], h)
	c.mu.Unlock()
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection for (userID, tripID). It is a no-op while
// already connecting or connected for the same pair; a different pair tears
// the old connection down first. The dial itself is asynchronous; failures
// feed the backoff loop and surface through the state callback.
func (c *Channel) Connect(userID, tripID string) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.userID == userID && c.tripID == tripID {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateDisconnected {
		c.teardownLocked()
	}
	c.userID = userID
	c.tripID = tripID
	c.closed = false
	c.attempts = 0
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.notifyState(StateConnecting)
	go c.dial(gen)
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect timer.
// Safe to call multiple times and from any state, including from handlers.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	c.teardownLocked()
	changed := c.state != StateDisconnected
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	if changed {
		c.notifyState(StateDisconnected)
	}
}

// teardownLocked closes the socket and stops the retry timer. Caller holds mu.
func (c *Channel) teardownLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Channel) dial(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	url, userID, tripID := c.url, c.userID, c.tripID
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(url, nil)
	if err != nil {
		log.Printf("trip channel dial %s: %v", url, err)
		c.scheduleRetry(gen)
		return
	}

	hs := trip.Handshake{UserID: userID, TripID: tripID}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hs); err != nil {
		conn.Close()
		log.Printf("trip channel handshake: %v", err)
		c.scheduleRetry(gen)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.notifyState(StateConnected)
	log.Printf("trip channel connected trip=%s", tripID)
	go c.readLoop(conn, gen)
}

func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("trip channel read: %v", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(data)
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	c.scheduleRetry(gen)
}

// dispatch decodes one inbound frame and fans it out. Malformed frames are
// logged and dropped; they never tear the connection down.
func (c *Channel) dispatch(data []byte) {
	ev, err := trip.DecodeEvent(data)
	if err != nil {
		log.Printf("trip channel event discarded: %v", err)
		if c.metrics != nil {
			c.metrics.EventsDiscarded.Inc()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.EventsReceived.WithLabelValues(string(ev.EventType())).Inc()
	}

	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[ev.EventType()]...)
	c.mu.Unlock()

	for _, h := range hs {
		invoke(h, ev)
	}
}

func invoke(h Handler, ev trip.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("trip event handler panic: %v", r)
		}
	}()
	h(ev)
}

// scheduleRetry arms the backoff timer unless the channel was closed or the
// attempt budget is spent. Delay doubles per consecutive failure, capped.
func (c *Channel) scheduleRetry(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.maxAttempts {
		log.Printf("trip channel giving up after %d attempts", c.attempts)
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.notifyState(StateDisconnected)
		return
	}
	delay := c.retryDelay << c.attempts
	if delay > c.retryMaxDelay {
		delay = c.retryMaxDelay
	}
	c.attempts++
	if c.metrics != nil {
		c.metrics.Reconnects.Inc()
	}
	c.setStateLocked(StateConnecting)
	c.retryTimer = time.AfterFunc(delay, func() { c.dial(gen) })
	c.mu.Unlock()
	c.notifyState(StateConnecting)
}

func (c *Channel) SendStartTrip() error {
	return c.send(trip.StartTrip{})
}

func (c *Channel) SendEndTrip(driverID, passengerEntryID string) error {
	return c.send(trip.EndTrip{DriverID: driverID, PassengerEntryID: passengerEntryID})
}

func (c *Channel) SendCancelTrip(passengerEntryID string) error {
	return c.send(trip.CancelTrip{PassengerEntryID: passengerEntryID})
}

func (c *Channel) send(cmd trip.Command) error {
	data, err := trip.EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		if c.metrics != nil {
			c.metrics.CommandErrs.Inc()
		}
		return fmt.Errorf("send %s: %w", cmd.CommandType(), ErrNotConnected)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if c.metrics != nil {
			c.metrics.CommandErrs.Inc()
		}
		return fmt.Errorf("send %s: %w", cmd.CommandType(), err)
	}
	if c.metrics != nil {
		c.metrics.CommandsSent.WithLabelValues(string(cmd.CommandType())).Inc()
	}
	return nil
}

// setStateLocked updates the state and gauge. Caller holds mu; the OnState
// callback is fired separately outside the lock.
func (c *Channel) setStateLocked(s State) {
	c.state = s
	if c.metrics != nil {
		switch s {
		case StateDisconnected:
			c.metrics.ConnectionState.Set(0)
		case StateConnecting:
			c.metrics.ConnectionState.Set(1)
		case StateConnected:
			c.metrics.ConnectionState.Set(2)
		}
	}
}

func (c *Channel) notifyState(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}
