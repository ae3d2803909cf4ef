// Package session orchestrates one active trip screen: permissions, the
// sampler, the channel, lifecycle transitions, and exactly-once teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"tripwatch/internal/channel"
	"tripwatch/internal/geo"
	"tripwatch/internal/hydrate"
	"tripwatch/internal/sampler"
	"tripwatch/internal/store"
	"tripwatch/internal/trip"
)

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseActive       Phase = "active"
	PhaseTornDown     Phase = "torn_down"
)

var errNotIdle = errors.New("session already started")

// Lifecycle is the OS foreground/background notifier boundary. OnTransition
// returns a removal function; the controller calls it during teardown.
type Lifecycle interface {
	OnTransition(fn func(foreground bool)) (remove func())
}

// MapAdapter is the pluggable map-rendering boundary. One tracking core
// serves every map backend; implementations only draw.
type MapAdapter interface {
	MoveTo(geo.Coordinate)
	DrawRoute(pickup, destination geo.Coordinate)
}

type Options struct {
	UserID string
	TripID string

	Store    *store.Store
	Sampler  *sampler.Sampler
	Channel  *channel.Channel
	Hydrator *hydrate.Client // optional
	Life     Lifecycle       // optional
	Map      MapAdapter      // optional
}

// Controller drives idle -> initializing -> active -> torn_down for one
// monitored trip. Teardown is reachable from every phase and safe to invoke
// twice.
type Controller struct {
	opts Options

	mu            sync.Mutex
	phase         Phase
	removeLife    func()
	handlersWired bool
}

func New(opts Options) *Controller {
	return &Controller{opts: opts, phase: PhaseIdle}
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Start runs the initializing phase: hydrate, request permission and arm
// the sampler, open the channel, register the lifecycle observer. A denied
// permission is terminal for this attempt: the phase returns to idle so a
// user-driven retry can re-enter initializing, but nothing retries on its
// own.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return errNotIdle
	}
	c.phase = PhaseInitializing
	c.mu.Unlock()

	c.hydrate(ctx)
	c.wireHandlers()

	if err := c.opts.Sampler.Start(ctx, c.handleSample); err != nil {
		if errors.Is(err, sampler.ErrPermissionDenied) {
			c.opts.Store.SetPermissionDenied(true)
			c.setPhaseIfNotTorn(PhaseIdle)
			return err
		}
		c.Teardown()
		return fmt.Errorf("start sampler: %w", err)
	}

	// The user may have navigated away while permission was pending.
	c.mu.Lock()
	if c.phase == PhaseTornDown {
		c.mu.Unlock()
		c.opts.Sampler.Stop()
		return errors.New("session torn down during initialization")
	}
	c.mu.Unlock()

	c.opts.Store.SetPermissionDenied(false)
	if err := c.opts.Channel.Connect(c.opts.UserID, c.opts.TripID); err != nil {
		c.Teardown()
		return fmt.Errorf("open trip channel: %w", err)
	}

	c.mu.Lock()
	if c.phase == PhaseTornDown {
		c.mu.Unlock()
		c.opts.Sampler.Stop()
		c.opts.Channel.Disconnect()
		return errors.New("session torn down during initialization")
	}
	if c.opts.Life != nil {
		c.removeLife = c.opts.Life.OnTransition(c.handleAppTransition)
	}
	c.phase = PhaseActive
	c.mu.Unlock()
	return nil
}

// hydrate is best-effort: a failed snapshot fetch is logged and the session
// proceeds, the first server event will carry state.
func (c *Controller) hydrate(ctx context.Context) {
	if c.opts.Hydrator == nil {
		return
	}
	snap, err := c.opts.Hydrator.TripSnapshot(ctx, c.opts.TripID)
	if err != nil {
		log.Printf("session hydrate: %v", err)
		return
	}
	if snap.Pickup.Address == "" {
		snap.Pickup.Address = c.opts.Hydrator.ReverseGeocode(ctx, snap.Pickup)
	}
	if snap.Destination.Address == "" {
		snap.Destination.Address = c.opts.Hydrator.ReverseGeocode(ctx, snap.Destination)
	}
	c.opts.Store.BeginTrip(snap)
	if c.opts.Map != nil {
		c.opts.Map.DrawRoute(snap.Pickup, snap.Destination)
	}
}

func (c *Controller) wireHandlers() {
	c.mu.Lock()
	if c.handlersWired {
		c.mu.Unlock()
		return
	}
	c.handlersWired = true
	c.mu.Unlock()

	for _, t := range []trip.EventType{
		trip.EventTripStarted, trip.EventLocationUpdate,
		trip.EventTripEnded, trip.EventTripCancelled,
	} {
		c.opts.Channel.On(t, c.handleEvent)
	}
}

func (c *Controller) handleSample(s trip.LocationSample) {
	c.opts.Store.ApplyLocationSample(s)
	if c.opts.Map != nil {
		c.opts.Map.MoveTo(s.Coordinate)
	}
}

func (c *Controller) handleEvent(ev trip.Event) {
	c.opts.Store.ApplyServerEvent(ev)
	if c.opts.Store.TripStatus().Terminal() {
		// Terminal trip: stop reconnects immediately and release everything.
		c.Teardown()
	}
}

// handleAppTransition pauses sampling in the background and, on foreground,
// resumes and re-opens the channel if it dropped while suspended.
func (c *Controller) handleAppTransition(foreground bool) {
	c.mu.Lock()
	active := c.phase == PhaseActive
	c.mu.Unlock()
	if !active {
		return
	}
	if !foreground {
		c.opts.Sampler.Pause()
		return
	}
	c.opts.Sampler.Resume()
	if c.opts.Channel.State() == channel.StateDisconnected {
		_ = c.opts.Channel.Connect(c.opts.UserID, c.opts.TripID)
	}
}

// Teardown stops the sampler, disconnects the channel (cancelling any
// pending reconnect timer), removes the lifecycle observer and clears the
// store. Reachable from every phase, idempotent.
func (c *Controller) Teardown() {
	c.mu.Lock()
	if c.phase == PhaseTornDown {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseTornDown
	remove := c.removeLife
	c.removeLife = nil
	c.mu.Unlock()

	c.opts.Sampler.Stop()
	c.opts.Channel.Disconnect()
	if remove != nil {
		remove()
	}
	c.opts.Store.Clear()
}

func (c *Controller) setPhaseIfNotTorn(p Phase) {
	c.mu.Lock()
	if c.phase != PhaseTornDown {
		c.phase = p
	}
	c.mu.Unlock()
}

// Snapshot exposes the read-only view for UI collaborators.
func (c *Controller) Snapshot() store.Snapshot {
	return c.opts.Store.Snapshot()
}

// EndTripForPassenger issues the end-trip command for one passenger entry.
// Delivery is not fire-and-forget: the error tells the caller to re-issue.
func (c *Controller) EndTripForPassenger(entryID string) error {
	snap := c.opts.Store.Snapshot()
	driverID := ""
	if snap.Trip != nil {
		driverID = snap.Trip.DriverID
	}
	return c.opts.Channel.SendEndTrip(driverID, entryID)
}

// CancelTripForPassenger issues the cancel command for one passenger entry.
func (c *Controller) CancelTripForPassenger(entryID string) error {
	return c.opts.Channel.SendCancelTrip(entryID)
}

// Recenter moves the map back to the device's current position.
func (c *Controller) Recenter() {
	if c.opts.Map == nil {
		return
	}
	snap := c.opts.Store.Snapshot()
	if snap.Trip != nil {
		c.opts.Map.MoveTo(snap.Trip.Current)
	}
}
