// Package sampler wraps the device location API behind a time- and
// distance-gated sample stream.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tripwatch/internal/geo"
	"tripwatch/internal/metrics"
	"tripwatch/internal/trip"
)

// ErrPermissionDenied is returned by Start when the platform rejects the
// location permission request. The sampler never re-prompts on its own.
var ErrPermissionDenied = errors.New("location permission denied")

var errAlreadyStarted = errors.New("sampler already started")

// Fix is one raw position report from the device API, before gating.
type Fix struct {
	Coordinate geo.Coordinate
	Time       time.Time
	SpeedMps   float64
	HeadingDeg float64
}

// Source is the device geolocation boundary. Watch delivers raw fixes until
// the returned stop function is called or the context ends.
type Source interface {
	RequestPermission(ctx context.Context) error
	Watch(ctx context.Context, fn func(Fix)) (stop func(), err error)
}

type Options struct {
	MinInterval time.Duration // default 10s
	MinDistM    float64       // default 20m
	Metrics     *metrics.Collector
}

// Sampler emits a LocationSample only once both gates are satisfied since
// the last emission: at least MinInterval elapsed and at least MinDistM
// moved. The first fix after arming sets the baseline without emitting.
type Sampler struct {
	src         Source
	minInterval time.Duration
	minDistM    float64
	metrics     *metrics.Collector

	mu        sync.Mutex
	started   bool
	paused    bool
	stopWatch func()
	onSample  func(trip.LocationSample)

	armed     bool
	baseCoord geo.Coordinate
	baseTime  time.Time
	lastSeen  time.Time
}

func New(src Source, opts Options) *Sampler {
	if opts.MinInterval <= 0 {
		opts.MinInterval = 10 * time.Second
	}
	if opts.MinDistM <= 0 {
		opts.MinDistM = 20
	}
	return &Sampler{
		src:         src,
		minInterval: opts.MinInterval,
		minDistM:    opts.MinDistM,
		metrics:     opts.Metrics,
	}
}

// Start requests permission and begins watching. A denied permission is
// returned as ErrPermissionDenied and nothing is subscribed.
func (s *Sampler) Start(ctx context.Context, onSample func(trip.LocationSample)) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errAlreadyStarted
	}
	s.mu.Unlock()

	if err := s.src.RequestPermission(ctx); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("request location permission: %w", err)
	}

	stop, err := s.src.Watch(ctx, s.handleFix)
	if err != nil {
		return fmt.Errorf("watch location: %w", err)
	}

	s.mu.Lock()
	s.started = true
	s.paused = false
	s.armed = false
	s.lastSeen = time.Time{}
	s.stopWatch = stop
	s.onSample = onSample
	s.mu.Unlock()
	return nil
}

// Stop releases the underlying subscription. Idempotent.
func (s *Sampler) Stop() {
	s.mu.Lock()
	stop := s.stopWatch
	s.stopWatch = nil
	s.started = false
	s.onSample = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Pause suspends emission without destroying the subscription.
func (s *Sampler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-enables emission after Pause.
func (s *Sampler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *Sampler) handleFix(f Fix) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	if s.paused {
		s.mu.Unlock()
		s.drop("paused")
		return
	}
	// Non-decreasing within a session; older fixes are an expected race.
	if !s.lastSeen.IsZero() && f.Time.Before(s.lastSeen) {
		s.mu.Unlock()
		s.drop("stale")
		return
	}
	s.lastSeen = f.Time

	if !s.armed {
		s.armed = true
		s.baseCoord = f.Coordinate
		s.baseTime = f.Time
		s.mu.Unlock()
		return
	}

	if f.Time.Sub(s.baseTime) < s.minInterval ||
		geo.DistanceMeters(s.baseCoord, f.Coordinate) < s.minDistM {
		s.mu.Unlock()
		s.drop("gated")
		return
	}

	s.baseCoord = f.Coordinate
	s.baseTime = f.Time
	emit := s.onSample
	s.mu.Unlock()

	if emit != nil {
		emit(trip.LocationSample{
			Coordinate:  f.Coordinate,
			TimestampMs: f.Time.UnixMilli(),
			SpeedMps:    f.SpeedMps,
			HeadingDeg:  f.HeadingDeg,
		})
	}
}

func (s *Sampler) drop(reason string) {
	if s.metrics != nil {
		s.metrics.SamplesDropped.WithLabelValues(reason).Inc()
	}
}
