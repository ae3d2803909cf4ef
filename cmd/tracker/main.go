package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tripwatch/internal/channel"
	"tripwatch/internal/config"
	"tripwatch/internal/geo"
	"tripwatch/internal/hydrate"
	"tripwatch/internal/metrics"
	"tripwatch/internal/sampler"
	"tripwatch/internal/session"
	"tripwatch/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.UserID == "" || cfg.TripID == "" {
		log.Fatalf("USER_ID and TRIP_ID must be set")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector()
		msrv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = msrv.Shutdown(shutdownCtx)
		}()
	}

	st := store.New(mcol)
	ch := channel.New(channel.Options{
		URL:           cfg.ServerURL,
		RetryDelay:    cfg.ReconnectDelay,
		RetryMaxDelay: cfg.ReconnectMaxDelay,
		MaxAttempts:   cfg.ReconnectAttempts,
		Metrics:       mcol,
		OnState: func(s channel.State) {
			st.SetConnectionState(s)
			log.Printf("channel %s", s)
		},
	})
	hydrator := hydrate.New(cfg.HydrationURL, cfg.GeocoderURL)

	// The CLI has no device GPS; replay fixes along the trip's route as a
	// stand-in for the platform location API.
	seed, err := hydrator.TripSnapshot(ctx, cfg.TripID)
	if err != nil {
		log.Fatalf("fetch trip %s: %v", cfg.TripID, err)
	}
	src := newReplaySource(seed.Pickup, seed.Destination, 12.0, 2*time.Second)

	smp := sampler.New(src, sampler.Options{
		MinInterval: cfg.SampleMinInterval,
		MinDistM:    cfg.SampleMinDistM,
		Metrics:     mcol,
	})

	ctrl := session.New(session.Options{
		UserID:   cfg.UserID,
		TripID:   cfg.TripID,
		Store:    st,
		Sampler:  smp,
		Channel:  ch,
		Hydrator: hydrator,
		Map:      logMap{},
	})
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("session start: %v", err)
	}
	defer ctrl.Teardown()

	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()
	started := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		snap := ctrl.Snapshot()
		if !started && snap.ConnectionState == channel.StateConnected {
			if err := ch.SendStartTrip(); err != nil {
				log.Printf("start trip: %v", err)
			} else {
				started = true
			}
		}
		printSnapshot(snap)
		if ctrl.Phase() == session.PhaseTornDown {
			log.Println("trip finished")
			return
		}
	}
}

func printSnapshot(s store.Snapshot) {
	if s.Trip == nil {
		log.Printf("conn=%s (no trip)", s.ConnectionState)
		return
	}
	eta := "unknown"
	if s.Progress.ETAKnown {
		eta = time.Duration(s.Progress.ETAMinutes * float64(time.Minute)).Round(time.Second).String()
	}
	log.Printf("conn=%s status=%s pos=%.4f,%.4f progress=%.1f%% eta=%s speed=%.1fkm/h passengers=%d",
		s.ConnectionState, s.Trip.Status,
		s.Trip.Current.Lat, s.Trip.Current.Lng,
		s.Progress.Percent, eta, s.Progress.SpeedKmh, len(s.ActivePassengers))
}

// logMap satisfies the map adapter without rendering anything.
type logMap struct{}

func (logMap) MoveTo(c geo.Coordinate) { log.Printf("map: center %.4f,%.4f", c.Lat, c.Lng) }
func (logMap) DrawRoute(a, b geo.Coordinate) {
	log.Printf("map: route %.4f,%.4f -> %.4f,%.4f", a.Lat, a.Lng, b.Lat, b.Lng)
}

// replaySource walks from pickup to destination at a fixed speed, emitting
// a fix per tick. It implements sampler.Source.
type replaySource struct {
	from, to geo.Coordinate
	speedMps float64
	step     time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newReplaySource(from, to geo.Coordinate, speedMps float64, step time.Duration) *replaySource {
	return &replaySource{from: from, to: to, speedMps: speedMps, step: step}
}

func (r *replaySource) RequestPermission(ctx context.Context) error { return nil }

func (r *replaySource) Watch(ctx context.Context, fn func(sampler.Fix)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	totalKm := geo.DistanceKm(r.from, r.to)
	go func() {
		tick := time.NewTicker(r.step)
		defer tick.Stop()
		start := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-tick.C:
				doneKm := r.speedMps / 1000 * now.Sub(start).Seconds()
				f := 1.0
				if totalKm > 0 && doneKm < totalKm {
					f = doneKm / totalKm
				}
				fn(sampler.Fix{
					Coordinate: geo.Coordinate{
						Lat: r.from.Lat + (r.to.Lat-r.from.Lat)*f,
						Lng: r.from.Lng + (r.to.Lng-r.from.Lng)*f,
					},
					Time:     now,
					SpeedMps: r.speedMps,
				})
			}
		}
	}()

	return func() {
		r.mu.Lock()
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
		r.mu.Unlock()
	}, nil
}
