package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"tripwatch/internal/config"
	"tripwatch/internal/db"
	"tripwatch/internal/geo"
	"tripwatch/internal/metrics"
	"tripwatch/internal/server"
	"tripwatch/internal/sim"
	"tripwatch/internal/trip"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	seed := demoTrips()
	if cfg.DatabaseURL != "" {
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer sqlDB.Close()
		if err := db.Ping(ctx, sqlDB); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
		seed, err = db.FetchSeedTrips(ctx, sqlDB)
		if err != nil {
			log.Fatalf("fetch seed trips error: %v", err)
		}
		log.Printf("loaded %d seed trips from database", len(seed))
	}

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

	hub := server.NewHub()
	mgr := sim.NewManager(hub, cfg.PublishInterval, cfg.SpeedMultiplier, mcol)
	mgr.Load(seed)
	for _, t := range seed {
		log.Printf("trip %s ready: %.4f,%.4f -> %.4f,%.4f (%d passengers)",
			t.ID, t.Pickup.Lat, t.Pickup.Lng, t.Destination.Lat, t.Destination.Lng, len(t.Passengers))
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: server.New(mgr, hub).Router()}
	go func() {
		log.Printf("simulator listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve error: %v", err)
		}
	}()

	<-ctx.Done()
	mgr.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Println("shutdown complete")
}

// demoTrips is the fallback seed when no database is configured: one trip
// across Lagos with two riders waiting at the pickup.
func demoTrips() []trip.Trip {
	pickup := geo.Coordinate{Lat: 6.5244, Lng: 3.3792}
	dest := geo.Coordinate{Lat: 6.4550, Lng: 3.3940}
	return []trip.Trip{{
		ID:               "demo-trip",
		DriverID:         uuid.NewString(),
		Pickup:           pickup,
		Destination:      dest,
		Fare:             2400,
		ScheduledMinutes: 35,
		Passengers: []trip.PassengerEntry{
			{ID: uuid.NewString(), UserID: uuid.NewString(), Coordinate: pickup, SeatIndex: 0, FareShare: 1200, Status: trip.PassengerWaiting},
			{ID: uuid.NewString(), UserID: uuid.NewString(), Coordinate: pickup, SeatIndex: 1, FareShare: 1200, Status: trip.PassengerWaiting},
		},
	}}
}
