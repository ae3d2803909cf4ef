package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests can run collectors side by side
// without duplicate-registration panics.
type Collector struct {
	reg *prometheus.Registry

	SamplesAccepted prometheus.Counter
	SamplesDropped  *prometheus.CounterVec // reason label: stale|gated|paused
	EventsReceived  *prometheus.CounterVec // type label
	EventsDiscarded prometheus.Counter
	CommandsSent    *prometheus.CounterVec // type label
	CommandErrs     prometheus.Counter

	Reconnects      prometheus.Counter
	ConnectionState prometheus.Gauge // 0 disconnected, 1 connecting, 2 connected

	MergeDuration prometheus.Histogram

	ActiveTrips   prometheus.Gauge
	TripsStarted  prometheus.Counter
	TripsFinished prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		SamplesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_samples_accepted_total",
			Help: "Location samples accepted into the trip state store.",
		}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_samples_dropped_total",
			Help: "Location samples dropped before merge.",
		}, []string{"reason"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_events_received_total",
			Help: "Server events delivered to handlers.",
		}, []string{"type"}),
		EventsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_events_discarded_total",
			Help: "Malformed or unknown server events discarded.",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_commands_sent_total",
			Help: "Outbound trip commands written to the channel.",
		}, []string{"type"}),
		CommandErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_command_errors_total",
			Help: "Outbound commands rejected or failed.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_reconnect_attempts_total",
			Help: "Reconnect attempts issued by the trip channel.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_connection_state",
			Help: "Trip channel state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		MergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_merge_duration_seconds",
			Help:    "Duration of store merge operations.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12),
		}),
		ActiveTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_active_trips",
			Help: "Number of currently running trip goroutines.",
		}),
		TripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_trips_started_total",
			Help: "Total trips started.",
		}),
		TripsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_trips_finished_total",
			Help: "Total trips finished.",
		}),
	}

	reg.MustRegister(
		c.SamplesAccepted, c.SamplesDropped,
		c.EventsReceived, c.EventsDiscarded,
		c.CommandsSent, c.CommandErrs,
		c.Reconnects, c.ConnectionState,
		c.MergeDuration,
		c.ActiveTrips, c.TripsStarted, c.TripsFinished,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
