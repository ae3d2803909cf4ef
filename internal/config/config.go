package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Tracker (client) side.
	ServerURL         string // ws(s):// endpoint of the trip backend
	HydrationURL      string // http(s):// base for snapshot hydration
	GeocoderURL       string // optional reverse-geocoding base, empty disables
	UserID            string
	TripID            string
	SampleMinInterval time.Duration
	SampleMinDistM    float64
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	ReconnectAttempts int

	// Simulator (dev backend) side.
	ListenAddr      string
	DatabaseURL     string // optional; built-in demo trip when empty
	PublishInterval time.Duration
	SpeedMultiplier float64

	MetricsAddr string // empty disables the metrics server
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.ServerURL = getenvDefault("SERVER_URL", "ws://127.0.0.1:8090/ws")
	cfg.HydrationURL = getenvDefault("HYDRATION_URL", "http://127.0.0.1:8090")
	cfg.GeocoderURL = os.Getenv("GEOCODER_URL")
	cfg.UserID = os.Getenv("USER_ID")
	cfg.TripID = os.Getenv("TRIP_ID")

	var err error
	if cfg.SampleMinInterval, err = durationMS("SAMPLE_MIN_INTERVAL_MS", 10*time.Second); err != nil {
		return nil, err
	}
	if v := os.Getenv("SAMPLE_MIN_DISTANCE_M"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid SAMPLE_MIN_DISTANCE_M: %q", v)
		}
		cfg.SampleMinDistM = f
	} else {
		cfg.SampleMinDistM = 20
	}

	if cfg.ReconnectDelay, err = durationMS("RECONNECT_DELAY_MS", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectMaxDelay, err = durationMS("RECONNECT_MAX_DELAY_MS", 60*time.Second); err != nil {
		return nil, err
	}
	if v := os.Getenv("RECONNECT_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid RECONNECT_MAX_ATTEMPTS: %q", v)
		}
		cfg.ReconnectAttempts = n
	} else {
		cfg.ReconnectAttempts = 10
	}

	cfg.ListenAddr = getenvDefault("LISTEN_ADDR", ":8090")
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if cfg.PublishInterval, err = durationMS("PUBLISH_INTERVAL_MS", time.Second); err != nil {
		return nil, err
	}
	if v := os.Getenv("SPEED_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid SPEED_MULTIPLIER: %q", v)
		}
		cfg.SpeedMultiplier = f
	} else {
		cfg.SpeedMultiplier = 1.0
	}

	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	return cfg, nil
}

func durationMS(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
