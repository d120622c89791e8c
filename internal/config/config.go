// Package config loads service settings from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	GeocoderURL string
	GeocoderKey string
	GeocoderRPS float64

	APIKeys      []string
	ScheduleFile string

	WebhookMaxAttempts int
	LogLevel           string
}

// Load reads .env if present, then the environment. Unset values fall back to
// dev defaults; an empty DatabaseURL selects the in-memory store.
func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Port:               envOr("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		GeocoderURL:        os.Getenv("GEOCODER_URL"),
		GeocoderKey:        os.Getenv("GEOCODER_API_KEY"),
		GeocoderRPS:        envFloat("GEOCODER_RPS", 5),
		ScheduleFile:       os.Getenv("TRUCK_SCHEDULE_FILE"),
		WebhookMaxAttempts: envInt("WEBHOOK_MAX_ATTEMPTS", 8),
		LogLevel:           envOr("LOG_LEVEL", "info"),
	}
	if keys := os.Getenv("API_KEYS"); keys != "" {
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.APIKeys = append(cfg.APIKeys, k)
			}
		}
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
