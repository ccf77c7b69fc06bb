package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                     string
	DatabaseURL              string
	NumberPrefix             string
	ServiceDuration          time.Duration
	RateLimitPerMinute       int
	RateLimitBurst           int
	AgencyRateLimitPerMinute int
	AgencyRateLimitBurst     int
	PollInterval             time.Duration
	BatchSize                int
	NotifyProvider           string
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                     port,
		DatabaseURL:              os.Getenv("DB_DSN"),
		NumberPrefix:             os.Getenv("NUMBER_PREFIX"),
		ServiceDuration:          readDurationSeconds("SERVICE_DURATION_SECONDS", 300),
		RateLimitPerMinute:       readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("RATE_LIMIT_BURST", 30),
		AgencyRateLimitPerMinute: readInt("AGENCY_RATE_LIMIT_PER_MIN", 600),
		AgencyRateLimitBurst:     readInt("AGENCY_RATE_LIMIT_BURST", 120),
		PollInterval:             readDurationSeconds("POLL_INTERVAL_SECONDS", 2),
		BatchSize:                readInt("BATCH_SIZE", 50),
		NotifyProvider:           os.Getenv("NOTIFY_PROVIDER"),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
