// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/text/language"
)

type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	PostgresDSN string
	RedisAddr   string
	NATSURL     string
	NATSSubject string
	JWTSecret   string
	LogLevel    string
	TraceStdout bool
	Migrate     bool

	Location  *time.Location
	Collation language.Tag

	LockTTL         time.Duration
	LockMaxAttempts int
	LockBackoff     time.Duration

	ReadRate   float64
	ReadBurst  float64
	WriteRate  float64
	WriteBurst float64

	OutboxPoll      time.Duration
	OutboxBatch     int
	OutboxRetry     int
	OutboxRetention time.Duration
}

// Load reads the environment after applying the file named by ENV_FILE
// (default .env). Variables already set win over the file; a missing file is
// not an error.
func Load() (Config, error) {
	path := getenv("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:    getenvAllowEmpty("GRPC_ADDR", ":9090"),
		PostgresDSN: firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		NATSURL:     os.Getenv("NATS_URL"),
		NATSSubject: getenv("NATS_SUBJECT", "booking.events"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		TraceStdout: parseBoolEnv("TRACE_STDOUT", false),
		Migrate:     parseBoolEnv("DB_MIGRATE", true),

		LockTTL:         time.Duration(parseIntEnv("LOCK_TTL_MS", 5000)) * time.Millisecond,
		LockMaxAttempts: parseIntEnv("LOCK_MAX_ATTEMPTS", 20),
		LockBackoff:     time.Duration(parseIntEnv("LOCK_BACKOFF_MS", 10)) * time.Millisecond,

		ReadRate:   parseFloatEnv("RATE_READ_RPS", 50),
		ReadBurst:  parseFloatEnv("RATE_READ_BURST", 100),
		WriteRate:  parseFloatEnv("RATE_WRITE_RPS", 10),
		WriteBurst: parseFloatEnv("RATE_WRITE_BURST", 20),

		OutboxPoll:      time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch:     parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry:     parseIntEnv("OUTBOX_RETRY_MAX", 3),
		OutboxRetention: time.Duration(parseIntEnv("OUTBOX_RETENTION_HOURS", 168)) * time.Hour,
	}

	cfg.Location = time.Local
	if tz := os.Getenv("BOOKING_TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Config{}, fmt.Errorf("BOOKING_TIMEZONE %q: %w", tz, err)
		}
		cfg.Location = loc
	}

	tag, err := language.Parse(getenv("COLLATION_LANG", "en"))
	if err != nil {
		return Config{}, fmt.Errorf("COLLATION_LANG: %w", err)
	}
	cfg.Collation = tag
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getenvAllowEmpty treats an explicitly empty variable as a value.
func getenvAllowEmpty(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}
